// Package flasher drives the Espressif bootloader protocol end to
// end: handshake, chip identification, SPI attach, RAM/flash upload,
// stub activation, and MD5 verification, on top of internal/protocol's
// wire codec and internal/serialport's timed transport.
package flasher

import (
	"strings"
	"time"

	"espflash/internal/chip"
	"espflash/internal/events"
	"espflash/internal/protocol"
	"espflash/internal/serialport"
	"espflash/internal/slip"
)

// Default per-command timeouts. FlashBegin's is long because it covers
// the target's sector-erase time; the rest mirror ordinary round trips.
const (
	DefaultTimeout    = 3 * time.Second
	SyncAttemptPeriod = 100 * time.Millisecond
	FlashBeginTimeout = 20 * time.Second
	FlashDataTimeout  = 5 * time.Second
	FlashEndTimeout   = 5 * time.Second
	stubHelloTimeout  = 500 * time.Millisecond
)

const bannerText = "waiting for download"

// Session is one open connection to a target running either the first
// -stage ROM loader or an uploaded RAM stub. Not safe for concurrent
// use: the protocol is strictly request/response over one serial line.
type Session struct {
	port serialport.Conn
	bus  *events.Bus

	peer     protocol.PeerMode
	attached bool
	chip     chip.Chip
	widths   protocol.WidthCache

	dec      slip.Decoder
	leftover []byte // bytes read off the wire but not yet fed to dec
}

// Open wraps an already-opened serial connection. The session starts
// addressed at the ROM loader; Connect (or ConnectManual) establishes
// synchronization before any other command is meaningful.
func Open(port serialport.Conn, bus *events.Bus) *Session {
	return &Session{port: port, bus: bus, peer: protocol.ROM}
}

// Peer reports whether the session is currently talking to the ROM
// loader or an activated stub.
func (s *Session) Peer() protocol.PeerMode { return s.peer }

// Chip reports the most recently identified target, or chip.Unknown
// before Identify has run.
func (s *Session) Chip() chip.Chip { return s.chip }

// Attached reports whether SPI flash access has been enabled.
func (s *Session) Attached() bool { return s.attached }

// Close releases the underlying transport.
func (s *Session) Close() error { return s.port.Close() }

// readFrame decodes exactly one SLIP frame from the wire, or returns a
// *protocol.TimeoutError once deadline elapses without one completing.
// Bytes belonging to a subsequent frame can arrive in the same read as
// the one being decoded (a Sync storm, or a stub's OHAI banner right
// behind a MemEnd reply); any such leftover is kept on the session and
// fed to the decoder first on the next call, rather than dropped.
func (s *Session) readFrame(deadline time.Time) ([]byte, error) {
	buf := make([]byte, 256)
	for {
		for len(s.leftover) > 0 {
			b := s.leftover[0]
			s.leftover = s.leftover[1:]
			frame, ferr := s.dec.Feed(b)
			if ferr == slip.ErrNeedMoreData {
				continue
			}
			if ferr != nil {
				return nil, &protocol.FormatError{Msg: ferr.Error()}
			}
			s.bus.Emit(events.SlipRead, "", frame)
			return frame, nil
		}
		if !time.Now().Before(deadline) {
			return nil, &protocol.TimeoutError{Op: "read"}
		}
		n, err := s.port.Read(buf, deadline)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		s.leftover = append(s.leftover, buf[:n]...)
	}
}

// readLine reads raw (non-SLIP) bytes up to and including the next
// newline, used only while listening for the ROM's boot banner.
func (s *Session) readLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var buf []byte
	tmp := make([]byte, 64)
	for {
		n, err := s.port.Read(tmp, deadline)
		if err != nil {
			return "", err
		}
		if n == 0 {
			if !time.Now().Before(deadline) {
				return "", &protocol.TimeoutError{Op: "readLine"}
			}
			continue
		}
		buf = append(buf, tmp[:n]...)
		if idx := indexByte(buf, '\n'); idx >= 0 {
			return string(buf[:idx+1]), nil
		}
		if !time.Now().Before(deadline) {
			return "", &protocol.TimeoutError{Op: "readLine"}
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// sendAndReceive frames and writes one command, then reads frames
// until one decodes to a matching opcode or deadline elapses.
// checksumData is non-nil only for the three data-bearing opcodes.
func (s *Session) sendAndReceive(op protocol.Opcode, body, checksumData []byte, deadline time.Time) (*protocol.Response, error) {
	var packet []byte
	if checksumData != nil {
		packet = protocol.EncodeDataCommand(op, body, checksumData)
	} else {
		packet = protocol.EncodeCommand(op, body)
	}
	s.bus.Emit(events.Command, op.String(), packet)
	framed := slip.Encode(packet)
	if err := s.port.Write(framed); err != nil {
		return nil, err
	}
	s.bus.Emit(events.SlipWrite, "", framed)

	for {
		frame, err := s.readFrame(deadline)
		if err != nil {
			if protocol.IsTimeout(err) {
				s.bus.Emit(events.CommandTimeout, op.String(), nil)
			}
			return nil, err
		}
		resp, err := protocol.DecodeResponse(frame, s.peer, &s.widths)
		if err != nil {
			s.bus.Emit(events.InvalidResponse, err.Error(), frame)
			continue
		}
		if resp.Opcode != op {
			s.bus.Emit(events.InvalidResponse, "opcode mismatch: got "+resp.Opcode.String()+" want "+op.String(), frame)
			continue
		}
		s.bus.Emit(events.Response, op.String(), frame)
		return resp, nil
	}
}

// Command issues a non-data-bearing command and waits timeout for its
// response, returning the target's value word and any response data.
// A target-reported failure (status==1) surfaces as *protocol.CommandError.
func (s *Session) Command(op protocol.Opcode, body []byte, timeout time.Duration) (uint32, []byte, error) {
	resp, err := s.sendAndReceive(op, body, nil, time.Now().Add(timeout))
	if err != nil {
		return 0, nil, err
	}
	if err := resp.Err(); err != nil {
		return 0, nil, err
	}
	return resp.Value, resp.Data, nil
}

// dataCommand issues FlashData/MemData/FlashDeflData, whose checksum
// covers only raw, the packet's actual payload slice.
func (s *Session) dataCommand(op protocol.Opcode, body, raw []byte, timeout time.Duration) (uint32, []byte, error) {
	resp, err := s.sendAndReceive(op, body, raw, time.Now().Add(timeout))
	if err != nil {
		return 0, nil, err
	}
	if err := resp.Err(); err != nil {
		return 0, nil, err
	}
	return resp.Value, resp.Data, nil
}

func hasBanner(line string) bool {
	return strings.Contains(line, bannerText)
}
