package flasher

import (
	"bytes"
	"compress/flate"
	"fmt"
	"time"

	"espflash/internal/chip"
	"espflash/internal/protocol"
	"espflash/internal/stub"
)

// RAM packet sizes (the ROM loader's RX buffer is larger than the
// stub's, the opposite of the flash packet sizes below) and the
// flash packet sizes; the ROM loader's flash packet size depends on
// the chip's RAM budget but 0x400 is safe for every supported part.
const (
	romMemPacket    = 0x4000
	stubMemPacket   = 0x1800
	romFlashPacket  = 0x400
	stubFlashPacket = 0x4000
)

func padTo(data []byte, multiple int) []byte {
	if multiple <= 0 || len(data)%multiple == 0 && len(data) > 0 {
		return data
	}
	padded := make([]byte, ((len(data)/multiple)+1)*multiple)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = 0xff
	}
	return padded
}

// WriteRAM uploads data to target RAM at offset via MemBegin/MemData.
// It does not send MemEnd; callers decide separately whether and how
// to jump (see MemEnd), since a stub upload writes its text and data
// segments as two separate WriteRAM calls before a single MemEnd.
func (s *Session) WriteRAM(data []byte, offset uint32) error {
	packetSize := romMemPacket
	if s.peer == protocol.Stub {
		packetSize = stubMemPacket
	}
	if len(data) == 0 {
		_, _, err := s.Command(protocol.MemBegin, protocol.MemBeginBody(0, 0, uint32(packetSize), offset), DefaultTimeout)
		return err
	}
	if len(data) < packetSize {
		packetSize = len(data)
	}
	padded := padTo(data, packetSize)
	numPackets := len(padded) / packetSize
	if _, _, err := s.Command(protocol.MemBegin, protocol.MemBeginBody(uint32(len(data)), uint32(numPackets), uint32(packetSize), offset), DefaultTimeout); err != nil {
		return err
	}
	for seq := 0; seq < numPackets; seq++ {
		chunk := padded[seq*packetSize : (seq+1)*packetSize]
		body := protocol.DataBody(chunk, uint32(seq))
		if _, _, err := s.dataCommand(protocol.MemData, body, chunk, DefaultTimeout); err != nil {
			return err
		}
	}
	return nil
}

// MemEnd optionally jumps to entry. A timeout on the ROM loader's
// reply is expected when execute is true and entry starts user code
// immediately, since the jump leaves nothing listening on the line to
// answer; that timeout is swallowed for the ROM. The same timeout
// talking to the stub is a real failure.
func (s *Session) MemEnd(execute bool, entry uint32) error {
	_, _, err := s.Command(protocol.MemEnd, protocol.MemEndBody(execute, entry), DefaultTimeout)
	if err != nil {
		if protocol.IsTimeout(err) && s.peer == protocol.ROM {
			return nil
		}
		return err
	}
	return nil
}

// RunStub uploads a parsed stub image's text and data segments, jumps
// to its entry point, and waits for its "OHAI" ready banner before
// flipping the session into stub peer mode. It fails if blob targets a
// different chip than Identify most recently resolved.
func (s *Session) RunStub(blob []byte) error {
	st, err := stub.Parse(blob)
	if err != nil {
		return &protocol.FormatError{Msg: err.Error()}
	}
	if st.Chip != s.chip {
		return &protocol.UsageError{Msg: fmt.Sprintf("stub targets %s, connected chip is %s", st.Chip, s.chip)}
	}
	if err := s.WriteRAM(st.Text, st.TextStart); err != nil {
		return err
	}
	if err := s.WriteRAM(st.Data, st.DataStart); err != nil {
		return err
	}
	if err := s.MemEnd(true, st.Entry); err != nil {
		return err
	}

	frame, err := s.readFrame(time.Now().Add(stubHelloTimeout))
	if err != nil {
		return err
	}
	if string(frame) != "OHAI" {
		return &protocol.ProtocolError{Msg: "stub did not send its OHAI ready banner"}
	}
	s.peer = protocol.Stub
	s.widths = protocol.WidthCache{}
	return nil
}

// WriteFlash uploads data to flash at offset, which must be
// sector-aligned (a multiple of 4096). When compress is true, data is
// DEFLATE-compressed (RFC 1951, no zlib wrapper, matching the ROM's
// built-in inflator) before upload via FlashDeflBegin/FlashDeflData;
// otherwise it is sent verbatim via FlashBegin/FlashData. reboot
// controls FlashEnd/FlashDeflEnd's trailing flag. ESP8266 is out of
// scope: its erase-size formula is undocumented by the spec this
// module follows and isn't guessed at.
func (s *Session) WriteFlash(data []byte, offset uint32, compress, reboot bool) error {
	if s.chip == chip.ESP8266 {
		return &protocol.UsageError{Msg: "ESP8266 erase not supported"}
	}
	if offset%4096 != 0 {
		return &protocol.UsageError{Msg: "flash offset must be sector (4096-byte) aligned"}
	}

	eraseSize := (uint32(len(data)) + 3) &^ 3
	packetSize := romFlashPacket
	if s.peer == protocol.Stub {
		packetSize = stubFlashPacket
	}

	if compress {
		return s.writeFlashCompressed(data, offset, eraseSize, packetSize, reboot)
	}
	return s.writeFlashPlain(data, offset, eraseSize, packetSize, reboot)
}

func (s *Session) writeFlashPlain(data []byte, offset, eraseSize uint32, packetSize int, reboot bool) error {
	padded := padTo(data, packetSize)
	numPackets := 0
	if len(padded) > 0 {
		numPackets = len(padded) / packetSize
	}
	if _, _, err := s.Command(protocol.FlashBegin, protocol.FlashBeginBody(eraseSize, uint32(numPackets), uint32(packetSize), offset), FlashBeginTimeout); err != nil {
		return err
	}
	for seq := 0; seq < numPackets; seq++ {
		chunk := padded[seq*packetSize : (seq+1)*packetSize]
		body := protocol.DataBody(chunk, uint32(seq))
		if _, _, err := s.dataCommand(protocol.FlashData, body, chunk, FlashDataTimeout); err != nil {
			return err
		}
	}
	_, _, err := s.Command(protocol.FlashEnd, protocol.EndBody(reboot), FlashEndTimeout)
	return err
}

func (s *Session) writeFlashCompressed(data []byte, offset, eraseSize uint32, packetSize int, reboot bool) error {
	padded := make([]byte, eraseSize)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = 0xff
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return err
	}
	if _, err := w.Write(padded); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	compressed := buf.Bytes()

	numPackets := (len(compressed) + packetSize - 1) / packetSize
	if len(compressed) == 0 {
		numPackets = 0
	}
	if _, _, err := s.Command(protocol.FlashDeflBegin, protocol.FlashBeginBody(eraseSize, uint32(numPackets), uint32(packetSize), offset), FlashBeginTimeout); err != nil {
		return err
	}
	for seq := 0; seq < numPackets; seq++ {
		start := seq * packetSize
		end := start + packetSize
		if end > len(compressed) {
			end = len(compressed)
		}
		chunk := compressed[start:end]
		body := protocol.DataBody(chunk, uint32(seq))
		if _, _, err := s.dataCommand(protocol.FlashDeflData, body, chunk, FlashDataTimeout); err != nil {
			return err
		}
	}
	_, _, err = s.Command(protocol.FlashDeflEnd, protocol.EndBody(reboot), FlashEndTimeout)
	return err
}

// md5Timeout scales with region size: roughly one second per
// megabyte, bounded to keep small reads snappy and large ones patient.
func md5Timeout(size uint32) time.Duration {
	t := 2*time.Second + time.Duration(size/(1<<20))*time.Second
	if t > 30*time.Second {
		t = 30 * time.Second
	}
	return t
}

// FlashMD5 returns the 16-byte MD5 digest the target computes over
// [address, address+size) of flash. The ROM loader's ASCII-hex and the
// stub's raw-byte response shapes are already normalized by
// protocol.DecodeResponse.
func (s *Session) FlashMD5(address, size uint32) ([]byte, error) {
	_, data, err := s.Command(protocol.SpiFlashMD5, protocol.SpiFlashMD5Body(address, size), md5Timeout(size))
	if err != nil {
		return nil, err
	}
	return data, nil
}
