package flasher

import (
	"encoding/binary"
	"sync"
	"time"

	"espflash/internal/protocol"
	"espflash/internal/slip"
)

// fakeConn is a scripted stand-in for serialport.Conn: Write decodes
// each complete SLIP frame written to it and hands the command to
// onCommand, which returns zero or more raw (pre-SLIP) frames to
// enqueue for subsequent Reads. It never actually blocks, so a Read
// against an empty queue returns (0, nil) immediately; callers relying
// on deadline-driven timeouts still observe real wall-clock timing
// since the production code computes "time's up" itself.
type fakeConn struct {
	mu        sync.Mutex
	pending   []byte
	dec       slip.Decoder
	baud      int
	onCommand func(op protocol.Opcode, body []byte) [][]byte
	seen      []protocol.Opcode
}

func newFakeConn(onCommand func(op protocol.Opcode, body []byte) [][]byte) *fakeConn {
	return &fakeConn{baud: 115200, onCommand: onCommand}
}

func (f *fakeConn) Read(buf []byte, deadline time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := copy(buf, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeConn) Write(data []byte) error {
	for _, b := range data {
		frame, err := f.dec.Feed(b)
		if err == slip.ErrNeedMoreData || err != nil {
			continue
		}
		f.handleFrame(frame)
	}
	return nil
}

func (f *fakeConn) handleFrame(frame []byte) {
	if len(frame) < 8 {
		return
	}
	op := protocol.Opcode(frame[1])
	body := frame[8:]

	f.mu.Lock()
	f.seen = append(f.seen, op)
	f.mu.Unlock()

	if f.onCommand == nil {
		return
	}
	frames := f.onCommand(op, body)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rf := range frames {
		f.pending = append(f.pending, slip.Encode(rf)...)
	}
}

func (f *fakeConn) SetDTR(v bool) error { return nil }
func (f *fakeConn) SetRTS(v bool) error { return nil }
func (f *fakeConn) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	return nil
}
func (f *fakeConn) Close() error            { return nil }
func (f *fakeConn) SetBaudRate(b int) error { f.baud = b; return nil }
func (f *fakeConn) BaudRate() int           { return f.baud }
func (f *fakeConn) Name() string            { return "fake" }

// buildResponseFrame assembles a raw (pre-SLIP) response frame.
func buildResponseFrame(op protocol.Opcode, value uint32, data []byte, status, errCode byte) []byte {
	body := append(append([]byte{}, data...), status, errCode)
	frame := make([]byte, 8+len(body))
	frame[0] = 1
	frame[1] = byte(op)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], value)
	copy(frame[8:], body)
	return frame
}

func ok(op protocol.Opcode, value uint32, data []byte) []byte {
	return buildResponseFrame(op, value, data, 0, 0)
}

func readRegAddr(body []byte) uint32 {
	return binary.LittleEndian.Uint32(body[0:4])
}
