// Package serialport wraps a duplex byte-oriented serial port with a
// per-operation deadline, the DTR/RTS control lines used to drive the
// Espressif reset/boot-strap sequence, and event-bus mirroring of
// everything read and written.
package serialport

import (
	"io"
	"time"

	"go.bug.st/serial"

	"espflash/internal/events"
)

// interByteFloor is the minimum per-read deadline: short enough to stay
// responsive to inter-byte gaps, independent of how much of the outer
// operation's budget remains.
const interByteFloor = 10 * time.Millisecond

// Port is a single-owner wrapper around a go.bug.st/serial.Port. It is
// not safe for concurrent use from multiple goroutines.
type Port struct {
	port serial.Port
	bus  *events.Bus
	name string
	baud int
}

// Open opens name at baud, 8-N-1, non-blocking.
func Open(name string, baud int, bus *events.Bus) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return &Port{port: sp, bus: bus, name: name, baud: baud}, nil
}

// Close releases the underlying port.
func (p *Port) Close() error {
	return p.port.Close()
}

// Name returns the port path Open was called with.
func (p *Port) Name() string { return p.name }

// BaudRate returns the last baud rate set via Open or SetBaudRate.
func (p *Port) BaudRate() int { return p.baud }

// SetBaudRate closes and reopens the port at a new rate, mirroring the
// way go.bug.st/serial exposes baud changes (no live-reconfigure call
// on most platform backends).
func (p *Port) SetBaudRate(baud int) error {
	if err := p.port.Close(); err != nil {
		return err
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(p.name, mode)
	if err != nil {
		return err
	}
	p.port = sp
	p.baud = baud
	return nil
}

// SetDTR asserts or deasserts the DTR line (GPIO0 boot-mode strap on
// the standard Espressif USB-UART wiring; active low).
func (p *Port) SetDTR(v bool) error { return p.port.SetDTR(v) }

// SetRTS asserts or deasserts the RTS line (EN / chip reset on the
// standard Espressif USB-UART wiring; active low).
func (p *Port) SetRTS(v bool) error { return p.port.SetRTS(v) }

// Flush discards any buffered, unread input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// Read performs one read into buf and emits a SerialRead event for a
// non-empty chunk. A read that ends with zero bytes (timeout or EOF)
// returns (0, nil), so the error is non-nil only for genuine transport
// faults. A deadline that has already passed returns (0, nil) without
// reading.
//
// Read applies the effective per-syscall deadline: max(interByteFloor,
// remaining time of deadline).
func (p *Port) Read(buf []byte, deadline time.Time) (int, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, nil
	}
	effective := remaining
	if effective < interByteFloor {
		effective = interByteFloor
	}
	if err := p.port.SetReadTimeout(effective); err != nil {
		return 0, err
	}
	n, err := p.port.Read(buf)
	if err != nil {
		if err == io.EOF {
			return n, nil
		}
		return n, err
	}
	if n > 0 && p.bus != nil {
		p.bus.Emit(events.SerialRead, "", buf[:n])
	}
	return n, nil
}

// Write sends a complete frame and emits a SerialWrite event.
func (p *Port) Write(data []byte) error {
	if _, err := p.port.Write(data); err != nil {
		return err
	}
	if p.bus != nil {
		p.bus.Emit(events.SerialWrite, "", data)
	}
	return nil
}
