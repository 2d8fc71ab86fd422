package flasher

import (
	"time"

	"espflash/internal/chip"
	"espflash/internal/events"
	"espflash/internal/protocol"
)

// Connect drives the target into the bootloader and establishes
// synchronization: up to ten reset/listen rounds on the standard
// EN/GPIO0 polarity, each followed by up to ten 100ms listens for the
// ROM's boot banner; if every round times out, one further pass is
// tried with DTR/RTS swapped for boards that wire the USB-UART adapter
// with inverted reset polarity. A transport fault (as opposed to a
// timeout) aborts immediately without trying the inverted pass.
func (s *Session) Connect() error {
	err := s.connectAttempt(false)
	if err == nil {
		return nil
	}
	if !protocol.IsTimeout(err) {
		return err
	}
	return s.connectAttempt(true)
}

// ConnectManual skips the reset/banner sequence entirely and attempts
// only the Sync handshake, for a target already sitting in the
// bootloader (manually strapped, or left over from a prior session).
func (s *Session) ConnectManual() error {
	return s.syncDrain()
}

func (s *Session) connectAttempt(invert bool) error {
	for round := 0; round < 10; round++ {
		if err := s.reset(true, invert); err != nil {
			return err
		}
		seen, err := s.awaitBanner()
		if err != nil {
			return err
		}
		if seen {
			return s.syncDrain()
		}
	}
	return &protocol.TimeoutError{Op: "connect"}
}

func (s *Session) awaitBanner() (bool, error) {
	for i := 0; i < 10; i++ {
		line, err := s.readLine(100 * time.Millisecond)
		if err != nil {
			if protocol.IsTimeout(err) {
				continue
			}
			return false, err
		}
		s.bus.Emit(events.SerialLine, line, nil)
		if hasBanner(line) {
			return true, nil
		}
	}
	return false, nil
}

// reset drives the EN (chip reset) and GPIO0 (boot-mode strap) lines
// through the standard sequence: assert EN, deassert GPIO0, hold
// 100ms and flush, release EN with GPIO0 held at bootMode, hold
// 500ms, then release GPIO0. Both lines are active low on the
// standard Espressif USB-UART wiring (RTS->EN, DTR->GPIO0); invert
// swaps which physical line plays which role, for boards that wire it
// the other way around.
func (s *Session) reset(bootMode, invert bool) error {
	setEN, setGPIO0 := s.port.SetRTS, s.port.SetDTR
	if invert {
		setEN, setGPIO0 = s.port.SetDTR, s.port.SetRTS
	}

	if err := setEN(true); err != nil {
		return err
	}
	if err := setGPIO0(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.port.Flush(); err != nil {
		return err
	}
	if err := setGPIO0(bootMode); err != nil {
		return err
	}
	if err := setEN(false); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	if err := setGPIO0(false); err != nil {
		return err
	}

	s.bus.Emit(events.Reset, "", nil)
	s.peer = protocol.ROM
	s.attached = false
	s.widths = protocol.WidthCache{}
	s.dec.Reset()
	s.leftover = nil
	return nil
}

// HardReset releases the target to run its own firmware (bootMode
// false) or strap it back into the bootloader without going through
// the Sync handshake (bootMode true); callers that need a synchronized
// session again should call Connect instead.
func (s *Session) HardReset(bootMode bool) error {
	return s.reset(bootMode, false)
}

// syncDrain sends up to 100 Sync commands, each with a 100ms deadline,
// until one is answered. The target replies to a Sync with a storm of
// further Sync-shaped responses; once the first reply arrives the
// storm is drained by reading until a read times out, which marks the
// end of the storm and overall success.
func (s *Session) syncDrain() error {
	for i := 0; i < 100; i++ {
		deadline := time.Now().Add(SyncAttemptPeriod)
		resp, err := s.sendAndReceive(protocol.Sync, protocol.SyncBody(), nil, deadline)
		if err != nil {
			if protocol.IsTimeout(err) {
				continue
			}
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		return s.drainSyncStorm()
	}
	return &protocol.TimeoutError{Op: "sync"}
}

func (s *Session) drainSyncStorm() error {
	for {
		deadline := time.Now().Add(SyncAttemptPeriod)
		if _, err := s.readFrame(deadline); err != nil {
			if protocol.IsTimeout(err) {
				return nil
			}
			return err
		}
	}
}

// ChangeBaudRate tells the target to switch baud rates, then switches
// the local port to match. old_rate must be zero when talking to the
// ROM loader; the stub expects the port's current rate there instead.
func (s *Session) ChangeBaudRate(newRate int) error {
	var old uint32
	if s.peer == protocol.Stub {
		old = uint32(s.port.BaudRate())
	}
	if _, _, err := s.Command(protocol.ChangeBaudRate, protocol.ChangeBaudRateBody(uint32(newRate), old), DefaultTimeout); err != nil {
		return err
	}
	if err := s.port.Flush(); err != nil {
		return err
	}
	return s.port.SetBaudRate(newRate)
}

// Identify reads the chip-family magic register and resolves it
// against the known chip table. It must succeed before Attach,
// FlashID, or any flash/SPI operation.
func (s *Session) Identify() (chip.Info, error) {
	value, _, err := s.Command(protocol.ReadReg, protocol.ReadRegBody(chip.MagicRegAddr), DefaultTimeout)
	if err != nil {
		return chip.Info{}, err
	}
	c, ok := chip.ByMagic(value)
	if !ok {
		return chip.Info{}, &protocol.UsageError{Msg: "unrecognized device magic"}
	}
	s.chip = c
	return chip.Info{Chip: c, Magic: value, ImageID: c.ImageID()}, nil
}
