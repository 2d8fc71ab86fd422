package flasher

import (
	"time"

	"espflash/internal/chip"
	"espflash/internal/protocol"
)

// SPI controller USR register bits (common across every supported
// chip's register layout; only the register addresses themselves
// differ per chip.SPIRegs).
const (
	usrCommand = 1 << 31
	usrAddr    = 1 << 30
	usrDummy   = 1 << 29
	usrMiso    = 1 << 28
	usrMosi    = 1 << 27
	usrStart   = 1 << 18
)

// Attach enables SPI flash access. ESP8266 has no SpiAttach opcode;
// the equivalent there is a FlashBegin with every field zeroed. Every
// other supported chip uses SpiAttach with an explicit pin-pack word
// (0 selects the chip's default SPI pins).
func (s *Session) Attach(pins uint32) error {
	if s.chip == chip.ESP8266 {
		if _, _, err := s.Command(protocol.FlashBegin, protocol.FlashBeginBody(0, 0, 0, 0), DefaultTimeout); err != nil {
			return err
		}
	} else {
		if _, _, err := s.Command(protocol.SpiAttach, protocol.SpiAttachBody(pins, s.peer), DefaultTimeout); err != nil {
			return err
		}
	}
	s.attached = true
	return nil
}

// writeReg is a WriteReg with no mask/delay, the shape every SPI
// transaction field write uses.
func (s *Session) writeReg(addr, value uint32) error {
	_, _, err := s.Command(protocol.WriteReg, protocol.WriteRegBody(addr, value, 0xffffffff, 0), DefaultTimeout)
	return err
}

func (s *Session) readReg(addr uint32) (uint32, error) {
	v, _, err := s.Command(protocol.ReadReg, protocol.ReadRegBody(addr), DefaultTimeout)
	return v, err
}

// byteSwapN reverses the byte order of the low n bytes of v (n in
// 1..4), the MSB-first wire form the SPI_ADDR and SPI_USER2 command
// fields expect.
func byteSwapN(v uint32, n int) uint32 {
	var out uint32
	for i := 0; i < n; i++ {
		b := byte(v >> (8 * uint(i)))
		out |= uint32(b) << (8 * uint(n-1-i))
	}
	return out
}

// SPITransaction is one raw SPI bus operation synthesized out of
// register writes to the target's SPI flash controller: an opcode of
// 1 or 2 bytes, an optional address of 0-4 bytes, optional dummy
// cycles, an optional MOSI payload, and an optional MISO read length.
// MOSI and MISO are each capped at 64 bytes, the controller's data
// register file width.
type SPITransaction struct {
	Opcode    uint16
	OpcodeLen int // 1 or 2
	Address   uint32
	AddrLen   int // 0-4
	Dummy     int // 0-255 cycles
	Mosi      []byte
	MisoLen   int
}

// SPITransaction drives one transaction to completion and returns the
// MISO bytes read back, if any were requested.
func (s *Session) SPITransaction(tx SPITransaction) ([]byte, error) {
	if !s.attached {
		return nil, &protocol.UsageError{Msg: "SPI flash not attached"}
	}
	if tx.OpcodeLen != 1 && tx.OpcodeLen != 2 {
		return nil, &protocol.UsageError{Msg: "SPI opcode length must be 1 or 2 bytes"}
	}
	if tx.AddrLen < 0 || tx.AddrLen > 4 {
		return nil, &protocol.UsageError{Msg: "SPI address length must be 0-4 bytes"}
	}
	if tx.Dummy < 0 || tx.Dummy > 255 {
		return nil, &protocol.UsageError{Msg: "SPI dummy cycle count out of range"}
	}
	if len(tx.Mosi) > 64 {
		return nil, &protocol.UsageError{Msg: "SPI MOSI payload exceeds 64 bytes"}
	}
	if tx.MisoLen > 64 {
		return nil, &protocol.UsageError{Msg: "SPI MISO payload exceeds 64 bytes"}
	}

	regs := s.chip.SPI()

	cmdBits := uint32(tx.OpcodeLen * 8)
	cmdVal := byteSwapN(uint32(tx.Opcode), tx.OpcodeLen)
	if err := s.writeReg(regs.User2, ((cmdBits-1)<<28)|cmdVal); err != nil {
		return nil, err
	}

	var user, user1 uint32
	user |= usrCommand

	if tx.AddrLen > 0 {
		user |= usrAddr
		addrBits := uint32(tx.AddrLen * 8)
		user1 |= (addrBits - 1) << 26
		if err := s.writeReg(regs.Addr, byteSwapN(tx.Address, tx.AddrLen)); err != nil {
			return nil, err
		}
	}
	if tx.Dummy > 0 {
		user |= usrDummy
		user1 |= uint32(tx.Dummy - 1)
	}
	if len(tx.Mosi) > 0 {
		user |= usrMosi
		bits := uint32(len(tx.Mosi) * 8)
		if s.chip == chip.ESP8266 {
			user1 |= (bits - 1) << 17
		} else if err := s.writeReg(regs.MosiDlen, bits-1); err != nil {
			return nil, err
		}
		for i := 0; i*4 < len(tx.Mosi); i++ {
			chunk := tx.Mosi[i*4:]
			if len(chunk) > 4 {
				chunk = chunk[:4]
			}
			var word uint32
			for j, b := range chunk {
				word |= uint32(b) << (8 * uint(j))
			}
			if err := s.writeReg(regs.DataReg(i), word); err != nil {
				return nil, err
			}
		}
	}
	if tx.MisoLen > 0 {
		user |= usrMiso
		bits := uint32(tx.MisoLen * 8)
		if s.chip == chip.ESP8266 {
			user1 |= (bits - 1) << 8
		} else if err := s.writeReg(regs.MisoDlen, bits-1); err != nil {
			return nil, err
		}
	}

	if err := s.writeReg(regs.User1, user1); err != nil {
		return nil, err
	}
	if err := s.writeReg(regs.User, user); err != nil {
		return nil, err
	}
	if err := s.writeReg(regs.Cmd, usrStart); err != nil {
		return nil, err
	}

	for {
		value, err := s.readReg(regs.Cmd)
		if err != nil {
			return nil, err
		}
		if value&usrStart == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if tx.MisoLen == 0 {
		return nil, nil
	}
	out := make([]byte, 0, tx.MisoLen)
	for i := 0; len(out) < tx.MisoLen; i++ {
		value, err := s.readReg(regs.DataReg(i))
		if err != nil {
			return nil, err
		}
		for j := 0; j < 4 && len(out) < tx.MisoLen; j++ {
			out = append(out, byte(value>>(8*uint(j))))
		}
	}
	return out, nil
}

// FlashID issues the standard JEDEC RDID (0x9F) transaction and
// returns the manufacturer and device id bytes.
func (s *Session) FlashID() (manufacturer byte, deviceID uint16, err error) {
	data, err := s.SPITransaction(SPITransaction{Opcode: 0x9f, OpcodeLen: 1, MisoLen: 3})
	if err != nil {
		return 0, 0, err
	}
	if len(data) != 3 {
		return 0, 0, &protocol.ProtocolError{Msg: "short FlashID response"}
	}
	return data[0], uint16(data[1])<<8 | uint16(data[2]), nil
}
