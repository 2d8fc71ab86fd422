// Package protocol implements the Espressif bootloader wire format:
// command encoding, response decoding with the ROM-vs-stub trailer
// disambiguation, checksums, and the status/error taxonomy.
package protocol

import "encoding/binary"

// Opcode is the one-byte command/response discriminator.
type Opcode byte

const (
	FlashBegin     Opcode = 0x02
	FlashData      Opcode = 0x03
	FlashEnd       Opcode = 0x04
	MemBegin       Opcode = 0x05
	MemEnd         Opcode = 0x06
	MemData        Opcode = 0x07
	Sync           Opcode = 0x08
	WriteReg       Opcode = 0x09
	ReadReg        Opcode = 0x0a
	SpiSetParams   Opcode = 0x0b
	SpiAttach      Opcode = 0x0d
	ChangeBaudRate Opcode = 0x0f
	FlashDeflBegin Opcode = 0x10
	FlashDeflData  Opcode = 0x11
	FlashDeflEnd   Opcode = 0x12
	SpiFlashMD5    Opcode = 0x13
	EraseFlash     Opcode = 0xd0
	EraseRegion    Opcode = 0xd1
	ReadFlash      Opcode = 0xd2
	RunUserCode    Opcode = 0xd3
)

func (op Opcode) String() string {
	switch op {
	case FlashBegin:
		return "FlashBegin"
	case FlashData:
		return "FlashData"
	case FlashEnd:
		return "FlashEnd"
	case MemBegin:
		return "MemBegin"
	case MemEnd:
		return "MemEnd"
	case MemData:
		return "MemData"
	case Sync:
		return "Sync"
	case WriteReg:
		return "WriteReg"
	case ReadReg:
		return "ReadReg"
	case SpiSetParams:
		return "SpiSetParams"
	case SpiAttach:
		return "SpiAttach"
	case ChangeBaudRate:
		return "ChangeBaudRate"
	case FlashDeflBegin:
		return "FlashDeflBegin"
	case FlashDeflData:
		return "FlashDeflData"
	case FlashDeflEnd:
		return "FlashDeflEnd"
	case SpiFlashMD5:
		return "SpiFlashMD5"
	case EraseFlash:
		return "EraseFlash"
	case EraseRegion:
		return "EraseRegion"
	case ReadFlash:
		return "ReadFlash"
	case RunUserCode:
		return "RunUserCode"
	default:
		return "Reserved"
	}
}

// PeerMode is whether the responder on the other end of the line is
// the first-stage ROM loader or the uploaded RAM stub. It affects the
// wire encoding of SpiAttach and ChangeBaudRate and the wire decoding
// of the SpiFlashMD5 response, and must be threaded explicitly rather
// than read from global state.
type PeerMode int

const (
	ROM PeerMode = iota
	Stub
)

func (p PeerMode) String() string {
	if p == Stub {
		return "stub"
	}
	return "ROM"
}

// Checksum is 0xEF XORed over every byte of a data-bearing command's
// payload. It is meaningful only for FlashData/MemData/FlashDeflData;
// every other command must encode a zero checksum field.
func Checksum(data []byte) byte {
	c := byte(0xef)
	for _, b := range data {
		c ^= b
	}
	return c
}

// EncodeCommand frames an 8-byte header (direction=0, opcode, body
// length, checksum=0) around body.
func EncodeCommand(op Opcode, body []byte) []byte {
	return encode(op, body, 0)
}

// EncodeDataCommand frames a data-bearing command (FlashData/MemData/
// FlashDeflData) whose checksum field covers only data, not the
// surrounding size/seq/reserved header fields inside body.
func EncodeDataCommand(op Opcode, body []byte, data []byte) []byte {
	return encode(op, body, uint32(Checksum(data)))
}

func encode(op Opcode, body []byte, checksum uint32) []byte {
	packet := make([]byte, 8+len(body))
	packet[0] = 0
	packet[1] = byte(op)
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(packet[4:8], checksum)
	copy(packet[8:], body)
	return packet
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// FlashBeginBody builds the body for FlashBegin/FlashDeflBegin: total
// (erase size for FlashBegin, uncompressed size for FlashDeflBegin),
// number of packets, packet size, and target flash offset.
func FlashBeginBody(total, numPackets, packetSize, offset uint32) []byte {
	b := make([]byte, 16)
	putU32(b[0:4], total)
	putU32(b[4:8], numPackets)
	putU32(b[8:12], packetSize)
	putU32(b[12:16], offset)
	return b
}

// MemBeginBody builds the body for MemBegin: same shape as
// FlashBeginBody with total_size in place of erase size.
func MemBeginBody(totalSize, numPackets, packetSize, offset uint32) []byte {
	return FlashBeginBody(totalSize, numPackets, packetSize, offset)
}

// DataBody builds the body for FlashData/MemData/FlashDeflData: data
// size, sequence number, 8 reserved zero bytes, then the raw data.
func DataBody(data []byte, seq uint32) []byte {
	b := make([]byte, 16+len(data))
	putU32(b[0:4], uint32(len(data)))
	putU32(b[4:8], seq)
	copy(b[16:], data)
	return b
}

// EndBody builds the body shared by FlashEnd/FlashDeflEnd: a single
// reboot flag, 0 = reboot, 1 = stay in the bootloader.
func EndBody(reboot bool) []byte {
	b := make([]byte, 4)
	if !reboot {
		putU32(b, 1)
	}
	return b
}

// MemEndBody builds the body for MemEnd: execute flag (0 = jump to
// entry, 1 = no-op) and the entry point.
func MemEndBody(execute bool, entry uint32) []byte {
	b := make([]byte, 8)
	if !execute {
		putU32(b[0:4], 1)
	}
	putU32(b[4:8], entry)
	return b
}

// SyncBody is the fixed 36-byte Sync payload.
func SyncBody() []byte {
	b := make([]byte, 36)
	b[0], b[1], b[2], b[3] = 0x07, 0x07, 0x12, 0x20
	for i := 4; i < 36; i++ {
		b[i] = 0x55
	}
	return b
}

// WriteRegBody builds the body for WriteReg.
func WriteRegBody(addr, value, mask, delayUs uint32) []byte {
	b := make([]byte, 16)
	putU32(b[0:4], addr)
	putU32(b[4:8], value)
	putU32(b[8:12], mask)
	putU32(b[12:16], delayUs)
	return b
}

// ReadRegBody builds the body for ReadReg.
func ReadRegBody(addr uint32) []byte {
	b := make([]byte, 4)
	putU32(b, addr)
	return b
}

// SpiSetParamsBody builds the body for SpiSetParams.
func SpiSetParamsBody(totalSize uint32) []byte {
	b := make([]byte, 24)
	putU32(b[0:4], 0)
	putU32(b[4:8], totalSize)
	putU32(b[8:12], 0x10000)
	putU32(b[12:16], 0x1000)
	putU32(b[16:20], 0x100)
	putU32(b[20:24], 0xffff)
	return b
}

// SpiAttachBody builds the body for SpiAttach: a single pin-pack word,
// with a trailing zero word appended only when talking to the ROM
// loader (the stub omits it).
func SpiAttachBody(pins uint32, peer PeerMode) []byte {
	if peer == Stub {
		b := make([]byte, 4)
		putU32(b, pins)
		return b
	}
	b := make([]byte, 8)
	putU32(b[0:4], pins)
	putU32(b[4:8], 0)
	return b
}

// ChangeBaudRateBody builds the body for ChangeBaudRate. oldRate must
// be zero when the peer is the ROM loader.
func ChangeBaudRateBody(newRate, oldRate uint32) []byte {
	b := make([]byte, 8)
	putU32(b[0:4], newRate)
	putU32(b[4:8], oldRate)
	return b
}

// SpiFlashMD5Body builds the body for SpiFlashMD5.
func SpiFlashMD5Body(address, size uint32) []byte {
	b := make([]byte, 16)
	putU32(b[0:4], address)
	putU32(b[4:8], size)
	return b
}

// EraseRegionBody builds the body for EraseRegion.
func EraseRegionBody(offset, size uint32) []byte {
	b := make([]byte, 8)
	putU32(b[0:4], offset)
	putU32(b[4:8], size)
	return b
}

// ReadFlashBody builds the body for ReadFlash.
func ReadFlashBody(offset, length, packetSize, maxPendingPackets uint32) []byte {
	b := make([]byte, 16)
	putU32(b[0:4], offset)
	putU32(b[4:8], length)
	putU32(b[8:12], packetSize)
	putU32(b[12:16], maxPendingPackets)
	return b
}

// PinPack encodes the explicit SPI pin assignment used by SpiAttach
// when the default pin set isn't appropriate. Each pin in
// {0..=30, 32, 33} maps to a 6-bit field; 32 and 33 fold to 30 and 31.
func PinPack(clk, cs, d, q, hd uint32) (uint32, error) {
	field := func(pin uint32) (uint32, error) {
		switch {
		case pin == 32:
			return 30, nil
		case pin == 33:
			return 31, nil
		case pin <= 30:
			return pin, nil
		default:
			return 0, &UsageError{Msg: "SPI pin out of range"}
		}
	}
	clkF, err := field(clk)
	if err != nil {
		return 0, err
	}
	csF, err := field(cs)
	if err != nil {
		return 0, err
	}
	dF, err := field(d)
	if err != nil {
		return 0, err
	}
	qF, err := field(q)
	if err != nil {
		return 0, err
	}
	hdF, err := field(hd)
	if err != nil {
		return 0, err
	}
	return (hdF << 24) | (qF << 18) | (dF << 12) | (csF << 6) | clkF, nil
}
