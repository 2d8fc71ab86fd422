// Package chip holds the closed table of supported Espressif parts:
// their magic-register value, image chip id, and SPI controller
// register bank.
package chip

import "fmt"

// Chip is a closed enumeration of the supported targets.
type Chip int

const (
	Unknown Chip = iota
	ESP8266
	ESP32
	ESP32S2
	ESP32S3
	ESP32C3
)

func (c Chip) String() string {
	switch c {
	case ESP8266:
		return "ESP8266"
	case ESP32:
		return "ESP32"
	case ESP32S2:
		return "ESP32-S2"
	case ESP32S3:
		return "ESP32-S3"
	case ESP32C3:
		return "ESP32-C3"
	default:
		return "unknown"
	}
}

// MagicRegAddr is the fixed physical address whose power-on value
// identifies the chip family.
const MagicRegAddr = 0x40001000

// SPIRegs is the absolute address of each SPI controller register this
// module drives. MosiDlen/MisoDlen are zero on ESP8266, where transfer
// length is encoded in User1 bitfields instead (see flasher package).
type SPIRegs struct {
	Cmd      uint32
	Addr     uint32
	User     uint32
	User1    uint32
	User2    uint32
	MosiDlen uint32
	MisoDlen uint32
	W0       uint32
}

// DataReg returns the address of the i'th (0-based) MOSI/MISO data
// register; the chip exposes sixteen of them at W0, W0+4, ... W0+60.
func (r SPIRegs) DataReg(i int) uint32 {
	return r.W0 + uint32(i)*4
}

type info struct {
	magics  []uint32
	imageID uint16
	regs    SPIRegs
}

var table = map[Chip]info{
	ESP8266: {
		magics:  []uint32{0xfff0c101},
		imageID: 0, // image id is 0; stubs encode ESP8266 as 0x10000 instead
		regs: SPIRegs{
			Cmd: 0x60000200, Addr: 0x60000204, User: 0x6000021c,
			User1: 0x60000220, User2: 0x60000224, W0: 0x60000240,
		},
	},
	ESP32: {
		magics:  []uint32{0x00f01d83},
		imageID: 0,
		regs: SPIRegs{
			Cmd: 0x3ff42000, Addr: 0x3ff42004, User: 0x3ff4201c,
			User1: 0x3ff42020, User2: 0x3ff42024,
			MosiDlen: 0x3ff42028, MisoDlen: 0x3ff4202c, W0: 0x3ff42080,
		},
	},
	ESP32S2: {
		magics:  []uint32{0x000007c6},
		imageID: 2,
		regs: SPIRegs{
			Cmd: 0x3f402000, Addr: 0x3f402004, User: 0x3f402018,
			User1: 0x3f40201c, User2: 0x3f402020,
			MosiDlen: 0x3f402024, MisoDlen: 0x3f402028, W0: 0x3f402058,
		},
	},
	ESP32S3: {
		magics:  []uint32{0x00000009},
		imageID: 9,
		regs: SPIRegs{
			Cmd: 0x60002000, Addr: 0x60002004, User: 0x60002018,
			User1: 0x6000201c, User2: 0x60002020,
			MosiDlen: 0x60002024, MisoDlen: 0x60002028, W0: 0x60002058,
		},
	},
	ESP32C3: {
		magics:  []uint32{0x6921506f, 0x1b31506f},
		imageID: 5,
		regs: SPIRegs{
			Cmd: 0x60002000, Addr: 0x60002004, User: 0x60002018,
			User1: 0x6000201c, User2: 0x60002020,
			MosiDlen: 0x60002024, MisoDlen: 0x60002028, W0: 0x60002058,
		},
	},
}

// ByMagic looks the chip up by its 32-bit magic register value. The
// second return is false for an unrecognized magic.
func ByMagic(magic uint32) (Chip, bool) {
	for c, inf := range table {
		for _, m := range inf.magics {
			if m == magic {
				return c, true
			}
		}
	}
	return Unknown, false
}

// ImageID returns the chip's firmware-image chip id.
func (c Chip) ImageID() uint16 {
	return table[c].imageID
}

// Info is the chip-table lookup report a successful identification
// produces: the resolved chip family, the magic register value that
// resolved it, and the image chip id used in firmware headers and
// stubs. It carries nothing FlashID/SpiSetParams would need a probe
// to learn (flash size, crystal frequency) since neither is available
// from the magic register alone.
type Info struct {
	Chip    Chip
	Magic   uint32
	ImageID uint16
}

func (i Info) String() string {
	return fmt.Sprintf("%s (magic=0x%08x, image_id=0x%x)", i.Chip, i.Magic, i.ImageID)
}

// SPI returns the chip's SPI controller register bank.
func (c Chip) SPI() SPIRegs {
	return table[c].regs
}

// StubChipID8266 is the value a stub blob's chip field carries for
// ESP8266. Unlike an image header, a stub encodes ESP8266 as 0x10000
// rather than 0.
const StubChipID8266 = 0x10000

// ByStubChipID looks a chip up the way the stub blob header encodes
// it: 0x10000 for ESP8266, otherwise the same id as ImageID.
func ByStubChipID(id uint32) (Chip, bool) {
	if id == StubChipID8266 {
		return ESP8266, true
	}
	for c, inf := range table {
		if c == ESP8266 {
			continue
		}
		if uint32(inf.imageID) == id {
			return c, true
		}
	}
	return Unknown, false
}
