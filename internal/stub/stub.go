// Package stub parses a compiled RAM-stub blob (the second-stage
// loader uploaded to gain the extended stub command set) into its
// text/data segments and entry point.
package stub

import (
	"encoding/binary"
	"fmt"

	"espflash/internal/chip"
)

const magic = "STUB"

// Stub is a parsed RAM-resident loader image.
type Stub struct {
	Chip      chip.Chip
	Entry     uint32
	TextStart uint32
	Text      []byte
	DataStart uint32
	Data      []byte
}

// Parse decodes a stub blob per the little-endian layout:
//
//	magic[4] chip[4] entry[4] text_start[4] text_len[4] text[text_len]
//	data_start[4] data_len[4] data[data_len]
func Parse(blob []byte) (*Stub, error) {
	if len(blob) < 24 || string(blob[:4]) != magic {
		return nil, fmt.Errorf("stub: missing %q magic", magic)
	}
	r := blob[4:]

	chipID := binary.LittleEndian.Uint32(r[0:4])
	c, ok := chip.ByStubChipID(chipID)
	if !ok {
		return nil, fmt.Errorf("stub: unrecognized chip id 0x%x", chipID)
	}

	s := &Stub{Chip: c}
	s.Entry = binary.LittleEndian.Uint32(r[4:8])
	s.TextStart = binary.LittleEndian.Uint32(r[8:12])
	textLen := binary.LittleEndian.Uint32(r[12:16])
	r = r[16:]
	if uint64(textLen) > uint64(len(r)) {
		return nil, fmt.Errorf("stub: text_len %d exceeds remaining blob", textLen)
	}
	s.Text = append([]byte(nil), r[:textLen]...)
	r = r[textLen:]

	if len(r) < 8 {
		return nil, fmt.Errorf("stub: truncated before data header")
	}
	s.DataStart = binary.LittleEndian.Uint32(r[0:4])
	dataLen := binary.LittleEndian.Uint32(r[4:8])
	r = r[8:]
	if uint64(dataLen) > uint64(len(r)) {
		return nil, fmt.Errorf("stub: data_len %d exceeds remaining blob", dataLen)
	}
	s.Data = append([]byte(nil), r[:dataLen]...)

	return s, nil
}
