package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Response is a parsed response packet.
type Response struct {
	Opcode Opcode
	Value  uint32
	Data   []byte
	Status byte
	Error  ErrorCode
}

// Ok reports whether the target reported success (status == 0).
func (r *Response) Ok() bool { return r.Status == 0 }

// WidthCache remembers the last trailer width this session resolved
// via the opcode table, for use by opcodes whose expected response
// length the codec doesn't know (spec's resolution 2, legacy path).
// The zero value is empty.
type WidthCache struct {
	width int
}

// Get returns the cached width and whether one has been recorded.
func (c *WidthCache) Get() (int, bool) { return c.width, c.width != 0 }

// Set records width for future lookups.
func (c *WidthCache) Set(width int) { c.width = width }

// expectedDataLen returns the number of response-data bytes expected
// for op under peer, and whether op is known at all. Every opcode
// except SpiFlashMD5 returns zero data bytes; SpiFlashMD5 returns 32
// ASCII-hex bytes from the ROM loader or 16 raw bytes from the stub.
func expectedDataLen(op Opcode, peer PeerMode) (int, bool) {
	if op == SpiFlashMD5 {
		if peer == Stub {
			return 16, true
		}
		return 32, true
	}
	switch op {
	case FlashBegin, FlashData, FlashEnd, MemBegin, MemEnd, MemData, Sync,
		WriteReg, ReadReg, SpiSetParams, SpiAttach, ChangeBaudRate,
		FlashDeflBegin, FlashDeflData, FlashDeflEnd, EraseFlash,
		EraseRegion, ReadFlash, RunUserCode:
		return 0, true
	default:
		return 0, false
	}
}

// DecodeResponse parses a raw (already SLIP-decoded) response frame.
// peer disambiguates the SpiFlashMD5 body shape and is threaded
// explicitly rather than read from shared state. cache supplies the
// legacy fallback for opcodes with no known expected data length; it
// is updated with every width successfully resolved from the table so
// later unknown-length opcodes in the same session can reuse it.
func DecodeResponse(frame []byte, peer PeerMode, cache *WidthCache) (*Response, error) {
	if len(frame) < 10 {
		return nil, &FormatError{Msg: fmt.Sprintf("response frame too short: %d bytes", len(frame))}
	}
	if frame[0] != 1 {
		return nil, &FormatError{Msg: fmt.Sprintf("invalid direction byte 0x%02x", frame[0])}
	}
	op := Opcode(frame[1])
	bodyLen := int(binary.LittleEndian.Uint16(frame[2:4]))
	value := binary.LittleEndian.Uint32(frame[4:8])
	body := frame[8:]
	if bodyLen != len(body) {
		return nil, &FormatError{Msg: fmt.Sprintf("body length mismatch: header says %d, have %d", bodyLen, len(body))}
	}

	var trailerWidth int
	if dataLen, ok := expectedDataLen(op, peer); ok {
		trailerWidth = len(body) - dataLen
		if trailerWidth != 2 && trailerWidth != 4 {
			return nil, &FormatError{Msg: fmt.Sprintf("implausible trailer width %d for %s", trailerWidth, op)}
		}
		cache.Set(trailerWidth)
	} else {
		w, ok := cache.Get()
		if !ok {
			return nil, &ProtocolError{Msg: "must identify chip first"}
		}
		trailerWidth = w
	}

	dataLen := len(body) - trailerWidth
	if dataLen < 0 {
		return nil, &FormatError{Msg: "response body shorter than trailer"}
	}
	data := body[:dataLen]
	trailer := body[dataLen:]

	resp := &Response{
		Opcode: op,
		Value:  value,
		Data:   data,
		Status: trailer[0],
		Error:  ErrorCode(trailer[1]),
	}

	if op == SpiFlashMD5 {
		if peer == ROM {
			if len(resp.Data) != 32 {
				return nil, &FormatError{Msg: "invalid SpiFlashMD5 hex digest length"}
			}
			decoded := make([]byte, 16)
			if _, err := hex.Decode(decoded, resp.Data); err != nil {
				return nil, &FormatError{Msg: "invalid SpiFlashMD5 hex digest"}
			}
			resp.Data = decoded
		} else if len(resp.Data) != 16 {
			return nil, &FormatError{Msg: "invalid SpiFlashMD5 digest length"}
		}
	}

	return resp, nil
}

// Err turns a decoded Response into the appropriate Go error, or
// nil on success. status==0 is success; status==1 is a target-side
// command failure carrying Error; anything else is a protocol fault.
func (r *Response) Err() error {
	switch r.Status {
	case 0:
		return nil
	case 1:
		return &CommandError{Opcode: r.Opcode, Code: r.Error}
	default:
		return &ProtocolError{Msg: fmt.Sprintf("invalid status 0x%02x from %s", r.Status, r.Opcode)}
	}
}
