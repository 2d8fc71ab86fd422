// Package slip implements RFC 1055 SLIP framing: byte-stuffing a
// payload between two 0xC0 delimiters so it can share a byte stream
// with other traffic.
package slip

import "errors"

const (
	End    = 0xc0
	Esc    = 0xdb
	EscEnd = 0xdc
	EscEsc = 0xdd
)

// ErrNeedMoreData is returned by Decoder.Feed when the frame has not
// been terminated yet; the caller should read more bytes and feed them.
var ErrNeedMoreData = errors.New("slip: need more data")

// ErrInvalidEscape is returned when an Esc byte is followed by
// anything other than EscEnd or EscEsc.
var ErrInvalidEscape = errors.New("slip: invalid escape sequence")

// Encode frames data with a leading and trailing End byte, escaping
// any End/Esc bytes found in data.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, End)
	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, End)
	return out
}

// Decoder accumulates bytes fed to it and yields exactly one decoded
// frame once it sees a closing End byte. Bytes other than End that
// arrive before a frame's opening delimiter are ignored. Two End bytes
// with nothing between them decode as an empty frame, so a stray End
// directly ahead of a frame's opening delimiter is not skipped.
type Decoder struct {
	buf     []byte
	started bool
	escaped bool
}

// Reset discards any partially-accumulated frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.started = false
	d.escaped = false
}

// Feed consumes one input byte. It returns (frame, nil) once a
// complete frame has been decoded, (nil, ErrNeedMoreData) while more
// input is required, or a decode error on an invalid escape sequence.
// After returning a completed frame or an error, the decoder resets
// itself and is ready for the next frame.
func (d *Decoder) Feed(b byte) ([]byte, error) {
	if !d.started {
		if b == End {
			// Could be a stray idle byte or the frame's opening
			// delimiter; either way just swallow it and wait.
			d.started = true
			return nil, ErrNeedMoreData
		}
		// Out-of-frame garbage before the opening delimiter: ignore.
		return nil, ErrNeedMoreData
	}

	if d.escaped {
		d.escaped = false
		switch b {
		case EscEnd:
			d.buf = append(d.buf, End)
		case EscEsc:
			d.buf = append(d.buf, Esc)
		default:
			d.Reset()
			return nil, ErrInvalidEscape
		}
		return nil, ErrNeedMoreData
	}

	switch b {
	case End:
		frame := make([]byte, len(d.buf))
		copy(frame, d.buf)
		d.Reset()
		return frame, nil
	case Esc:
		d.escaped = true
		return nil, ErrNeedMoreData
	default:
		d.buf = append(d.buf, b)
		return nil, ErrNeedMoreData
	}
}
