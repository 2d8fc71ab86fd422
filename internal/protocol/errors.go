package protocol

import (
	"errors"
	"fmt"
)

// TimeoutError marks an operation that exceeded its deadline. It is
// distinguishable from a transport fault by errors.As/IsTimeout so
// callers can retry exactly the three places spec'd as safe to retry
// (Sync drain, connect banner, MemEnd-after-jump).
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s: timed out", e.Op) }

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// FormatError marks a malformed SLIP frame, response header, or stub
// blob.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return "format: " + e.Msg }

// ProtocolError marks a status outside {0,1}, a response to an opcode
// with no known data length decoded before any trailer width was
// cached, or a stub that answers with something other than OHAI.
// Responses whose opcode doesn't echo the outstanding command are
// dropped by the session rather than reported with this type.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }

// UsageError marks a caller mistake: an out-of-range pin, an
// oversized SPI operand, a misaligned flash offset, an unknown
// device magic.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "usage: " + e.Msg }

// ErrorCode is the target's one-byte error code, carried on a
// Command-class failure (status == 1).
type ErrorCode byte

const (
	ErrReceivedMessageInvalid ErrorCode = 0x05
	ErrFailedToActOnMessage   ErrorCode = 0x06
	ErrInvalidCRC             ErrorCode = 0x07
	ErrFlashWrite             ErrorCode = 0x08
	ErrFlashRead              ErrorCode = 0x09
	ErrFlashReadLength        ErrorCode = 0x0a
	ErrDeflate                ErrorCode = 0x0b
	ErrBadDataLen             ErrorCode = 0xc0
	ErrBadDataChecksum        ErrorCode = 0xc1
	ErrBadBlocksize           ErrorCode = 0xc2
	ErrInvalidCommand         ErrorCode = 0xc3
	ErrSpiOp                  ErrorCode = 0xc4
	ErrSpiUnlock              ErrorCode = 0xc5
	ErrNotInFlashMode         ErrorCode = 0xc6
	ErrInflate                ErrorCode = 0xc7
	ErrNotEnoughData          ErrorCode = 0xc8
	ErrTooMuchData            ErrorCode = 0xc9
	ErrCommandNotImplemented  ErrorCode = 0xff
)

func (c ErrorCode) String() string {
	switch c {
	case ErrReceivedMessageInvalid:
		return "received message is invalid"
	case ErrFailedToActOnMessage:
		return "failed to act on message"
	case ErrInvalidCRC:
		return "invalid CRC in message"
	case ErrFlashWrite:
		return "flash write error"
	case ErrFlashRead:
		return "flash read error"
	case ErrFlashReadLength:
		return "flash read length error"
	case ErrDeflate:
		return "deflate error"
	case ErrBadDataLen:
		return "invalid data length"
	case ErrBadDataChecksum:
		return "data checksum mismatch"
	case ErrBadBlocksize:
		return "invalid block size"
	case ErrInvalidCommand:
		return "invalid command"
	case ErrSpiOp:
		return "SPI operation failed"
	case ErrSpiUnlock:
		return "SPI unlock failed"
	case ErrNotInFlashMode:
		return "not in flash mode"
	case ErrInflate:
		return "inflate error"
	case ErrNotEnoughData:
		return "not enough data"
	case ErrTooMuchData:
		return "too much data"
	case ErrCommandNotImplemented:
		return "command not implemented"
	default:
		return "unknown error code"
	}
}

// CommandError is the target reporting status==1 on an otherwise
// well-formed response: the command was received but failed.
type CommandError struct {
	Opcode Opcode
	Code   ErrorCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s (0x%02x)", e.Opcode, e.Code, byte(e.Code))
}
