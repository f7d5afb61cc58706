package packet

import (
	"errors"
	"fmt"
)

// Construction failures.
var (
	ErrInvalidBlock           = errors.New("packet: invalid block number")
	ErrPayloadTooLarge        = errors.New("packet: payload too large")
	ErrUnsupportedMode        = errors.New("packet: unsupported transfer mode")
	ErrMismatchedOptionCounts = errors.New("packet: mismatched option name/value counts")
	ErrEmbeddedNul            = errors.New("packet: embedded NUL in string field")
	ErrEmptyField             = errors.New("packet: empty string field")
	ErrInvalidOpcode          = errors.New("packet: invalid opcode")
	ErrInvalidBlockSize       = errors.New("packet: block size out of range")
)

// Parse failures. ErrInvalidOpcode and ErrUnsupportedMode are shared with
// construction.
var (
	ErrTruncatedBuffer  = errors.New("packet: truncated buffer")
	ErrTruncatedField   = errors.New("packet: missing field terminator")
	ErrMalformedOptions = errors.New("packet: malformed options")
	ErrTrailingData     = errors.New("packet: trailing data")
)

// ErrErrorCodeOutOfRange is advisory: codes above 8 are legal on the wire
// and never cause a parse failure. See Error.CheckCode.
var ErrErrorCodeOutOfRange = errors.New("packet: error code outside standard range")

// ParseError locates the first rule a datagram violated.
type ParseError struct {
	Opcode Opcode
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Opcode == 0 {
		return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
	}
	return fmt.Sprintf("%v at offset %d (%v)", e.Err, e.Offset, e.Opcode)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConstructionError names the field whose invariant was violated.
type ConstructionError struct {
	Field string
	Err   error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Field)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ConstructionError{Field: field, Err: err}
}
