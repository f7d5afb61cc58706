package packet

import (
	"bytes"
	"strings"
)

// Option names negotiated by RFC 2348 and RFC 2349. Their values travel as
// decimal strings and are interpreted by the negotiation layer, not here.
const (
	OptionBlockSize    = "blksize"
	OptionTimeout      = "timeout"
	OptionTransferSize = "tsize"
)

// Option is one name/value pair as it appears on the wire.
type Option struct {
	Name  string
	Value string
}

// ZipOptions pairs parallel name and value lists.
func ZipOptions(names, values []string) ([]Option, error) {
	if len(names) != len(values) {
		return nil, invalid("options", ErrMismatchedOptionCounts)
	}
	if len(names) == 0 {
		return nil, nil
	}
	opts := make([]Option, len(names))
	for i := range names {
		opts[i] = Option{Name: names[i], Value: values[i]}
	}
	return opts, nil
}

// EncodeOptions appends each pair as name NUL value NUL.
func EncodeOptions(dst []byte, opts []Option) []byte {
	for _, opt := range opts {
		dst = appendString(dst, opt.Name)
		dst = appendString(dst, opt.Value)
	}
	return dst
}

// DecodeOptions is the inverse of EncodeOptions. The input must end exactly
// on a value terminator.
func DecodeOptions(b []byte) ([]Option, error) {
	opts, err := decodeOptions(b, 0)
	if err != nil {
		return nil, err
	}
	return opts, nil
}

func decodeOptions(b []byte, off int) ([]Option, *ParseError) {
	var opts []Option
	for off < len(b) {
		name, next, ok := scanString(b, off)
		if !ok {
			return nil, &ParseError{Offset: off, Err: ErrTruncatedField}
		}
		if next == len(b) {
			return nil, &ParseError{Offset: next, Err: ErrMalformedOptions}
		}
		value, end, ok := scanString(b, next)
		if !ok {
			return nil, &ParseError{Offset: next, Err: ErrTruncatedField}
		}
		opts = append(opts, Option{Name: name, Value: value})
		off = end
	}
	return opts, nil
}

func optionsLen(opts []Option) int {
	n := 0
	for _, opt := range opts {
		n += len(opt.Name) + len(opt.Value) + 2
	}
	return n
}

func checkOptions(opts []Option) error {
	for _, opt := range opts {
		if err := checkString("option name", opt.Name); err != nil {
			return err
		}
		if err := checkString("option value", opt.Value); err != nil {
			return err
		}
	}
	return nil
}

// scanString reads a NUL-terminated string starting at off without looking
// past len(b). next is the offset just after the terminator.
func scanString(b []byte, off int) (s string, next int, ok bool) {
	if off >= len(b) {
		return "", off, false
	}
	i := bytes.IndexByte(b[off:], 0)
	if i < 0 {
		return "", off, false
	}
	return string(b[off : off+i]), off + i + 1, true
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

func checkString(field, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return invalid(field, ErrEmbeddedNul)
	}
	return nil
}
