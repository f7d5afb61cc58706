package packet

import (
	"encoding/binary"
	"sort"
	"strings"
)

// Packet is one of Request, Data, Ack, Error or OptionAck. Callers switch on
// the concrete type.
type Packet interface {
	Opcode() Opcode
	// Len is the exact serialized size in bytes.
	Len() int
	// AppendTo appends the wire form of the packet to dst.
	AppendTo(dst []byte) []byte
	ToBytes() []byte

	isPacket()
}

// Request is a read (RRQ) or write (WRQ) request.
type Request struct {
	op       Opcode
	filename string
	mode     string
	options  []Option
}

// NewRequest validates and builds an RRQ or WRQ. The mode token is kept as
// given so the packet re-serializes byte for byte.
func NewRequest(op Opcode, filename, mode string, opts []Option) (Request, error) {
	if op != OpReadRequest && op != OpWriteRequest {
		return Request{}, invalid("opcode", ErrInvalidOpcode)
	}
	if filename == "" {
		return Request{}, invalid("filename", ErrEmptyField)
	}
	if err := checkString("filename", filename); err != nil {
		return Request{}, err
	}
	if mode == "" {
		return Request{}, invalid("mode", ErrEmptyField)
	}
	if err := checkString("mode", mode); err != nil {
		return Request{}, err
	}
	if _, err := ParseMode(mode); err != nil {
		return Request{}, invalid("mode", err)
	}
	if err := checkOptions(opts); err != nil {
		return Request{}, err
	}
	var own []Option
	if len(opts) > 0 {
		own = append([]Option(nil), opts...)
	}
	return Request{op: op, filename: filename, mode: mode, options: own}, nil
}

func NewReadRequest(filename, mode string, opts ...Option) (Request, error) {
	return NewRequest(OpReadRequest, filename, mode, opts)
}

func NewWriteRequest(filename, mode string, opts ...Option) (Request, error) {
	return NewRequest(OpWriteRequest, filename, mode, opts)
}

func (r Request) Opcode() Opcode { return r.op }
func (r Request) Filename() string { return r.filename }

// Mode returns the mode token exactly as sent.
func (r Request) Mode() string { return r.mode }

// TransferMode returns the canonical mode.
func (r Request) TransferMode() Mode {
	m, _ := ParseMode(r.mode)
	return m
}

// Options returns a copy of the options in the sender's order.
func (r Request) Options() []Option {
	if len(r.options) == 0 {
		return nil
	}
	return append([]Option(nil), r.options...)
}

// Option looks up the first option whose name matches case-insensitively.
func (r Request) Option(name string) (string, bool) {
	for _, opt := range r.options {
		if strings.EqualFold(opt.Name, name) {
			return opt.Value, true
		}
	}
	return "", false
}

func (r Request) Len() int {
	return OpcodeSize + len(r.filename) + 1 + len(r.mode) + 1 + optionsLen(r.options)
}

func (r Request) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.op))
	dst = appendString(dst, r.filename)
	dst = appendString(dst, r.mode)
	return EncodeOptions(dst, r.options)
}

func (r Request) ToBytes() []byte { return r.AppendTo(make([]byte, 0, r.Len())) }

func (Request) isPacket() {}

// Data carries one block of file content.
type Data struct {
	block   uint16
	payload []byte
}

// NewData builds a DATA packet for a transfer using the default 512-byte
// blocks. The payload is retained, not copied.
func NewData(block uint16, payload []byte) (Data, error) {
	return newData(block, payload, BlockSize)
}

// NewDataSized builds a DATA packet for a transfer that negotiated blksize.
func NewDataSized(block uint16, payload []byte, blockSize int) (Data, error) {
	if blockSize < MinBlockSize || blockSize > MaxBlockSize {
		return Data{}, invalid("blksize", ErrInvalidBlockSize)
	}
	return newData(block, payload, blockSize)
}

func newData(block uint16, payload []byte, limit int) (Data, error) {
	if block < 1 {
		return Data{}, invalid("block", ErrInvalidBlock)
	}
	if len(payload) > limit {
		return Data{}, invalid("payload", ErrPayloadTooLarge)
	}
	return Data{block: block, payload: payload}, nil
}

func (d Data) Opcode() Opcode { return OpData }
func (d Data) Block() uint16 { return d.block }

// Payload returns the block contents. For parsed packets it aliases the
// received datagram.
func (d Data) Payload() []byte { return d.payload }

func (d Data) Len() int { return HeaderSize + len(d.payload) }

func (d Data) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(OpData))
	dst = binary.BigEndian.AppendUint16(dst, d.block)
	return append(dst, d.payload...)
}

func (d Data) ToBytes() []byte { return d.AppendTo(make([]byte, 0, d.Len())) }

func (Data) isPacket() {}

// Ack acknowledges a DATA block. Block 0 acknowledges a WRQ or an OACK.
type Ack struct {
	block uint16
}

func NewAck(block uint16) Ack { return Ack{block: block} }

func (a Ack) Opcode() Opcode { return OpAck }
func (a Ack) Block() uint16 { return a.block }
func (a Ack) Len() int { return HeaderSize }

func (a Ack) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(OpAck))
	return binary.BigEndian.AppendUint16(dst, a.block)
}

func (a Ack) ToBytes() []byte { return a.AppendTo(make([]byte, 0, HeaderSize)) }

func (Ack) isPacket() {}

// Error terminates a transfer.
type Error struct {
	code    ErrorCode
	message string
}

// NewError accepts any code; codes above 8 are reported by CheckCode only.
func NewError(code ErrorCode, message string) (Error, error) {
	if err := checkString("message", message); err != nil {
		return Error{}, err
	}
	return Error{code: code, message: message}, nil
}

func (e Error) Opcode() Opcode { return OpError }
func (e Error) Code() ErrorCode { return e.code }
func (e Error) Message() string { return e.message }

// CheckCode returns ErrErrorCodeOutOfRange for codes outside the standard
// set. The packet is still valid.
func (e Error) CheckCode() error {
	if !e.code.Known() {
		return ErrErrorCodeOutOfRange
	}
	return nil
}

func (e Error) Len() int { return OpcodeSize + ErrorCodeSize + len(e.message) + 1 }

func (e Error) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(OpError))
	dst = binary.BigEndian.AppendUint16(dst, uint16(e.code))
	return appendString(dst, e.message)
}

func (e Error) ToBytes() []byte { return e.AppendTo(make([]byte, 0, e.Len())) }

func (Error) isPacket() {}

// OptionAck confirms the options a server accepted. Option order carries no
// meaning (RFC 2347).
type OptionAck struct {
	options map[string]string
}

// NewOptionAck copies opts into the packet.
func NewOptionAck(opts map[string]string) (OptionAck, error) {
	cp := make(map[string]string, len(opts))
	for name, value := range opts {
		if err := checkString("option name", name); err != nil {
			return OptionAck{}, err
		}
		if err := checkString("option value", value); err != nil {
			return OptionAck{}, err
		}
		cp[name] = value
	}
	return OptionAck{options: cp}, nil
}

func (o OptionAck) Opcode() Opcode { return OpOptionAck }

func (o OptionAck) Value(name string) (string, bool) {
	v, ok := o.options[name]
	return v, ok
}

func (o OptionAck) Has(name string) bool {
	_, ok := o.options[name]
	return ok
}

func (o OptionAck) NumOptions() int { return len(o.options) }

// Options returns a copy of the acknowledged options.
func (o OptionAck) Options() map[string]string {
	cp := make(map[string]string, len(o.options))
	for name, value := range o.options {
		cp[name] = value
	}
	return cp
}

// Names returns the option names in serialization order.
func (o OptionAck) Names() []string {
	names := make([]string, 0, len(o.options))
	for name := range o.options {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o OptionAck) Len() int {
	n := OpcodeSize
	for name, value := range o.options {
		n += len(name) + len(value) + 2
	}
	return n
}

func (o OptionAck) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(OpOptionAck))
	for _, name := range o.Names() {
		dst = appendString(dst, name)
		dst = appendString(dst, o.options[name])
	}
	return dst
}

func (o OptionAck) ToBytes() []byte { return o.AppendTo(make([]byte, 0, o.Len())) }

func (OptionAck) isPacket() {}

// NextBlock returns the DATA block number that follows b. Numbering wraps
// from 65535 to 1 since block 0 never carries data.
func NextBlock(b uint16) uint16 {
	if b == 0xffff {
		return 1
	}
	return b + 1
}
