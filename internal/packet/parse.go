package packet

import "encoding/binary"

// Parse decodes one received datagram. It returns the packet and the number
// of bytes it consumed, or a *ParseError naming the first violated rule.
// DATA payloads larger than 512 bytes are rejected; transfers that negotiated
// blksize use ParseBlockSize.
//
// A parsed DATA payload aliases b.
func Parse(b []byte) (Packet, int, error) {
	return parse(b, BlockSize)
}

// ParseBlockSize is Parse with the DATA payload ceiling set to blockSize.
func ParseBlockSize(b []byte, blockSize int) (Packet, int, error) {
	if blockSize < MinBlockSize || blockSize > MaxBlockSize {
		return nil, 0, invalid("blksize", ErrInvalidBlockSize)
	}
	return parse(b, blockSize)
}

func parse(b []byte, blockSize int) (Packet, int, error) {
	if len(b) < OpcodeSize {
		return nil, 0, &ParseError{Offset: len(b), Err: ErrTruncatedBuffer}
	}
	op := Opcode(binary.BigEndian.Uint16(b))
	switch op {
	case OpReadRequest, OpWriteRequest:
		return parseRequest(op, b)
	case OpData:
		return parseData(b, blockSize)
	case OpAck:
		return parseAck(b)
	case OpError:
		return parseError(b)
	case OpOptionAck:
		return parseOptionAck(b)
	default:
		return nil, 0, &ParseError{Opcode: op, Offset: 0, Err: ErrInvalidOpcode}
	}
}

func parseRequest(op Opcode, b []byte) (Packet, int, error) {
	off := OpcodeSize
	filename, modeOff, ok := scanString(b, off)
	if !ok {
		return nil, 0, &ParseError{Opcode: op, Offset: off, Err: ErrTruncatedField}
	}
	mode, optOff, ok := scanString(b, modeOff)
	if !ok {
		return nil, 0, &ParseError{Opcode: op, Offset: modeOff, Err: ErrTruncatedField}
	}
	if _, err := ParseMode(mode); err != nil {
		return nil, 0, &ParseError{Opcode: op, Offset: modeOff, Err: err}
	}
	opts, perr := decodeOptions(b, optOff)
	if perr != nil {
		perr.Opcode = op
		return nil, 0, perr
	}

	req, err := NewRequest(op, filename, mode, opts)
	if err != nil {
		return nil, 0, &ParseError{Opcode: op, Offset: off, Err: err}
	}
	return req, len(b), nil
}

func parseData(b []byte, blockSize int) (Packet, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, &ParseError{Opcode: OpData, Offset: len(b), Err: ErrTruncatedBuffer}
	}
	block := binary.BigEndian.Uint16(b[OpcodeSize:])
	payload := b[HeaderSize:len(b):len(b)]

	d, err := newData(block, payload, blockSize)
	if err != nil {
		off := OpcodeSize
		if len(payload) > blockSize {
			off = HeaderSize + blockSize
		}
		return nil, 0, &ParseError{Opcode: OpData, Offset: off, Err: err}
	}
	return d, len(b), nil
}

func parseAck(b []byte) (Packet, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, &ParseError{Opcode: OpAck, Offset: len(b), Err: ErrTruncatedBuffer}
	}
	if len(b) > HeaderSize {
		return nil, 0, &ParseError{Opcode: OpAck, Offset: HeaderSize, Err: ErrTrailingData}
	}
	return NewAck(binary.BigEndian.Uint16(b[OpcodeSize:])), HeaderSize, nil
}

func parseError(b []byte) (Packet, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, &ParseError{Opcode: OpError, Offset: len(b), Err: ErrTruncatedBuffer}
	}
	code := ErrorCode(binary.BigEndian.Uint16(b[OpcodeSize:]))
	message, next, ok := scanString(b, HeaderSize)
	if !ok {
		return nil, 0, &ParseError{Opcode: OpError, Offset: HeaderSize, Err: ErrTruncatedField}
	}
	e, err := NewError(code, message)
	if err != nil {
		return nil, 0, &ParseError{Opcode: OpError, Offset: HeaderSize, Err: err}
	}
	// Anything after the terminator is left unconsumed.
	return e, next, nil
}

func parseOptionAck(b []byte) (Packet, int, error) {
	opts, perr := decodeOptions(b, OpcodeSize)
	if perr != nil {
		perr.Opcode = OpOptionAck
		return nil, 0, perr
	}

	m := make(map[string]string, len(opts))
	off := OpcodeSize
	for _, opt := range opts {
		if _, dup := m[opt.Name]; dup {
			return nil, 0, &ParseError{Opcode: OpOptionAck, Offset: off, Err: ErrMalformedOptions}
		}
		m[opt.Name] = opt.Value
		off += len(opt.Name) + len(opt.Value) + 2
	}
	oack, err := NewOptionAck(m)
	if err != nil {
		return nil, 0, &ParseError{Opcode: OpOptionAck, Offset: OpcodeSize, Err: err}
	}
	return oack, len(b), nil
}
