package packet

import (
	"fmt"
	"strings"
)

// BlockSize is the RFC 1350 DATA payload ceiling.
const BlockSize = 512

const (
	// MinBlockSize and MaxBlockSize bound a negotiated blksize (RFC 2348).
	MinBlockSize = 8
	MaxBlockSize = 65464
)

const (
	OpcodeSize    = 2
	BlockNumSize  = 2
	ErrorCodeSize = 2
	HeaderSize    = OpcodeSize + BlockNumSize

	// DatagramSize is the largest datagram a default-sized transfer produces.
	DatagramSize = HeaderSize + BlockSize
	// MaxDatagramSize fits a DATA packet at the largest negotiable blksize.
	MaxDatagramSize = HeaderSize + MaxBlockSize
)

type Opcode uint16

const (
	OpReadRequest Opcode = iota + 1
	OpWriteRequest
	OpData
	OpAck
	OpError
	OpOptionAck
)

var opcodeNames = map[Opcode]string{
	OpReadRequest:  "RRQ",
	OpWriteRequest: "WRQ",
	OpData:         "DATA",
	OpAck:          "ACK",
	OpError:        "ERROR",
	OpOptionAck:    "OACK",
}

// Valid reports whether op is one of the six defined opcodes.
func (op Opcode) Valid() bool {
	return op >= OpReadRequest && op <= OpOptionAck
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint16(op))
}

type ErrorCode uint16

const (
	ErrNotDefined ErrorCode = iota
	ErrFileNotFound
	ErrAccessViolation
	ErrDiskFull
	ErrIllegalOperation
	ErrUnknownTransferID
	ErrFileAlreadyExists
	ErrNoSuchUser
	// ErrWrongBlockSize terminates option negotiation (RFC 2347).
	ErrWrongBlockSize
)

var errorCodeNames = map[ErrorCode]string{
	ErrNotDefined:        "NotDefined",
	ErrFileNotFound:      "FileNotFound",
	ErrAccessViolation:   "AccessViolation",
	ErrDiskFull:          "DiskFull",
	ErrIllegalOperation:  "IllegalOperation",
	ErrUnknownTransferID: "UnknownTransferID",
	ErrFileAlreadyExists: "FileAlreadyExists",
	ErrNoSuchUser:        "NoSuchUser",
	ErrWrongBlockSize:    "WrongBlockSize",
}

var errorCodeMessages = map[ErrorCode]string{
	ErrNotDefined:        "Not defined",
	ErrFileNotFound:      "File not found",
	ErrAccessViolation:   "Access violation",
	ErrDiskFull:          "Disk full or allocation exceeded",
	ErrIllegalOperation:  "Illegal TFTP operation",
	ErrUnknownTransferID: "Unknown transfer ID",
	ErrFileAlreadyExists: "File already exists",
	ErrNoSuchUser:        "No such user",
	ErrWrongBlockSize:    "Option negotiation failed",
}

// Known reports whether code is in the standard 0..8 set.
func (code ErrorCode) Known() bool {
	return code <= ErrWrongBlockSize
}

func (code ErrorCode) String() string {
	if name, ok := errorCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint16(code))
}

// DefaultMessage returns the conventional text for a standard code, or an
// empty string.
func (code ErrorCode) DefaultMessage() string {
	return errorCodeMessages[code]
}

// Mode is a transfer mode token. "mail" is obsolete and not recognized.
type Mode uint8

const (
	ModeNetASCII Mode = iota + 1
	ModeOctet
)

func (m Mode) String() string {
	switch m {
	case ModeNetASCII:
		return "netascii"
	case ModeOctet:
		return "octet"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode matches a mode token case-insensitively.
func ParseMode(token string) (Mode, error) {
	switch {
	case strings.EqualFold(token, "octet"):
		return ModeOctet, nil
	case strings.EqualFold(token, "netascii"):
		return ModeNetASCII, nil
	default:
		return 0, ErrUnsupportedMode
	}
}
