// Package negotiation interprets the RFC 2347 options carried by requests and
// option acknowledgments: blksize (RFC 2348), timeout and tsize (RFC 2349).
package negotiation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Pablu23/tftp/internal/packet"
)

var (
	ErrInvalidOption = errors.New("negotiation: invalid option value")
	ErrUnrequested   = errors.New("negotiation: option was not requested")
	ErrFileTooLarge  = errors.New("negotiation: transfer size exceeds limit")
)

const (
	MinTimeout = 1
	MaxTimeout = 255
)

// Limits are the server-side bounds applied while answering a request.
type Limits struct {
	// MaxBlockSize caps blksize; zero means packet.MaxBlockSize.
	MaxBlockSize int
	// MaxFileSize rejects larger WRQ tsize declarations; zero means no limit.
	MaxFileSize int64
}

// Result is the outcome of a negotiation.
type Result struct {
	BlockSize int
	// Timeout is zero when the peer did not negotiate one.
	Timeout time.Duration
	// TransferSize is -1 when unknown.
	TransferSize int64
	// OptionAck is nil when no option was accepted, in which case the
	// transfer starts as plain RFC 1350.
	OptionAck *packet.OptionAck
}

func defaultResult() Result {
	return Result{BlockSize: packet.BlockSize, TransferSize: -1}
}

// Negotiate answers the options in req. fileSize is the size of the file
// being read, or -1 when req is a write request or the size is unknown.
// Unknown options are ignored, as RFC 2347 requires.
func Negotiate(req packet.Request, limits Limits, fileSize int64) (Result, error) {
	res := defaultResult()
	maxBlock := limits.MaxBlockSize
	if maxBlock <= 0 || maxBlock > packet.MaxBlockSize {
		maxBlock = packet.MaxBlockSize
	}

	accepted := make(map[string]string)
	for _, opt := range req.Options() {
		switch strings.ToLower(opt.Name) {
		case packet.OptionBlockSize:
			n, err := parseUint(opt)
			if err != nil {
				return Result{}, err
			}
			if n < packet.MinBlockSize {
				return Result{}, fmt.Errorf("%w: blksize %d below %d", ErrInvalidOption, n, packet.MinBlockSize)
			}
			if n > int64(maxBlock) {
				n = int64(maxBlock)
			}
			res.BlockSize = int(n)
			accepted[packet.OptionBlockSize] = strconv.FormatInt(n, 10)
		case packet.OptionTimeout:
			n, err := parseUint(opt)
			if err != nil || n < MinTimeout || n > MaxTimeout {
				continue
			}
			res.Timeout = time.Duration(n) * time.Second
			accepted[packet.OptionTimeout] = strconv.FormatInt(n, 10)
		case packet.OptionTransferSize:
			n, err := parseUint(opt)
			if err != nil {
				return Result{}, err
			}
			if req.Opcode() == packet.OpReadRequest {
				if fileSize < 0 {
					continue
				}
				n = fileSize
			} else if limits.MaxFileSize > 0 && n > limits.MaxFileSize {
				return Result{}, fmt.Errorf("%w: %d > %d", ErrFileTooLarge, n, limits.MaxFileSize)
			}
			res.TransferSize = n
			accepted[packet.OptionTransferSize] = strconv.FormatInt(n, 10)
		}
	}

	if len(accepted) == 0 {
		return res, nil
	}
	oack, err := packet.NewOptionAck(accepted)
	if err != nil {
		return Result{}, err
	}
	res.OptionAck = &oack
	return res, nil
}

// Confirm validates a server's OACK against the options the client asked
// for. A server may drop options or shrink blksize, never add or grow, and
// must echo timeout unchanged.
func Confirm(oack packet.OptionAck, requested []packet.Option) (Result, error) {
	res := defaultResult()
	asked := make(map[string]packet.Option, len(requested))
	for _, opt := range requested {
		asked[strings.ToLower(opt.Name)] = opt
	}

	for name, value := range oack.Options() {
		key := strings.ToLower(name)
		want, ok := asked[key]
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnrequested, name)
		}
		opt := packet.Option{Name: name, Value: value}
		n, err := parseUint(opt)
		if err != nil {
			return Result{}, err
		}
		switch key {
		case packet.OptionBlockSize:
			limit, _ := parseUint(want)
			if n < packet.MinBlockSize || n > packet.MaxBlockSize || (limit > 0 && n > limit) {
				return Result{}, fmt.Errorf("%w: blksize %d", ErrInvalidOption, n)
			}
			res.BlockSize = int(n)
		case packet.OptionTimeout:
			offered, _ := parseUint(want)
			if n < MinTimeout || n > MaxTimeout || n != offered {
				return Result{}, fmt.Errorf("%w: timeout %d", ErrInvalidOption, n)
			}
			res.Timeout = time.Duration(n) * time.Second
		case packet.OptionTransferSize:
			res.TransferSize = n
		}
	}
	return res, nil
}

// RequestOptions builds the options a client sends. Zero values are left
// out; tsize is included when tsize >= 0.
func RequestOptions(blockSize int, timeout time.Duration, tsize int64) []packet.Option {
	var opts []packet.Option
	if blockSize > 0 {
		opts = append(opts, packet.Option{Name: packet.OptionBlockSize, Value: strconv.Itoa(blockSize)})
	}
	if secs := int64(timeout / time.Second); secs > 0 {
		opts = append(opts, packet.Option{Name: packet.OptionTimeout, Value: strconv.FormatInt(secs, 10)})
	}
	if tsize >= 0 {
		opts = append(opts, packet.Option{Name: packet.OptionTransferSize, Value: strconv.FormatInt(tsize, 10)})
	}
	return opts
}

func parseUint(opt packet.Option) (int64, error) {
	n, err := strconv.ParseInt(opt.Value, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidOption, opt.Name, opt.Value)
	}
	return n, nil
}
