package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/kelindar/bitmap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/negotiation"
	"github.com/Pablu23/tftp/internal/packet"
)

var ErrTimeout = errors.New("server stopped responding")

type Options struct {
	// Mode is the transfer mode token, netascii or octet.
	Mode string
	// BlockSize requests blksize when non-zero.
	BlockSize int
	// Timeout is the wait before a retransmit. When RequestTimeout is set it
	// is also offered to the server.
	Timeout        time.Duration
	RequestTimeout bool
	Retries        int
	// TransferSize requests tsize.
	TransferSize bool
}

func NewDefaultOptions() *Options {
	return &Options{
		Mode:         "octet",
		Timeout:      5 * time.Second,
		Retries:      5,
		TransferSize: true,
	}
}

// RemoteError is an ERROR packet sent by the server.
type RemoteError struct {
	Code    packet.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

type Stats struct {
	Bytes       int64
	Blocks      int
	Retransmits int
	Duplicates  int
	BlockSize   int
	// TransferSize is the size the server announced, or -1.
	TransferSize int64
	Duration     time.Duration
}

type Client struct {
	options *Options
}

func New(opts ...func(*Options)) (*Client, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	if _, err := packet.ParseMode(options.Mode); err != nil {
		return nil, errors.Wrapf(err, "mode %q", options.Mode)
	}
	if options.BlockSize != 0 && (options.BlockSize < packet.MinBlockSize || options.BlockSize > packet.MaxBlockSize) {
		return nil, errors.Errorf("block size %d outside %d..%d",
			options.BlockSize, packet.MinBlockSize, packet.MaxBlockSize)
	}
	if options.Timeout <= 0 {
		return nil, errors.Errorf("timeout must be positive, got %v", options.Timeout)
	}
	if options.Retries < 0 {
		return nil, errors.Errorf("retries must not be negative, got %d", options.Retries)
	}
	return &Client{options: options}, nil
}

// Get downloads filename from the server at addr into w.
func (c *Client) Get(addr, filename string, w io.Writer) (Stats, error) {
	s, err := c.dial(addr)
	if err != nil {
		return Stats{}, err
	}
	defer s.close()

	opts := c.requestOptions(0)
	req, err := packet.NewReadRequest(filename, c.options.Mode, opts...)
	if err != nil {
		return Stats{}, err
	}

	start := time.Now()
	// Absolute sequence numbers of written blocks. Block numbers wrap, the
	// sequence does not.
	var stored bitmap.Bitmap
	var seq uint32
	var block uint16
	var out packet.Packet = req
	for {
		want := packet.NextBlock(block)
		p, err := s.roundTrip(out, func(p packet.Packet) verdict {
			switch p := p.(type) {
			case packet.OptionAck:
				if block == 0 && s.stats.BlockSize == 0 {
					return accept
				}
				if block == 0 {
					return resend
				}
			case packet.Data:
				if p.Block() == want || (seq > 0 && p.Block() == block) {
					return accept
				}
			}
			return ignore
		})
		if err != nil {
			return s.finish(start), err
		}

		if oack, ok := p.(packet.OptionAck); ok {
			res, err := negotiation.Confirm(oack, opts)
			if err != nil {
				s.abort(packet.ErrWrongBlockSize, err.Error())
				return s.finish(start), err
			}
			s.apply(res)
			out = packet.NewAck(0)
			continue
		}
		if s.stats.BlockSize == 0 {
			s.apply(negotiation.Result{BlockSize: packet.BlockSize, TransferSize: -1})
		}

		data := p.(packet.Data)
		at := seq
		if data.Block() == want {
			at++
		}
		if stored.Contains(at) {
			s.stats.Duplicates++
			s.log.WithField("Block", data.Block()).Debug("Duplicate DATA")
			out = packet.NewAck(block)
			continue
		}
		if _, err := w.Write(data.Payload()); err != nil {
			s.abort(packet.ErrDiskFull, "")
			return s.finish(start), errors.Wrap(err, "write")
		}
		stored.Set(at)
		seq = at
		s.stats.Bytes += int64(len(data.Payload()))
		s.stats.Blocks = stored.Count()
		block = want
		out = packet.NewAck(block)

		if len(data.Payload()) < s.blockSize {
			err := s.send(out)
			return s.finish(start), err
		}
	}
}

// Put uploads size bytes from r as filename. A negative size means unknown
// and suppresses the tsize option.
func (c *Client) Put(addr, filename string, r io.Reader, size int64) (Stats, error) {
	s, err := c.dial(addr)
	if err != nil {
		return Stats{}, err
	}
	defer s.close()

	opts := c.requestOptions(size)
	req, err := packet.NewWriteRequest(filename, c.options.Mode, opts...)
	if err != nil {
		return Stats{}, err
	}

	start := time.Now()
	p, err := s.roundTrip(req, func(p packet.Packet) verdict {
		switch p := p.(type) {
		case packet.OptionAck:
			return accept
		case packet.Ack:
			if p.Block() == 0 {
				return accept
			}
		}
		return ignore
	})
	if err != nil {
		return s.finish(start), err
	}

	res := negotiation.Result{BlockSize: packet.BlockSize, TransferSize: -1}
	if oack, ok := p.(packet.OptionAck); ok {
		res, err = negotiation.Confirm(oack, opts)
		if err != nil {
			s.abort(packet.ErrWrongBlockSize, err.Error())
			return s.finish(start), err
		}
	}
	s.apply(res)

	buf := make([]byte, s.blockSize)
	var block uint16
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.abort(packet.ErrNotDefined, "read error")
			return s.finish(start), errors.Wrap(err, "read")
		}
		block = packet.NextBlock(block)
		data, err := packet.NewDataSized(block, buf[:n], s.blockSize)
		if err != nil {
			return s.finish(start), err
		}
		want := block
		_, err = s.roundTrip(data, func(p packet.Packet) verdict {
			if ack, ok := p.(packet.Ack); ok && ack.Block() == want {
				return accept
			}
			return ignore
		})
		if err != nil {
			return s.finish(start), err
		}
		s.stats.Bytes += int64(n)
		s.stats.Blocks++
		if n < s.blockSize {
			return s.finish(start), nil
		}
	}
}

func (c *Client) requestOptions(size int64) []packet.Option {
	var timeout time.Duration
	if c.options.RequestTimeout {
		timeout = c.options.Timeout
	}
	tsize := int64(-1)
	if c.options.TransferSize {
		tsize = size
		if tsize < 0 {
			tsize = -1
		}
	}
	return negotiation.RequestOptions(c.options.BlockSize, timeout, tsize)
}

func (c *Client) dial(addr string) (*session, error) {
	server, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "open socket")
	}
	return &session{
		conn:      conn,
		server:    server,
		timeout:   c.options.Timeout,
		retries:   c.options.Retries,
		blockSize: packet.BlockSize,
		buf:       make([]byte, packet.MaxDatagramSize),
		stats:     Stats{TransferSize: -1},
		log:       log.WithField("Server", server),
	}, nil
}

type verdict int

const (
	ignore verdict = iota
	accept
	resend
)

// session is the client end of one transfer. peer is the server's transfer
// ID, learned from its first reply.
type session struct {
	conn      net.PacketConn
	server    *net.UDPAddr
	peer      net.Addr
	timeout   time.Duration
	retries   int
	blockSize int
	buf       []byte
	stats     Stats
	log       *log.Entry
}

func (s *session) apply(res negotiation.Result) {
	s.blockSize = res.BlockSize
	s.stats.BlockSize = res.BlockSize
	s.stats.TransferSize = res.TransferSize
	if res.Timeout > 0 {
		s.timeout = res.Timeout
	}
}

func (s *session) roundTrip(out packet.Packet, match func(packet.Packet) verdict) (packet.Packet, error) {
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.stats.Retransmits++
			s.log.WithField("Attempt", attempt).Debug("Retransmitting")
		}
		if err := s.send(out); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(s.timeout)
		for {
			p, err := s.read(deadline)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			if err != nil {
				return nil, err
			}
			if e, ok := p.(packet.Error); ok {
				return nil, &RemoteError{Code: e.Code(), Message: e.Message()}
			}
			switch match(p) {
			case accept:
				return p, nil
			case resend:
				if err := s.send(out); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, ErrTimeout
}

func (s *session) read(deadline time.Time) (packet.Packet, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}
	for {
		n, addr, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			return nil, err
		}
		if s.peer == nil {
			udp, ok := addr.(*net.UDPAddr)
			if !ok || (!udp.IP.Equal(s.server.IP) && !s.server.IP.IsUnspecified()) {
				continue
			}
			s.peer = addr
			s.log = s.log.WithField("Peer", addr)
		} else if addr.String() != s.peer.String() {
			s.log.WithField("Foreign", addr).Warn("Datagram from unknown transfer ID")
			s.reply(addr, packet.ErrUnknownTransferID, "")
			continue
		}

		p, _, err := packet.ParseBlockSize(s.buf[:n], s.blockSize)
		if err != nil {
			s.abort(packet.ErrIllegalOperation, err.Error())
			return nil, errors.Wrap(err, "parse reply")
		}
		return p, nil
	}
}

// send writes to the locked peer, or to the server's request port before
// the first reply.
func (s *session) send(p packet.Packet) error {
	to := net.Addr(s.server)
	if s.peer != nil {
		to = s.peer
	}
	if _, err := s.conn.WriteTo(p.ToBytes(), to); err != nil {
		return errors.Wrap(err, "write packet")
	}
	return nil
}

func (s *session) abort(code packet.ErrorCode, msg string) {
	if s.peer == nil {
		return
	}
	s.reply(s.peer, code, msg)
}

func (s *session) reply(to net.Addr, code packet.ErrorCode, msg string) {
	if msg == "" {
		msg = code.DefaultMessage()
	}
	e, err := packet.NewError(code, msg)
	if err != nil {
		e, _ = packet.NewError(code, code.DefaultMessage())
	}
	if _, err := s.conn.WriteTo(e.ToBytes(), to); err != nil {
		s.log.WithError(err).Error("Could not write ERROR Packet")
	}
}

func (s *session) finish(start time.Time) Stats {
	s.stats.Duration = time.Since(start)
	return s.stats
}

func (s *session) close() {
	if err := s.conn.Close(); err != nil {
		s.log.WithError(err).Error("Could not close connection")
	}
}
