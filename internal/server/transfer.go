package server

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/kelindar/bitmap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/metrics"
	"github.com/Pablu23/tftp/internal/negotiation"
	"github.com/Pablu23/tftp/internal/packet"
)

const (
	directionRead  = "read"
	directionWrite = "write"
)

var (
	errTimeout = errors.New("peer stopped responding")
	errAborted = errors.New("peer aborted the transfer")
)

// transfer is one RRQ or WRQ served on its own socket, so the socket's port
// is the server's transfer ID.
type transfer struct {
	server    *Server
	conn      net.PacketConn
	peer      net.Addr
	direction string
	timeout   time.Duration
	blockSize int
	log       *log.Entry
	buf       []byte
	// last is the final block of an upload.
	last uint16
}

func (server *Server) handleRequest(addr net.Addr, req packet.Request) {
	conn, err := net.ListenPacket("udp", server.transferAddr())
	if err != nil {
		log.WithError(err).WithField("Peer", addr).Error("Could not open transfer socket")
		return
	}
	if !server.track(conn) {
		conn.Close()
		return
	}
	defer server.untrack(conn)

	t := &transfer{
		server:    server,
		conn:      conn,
		peer:      addr,
		timeout:   server.options.Timeout,
		blockSize: packet.BlockSize,
		buf:       make([]byte, packet.MaxDatagramSize),
	}
	if req.Opcode() == packet.OpReadRequest {
		t.direction = directionRead
	} else {
		t.direction = directionWrite
	}
	t.log = log.WithFields(log.Fields{
		"Peer":      addr,
		"File Path": req.Filename(),
		"Mode":      req.TransferMode(),
		"Direction": t.direction,
	})
	t.log.Info("Started transfer")

	start := time.Now()
	var n int64
	if t.direction == directionRead {
		n, err = t.serveRead(req)
	} else {
		n, err = t.serveWrite(req)
	}
	metrics.RecordTransfer(t.direction, n, time.Since(start), err == nil)
	if err != nil {
		t.log.WithError(err).WithField("Bytes", n).Warn("Transfer failed")
		return
	}
	t.log.WithFields(log.Fields{
		"Bytes":    n,
		"Duration": time.Since(start),
	}).Info("Finished transfer")
}

func (t *transfer) serveRead(req packet.Request) (int64, error) {
	path, err := t.server.resolve(req.Filename())
	if err != nil {
		t.fail(packet.ErrAccessViolation, "")
		return 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		t.failFile(err)
		return 0, errors.Wrap(err, "open file")
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			t.log.WithError(err).Error("Could not close File")
		}
	}(file)

	fi, err := file.Stat()
	if err != nil {
		t.fail(packet.ErrNotDefined, "")
		return 0, errors.Wrap(err, "stat file")
	}
	if fi.IsDir() {
		t.fail(packet.ErrFileNotFound, "")
		return 0, errors.Errorf("%s is a directory", path)
	}

	if err := t.negotiate(req, fi.Size()); err != nil {
		return 0, err
	}

	buf := make([]byte, t.blockSize)
	var block uint16
	var sent int64
	for {
		n, err := io.ReadFull(file, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.fail(packet.ErrNotDefined, "read error")
			return sent, errors.Wrap(err, "read file")
		}
		block = packet.NextBlock(block)
		data, err := packet.NewDataSized(block, buf[:n], t.blockSize)
		if err != nil {
			return sent, err
		}
		want := block
		_, err = t.roundTrip(data, func(p packet.Packet) bool {
			ack, ok := p.(packet.Ack)
			return ok && ack.Block() == want
		})
		if err != nil {
			return sent, err
		}
		sent += int64(n)
		if n < t.blockSize {
			return sent, nil
		}
	}
}

func (t *transfer) serveWrite(req packet.Request) (int64, error) {
	if !t.server.options.AllowWrite {
		t.fail(packet.ErrAccessViolation, "writes are disabled")
		return 0, errors.New("writes are disabled")
	}
	path, err := t.server.resolve(req.Filename())
	if err != nil {
		t.fail(packet.ErrAccessViolation, "")
		return 0, err
	}
	res, err := negotiation.Negotiate(req, t.limits(), -1)
	if err != nil {
		t.failNegotiation(err)
		return 0, err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		t.failFile(err)
		return 0, errors.Wrap(err, "create file")
	}
	t.apply(res)

	n, err := t.receive(res.OptionAck, file)
	if cerr := file.Close(); cerr != nil && err == nil {
		err = &failure{code: packet.ErrDiskFull, err: errors.Wrap(cerr, "close file")}
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			t.log.WithError(rerr).Error("Could not remove partial File")
		}
		var f *failure
		if errors.As(err, &f) {
			t.fail(f.code, f.msg)
		}
		return n, err
	}
	t.dally(packet.NewAck(t.last), t.last)
	return n, nil
}

// failure is reported to the peer after the partial upload is removed.
type failure struct {
	code packet.ErrorCode
	msg  string
	err  error
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func (t *transfer) receive(oack *packet.OptionAck, file *os.File) (int64, error) {
	limit := t.server.options.MaxFileSize

	var out packet.Packet = packet.NewAck(0)
	if oack != nil {
		out = *oack
	}

	// Absolute sequence numbers of stored blocks. Block numbers wrap, the
	// sequence does not.
	var stored bitmap.Bitmap
	var seq uint32
	var block uint16
	var written int64
	for {
		want := packet.NextBlock(block)
		p, err := t.roundTrip(out, func(p packet.Packet) bool {
			data, ok := p.(packet.Data)
			return ok && (data.Block() == want || (seq > 0 && data.Block() == block))
		})
		if err != nil {
			return written, err
		}

		data := p.(packet.Data)
		at := seq
		if data.Block() == want {
			at++
		}
		if stored.Contains(at) {
			t.log.WithField("Block", data.Block()).Debug("Duplicate DATA")
			out = packet.NewAck(block)
			continue
		}
		if limit > 0 && written+int64(len(data.Payload())) > limit {
			return written, &failure{
				code: packet.ErrDiskFull,
				msg:  "file exceeds size limit",
				err:  errors.Errorf("upload exceeds %d bytes", limit),
			}
		}
		if _, err := file.Write(data.Payload()); err != nil {
			return written, &failure{code: packet.ErrDiskFull, err: errors.Wrap(err, "write file")}
		}
		stored.Set(at)
		seq = at
		written += int64(len(data.Payload()))
		block = want
		out = packet.NewAck(block)

		if len(data.Payload()) < t.blockSize {
			t.last = block
			return written, nil
		}
	}
}

// dally sends the final ACK and answers the peer again if it resends the
// last block because that ACK was lost.
func (t *transfer) dally(final packet.Ack, block uint16) {
	t.send(final)
	deadline := time.Now().Add(t.timeout)
	for {
		p, err := t.read(deadline)
		if err != nil {
			return
		}
		if data, ok := p.(packet.Data); ok && data.Block() == block {
			t.send(final)
		}
	}
}

func (t *transfer) negotiate(req packet.Request, size int64) error {
	res, err := negotiation.Negotiate(req, t.limits(), size)
	if err != nil {
		t.failNegotiation(err)
		return err
	}
	t.apply(res)
	if res.OptionAck == nil {
		return nil
	}
	_, err = t.roundTrip(*res.OptionAck, func(p packet.Packet) bool {
		ack, ok := p.(packet.Ack)
		return ok && ack.Block() == 0
	})
	return err
}

func (t *transfer) limits() negotiation.Limits {
	return negotiation.Limits{
		MaxBlockSize: t.server.options.MaxBlockSize,
		MaxFileSize:  t.server.options.MaxFileSize,
	}
}

func (t *transfer) apply(res negotiation.Result) {
	t.blockSize = res.BlockSize
	if res.Timeout > 0 {
		t.timeout = res.Timeout
	}
	if res.OptionAck != nil {
		t.log = t.log.WithField("Options", res.OptionAck.Options())
	}
}

// roundTrip sends out and waits for a reply that match accepts. out is sent
// again on every timeout.
func (t *transfer) roundTrip(out packet.Packet, match func(packet.Packet) bool) (packet.Packet, error) {
	for attempt := 0; attempt <= t.server.options.Retries; attempt++ {
		if attempt > 0 {
			metrics.RecordRetransmit(t.direction)
			t.log.WithField("Attempt", attempt).Debug("Retransmitting")
		}
		if err := t.send(out); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(t.timeout)
		for {
			p, err := t.read(deadline)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			if err != nil {
				return nil, err
			}
			if e, ok := p.(packet.Error); ok {
				t.server.logRemoteError(t.peer, e)
				return nil, errors.Wrapf(errAborted, "%s: %s", e.Code(), e.Message())
			}
			if match(p) {
				return p, nil
			}
		}
	}
	return nil, errTimeout
}

// read returns the next packet from the peer. Datagrams from other addresses
// are answered with UnknownTransferID and skipped.
func (t *transfer) read(deadline time.Time) (packet.Packet, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}
	for {
		n, addr, err := t.conn.ReadFrom(t.buf)
		if err != nil {
			return nil, err
		}
		if addr.String() != t.peer.String() {
			t.log.WithField("Foreign", addr).Warn("Datagram from unknown transfer ID")
			t.server.sendError(t.conn, addr, packet.ErrUnknownTransferID, "")
			continue
		}
		p, _, err := packet.ParseBlockSize(t.buf[:n], t.blockSize)
		if err != nil {
			t.fail(packet.ErrIllegalOperation, err.Error())
			return nil, errors.Wrap(err, "parse reply")
		}
		return p, nil
	}
}

func (t *transfer) send(p packet.Packet) error {
	if _, err := t.conn.WriteTo(p.ToBytes(), t.peer); err != nil {
		return errors.Wrap(err, "write packet")
	}
	return nil
}

func (t *transfer) fail(code packet.ErrorCode, msg string) {
	t.server.sendError(t.conn, t.peer, code, msg)
}

func (t *transfer) failFile(err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		t.fail(packet.ErrFileNotFound, "")
	case errors.Is(err, os.ErrExist):
		t.fail(packet.ErrFileAlreadyExists, "")
	case errors.Is(err, os.ErrPermission):
		t.fail(packet.ErrAccessViolation, "")
	default:
		t.fail(packet.ErrNotDefined, "")
	}
}

func (t *transfer) failNegotiation(err error) {
	if errors.Is(err, negotiation.ErrFileTooLarge) {
		t.fail(packet.ErrDiskFull, "file exceeds size limit")
		return
	}
	t.fail(packet.ErrWrongBlockSize, "")
}
