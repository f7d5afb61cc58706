package server

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/metrics"
	"github.com/Pablu23/tftp/internal/packet"
)

var errOutsideRoot = errors.New("path escapes the served directory")

type Server struct {
	options *Options
	root    string

	mu        sync.Mutex
	conn      net.PacketConn
	transfers map[net.PacketConn]struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

func New(opts ...func(*Options)) (*Server, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	if options.Retries < 0 {
		return nil, errors.Errorf("retries must not be negative, got %d", options.Retries)
	}
	if options.Timeout <= 0 {
		return nil, errors.Errorf("timeout must be positive, got %v", options.Timeout)
	}
	if options.MaxBlockSize < packet.MinBlockSize || options.MaxBlockSize > packet.MaxBlockSize {
		return nil, errors.Errorf("max block size %d outside %d..%d",
			options.MaxBlockSize, packet.MinBlockSize, packet.MaxBlockSize)
	}

	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve root")
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "stat root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("root %s is not a directory", root)
	}

	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})

	return &Server{
		options:   options,
		root:      root,
		transfers: make(map[net.PacketConn]struct{}),
	}, nil
}

// ListenAndServe listens on Options.Address and calls Serve.
func (server *Server) ListenAndServe() error {
	conn, err := net.ListenPacket("udp", server.options.Address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", server.options.Address)
	}
	return server.Serve(conn)
}

// Serve answers requests arriving on conn until Close is called. Every
// transfer runs on its own socket.
func (server *Server) Serve(conn net.PacketConn) error {
	server.mu.Lock()
	if server.closed.Load() {
		server.mu.Unlock()
		return conn.Close()
	}
	server.conn = conn
	server.mu.Unlock()

	log.WithField("Address", conn.LocalAddr()).Info("Started listening")

	buf := make([]byte, packet.MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if server.closed.Load() {
				return nil
			}
			log.WithError(err).Error("Could not retrieve UDP Packet")
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "read request")
		}

		pck, _, err := packet.Parse(buf[:n])
		if err != nil {
			server.rejectMalformed(conn, addr, err)
			continue
		}
		metrics.RecordPacket(pck.Opcode().String())

		switch p := pck.(type) {
		case packet.Request:
			// The datagram buffer is reused, the request only holds strings.
			if !server.begin() {
				continue
			}
			go func() {
				defer server.wg.Done()
				server.handleRequest(addr, p)
			}()
		case packet.Data, packet.Ack:
			log.WithFields(log.Fields{
				"Peer":   addr,
				"Opcode": p.Opcode(),
			}).Warn("Received transfer packet on the listen port")
			server.sendError(conn, addr, packet.ErrUnknownTransferID, "")
		case packet.Error:
			server.logRemoteError(addr, p)
		default:
			log.WithFields(log.Fields{
				"Peer":   addr,
				"Opcode": p.Opcode(),
			}).Warn("Unexpected Packet Type")
			server.sendError(conn, addr, packet.ErrIllegalOperation, "")
		}
	}
}

// Addr returns the listen address, or nil before Serve is called.
func (server *Server) Addr() net.Addr {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conn == nil {
		return nil
	}
	return server.conn.LocalAddr()
}

// Close stops the listen loop and aborts running transfers.
func (server *Server) Close() error {
	if server.closed.Swap(true) {
		return nil
	}
	server.mu.Lock()
	var err error
	if server.conn != nil {
		err = server.conn.Close()
	}
	for conn := range server.transfers {
		if cerr := conn.Close(); cerr != nil {
			log.WithError(cerr).Error("Could not close transfer socket")
		}
	}
	server.mu.Unlock()

	server.wg.Wait()
	log.Info("Server is shutting down")
	return err
}

func (server *Server) rejectMalformed(conn net.PacketConn, addr net.Addr, err error) {
	reason := err.Error()
	var perr *packet.ParseError
	if errors.As(err, &perr) {
		reason = strings.TrimPrefix(perr.Err.Error(), "packet: ")
	}
	metrics.RecordMalformed(reason)
	log.WithError(err).WithField("Peer", addr).Warn("Received invalid Packet")
	server.sendError(conn, addr, packet.ErrIllegalOperation, reason)
}

func (server *Server) logRemoteError(addr net.Addr, e packet.Error) {
	entry := log.WithFields(log.Fields{
		"Peer":    addr,
		"Code":    e.Code(),
		"Message": e.Message(),
	})
	if err := e.CheckCode(); err != nil {
		entry.WithError(err).Warn("Received ERROR with non-standard code")
		return
	}
	entry.Info("Received ERROR")
}

func (server *Server) sendError(conn net.PacketConn, addr net.Addr, code packet.ErrorCode, msg string) {
	if msg == "" {
		msg = code.DefaultMessage()
	}
	pck, err := packet.NewError(code, msg)
	if err != nil {
		pck, _ = packet.NewError(code, code.DefaultMessage())
	}
	metrics.RecordErrorSent(code.String())
	if _, err := conn.WriteTo(pck.ToBytes(), addr); err != nil {
		log.WithError(err).WithField("Peer", addr).Error("Could not write ERROR Packet")
	}
}

// resolve maps a requested filename into the root directory.
func (server *Server) resolve(name string) (string, error) {
	file := filepath.Clean(filepath.Join(server.root, filepath.FromSlash(name)))
	rel, err := filepath.Rel(server.root, file)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		log.WithFields(log.Fields{
			"ParentFilePath":    server.root,
			"RequestedFilePath": name,
			"CleanedFilePath":   file,
		}).Warn("Requesting File out of Path")
		return "", errOutsideRoot
	}
	return file, nil
}

// begin counts a new transfer unless the server is closing.
func (server *Server) begin() bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.closed.Load() {
		return false
	}
	server.wg.Add(1)
	return true
}

// track registers a transfer socket so Close can interrupt it. It reports
// false once the server is closed.
func (server *Server) track(conn net.PacketConn) bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.closed.Load() {
		return false
	}
	server.transfers[conn] = struct{}{}
	return true
}

func (server *Server) untrack(conn net.PacketConn) {
	server.mu.Lock()
	delete(server.transfers, conn)
	server.mu.Unlock()
	if err := conn.Close(); err != nil && !server.closed.Load() {
		log.WithError(err).Error("Could not close transfer socket")
	}
}

// transferAddr is the local address a new transfer socket binds to: the
// listen IP with an ephemeral port.
func (server *Server) transferAddr() string {
	server.mu.Lock()
	defer server.mu.Unlock()
	if addr, ok := server.conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return net.JoinHostPort(addr.IP.String(), "0")
	}
	return ":0"
}
