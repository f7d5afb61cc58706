package client

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/Pablu23/tftp/internal/negotiation"
	"github.com/Pablu23/tftp/internal/packet"
)

// fakeServer scripts the server side of a transfer.
type fakeServer struct {
	t      *testing.T
	listen net.PacketConn
	tid    net.PacketConn
	client net.Addr
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	listen, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tid, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		listen.Close()
		tid.Close()
	})
	return &fakeServer{t: t, listen: listen, tid: tid}
}

func (f *fakeServer) addr() string { return f.listen.LocalAddr().String() }

func read(t *testing.T, conn net.PacketConn) (packet.Packet, net.Addr) {
	t.Helper()
	buf := make([]byte, packet.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	p, _, err := packet.ParseBlockSize(buf[:n], packet.MaxBlockSize)
	if err != nil {
		t.Fatalf("parse %x: %v", buf[:n], err)
	}
	return p, from
}

func (f *fakeServer) expectRequest() packet.Request {
	f.t.Helper()
	p, from := read(f.t, f.listen)
	req, ok := p.(packet.Request)
	if !ok {
		f.t.Fatalf("expected request, got %v", p.Opcode())
	}
	f.client = from
	return req
}

func (f *fakeServer) send(p packet.Packet) {
	f.t.Helper()
	if _, err := f.tid.WriteTo(p.ToBytes(), f.client); err != nil {
		f.t.Fatalf("write: %v", err)
	}
}

func (f *fakeServer) expectAck(block uint16) {
	f.t.Helper()
	p, _ := read(f.t, f.tid)
	ack, ok := p.(packet.Ack)
	if !ok || ack.Block() != block {
		f.t.Fatalf("expected ACK %d, got %#v", block, p)
	}
}

func mustData(t *testing.T, block uint16, payload []byte) packet.Data {
	t.Helper()
	d, err := packet.NewData(block, payload)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

type result struct {
	stats Stats
	err   error
}

func testClient(t *testing.T, opts ...func(*Options)) *Client {
	t.Helper()
	base := func(o *Options) {
		o.Timeout = 300 * time.Millisecond
		o.Retries = 2
		o.TransferSize = false
	}
	c, err := New(append([]func(*Options){base}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGetWritesDuplicateBlockOnce(t *testing.T) {
	srv := newFakeServer(t)
	var out bytes.Buffer
	done := make(chan result, 1)
	c := testClient(t)
	go func() {
		stats, err := c.Get(srv.addr(), "f", &out)
		done <- result{stats, err}
	}()

	req := srv.expectRequest()
	if req.Opcode() != packet.OpReadRequest || req.Filename() != "f" || req.Mode() != "octet" {
		t.Fatalf("unexpected request %#v", req)
	}
	first := bytes.Repeat([]byte{'x'}, packet.BlockSize)
	srv.send(mustData(t, 1, first))
	srv.expectAck(1)
	srv.send(mustData(t, 1, first))
	srv.expectAck(1)
	srv.send(mustData(t, 2, []byte("tail")))
	srv.expectAck(2)

	res := <-done
	if res.err != nil {
		t.Fatalf("get: %v", res.err)
	}
	if diff := cmp.Diff(append(first, "tail"...), out.Bytes()); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
	want := Stats{Bytes: 516, Blocks: 2, Duplicates: 1, BlockSize: packet.BlockSize, TransferSize: -1}
	res.stats.Duration = 0
	if diff := cmp.Diff(want, res.stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestGetWithOptionAck(t *testing.T) {
	srv := newFakeServer(t)
	var out bytes.Buffer
	done := make(chan result, 1)
	c := testClient(t, func(o *Options) {
		o.BlockSize = 1024
		o.TransferSize = true
	})
	go func() {
		stats, err := c.Get(srv.addr(), "f", &out)
		done <- result{stats, err}
	}()

	req := srv.expectRequest()
	if v, _ := req.Option("blksize"); v != "1024" {
		t.Fatalf("blksize = %q", v)
	}
	if v, _ := req.Option("tsize"); v != "0" {
		t.Fatalf("tsize = %q", v)
	}
	oack, _ := packet.NewOptionAck(map[string]string{"blksize": "800", "tsize": "900"})
	srv.send(oack)
	srv.expectAck(0)
	big, _ := packet.NewDataSized(1, bytes.Repeat([]byte{1}, 800), 800)
	srv.send(big)
	srv.expectAck(1)
	srv.send(mustData(t, 2, bytes.Repeat([]byte{2}, 100)))
	srv.expectAck(2)

	res := <-done
	if res.err != nil {
		t.Fatalf("get: %v", res.err)
	}
	if res.stats.BlockSize != 800 || res.stats.TransferSize != 900 || res.stats.Bytes != 900 {
		t.Fatalf("unexpected stats %+v", res.stats)
	}
}

func TestGetReacksRepeatedOptionAck(t *testing.T) {
	srv := newFakeServer(t)
	var out bytes.Buffer
	done := make(chan result, 1)
	// Long enough that only the repeated OACK can trigger the second ACK 0.
	c := testClient(t, func(o *Options) {
		o.BlockSize = 1024
		o.Timeout = 5 * time.Second
	})
	go func() {
		stats, err := c.Get(srv.addr(), "f", &out)
		done <- result{stats, err}
	}()

	srv.expectRequest()
	oack, _ := packet.NewOptionAck(map[string]string{"blksize": "1024"})
	srv.send(oack)
	srv.expectAck(0)
	srv.send(oack)
	srv.expectAck(0)
	srv.send(mustData(t, 1, []byte("short")))
	srv.expectAck(1)

	res := <-done
	if res.err != nil {
		t.Fatalf("get: %v", res.err)
	}
	if out.String() != "short" || res.stats.Blocks != 1 || res.stats.Retransmits != 0 {
		t.Fatalf("unexpected result %q %+v", out.String(), res.stats)
	}
}

func TestGetRejectsGrownBlockSize(t *testing.T) {
	srv := newFakeServer(t)
	done := make(chan result, 1)
	c := testClient(t, func(o *Options) { o.BlockSize = 1024 })
	go func() {
		stats, err := c.Get(srv.addr(), "f", &bytes.Buffer{})
		done <- result{stats, err}
	}()

	srv.expectRequest()
	oack, _ := packet.NewOptionAck(map[string]string{"blksize": "2048"})
	srv.send(oack)

	p, _ := read(t, srv.tid)
	if e, ok := p.(packet.Error); !ok || e.Code() != packet.ErrWrongBlockSize {
		t.Fatalf("expected ERROR(WrongBlockSize), got %#v", p)
	}
	if res := <-done; !errors.Is(res.err, negotiation.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", res.err)
	}
}

func TestGetRemoteError(t *testing.T) {
	srv := newFakeServer(t)
	done := make(chan result, 1)
	c := testClient(t)
	go func() {
		stats, err := c.Get(srv.addr(), "missing", &bytes.Buffer{})
		done <- result{stats, err}
	}()

	srv.expectRequest()
	e, _ := packet.NewError(packet.ErrFileNotFound, "no such file")
	srv.send(e)

	res := <-done
	var re *RemoteError
	if !errors.As(res.err, &re) {
		t.Fatalf("expected *RemoteError, got %v", res.err)
	}
	if diff := cmp.Diff(&RemoteError{Code: packet.ErrFileNotFound, Message: "no such file"}, re); diff != "" {
		t.Fatalf("remote error mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAnswersForeignTransferID(t *testing.T) {
	srv := newFakeServer(t)
	var out bytes.Buffer
	done := make(chan result, 1)
	c := testClient(t)
	go func() {
		stats, err := c.Get(srv.addr(), "f", &out)
		done <- result{stats, err}
	}()

	srv.expectRequest()
	first := bytes.Repeat([]byte{'a'}, packet.BlockSize)
	srv.send(mustData(t, 1, first))
	srv.expectAck(1)

	stranger, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()
	if _, err := stranger.WriteTo(mustData(t, 2, []byte("evil")).ToBytes(), srv.client); err != nil {
		t.Fatal(err)
	}
	p, _ := read(t, stranger)
	if e, ok := p.(packet.Error); !ok || e.Code() != packet.ErrUnknownTransferID {
		t.Fatalf("expected ERROR(UnknownTransferID), got %#v", p)
	}

	srv.send(mustData(t, 2, []byte("good")))
	srv.expectAck(2)

	if res := <-done; res.err != nil {
		t.Fatalf("get: %v", res.err)
	}
	if !bytes.HasSuffix(out.Bytes(), []byte("good")) || out.Len() != packet.BlockSize+4 {
		t.Fatalf("unexpected content %q", out.Bytes()[packet.BlockSize:])
	}
}

func TestGetTimesOut(t *testing.T) {
	srv := newFakeServer(t)
	done := make(chan result, 1)
	c := testClient(t, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	go func() {
		stats, err := c.Get(srv.addr(), "f", &bytes.Buffer{})
		done <- result{stats, err}
	}()

	for i := 0; i < 3; i++ {
		srv.expectRequest()
	}
	res := <-done
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.err)
	}
	if res.stats.Retransmits != 2 {
		t.Fatalf("retransmits = %d, want 2", res.stats.Retransmits)
	}
}

func TestPutWithoutOptionAck(t *testing.T) {
	srv := newFakeServer(t)
	content := bytes.Repeat([]byte("0123456789"), 110)
	done := make(chan result, 1)
	c := testClient(t, func(o *Options) {
		o.BlockSize = 1024
		o.Mode = "NETASCII"
	})
	go func() {
		stats, err := c.Put(srv.addr(), "up", bytes.NewReader(content), int64(len(content)))
		done <- result{stats, err}
	}()

	req := srv.expectRequest()
	if req.Opcode() != packet.OpWriteRequest || req.TransferMode() != packet.ModeNetASCII {
		t.Fatalf("unexpected request %#v", req)
	}
	srv.send(packet.NewAck(0))

	var got []byte
	for block := uint16(1); ; block++ {
		p, _ := read(t, srv.tid)
		d, ok := p.(packet.Data)
		if !ok || d.Block() != block {
			t.Fatalf("expected DATA %d, got %#v", block, p)
		}
		got = append(got, d.Payload()...)
		srv.send(packet.NewAck(block))
		if len(d.Payload()) < packet.BlockSize {
			break
		}
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("put: %v", res.err)
	}
	if diff := cmp.Diff(content, got); diff != "" {
		t.Fatalf("upload mismatch (-want +got):\n%s", diff)
	}
	if res.stats.Blocks != 3 || res.stats.BlockSize != packet.BlockSize {
		t.Fatalf("unexpected stats %+v", res.stats)
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	bad := []func(*Options){
		func(o *Options) { o.Mode = "mail" },
		func(o *Options) { o.BlockSize = 7 },
		func(o *Options) { o.BlockSize = packet.MaxBlockSize + 1 },
		func(o *Options) { o.Timeout = 0 },
		func(o *Options) { o.Retries = -1 },
	}
	for i, opt := range bad {
		if _, err := New(opt); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Code: packet.ErrDiskFull, Message: "full"}
	if got := err.Error(); got != "server error DiskFull: full" {
		t.Fatalf("Error() = %q", got)
	}
}
