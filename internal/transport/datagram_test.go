package transport

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/packetrig-project/packetrig/internal/wire"
)

type fakeDatagram struct {
	data []byte
	addr net.Addr
}

// fakePacketConn is an in-memory PacketConn for channel tests.
type fakePacketConn struct {
	mu       sync.Mutex
	in       chan fakeDatagram
	sent     []fakeDatagram
	deadline time.Time
	closed   bool
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{in: make(chan fakeDatagram, 16)}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d, ok := <-c.in:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(p, d.data)
		return n, d.addr, nil
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.sent = append(c.sent, fakeDatagram{data: cp, addr: addr})
	return len(p), nil
}

func (c *fakePacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakePacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakePacketConn) lastSent() (fakeDatagram, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return fakeDatagram{}, false
	}
	return c.sent[len(c.sent)-1], true
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestReceiveDecodesOnePacketPerDatagram(t *testing.T) {
	conn := newFakePacketConn()
	ch := NewDatagramChannel(conn, wire.SimpleSpec(), nil)
	defer ch.Close()

	data, err := wire.Encode(wire.SimpleSpec(), wire.Packet{ID: 9, Payload: []byte{1, 2}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn.in <- fakeDatagram{data: data, addr: udpAddr(5000)}

	pkt, err := ch.Receive(time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if pkt.ID != 9 || !bytes.Equal(pkt.Payload, []byte{1, 2}) {
		t.Fatalf("decoded packet mismatch: %+v", pkt)
	}
	if ch.LastSender().String() != udpAddr(5000).String() {
		t.Fatalf("last sender = %v", ch.LastSender())
	}
}

func TestReceiveDiscardsMalformedDatagrams(t *testing.T) {
	conn := newFakePacketConn()
	ch := NewDatagramChannel(conn, wire.SimpleSpec(), nil)
	defer ch.Close()

	good, err := wire.Encode(wire.SimpleSpec(), wire.Packet{ID: 7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Short header, then a header claiming more payload than the datagram
	// holds, then a valid packet.
	conn.in <- fakeDatagram{data: []byte{0x01, 0x02}, addr: udpAddr(1)}
	conn.in <- fakeDatagram{data: []byte{0x01, 0x07, 0xFF, 0x00}, addr: udpAddr(2)}
	conn.in <- fakeDatagram{data: good, addr: udpAddr(3)}

	pkt, err := ch.Receive(time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if pkt.ID != 7 {
		t.Fatalf("packet id = %d, want 7", pkt.ID)
	}
	if ch.InvalidDatagrams() != 2 {
		t.Fatalf("invalid count = %d, want 2", ch.InvalidDatagrams())
	}
}

func TestSendWithoutDestinationFails(t *testing.T) {
	conn := newFakePacketConn()
	ch := NewDatagramChannel(conn, wire.SimpleSpec(), nil)
	defer ch.Close()

	err := ch.Send(wire.Packet{ID: 1}, nil)
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
	if err := ch.Reply(wire.Packet{ID: 1}); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination from reply, got %v", err)
	}
}

func TestSendFallsBackToLastSender(t *testing.T) {
	conn := newFakePacketConn()
	ch := NewDatagramChannel(conn, wire.SimpleSpec(), nil)
	defer ch.Close()

	data, err := wire.Encode(wire.SimpleSpec(), wire.Packet{ID: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn.in <- fakeDatagram{data: data, addr: udpAddr(4242)}
	if _, err := ch.Receive(time.Second); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if err := ch.Send(wire.Packet{ID: 4}, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent, ok := conn.lastSent()
	if !ok || sent.addr.String() != udpAddr(4242).String() {
		t.Fatalf("sent to %v, want last sender", sent.addr)
	}
}

func TestSendPrefersConfiguredDestination(t *testing.T) {
	conn := newFakePacketConn()
	ch := NewDatagramChannel(conn, wire.SimpleSpec(), udpAddr(9000))
	defer ch.Close()

	if err := ch.Send(wire.Packet{ID: 4}, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent, ok := conn.lastSent()
	if !ok || sent.addr.String() != udpAddr(9000).String() {
		t.Fatalf("sent to %v, want configured destination", sent.addr)
	}
}

func TestSendExplicitDestinationWins(t *testing.T) {
	conn := newFakePacketConn()
	ch := NewDatagramChannel(conn, wire.SimpleSpec(), udpAddr(9000))
	defer ch.Close()

	if err := ch.Send(wire.Packet{ID: 4}, udpAddr(7777)); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent, ok := conn.lastSent()
	if !ok || sent.addr.String() != udpAddr(7777).String() {
		t.Fatalf("sent to %v, want explicit destination", sent.addr)
	}
}
