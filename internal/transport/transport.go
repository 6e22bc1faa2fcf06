// Package transport provides the byte-stream and datagram transports a
// device session runs over, plus the datagram channel that decodes
// single-packet datagrams and tracks sender addresses for replies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Transport errors.
var (
	ErrNoDestination = errors.New("transport: no destination address (no datagrams received yet)")
)

// PacketConn is the datagram transport surface consumed by DatagramChannel.
// net.PacketConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// StreamDialer opens a byte-stream transport to an endpoint.
type StreamDialer func(ctx context.Context, address string) (io.ReadWriteCloser, error)

// DatagramDialer opens a datagram transport. The returned address is the
// remote endpoint, used as the initial send destination.
type DatagramDialer func(ctx context.Context, address string) (PacketConn, net.Addr, error)

// TCPDialer dials a TCP endpoint.
func TCPDialer(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// UDPDialer binds a local UDP socket and resolves the remote endpoint.
func UDPDialer(ctx context.Context, address string) (PacketConn, net.Addr, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, nil, fmt.Errorf("bind local udp socket: %w", err)
	}
	return pc, remote, nil
}
