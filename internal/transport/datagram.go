package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/wire"
)

// maxDatagramSize fits the largest header plus a full 16-bit payload.
const maxDatagramSize = wire.ExtendedHeaderSize + wire.MaxPayloadSize

// DatagramChannel wraps a single-packet-per-datagram transport. There is no
// reassembly across datagrams: each receive yields exactly one decoded
// packet. Malformed datagrams (short header, length field claiming more
// payload than the datagram holds, bad version byte) are discarded with a
// counted warning, never propagated as errors.
//
// The channel records the most recent sender address so replies can be sent
// without an explicit destination.
type DatagramChannel struct {
	mu         sync.Mutex
	conn       PacketConn
	spec       wire.HeaderSpec
	dest       net.Addr // configured remote, may be nil for listen-only use
	lastSender net.Addr
	readBuf    []byte
	logger     zerolog.Logger

	received uint64
	invalid  uint64
}

// NewDatagramChannel wraps conn with packet decoding for the given header
// spec. dest is the default send destination and may be nil.
func NewDatagramChannel(conn PacketConn, spec wire.HeaderSpec, dest net.Addr) *DatagramChannel {
	return &DatagramChannel{
		conn:    conn,
		spec:    spec,
		dest:    dest,
		readBuf: make([]byte, maxDatagramSize),
		logger:  log.With().Str("component", "datagram").Str("header", spec.Variant.String()).Logger(),
	}
}

// Receive blocks until one well-formed packet arrives or the timeout
// elapses (timeout <= 0 blocks indefinitely). Invalid datagrams are skipped.
func (c *DatagramChannel) Receive(timeout time.Duration) (wire.Packet, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return wire.Packet{}, err
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return wire.Packet{}, err
		}
	}

	for {
		n, sender, err := c.conn.ReadFrom(c.readBuf)
		if err != nil {
			return wire.Packet{}, err
		}

		c.mu.Lock()
		c.lastSender = sender
		c.mu.Unlock()

		pkt, _, derr := wire.Decode(c.spec, c.readBuf[:n])
		if derr != nil {
			c.mu.Lock()
			c.invalid++
			invalid := c.invalid
			c.mu.Unlock()
			c.logger.Warn().
				Err(derr).
				Int("datagram_bytes", n).
				Str("sender", sender.String()).
				Uint64("invalid_total", invalid).
				Msg("discarded malformed datagram")
			continue
		}

		c.mu.Lock()
		c.received++
		c.mu.Unlock()
		return pkt, nil
	}
}

// Send encodes and transmits one packet. A nil dest falls back to the
// configured remote, then to the most recent sender; absent all three it
// fails with ErrNoDestination.
func (c *DatagramChannel) Send(pkt wire.Packet, dest net.Addr) error {
	data, err := wire.Encode(c.spec, pkt)
	if err != nil {
		return err
	}
	return c.SendRaw(data, dest)
}

// SendRaw transmits pre-encoded bytes with the same destination fallback
// as Send.
func (c *DatagramChannel) SendRaw(data []byte, dest net.Addr) error {
	if dest == nil {
		c.mu.Lock()
		dest = c.dest
		if dest == nil {
			dest = c.lastSender
		}
		c.mu.Unlock()
	}
	if dest == nil {
		return ErrNoDestination
	}
	if _, err := c.conn.WriteTo(data, dest); err != nil {
		return fmt.Errorf("send datagram to %s: %w", dest, err)
	}
	return nil
}

// Reply sends a packet back to the most recent sender.
func (c *DatagramChannel) Reply(pkt wire.Packet) error {
	c.mu.Lock()
	dest := c.lastSender
	c.mu.Unlock()
	if dest == nil {
		return ErrNoDestination
	}
	return c.Send(pkt, dest)
}

// LastSender returns the address of the most recent datagram sender, or nil.
func (c *DatagramChannel) LastSender() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSender
}

// InvalidDatagrams returns the count of discarded malformed datagrams.
func (c *DatagramChannel) InvalidDatagrams() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalid
}

// Received returns the count of successfully decoded datagrams.
func (c *DatagramChannel) Received() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Close closes the underlying transport.
func (c *DatagramChannel) Close() error {
	return c.conn.Close()
}
