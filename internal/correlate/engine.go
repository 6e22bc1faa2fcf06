// Package correlate pairs asynchronous inbound packets with outstanding
// requests. Every decoded packet from a session's receive goroutine is fed
// to an Engine, which either resolves a pending request waiting on the
// packet's key or appends the packet to a bounded unsolicited queue that
// test code drains directly.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/wire"
)

// Request errors. Always surfaced to the caller that issued the failing
// operation, never swallowed.
var (
	ErrRequestTimeout   = errors.New("correlate: request timed out")
	ErrDuplicateRequest = errors.New("correlate: request key already pending")
	ErrSessionClosed    = errors.New("correlate: session closed")
)

// DefaultQueueCapacity bounds the unsolicited packet queue when the
// configuration does not specify one.
const DefaultQueueCapacity = 256

// Key identifies a request/response pair: packet id plus sequence number.
type Key struct {
	PacketID byte
	Seq      uint16
}

// String formats the key for error context and logs.
func (k Key) String() string {
	return fmt.Sprintf("id=0x%02X seq=0x%04X", k.PacketID, k.Seq)
}

// KeyFunc computes the correlation key of an inbound packet.
type KeyFunc func(wire.Packet) Key

// HeaderKey keys packets by header fields alone. Suitable for
// extended-header devices, which echo the request counter in the response
// header.
func HeaderKey(pkt wire.Packet) Key {
	return Key{PacketID: pkt.ID, Seq: pkt.Counter}
}

// SystemControlKey keys simple-header packets. System control responses
// carry their sequence number in the payload after the command byte;
// everything else is keyed by packet id only.
func SystemControlKey(pkt wire.Packet) Key {
	if pkt.ID == wire.PktIDSystemControl && len(pkt.Payload) >= 3 {
		return Key{
			PacketID: pkt.ID,
			Seq:      uint16(pkt.Payload[1]) | uint16(pkt.Payload[2])<<8,
		}
	}
	return Key{PacketID: pkt.ID}
}

// Config tunes engine behavior.
type Config struct {
	// QueueCapacity bounds the unsolicited queue; oldest packets are
	// dropped on overflow. 0 means DefaultQueueCapacity.
	QueueCapacity int
	// Keyer computes inbound packet keys. nil means SystemControlKey.
	Keyer KeyFunc
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Resolved    uint64 // requests resolved by a matching response
	TimedOut    uint64 // requests that expired
	Unsolicited uint64 // packets routed to the unsolicited queue
	Duplicates  uint64 // queued packets whose key matched an already-resolved request
	Dropped     uint64 // unsolicited packets dropped on overflow
	Pending     int    // requests currently awaiting a response
	Queued      int    // packets currently in the unsolicited queue
}

// Engine matches outbound requests to inbound responses with deterministic
// timeout semantics. All state transitions on the pending set happen under
// one mutex, so resolution and expiry are mutually exclusive.
type Engine struct {
	mu      sync.Mutex
	pending map[Key]chan wire.Packet
	queue   []wire.Packet
	arrival chan struct{} // closed and replaced on every unsolicited append
	closed  bool

	capacity int
	keyer    KeyFunc
	send     func([]byte) error
	logger   zerolog.Logger

	resolved    uint64
	timedOut    uint64
	unsolicited uint64
	duplicates  uint64
	dropped     uint64

	// Ring of recently resolved keys, scanned to spot duplicate responses.
	recentResolved [recentResolvedSize]Key
	recentNext     int
	recentCount    int
}

// recentResolvedSize bounds the window used to flag a queued packet as a
// duplicate of an already-resolved request.
const recentResolvedSize = 64

// NewEngine creates a correlation engine. The send function transmits
// request bytes on the session's transport.
func NewEngine(cfg Config, send func([]byte) error) *Engine {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Keyer == nil {
		cfg.Keyer = SystemControlKey
	}
	return &Engine{
		pending:  make(map[Key]chan wire.Packet),
		arrival:  make(chan struct{}),
		capacity: cfg.QueueCapacity,
		keyer:    cfg.Keyer,
		send:     send,
		logger:   log.With().Str("component", "correlate").Logger(),
	}
}

// Request registers a pending request under key, transmits data, and blocks
// until a matching inbound packet arrives or the timeout elapses.
//
// Exactly one terminal transition occurs per request: resolution by a
// matching packet, expiry with ErrRequestTimeout, cancellation via ctx, or
// ErrSessionClosed when the engine shuts down. Concurrent requests with
// distinct keys do not block one another; a key collision fails fast with
// ErrDuplicateRequest.
func (e *Engine) Request(ctx context.Context, key Key, data []byte, timeout time.Duration) (wire.Packet, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return wire.Packet{}, ErrSessionClosed
	}
	if _, exists := e.pending[key]; exists {
		e.mu.Unlock()
		return wire.Packet{}, fmt.Errorf("%s: %w", key, ErrDuplicateRequest)
	}
	ch := make(chan wire.Packet, 1)
	e.pending[key] = ch
	e.mu.Unlock()

	if err := e.send(data); err != nil {
		e.takeAndClear(key)
		return wire.Packet{}, fmt.Errorf("transmit request %s: %w", key, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pkt, ok := <-ch:
		if !ok {
			return wire.Packet{}, ErrSessionClosed
		}
		return pkt, nil

	case <-ctx.Done():
		if e.takeAndClear(key) {
			return wire.Packet{}, ctx.Err()
		}
		// Lost the race to a resolution already delivered.
		return e.drainResolved(ch)

	case <-timer.C:
		if e.takeAndClear(key) {
			e.mu.Lock()
			e.timedOut++
			e.mu.Unlock()
			return wire.Packet{}, fmt.Errorf("%s after %v: %w", key, timeout, ErrRequestTimeout)
		}
		return e.drainResolved(ch)
	}
}

// takeAndClear removes the pending entry if still present, reporting whether
// this caller won the terminal transition.
func (e *Engine) takeAndClear(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, still := e.pending[key]; still {
		delete(e.pending, key)
		return true
	}
	return false
}

// drainResolved retrieves the response that resolved the request just as it
// was expiring. The channel is buffered, so the packet is already there.
func (e *Engine) drainResolved(ch chan wire.Packet) (wire.Packet, error) {
	pkt, ok := <-ch
	if !ok {
		return wire.Packet{}, ErrSessionClosed
	}
	return pkt, nil
}

// OnPacketReceived routes one decoded inbound packet: it resolves a matching
// pending request (single resolution only) or appends to the unsolicited
// queue. A second packet with an already-resolved key lands in the queue
// rather than overwriting the result.
func (e *Engine) OnPacketReceived(pkt wire.Packet) {
	key := e.keyer(pkt)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if ch, ok := e.pending[key]; ok {
		delete(e.pending, key)
		ch <- pkt // buffered; never blocks
		e.resolved++
		e.recentResolved[e.recentNext] = key
		e.recentNext = (e.recentNext + 1) % recentResolvedSize
		if e.recentCount < recentResolvedSize {
			e.recentCount++
		}
		return
	}

	for i := 0; i < e.recentCount; i++ {
		if e.recentResolved[i] == key {
			e.duplicates++
			break
		}
	}

	if len(e.queue) >= e.capacity {
		e.queue = e.queue[1:]
		e.dropped++
		e.logger.Warn().
			Uint64("dropped_total", e.dropped).
			Msg("unsolicited queue overflow, dropped oldest packet")
	}
	e.queue = append(e.queue, pkt)
	e.unsolicited++

	close(e.arrival)
	e.arrival = make(chan struct{})
}

// PollUnsolicited blocks until count packets matching predicate accumulate
// or the timeout elapses, removing matches from the queue. It returns
// however many were collected; a short result is a soft deadline, not an
// error. A nil predicate matches every packet.
func (e *Engine) PollUnsolicited(predicate func(wire.Packet) bool, count int, timeout time.Duration) []wire.Packet {
	deadline := time.Now().Add(timeout)
	var got []wire.Packet

	for {
		e.mu.Lock()
		kept := e.queue[:0]
		for _, pkt := range e.queue {
			if len(got) < count && (predicate == nil || predicate(pkt)) {
				got = append(got, pkt)
			} else {
				kept = append(kept, pkt)
			}
		}
		e.queue = kept
		if len(got) >= count || e.closed {
			e.mu.Unlock()
			return got
		}
		arrival := e.arrival
		e.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return got
		}
		wait := time.NewTimer(remaining)
		select {
		case <-arrival:
			wait.Stop()
		case <-wait.C:
			return got
		}
	}
}

// Shutdown fails every pending request with ErrSessionClosed and rejects
// further activity. Idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for key, ch := range e.pending {
		close(ch)
		delete(e.pending, key)
	}
	close(e.arrival)
	e.arrival = make(chan struct{})
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Resolved:    e.resolved,
		TimedOut:    e.timedOut,
		Unsolicited: e.unsolicited,
		Duplicates:  e.duplicates,
		Dropped:     e.dropped,
		Pending:     len(e.pending),
		Queued:      len(e.queue),
	}
}
