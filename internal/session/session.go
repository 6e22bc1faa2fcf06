// Package session composes a transport (stream or datagram) with its frame
// codec and correlation engine into a DeviceSession: the caller-facing
// connect/send/request surface used by test code to exercise a device.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/correlate"
	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/transport"
	"github.com/packetrig-project/packetrig/internal/wire"
)

// Session errors.
var (
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyConnected = errors.New("session: already connected")
	ErrConnectExhausted = errors.New("session: connect attempts exhausted")
	ErrConnectAborted   = errors.New("session: closed while connecting")
)

// TransportKind selects the transport a session runs over.
type TransportKind string

const (
	TransportTCP TransportKind = "tcp"
	TransportUDP TransportKind = "udp"
)

// RetryPolicy bounds connection establishment. Backoff is the delay after
// the first failed attempt; Increment is added on each further attempt
// (zero means fixed backoff). This absorbs startup races where the device
// is still booting.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Increment   time.Duration
}

// DefaultRetryPolicy mirrors the historical 10 x 200ms connect loop.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, Backoff: 200 * time.Millisecond}
}

// Config describes one device session.
type Config struct {
	Name           string
	Transport      TransportKind
	Address        string
	Spec           wire.HeaderSpec
	Retry          RetryPolicy
	RequestTimeout time.Duration // default for Request when the caller passes 0
	Correlation    correlate.Config
	Reassembly     wire.ReassemblerConfig
}

// Stats aggregates session counters for the API and CLI.
type Stats struct {
	State            State           `json:"state"`
	Correlation      correlate.Stats `json:"correlation"`
	SkippedBytes     uint64          `json:"skipped_bytes"`
	InvalidDatagrams uint64          `json:"invalid_datagrams"`
	PacketsDecoded   uint64          `json:"packets_decoded"`
	PacketsSent      uint64          `json:"packets_sent"`
}

// DeviceSession owns one transport connection to a device under test, one
// background receive goroutine, and one correlation engine. All blocking
// caller operations suspend the caller only; the receive goroutine is the
// sole reader of the transport.
type DeviceSession struct {
	cfg    Config
	bus    *events.EventBus
	logger zerolog.Logger

	// Dialers are overridable for in-memory transports in tests.
	DialStream   transport.StreamDialer
	DialDatagram transport.DatagramDialer

	mu      sync.Mutex
	state   State
	gen     uint64 // connect generation; a commit is valid only for the Connect that opened it
	stream  io.ReadWriteCloser
	channel *transport.DatagramChannel
	engine  *correlate.Engine
	reasm   *wire.StreamReassembler
	cancel  context.CancelFunc
	done    chan struct{}

	seq  atomic.Uint32
	sent atomic.Uint64
}

// New creates a disconnected session. The bus may be nil when no observers
// are wired (unit tests).
func New(cfg Config, bus *events.EventBus) *DeviceSession {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Correlation.Keyer == nil {
		if cfg.Spec.Variant == wire.Extended14B {
			cfg.Correlation.Keyer = correlate.HeaderKey
		} else {
			cfg.Correlation.Keyer = correlate.SystemControlKey
		}
	}
	return &DeviceSession{
		cfg:          cfg,
		bus:          bus,
		logger:       log.With().Str("component", "session").Str("session", cfg.Name).Logger(),
		DialStream:   transport.TCPDialer,
		DialDatagram: transport.UDPDialer,
	}
}

// Name returns the configured session name.
func (s *DeviceSession) Name() string {
	return s.cfg.Name
}

// Address returns the configured endpoint.
func (s *DeviceSession) Address() string {
	return s.cfg.Address
}

// State returns the current lifecycle state.
func (s *DeviceSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the transport, retrying per the session's RetryPolicy
// with fixed or incremental backoff. After the last failed attempt it
// fails with ErrConnectExhausted. On success it starts the background
// receive goroutine and transitions to Connected.
func (s *DeviceSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("state %s: %w", s.state, ErrAlreadyConnected)
	}
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.emit(events.EventSessionConnecting, events.SessionPayload{
		Session: s.cfg.Name, Address: s.cfg.Address,
	})

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		err := s.dial(ctx, gen)
		if err == nil {
			s.logger.Info().
				Int("attempt", attempt).
				Str("address", s.cfg.Address).
				Msg("session connected")
			s.emit(events.EventSessionConnected, events.SessionPayload{
				Session: s.cfg.Name, Address: s.cfg.Address,
			})
			return nil
		}
		if errors.Is(err, ErrConnectAborted) {
			// Close (or a newer Connect) took over the lifecycle; it owns
			// the state from here.
			return err
		}
		lastErr = err
		s.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.Retry.MaxAttempts).
			Msg("connect attempt failed")

		if attempt == s.cfg.Retry.MaxAttempts {
			break
		}
		delay := s.cfg.Retry.Backoff + time.Duration(attempt-1)*s.cfg.Retry.Increment
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.abandonConnect(gen)
			return ctx.Err()
		}
	}

	s.abandonConnect(gen)
	return fmt.Errorf("%s after %d attempts: %v: %w",
		s.cfg.Address, s.cfg.Retry.MaxAttempts, lastErr, ErrConnectExhausted)
}

// dial performs a single transport establishment attempt and, on success,
// wires the codec, correlation engine, and receive goroutine. The commit is
// guarded: if Close (or a newer Connect) changed the lifecycle while the
// transport was being established, the fresh transport is torn down and the
// attempt fails with ErrConnectAborted instead of resurrecting the session.
func (s *DeviceSession) dial(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.state != StateConnecting || s.gen != gen {
		s.mu.Unlock()
		return ErrConnectAborted
	}
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	switch s.cfg.Transport {
	case TransportUDP:
		conn, remote, err := s.DialDatagram(ctx, s.cfg.Address)
		if err != nil {
			cancel()
			return err
		}
		channel := transport.NewDatagramChannel(conn, s.cfg.Spec, remote)
		engine := correlate.NewEngine(s.cfg.Correlation, func(data []byte) error {
			if err := channel.SendRaw(data, nil); err != nil {
				return err
			}
			s.recordRequestSent(data)
			return nil
		})

		s.mu.Lock()
		if s.state != StateConnecting || s.gen != gen {
			s.mu.Unlock()
			cancel()
			engine.Shutdown()
			channel.Close()
			return ErrConnectAborted
		}
		s.channel = channel
		s.engine = engine
		s.cancel = cancel
		s.done = done
		s.state = StateConnected
		s.mu.Unlock()

		go s.receiveDatagrams(loopCtx, channel, engine, done)
		return nil

	default: // TransportTCP
		conn, err := s.DialStream(ctx, s.cfg.Address)
		if err != nil {
			cancel()
			return err
		}
		var writeMu sync.Mutex
		engine := correlate.NewEngine(s.cfg.Correlation, func(data []byte) error {
			writeMu.Lock()
			_, werr := conn.Write(data)
			writeMu.Unlock()
			if werr != nil {
				return werr
			}
			s.recordRequestSent(data)
			return nil
		})
		reasm := wire.NewStreamReassembler(s.cfg.Spec, s.cfg.Reassembly)

		s.mu.Lock()
		if s.state != StateConnecting || s.gen != gen {
			s.mu.Unlock()
			cancel()
			engine.Shutdown()
			conn.Close()
			return ErrConnectAborted
		}
		s.stream = conn
		s.engine = engine
		s.reasm = reasm
		s.cancel = cancel
		s.done = done
		s.state = StateConnected
		s.mu.Unlock()

		go s.receiveStream(loopCtx, conn, reasm, engine, done)
		return nil
	}
}

// abandonConnect returns the session to Disconnected after a failed Connect,
// unless Close or a newer Connect already took over the lifecycle.
func (s *DeviceSession) abandonConnect(gen uint64) {
	s.mu.Lock()
	if s.state == StateConnecting && s.gen == gen {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
}

// recordRequestSent mirrors an engine-transmitted request onto the counters
// and the bus. The engine transmits before waiting, so a request that later
// times out still lands in the capture archive.
func (s *DeviceSession) recordRequestSent(data []byte) {
	s.sent.Add(1)
	if pkt, _, err := wire.Decode(s.cfg.Spec, data); err == nil {
		s.emit(events.EventPacketSent, events.PacketPayload{
			Session:   s.cfg.Name,
			Direction: events.DirectionOutbound,
			Packet:    pkt.Clone(),
		})
	}
}

// receiveStream is the background receive goroutine for stream transports.
// It is the exclusive owner of the reassembly buffer.
func (s *DeviceSession) receiveStream(ctx context.Context, conn io.Reader, reasm *wire.StreamReassembler, engine *correlate.Engine, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	var skipped uint64
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pkts, ferr := reasm.Feed(buf[:n])
			for _, pkt := range pkts {
				s.route(pkt, engine)
			}
			if total := reasm.SkippedBytes(); total > skipped {
				skipped = total
				s.emit(events.EventStreamResync, events.ResyncPayload{
					Session: s.cfg.Name, SkippedBytes: total,
				})
			}
			if ferr != nil {
				s.logger.Error().Err(ferr).Msg("stream corrupted, closing session")
				s.teardownFromLoop(ctx, ferr)
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return // session is closing
			}
			if errors.Is(err, io.EOF) {
				if cerr := reasm.Close(); errors.Is(cerr, wire.ErrTruncatedStream) {
					s.logger.Warn().Err(cerr).Msg("stream ended mid-packet")
					s.emit(events.EventSessionError, events.SessionPayload{
						Session: s.cfg.Name, Detail: cerr.Error(),
					})
				}
				s.logger.Info().Msg("stream closed by remote")
			} else {
				s.logger.Error().Err(err).Msg("stream read failed")
			}
			s.teardownFromLoop(ctx, err)
			return
		}
	}
}

// receiveDatagrams is the background receive goroutine for datagram
// transports. Short receive deadlines keep it responsive to cancellation.
func (s *DeviceSession) receiveDatagrams(ctx context.Context, channel *transport.DatagramChannel, engine *correlate.Engine, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := channel.Receive(500 * time.Millisecond)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("datagram receive failed")
			s.teardownFromLoop(ctx, err)
			return
		}
		s.route(pkt, engine)
	}
}

// route forwards one decoded inbound packet to the correlation engine and
// mirrors it onto the event bus.
func (s *DeviceSession) route(pkt wire.Packet, engine *correlate.Engine) {
	s.emit(events.EventPacketReceived, events.PacketPayload{
		Session:   s.cfg.Name,
		Direction: events.DirectionInbound,
		Packet:    pkt.Clone(),
	})
	if pkt.ID == wire.PktIDSensorTemp {
		if sample, err := wire.ParseTemperature(pkt.Payload); err == nil {
			s.emit(events.EventTelemetry, events.TelemetryPayload{
				Session: s.cfg.Name,
				Sample:  sample,
				Counter: pkt.Counter,
			})
		}
	}
	engine.OnPacketReceived(pkt)
}

// teardownFromLoop closes the session after an unexpected transport error.
// It runs from the receive goroutine, so the actual Close happens on a
// separate goroutine once the loop has exited.
func (s *DeviceSession) teardownFromLoop(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		return
	}
	s.emit(events.EventSessionError, events.SessionPayload{
		Session: s.cfg.Name, Address: s.cfg.Address, Detail: cause.Error(),
	})
	go s.Close()
}

// Send encodes and transmits one packet. Permitted only in Connected.
func (s *DeviceSession) Send(pkt wire.Packet) error {
	data, err := wire.Encode(s.cfg.Spec, pkt)
	if err != nil {
		return err
	}
	if err := s.sendRaw(data); err != nil {
		return err
	}
	s.sent.Add(1)
	s.emit(events.EventPacketSent, events.PacketPayload{
		Session:   s.cfg.Name,
		Direction: events.DirectionOutbound,
		Packet:    pkt.Clone(),
	})
	return nil
}

// SendRaw transmits pre-encoded bytes. Permitted only in Connected.
func (s *DeviceSession) SendRaw(data []byte) error {
	if err := s.sendRaw(data); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

func (s *DeviceSession) sendRaw(data []byte) error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("state %s: %w", state, ErrNotConnected)
	}
	stream := s.stream
	channel := s.channel
	s.mu.Unlock()

	if channel != nil {
		return channel.SendRaw(data, nil)
	}
	_, err := stream.Write(data)
	return err
}

// Request transmits a packet and blocks until the response matching its
// correlation key arrives or the timeout elapses (0 means the session's
// configured RequestTimeout).
func (s *DeviceSession) Request(ctx context.Context, key correlate.Key, pkt wire.Packet, timeout time.Duration) (wire.Packet, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return wire.Packet{}, fmt.Errorf("state %s: %w", state, ErrNotConnected)
	}
	engine := s.engine
	s.mu.Unlock()

	data, err := wire.Encode(s.cfg.Spec, pkt)
	if err != nil {
		return wire.Packet{}, err
	}
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	return engine.Request(ctx, key, data, timeout)
}

// Ping sends a system control ping with the next sequence number and waits
// for the matching pong.
func (s *DeviceSession) Ping(ctx context.Context, timeout time.Duration) (wire.PingResponse, error) {
	seq := uint16(s.seq.Add(1))
	pkt := wire.BuildPing(seq)
	key := correlate.Key{PacketID: wire.PktIDSystemControl, Seq: seq}

	resp, err := s.Request(ctx, key, pkt, timeout)
	if err != nil {
		return wire.PingResponse{}, err
	}
	return wire.ParsePingResponse(resp.Payload)
}

// PollUnsolicited drains unsolicited packets matching predicate, blocking
// until count accumulate or the timeout elapses. The result may be shorter
// than count; callers treat the timeout as a soft deadline.
func (s *DeviceSession) PollUnsolicited(predicate func(wire.Packet) bool, count int, timeout time.Duration) ([]wire.Packet, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("state %s: %w", state, ErrNotConnected)
	}
	engine := s.engine
	s.mu.Unlock()

	return engine.PollUnsolicited(predicate, count, timeout), nil
}

// Close tears down the session: it stops the receive goroutine, releases
// the transport, and fails all pending requests with the engine's
// session-closed error. Idempotent; always lands in Disconnected.
func (s *DeviceSession) Close() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateClosing {
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	s.state = StateClosing
	cancel := s.cancel
	stream := s.stream
	channel := s.channel
	engine := s.engine
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if engine != nil {
		engine.Shutdown()
	}
	if stream != nil {
		stream.Close()
	}
	if channel != nil {
		channel.Close()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.stream = nil
	s.channel = nil
	s.cancel = nil
	s.done = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.logger.Info().Msg("session closed")
	s.emit(events.EventSessionClosed, events.SessionPayload{
		Session: s.cfg.Name, Address: s.cfg.Address,
	})
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *DeviceSession) Stats() Stats {
	s.mu.Lock()
	engine := s.engine
	reasm := s.reasm
	channel := s.channel
	state := s.state
	s.mu.Unlock()

	st := Stats{State: state, PacketsSent: s.sent.Load()}
	if engine != nil {
		st.Correlation = engine.Stats()
	}
	if reasm != nil {
		st.SkippedBytes = reasm.SkippedBytes()
		st.PacketsDecoded = reasm.PacketsDecoded()
	}
	if channel != nil {
		st.InvalidDatagrams = channel.InvalidDatagrams()
		st.PacketsDecoded = channel.Received()
	}
	return st
}

func (s *DeviceSession) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  s.cfg.Name,
		Payload: payload,
	})
}
