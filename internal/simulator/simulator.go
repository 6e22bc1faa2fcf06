// Package simulator implements a loopback stand-in for a real embedded
// device. It answers pings, consumes LED commands, streams periodic
// telemetry, and reports host health, so the rest of the rig can be
// exercised end-to-end without hardware on the bench.
package simulator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/util"
	"github.com/packetrig-project/packetrig/internal/wire"
)

// ProbeMagicByte marks a UDP discovery probe. The simulator answers with
// its identity.
const ProbeMagicByte byte = 0xCA

// Config describes the simulated device.
type Config struct {
	Name       string
	Version    string
	TCPAddress string // empty disables the TCP listener
	UDPAddress string // empty disables the UDP responder
	Spec       wire.HeaderSpec

	TelemetryInterval time.Duration
	StatusInterval    time.Duration
}

// Simulator is one simulated device serving any number of harness
// connections.
type Simulator struct {
	cfg     Config
	logger  zerolog.Logger
	started time.Time

	sampling   atomic.Bool
	ledToggles atomic.Uint64
	pings      atomic.Uint64
	counter    atomic.Uint32 // telemetry counter, truncated to uint16 on the wire

	listener net.Listener
	udpConn  net.PacketConn
	wg       sync.WaitGroup
}

// New creates a simulator. Sampling starts enabled.
func New(cfg Config) *Simulator {
	if cfg.Name == "" {
		cfg.Name = "simdev"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Spec.Variant == wire.Simple4B && cfg.Spec.Version == 0 {
		cfg.Spec = wire.SimpleSpec()
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 2 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	s := &Simulator{
		cfg:     cfg,
		logger:  log.With().Str("component", "simulator").Str("device", cfg.Name).Logger(),
		started: time.Now(),
	}
	s.sampling.Store(true)
	return s
}

// Start binds the configured listeners and launches the serve loops. It
// returns once the sockets are bound; cancelling the context shuts the
// simulator down.
func (s *Simulator) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()

	if s.cfg.TCPAddress != "" {
		ln, err := lc.Listen(ctx, "tcp", s.cfg.TCPAddress)
		if err != nil {
			return fmt.Errorf("simulator tcp listen on %s: %w", s.cfg.TCPAddress, err)
		}
		s.listener = ln
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("simulator TCP listener started")

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln)
	}

	if s.cfg.UDPAddress != "" {
		pc, err := lc.ListenPacket(ctx, "udp", s.cfg.UDPAddress)
		if err != nil {
			if s.listener != nil {
				s.listener.Close()
			}
			return fmt.Errorf("simulator udp listen on %s: %w", s.cfg.UDPAddress, err)
		}
		s.udpConn = pc
		s.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("simulator UDP responder started")

		s.wg.Add(1)
		go s.serveDatagrams(ctx, pc)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop closes the listeners and waits for the serve loops to exit.
func (s *Simulator) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.wg.Wait()
}

// TCPAddr returns the bound TCP address, or nil when disabled.
func (s *Simulator) TCPAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// UDPAddr returns the bound UDP address, or nil when disabled.
func (s *Simulator) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// LEDToggles returns how many LED commands the device has consumed.
func (s *Simulator) LEDToggles() uint64 {
	return s.ledToggles.Load()
}

// Pings returns how many pings the device has answered.
func (s *Simulator) Pings() uint64 {
	return s.pings.Load()
}

// Sampling reports whether periodic telemetry is currently enabled.
func (s *Simulator) Sampling() bool {
	return s.sampling.Load()
}

func (s *Simulator) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if ctx.Err() == nil {
					s.logger.Debug().Err(err).Msg("accept loop exiting")
				}
			}
			return
		}

		s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("harness connected")
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves one harness connection: it answers commands and
// pushes periodic telemetry and status packets until the peer disconnects.
func (s *Simulator) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(pkt wire.Packet) error {
		data, err := wire.Encode(s.cfg.Spec, pkt)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(data)
		return err
	}

	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()
	s.wg.Add(1)
	go s.pushLoop(pushCtx, send)

	reasm := wire.NewStreamReassembler(s.cfg.Spec, wire.ReassemblerConfig{})
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pkts, ferr := reasm.Feed(buf[:n])
			for _, pkt := range pkts {
				if resp, ok := s.handlePacket(pkt); ok {
					if err := send(resp); err != nil {
						s.logger.Debug().Err(err).Msg("response write failed")
						return
					}
				}
			}
			if ferr != nil {
				s.logger.Warn().Err(ferr).Msg("corrupt inbound stream, dropping connection")
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("harness disconnected")
			}
			return
		}
	}
}

// pushLoop emits periodic telemetry and status packets on one connection.
func (s *Simulator) pushLoop(ctx context.Context, send func(wire.Packet) error) {
	defer s.wg.Done()

	telemetry := time.NewTicker(s.cfg.TelemetryInterval)
	defer telemetry.Stop()
	status := time.NewTicker(s.cfg.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-telemetry.C:
			if !s.sampling.Load() {
				continue
			}
			if err := send(s.telemetryPacket()); err != nil {
				return
			}
		case <-status.C:
			if err := send(s.statusPacket()); err != nil {
				return
			}
		}
	}
}

// handlePacket applies one inbound command and returns the response packet
// when the command warrants one.
func (s *Simulator) handlePacket(pkt wire.Packet) (wire.Packet, bool) {
	switch pkt.ID {
	case wire.PktIDSystemControl:
		// Sampling control is a bare command byte; ping carries a sequence.
		if len(pkt.Payload) == 1 {
			s.handleSamplingControl(pkt.Payload[0])
			return wire.Packet{}, false
		}
		if len(pkt.Payload) >= 3 && pkt.Payload[0] == wire.CmdPing {
			seq := binary.LittleEndian.Uint16(pkt.Payload[1:3])
			s.pings.Add(1)
			return s.pongPacket(seq), true
		}
		return wire.Packet{}, false

	case wire.PktIDActuatorLED:
		if len(pkt.Payload) >= 2 && pkt.Payload[0] == wire.CmdLEDToggle {
			s.ledToggles.Add(1)
			s.logger.Trace().Uint8("led", pkt.Payload[1]).Msg("LED toggled")
		}
		return wire.Packet{}, false

	default:
		s.logger.Debug().Uint8("packet_id", pkt.ID).Msg("ignoring unknown packet")
		return wire.Packet{}, false
	}
}

// handleSamplingControl applies start/stop sampling commands addressed to
// extended-header devices.
func (s *Simulator) handleSamplingControl(cmd byte) {
	switch cmd {
	case wire.CmdStartSampling:
		s.sampling.Store(true)
		s.logger.Info().Msg("sampling started")
	case wire.CmdStopSampling:
		s.sampling.Store(false)
		s.logger.Info().Msg("sampling stopped")
	}
}

func (s *Simulator) pongPacket(seq uint16) wire.Packet {
	b := wire.NewPayloadBuilder()
	b.WriteByte(wire.CmdPing)
	b.WriteUint16(seq)
	b.WriteUint32(uint32(time.Since(s.started).Milliseconds()))
	return wire.Packet{ID: wire.PktIDSystemControl, Counter: seq, Payload: b.Build()}
}

// telemetryPacket produces the next temperature/humidity sample. Values
// drift on a slow sine so plots look alive.
func (s *Simulator) telemetryPacket() wire.Packet {
	n := s.counter.Add(1)
	phase := float64(n) / 20.0
	temp := 22.0 + 3.0*math.Sin(phase)
	humidity := 45.0 + 10.0*math.Sin(phase/3.0)

	return wire.Packet{
		ID:        wire.PktIDSensorTemp,
		Counter:   uint16(n),
		Timestamp: uint64(time.Since(s.started).Nanoseconds()),
		Payload:   wire.BuildTemperature(temp, humidity),
	}
}

// statusPacket reports real host health through the device health packet.
func (s *Simulator) statusPacket() wire.Packet {
	var cpuPct, memPct float64
	if v, err := util.GetCPUUsage(); err == nil {
		cpuPct = v
	}
	if m, err := util.GetMemoryUsage(); err == nil {
		memPct = m.UsedPercent
	}

	return wire.Packet{
		ID:        wire.PktIDSystemStatus,
		Counter:   uint16(s.counter.Add(1)),
		Timestamp: uint64(time.Since(s.started).Nanoseconds()),
		Payload:   wire.BuildStatus(cpuPct, memPct, uint32(time.Since(s.started).Seconds())),
	}
}

// serveDatagrams answers UDP traffic: identity probes, pings, and sampling
// control. One packet per datagram.
func (s *Simulator) serveDatagrams(ctx context.Context, pc net.PacketConn) {
	defer s.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, remote, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if ctx.Err() == nil {
					s.logger.Debug().Err(err).Msg("udp responder exiting")
				}
			}
			return
		}
		if n < 1 {
			continue
		}

		// Discovery probe: single magic byte.
		if n == 1 && buf[0] == ProbeMagicByte {
			if _, err := pc.WriteTo(s.identityResponse(), remote); err != nil {
				s.logger.Warn().Err(err).Str("remote", remote.String()).
					Msg("failed to send probe response")
			}
			s.logger.Trace().Str("remote", remote.String()).Msg("answered discovery probe")
			continue
		}

		pkt, _, err := wire.Decode(s.cfg.Spec, buf[:n])
		if err != nil {
			s.logger.Debug().Err(err).Msg("discarding malformed datagram")
			continue
		}

		resp, ok := s.handlePacket(pkt)
		if !ok {
			continue
		}
		data, err := wire.Encode(s.cfg.Spec, resp)
		if err != nil {
			continue
		}
		if _, err := pc.WriteTo(data, remote); err != nil {
			s.logger.Warn().Err(err).Str("remote", remote.String()).Msg("udp reply failed")
		}
	}
}

// identityResponse is the reply to a discovery probe:
// [magic:1][name\0][version\0]
func (s *Simulator) identityResponse() []byte {
	b := wire.NewPayloadBuilder()
	b.WriteByte(ProbeMagicByte)
	b.WriteBytes([]byte(s.cfg.Name))
	b.WriteByte(0)
	b.WriteBytes([]byte(s.cfg.Version))
	b.WriteByte(0)
	return b.Build()
}
