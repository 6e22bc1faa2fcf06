package simulator

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/packetrig-project/packetrig/internal/session"
	"github.com/packetrig-project/packetrig/internal/wire"
)

func startSimulator(t *testing.T, cfg Config) *Simulator {
	t.Helper()
	sim := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	if err := sim.Start(ctx); err != nil {
		cancel()
		t.Fatalf("simulator start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		sim.Stop()
	})
	return sim
}

func TestTCPPingThroughSession(t *testing.T) {
	sim := startSimulator(t, Config{
		Name:              "bench",
		TCPAddress:        "127.0.0.1:0",
		TelemetryInterval: time.Hour, // quiet for this test
		StatusInterval:    time.Hour,
	})

	sess := session.New(session.Config{
		Name:      "bench",
		Transport: session.TransportTCP,
		Address:   sim.TCPAddr().String(),
		Spec:      wire.SimpleSpec(),
		Retry:     session.RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond},
	}, nil)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sess.Close()

	resp, err := sess.Ping(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if resp.Seq != 1 {
		t.Errorf("pong seq = %d, want 1", resp.Seq)
	}
	if sim.Pings() != 1 {
		t.Errorf("simulator answered %d pings, want 1", sim.Pings())
	}
}

func TestTCPTelemetryStream(t *testing.T) {
	sim := startSimulator(t, Config{
		Name:              "bench",
		TCPAddress:        "127.0.0.1:0",
		TelemetryInterval: 20 * time.Millisecond,
		StatusInterval:    time.Hour,
	})

	sess := session.New(session.Config{
		Name:      "bench",
		Transport: session.TransportTCP,
		Address:   sim.TCPAddr().String(),
		Spec:      wire.SimpleSpec(),
		Retry:     session.RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond},
	}, nil)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sess.Close()

	samples, err := sess.PollUnsolicited(func(p wire.Packet) bool {
		return p.ID == wire.PktIDSensorTemp
	}, 3, 2*time.Second)
	if err != nil {
		t.Fatalf("PollUnsolicited failed: %v", err)
	}
	if len(samples) < 3 {
		t.Fatalf("got %d telemetry packets, want at least 3", len(samples))
	}
	sample, err := wire.ParseTemperature(samples[0].Payload)
	if err != nil {
		t.Fatalf("ParseTemperature failed: %v", err)
	}
	if sample.Temperature < 15 || sample.Temperature > 30 {
		t.Errorf("temperature %v out of simulated range", sample.Temperature)
	}
}

func TestLEDCommandsAreConsumedSilently(t *testing.T) {
	sim := startSimulator(t, Config{
		Name:              "bench",
		TCPAddress:        "127.0.0.1:0",
		TelemetryInterval: time.Hour,
		StatusInterval:    time.Hour,
	})

	sess := session.New(session.Config{
		Name:      "bench",
		Transport: session.TransportTCP,
		Address:   sim.TCPAddr().String(),
		Spec:      wire.SimpleSpec(),
		Retry:     session.RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond},
	}, nil)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sess.Close()

	for i := byte(0); i < 3; i++ {
		if err := sess.Send(wire.BuildLEDToggle(i)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	// Ping afterwards proves the stream survived the fire-and-forget burst.
	if _, err := sess.Ping(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Ping after LED burst failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sim.LEDToggles() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sim.LEDToggles(); got != 3 {
		t.Errorf("simulator consumed %d LED toggles, want 3", got)
	}
}

func TestUDPPingAndSamplingControl(t *testing.T) {
	sim := startSimulator(t, Config{
		Name:              "bench",
		UDPAddress:        "127.0.0.1:0",
		TelemetryInterval: time.Hour,
		StatusInterval:    time.Hour,
	})

	sess := session.New(session.Config{
		Name:      "bench",
		Transport: session.TransportUDP,
		Address:   sim.UDPAddr().String(),
		Spec:      wire.SimpleSpec(),
		Retry:     session.RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond},
	}, nil)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Ping(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Ping over UDP failed: %v", err)
	}

	if err := sess.Send(wire.BuildSamplingControl(wire.CmdStopSampling)); err != nil {
		t.Fatalf("Send sampling control failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sim.Sampling() {
		time.Sleep(5 * time.Millisecond)
	}
	if sim.Sampling() {
		t.Error("sampling still enabled after stop command")
	}
}

func TestDiscoveryProbe(t *testing.T) {
	sim := startSimulator(t, Config{
		Name:       "bench",
		Version:    "2.1.0",
		UDPAddress: "127.0.0.1:0",
	})

	conn, err := net.Dial("udp", sim.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{ProbeMagicByte}); err != nil {
		t.Fatalf("probe write failed: %v", err)
	}

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("probe read failed: %v", err)
	}

	want := append([]byte{ProbeMagicByte}, []byte("bench\x002.1.0\x00")...)
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("probe response = %q, want %q", buf[:n], want)
	}
}
