package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/packetrig-project/packetrig/internal/wire"
)

func newTestEngine(cfg Config) (*Engine, *sentLog) {
	sl := &sentLog{}
	return NewEngine(cfg, sl.send), sl
}

type sentLog struct {
	mu   sync.Mutex
	data [][]byte
	err  error
}

func (s *sentLog) send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.data = append(s.data, cp)
	return nil
}

func (s *sentLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func pingResponse(seq uint16) wire.Packet {
	payload := wire.NewPayloadBuilder().
		WriteByte(wire.CmdPing).
		WriteUint16(seq).
		WriteUint32(1000).
		Build()
	return wire.Packet{ID: wire.PktIDSystemControl, Payload: payload}
}

func TestRequestResolvedByMatchingResponse(t *testing.T) {
	e, sl := newTestEngine(Config{})
	defer e.Shutdown()

	key := Key{PacketID: wire.PktIDSystemControl, Seq: 0x1234}

	done := make(chan struct{})
	var pkt wire.Packet
	var err error
	go func() {
		defer close(done)
		pkt, err = e.Request(context.Background(), key, []byte{0xAA}, 2*time.Second)
	}()

	// Wait for the request to register before delivering the response.
	waitFor(t, func() bool { return e.Stats().Pending == 1 })
	e.OnPacketReceived(pingResponse(0x1234))

	<-done
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, perr := wire.ParsePingResponse(pkt.Payload)
	if perr != nil || resp.Seq != 0x1234 {
		t.Fatalf("resolved with wrong packet: %+v (%v)", pkt, perr)
	}
	if sl.count() != 1 {
		t.Fatalf("transmitted %d times, want 1", sl.count())
	}
	if s := e.Stats(); s.Resolved != 1 || s.Pending != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRequestTimeoutWindow(t *testing.T) {
	e, _ := newTestEngine(Config{})
	defer e.Shutdown()

	key := Key{PacketID: wire.PktIDSystemControl, Seq: 1}
	start := time.Now()
	_, err := e.Request(context.Background(), key, []byte{0x01}, 1*time.Second)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed < 1*time.Second || elapsed > 1200*time.Millisecond {
		t.Fatalf("expiry after %v, want within [1.0s, 1.2s]", elapsed)
	}
	if s := e.Stats(); s.TimedOut != 1 || s.Pending != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestConcurrentRequestsDistinctKeysResolveOutOfOrder(t *testing.T) {
	e, _ := newTestEngine(Config{})
	defer e.Shutdown()

	type result struct {
		seq uint16
		pkt wire.Packet
		err error
	}
	results := make(chan result, 2)
	for _, seq := range []uint16{10, 20} {
		seq := seq
		go func() {
			key := Key{PacketID: wire.PktIDSystemControl, Seq: seq}
			pkt, err := e.Request(context.Background(), key, []byte{byte(seq)}, 2*time.Second)
			results <- result{seq: seq, pkt: pkt, err: err}
		}()
	}

	waitFor(t, func() bool { return e.Stats().Pending == 2 })

	// Responses arrive interleaved and out of order.
	e.OnPacketReceived(pingResponse(20))
	e.OnPacketReceived(pingResponse(10))

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("request seq=%d: %v", r.seq, r.err)
		}
		resp, err := wire.ParsePingResponse(r.pkt.Payload)
		if err != nil {
			t.Fatalf("parse response seq=%d: %v", r.seq, err)
		}
		if resp.Seq != r.seq {
			t.Fatalf("request seq=%d resolved with response seq=%d", r.seq, resp.Seq)
		}
	}
}

func TestDuplicateRequestKeyFailsFast(t *testing.T) {
	e, _ := newTestEngine(Config{})
	defer e.Shutdown()

	key := Key{PacketID: wire.PktIDSystemControl, Seq: 7}
	go e.Request(context.Background(), key, []byte{1}, 2*time.Second)
	waitFor(t, func() bool { return e.Stats().Pending == 1 })

	_, err := e.Request(context.Background(), key, []byte{1}, 2*time.Second)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	e.OnPacketReceived(pingResponse(7))
}

func TestDuplicateResponseGoesToUnsolicitedQueue(t *testing.T) {
	e, _ := newTestEngine(Config{})
	defer e.Shutdown()

	key := Key{PacketID: wire.PktIDSystemControl, Seq: 5}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Request(context.Background(), key, []byte{1}, 2*time.Second)
	}()
	waitFor(t, func() bool { return e.Stats().Pending == 1 })

	e.OnPacketReceived(pingResponse(5)) // resolves
	<-done
	e.OnPacketReceived(pingResponse(5)) // duplicate, must not overwrite

	if s := e.Stats(); s.Resolved != 1 || s.Unsolicited != 1 || s.Queued != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if s := e.Stats(); s.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", s.Duplicates)
	}

	// A packet that never matched a request is unsolicited, not a duplicate.
	e.OnPacketReceived(wire.Packet{ID: wire.PktIDSensorTemp})
	if s := e.Stats(); s.Duplicates != 1 || s.Unsolicited != 2 {
		t.Fatalf("stats after plain unsolicited packet = %+v", s)
	}
}

func TestUnsolicitedQueueDropsOldestOnOverflow(t *testing.T) {
	e, _ := newTestEngine(Config{QueueCapacity: 3})
	defer e.Shutdown()

	for i := 0; i < 5; i++ {
		e.OnPacketReceived(wire.Packet{ID: wire.PktIDSensorTemp, Counter: uint16(i)})
	}

	s := e.Stats()
	if s.Queued != 3 || s.Dropped != 2 {
		t.Fatalf("stats = %+v, want 3 queued / 2 dropped", s)
	}

	got := e.PollUnsolicited(nil, 3, 100*time.Millisecond)
	if len(got) != 3 {
		t.Fatalf("polled %d packets, want 3", len(got))
	}
	// Oldest two were dropped.
	if got[0].Counter != 2 || got[2].Counter != 4 {
		t.Fatalf("wrong packets survived overflow: %+v", got)
	}
}

func TestPollUnsolicitedBlocksUntilCount(t *testing.T) {
	e, _ := newTestEngine(Config{})
	defer e.Shutdown()

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(20 * time.Millisecond)
			e.OnPacketReceived(wire.Packet{ID: wire.PktIDSensorTemp, Counter: uint16(i)})
		}
	}()

	isTemp := func(p wire.Packet) bool { return p.ID == wire.PktIDSensorTemp }
	got := e.PollUnsolicited(isTemp, 3, 2*time.Second)
	if len(got) != 3 {
		t.Fatalf("polled %d packets, want 3", len(got))
	}
}

func TestPollUnsolicitedSoftDeadlineReturnsPartial(t *testing.T) {
	e, _ := newTestEngine(Config{})
	defer e.Shutdown()

	e.OnPacketReceived(wire.Packet{ID: wire.PktIDSensorTemp})

	start := time.Now()
	got := e.PollUnsolicited(nil, 5, 150*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("polled %d packets, want 1", len(got))
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatalf("returned before the deadline with a short result")
	}
}

func TestPollUnsolicitedPredicateLeavesNonMatching(t *testing.T) {
	e, _ := newTestEngine(Config{})
	defer e.Shutdown()

	e.OnPacketReceived(wire.Packet{ID: wire.PktIDSensorTemp})
	e.OnPacketReceived(wire.Packet{ID: 0x55})
	e.OnPacketReceived(wire.Packet{ID: wire.PktIDSensorTemp})

	isTemp := func(p wire.Packet) bool { return p.ID == wire.PktIDSensorTemp }
	got := e.PollUnsolicited(isTemp, 2, 100*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("polled %d packets, want 2", len(got))
	}
	if s := e.Stats(); s.Queued != 1 {
		t.Fatalf("non-matching packet should remain queued, stats = %+v", s)
	}
}

func TestShutdownFailsPendingRequests(t *testing.T) {
	e, _ := newTestEngine(Config{})

	errs := make(chan error, 1)
	go func() {
		key := Key{PacketID: wire.PktIDSystemControl, Seq: 9}
		_, err := e.Request(context.Background(), key, []byte{1}, 5*time.Second)
		errs <- err
	}()
	waitFor(t, func() bool { return e.Stats().Pending == 1 })

	start := time.Now()
	e.Shutdown()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Fatalf("pending request not failed immediately on shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request still blocked after shutdown")
	}
}

func TestRequestAfterShutdownIsSessionClosed(t *testing.T) {
	e, _ := newTestEngine(Config{})
	e.Shutdown()
	e.Shutdown() // idempotent

	_, err := e.Request(context.Background(), Key{PacketID: 1}, []byte{1}, time.Second)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestRequestTransmitFailureClearsPending(t *testing.T) {
	e, sl := newTestEngine(Config{})
	defer e.Shutdown()
	sl.err = errors.New("wire broke")

	_, err := e.Request(context.Background(), Key{PacketID: 1, Seq: 1}, []byte{1}, time.Second)
	if err == nil {
		t.Fatalf("expected transmit error")
	}
	if s := e.Stats(); s.Pending != 0 {
		t.Fatalf("pending entry leaked: %+v", s)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}
