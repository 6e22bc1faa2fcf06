package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/packetrig-project/packetrig/internal/capture"
	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/session"
	"github.com/packetrig-project/packetrig/internal/wire"
)

func TestNextDailyRunIsInFuture(t *testing.T) {
	for hour := 0; hour < 24; hour += 6 {
		next := nextDailyRun(hour, 0)
		if !next.After(time.Now()) {
			t.Errorf("nextDailyRun(%d, 0) = %v, not in the future", hour, next)
		}
		if until := time.Until(next); until > 24*time.Hour {
			t.Errorf("nextDailyRun(%d, 0) is %v away, want under 24h", hour, until)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{-5, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompactionPrunesAndVacuums(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "capture.db")
	store, err := capture.NewStore(dbPath, 5)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	for i := 0; i < 20; i++ {
		pkt := wire.Packet{ID: wire.PktIDSensorTemp, Counter: uint16(i), Payload: []byte{1, 2, 3}}
		if err := store.RecordPacket("dev0", events.DirectionInbound, pkt); err != nil {
			t.Fatalf("record packet %d: %v", i, err)
		}
	}

	s := NewScheduler(store, session.NewRegistry(), dbPath)
	s.runCompaction()

	n, err := store.PacketCount()
	if err != nil {
		t.Fatalf("packet count: %v", err)
	}
	if n != 5 {
		t.Fatalf("packet count after compaction = %d, want 5", n)
	}
}

func TestCollectStatsWithoutStore(t *testing.T) {
	// Capture disabled: must not panic on the nil store.
	s := NewScheduler(nil, session.NewRegistry(), "")
	s.collectStats()
}
