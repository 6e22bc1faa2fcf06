// Package scheduler implements background maintenance for the PacketRig
// daemon: periodic capture pruning, nightly database compaction, and daily
// statistics collection.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/capture"
	"github.com/packetrig-project/packetrig/internal/session"
)

// pruneInterval is how often retention is enforced on the packets table.
const pruneInterval = 10 * time.Minute

// Scheduler manages periodic background tasks.
type Scheduler struct {
	store    *capture.Store
	registry *session.Registry
	dbPath   string
}

// NewScheduler creates a new maintenance scheduler. store may be nil when
// capture is disabled; only the daily stats task runs in that case.
func NewScheduler(store *capture.Store, registry *session.Registry, dbPath string) *Scheduler {
	return &Scheduler{
		store:    store,
		registry: registry,
		dbPath:   dbPath,
	}
}

// Start begins running all scheduled tasks and blocks until the context is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.store != nil {
		go s.runPruneLoop(ctx)
		go s.runCompactionLoop(ctx)
	}
	go s.runStatsCollectionLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runPruneLoop enforces the capture retention limit on an interval.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Prune(); err != nil {
				log.Warn().Err(err).Msg("capture prune failed")
			}
		}
	}
}

// runCompactionLoop vacuums the capture database once a day at a quiet
// hour. Pruning deletes rows but SQLite keeps the pages until a VACUUM.
func (s *Scheduler) runCompactionLoop(ctx context.Context) {
	for {
		nextRun := nextDailyRun(4, 0)
		sleepDuration := time.Until(nextRun)
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("capture compaction scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.runCompaction()
		}
	}
}

// runCompaction performs the prune-then-vacuum pass and logs reclaimed space.
func (s *Scheduler) runCompaction() {
	before := s.databaseSize()

	if err := s.store.Prune(); err != nil {
		log.Warn().Err(err).Msg("capture prune failed")
	}
	if err := s.store.Vacuum(); err != nil {
		log.Warn().Err(err).Msg("capture vacuum failed")
		return
	}

	after := s.databaseSize()
	log.Info().
		Str("reclaimed", formatBytes(before-after)).
		Str("size", formatBytes(after)).
		Msg("capture compaction completed")
}

// databaseSize returns the capture file size in bytes, 0 if unknown.
func (s *Scheduler) databaseSize() int64 {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// runStatsCollectionLoop collects daily statistics.
func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

// collectStats logs a daily traffic summary per session.
func (s *Scheduler) collectStats() {
	var decoded, sent uint64
	for _, sess := range s.registry.All() {
		stats := sess.Stats()
		decoded += stats.PacketsDecoded
		sent += stats.PacketsSent
	}

	ev := log.Info().
		Int("sessions", s.registry.Count()).
		Uint64("packets_decoded", decoded).
		Uint64("packets_sent", sent)

	if s.store != nil {
		if n, err := s.store.PacketCount(); err == nil {
			ev = ev.Int64("packets_captured", n)
		}
		if n, err := s.store.TelemetryCount(); err == nil {
			ev = ev.Int64("telemetry_captured", n)
		}
	}

	ev.Msg("daily stats collected")
}

// nextDailyRun returns the next occurrence of the given local time of day.
func nextDailyRun(hour, minute int) time.Time {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	if next.Before(now) {
		next = next.Add(24 * time.Hour)
	}

	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
