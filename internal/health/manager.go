// Package health implements periodic health check monitoring for the
// PacketRig daemon: session liveness probing, capture database disk
// utilization, and host resource pressure.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/capture"
	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/session"
	"github.com/packetrig-project/packetrig/internal/util"
)

// Intervals tunes how often each check runs. Zero disables a check.
type Intervals struct {
	Liveness  time.Duration
	Disk      time.Duration
	Resources time.Duration
	Heartbeat time.Duration
}

// DefaultIntervals returns the standard check cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		Liveness:  60 * time.Second,
		Disk:      5 * time.Minute,
		Resources: 2 * time.Minute,
		Heartbeat: 30 * time.Second,
	}
}

// Manager runs periodic health checks against the session registry and
// capture store.
type Manager struct {
	registry  *session.Registry
	store     *capture.Store // nil when capture is disabled
	eventBus  *events.EventBus
	intervals Intervals
	dbDir     string
	startedAt time.Time
}

// NewManager creates a health check manager. store and dbPath may be empty
// when capture is disabled.
func NewManager(registry *session.Registry, store *capture.Store, dbPath string, eventBus *events.EventBus) *Manager {
	dir := ""
	if dbPath != "" {
		dir = filepath.Dir(dbPath)
	}
	return &Manager{
		registry:  registry,
		store:     store,
		eventBus:  eventBus,
		intervals: DefaultIntervals(),
		dbDir:     dir,
	}
}

// Start launches all health check goroutines and blocks until the context
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.startedAt = time.Now()

	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"session_liveness", m.intervals.Liveness, m.checkSessionLiveness},
		{"capture_disk", m.intervals.Disk, m.checkDiskUtilization},
		{"host_resources", m.intervals.Resources, m.checkHostResources},
	}

	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		check := check
		go func() {
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			// Run immediately on startup
			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	if m.intervals.Heartbeat > 0 {
		go m.heartbeatLoop(ctx)
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// checkSessionLiveness pings every connected session and reports the ones
// that stop answering. A dead transport is otherwise only discovered the
// next time a caller issues a request.
func (m *Manager) checkSessionLiveness(ctx context.Context) {
	for _, sess := range m.registry.All() {
		if sess.State() != session.StateConnected {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := sess.Ping(probeCtx, 0)
		cancel()

		if err != nil {
			log.Warn().Err(err).Str("session", sess.Name()).Msg("liveness probe failed")
			m.eventBus.Emit(ctx, events.Event{
				Type:   events.EventSessionError,
				Source: "health_check",
				Payload: events.SessionPayload{
					Session: sess.Name(),
					Detail:  fmt.Sprintf("liveness probe failed: %v", err),
				},
			})
			continue
		}

		log.Trace().
			Str("session", sess.Name()).
			Uint16("seq", resp.Seq).
			Uint32("device_uptime_ms", resp.Timestamp).
			Msg("liveness probe ok")
	}
}

// checkDiskUtilization monitors the capture database volume and alerts at
// thresholds.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	if m.dbDir == "" {
		return
	}

	usage, err := util.GetDiskUsage(m.dbDir)
	if err != nil {
		log.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("capture volume utilization")

	// Alert thresholds: 80%, 90%, 95%
	var level string
	switch {
	case usage.UsedPercent >= 95:
		level = "error"
	case usage.UsedPercent >= 90:
		level = "warning"
	case usage.UsedPercent >= 80:
		level = "info"
	default:
		return // No alert needed
	}

	log.Warn().
		Str("level", level).
		Str("path", m.dbDir).
		Msgf("capture volume at %.1f%% (%d GB free of %d GB total)",
			usage.UsedPercent, usage.Free, usage.Total)
}

// checkHostResources warns when the harness host itself is under pressure,
// which skews round-trip measurements.
func (m *Manager) checkHostResources(ctx context.Context) {
	cpu, err := util.GetCPUUsage()
	if err == nil && cpu >= 90 {
		log.Warn().Float64("cpu_percent", cpu).Msg("host CPU pressure may skew timing measurements")
	}

	mem, err := util.GetMemoryUsage()
	if err == nil && mem.UsedPercent >= 90 {
		log.Warn().Float64("memory_percent", mem.UsedPercent).Msg("host memory pressure")
	}
}

// heartbeatLoop emits a periodic health summary on the event bus. The MQTT
// bridge relays it to the health topic when enabled.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.intervals.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := 0
			for _, sess := range m.registry.All() {
				if sess.State() == session.StateConnected {
					connected++
				}
			}

			var captured int64
			if m.store != nil {
				if n, err := m.store.PacketCount(); err == nil {
					captured = n
				}
			}

			m.eventBus.Emit(ctx, events.Event{
				Type:   events.EventHealthHeartbeat,
				Source: "health_check",
				Payload: events.HeartbeatPayload{
					SessionsTotal:     m.registry.Count(),
					SessionsConnected: connected,
					PacketsCaptured:   captured,
					UptimeSec:         int64(time.Since(m.startedAt).Seconds()),
				},
			})
		}
	}
}
