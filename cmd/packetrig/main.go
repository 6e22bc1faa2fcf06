// PacketRig - device exercise harness for binary packet protocols.
//
// PacketRig maintains framed TCP/UDP sessions to embedded devices under
// test, correlates command responses, archives traffic in SQLite, exposes
// a REST API, and optionally forwards telemetry over MQTT. A built-in
// device simulator lets the whole rig run without hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/api"
	"github.com/packetrig-project/packetrig/internal/bridge"
	"github.com/packetrig-project/packetrig/internal/capture"
	"github.com/packetrig-project/packetrig/internal/cli"
	"github.com/packetrig-project/packetrig/internal/config"
	"github.com/packetrig-project/packetrig/internal/correlate"
	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/health"
	"github.com/packetrig-project/packetrig/internal/scheduler"
	"github.com/packetrig-project/packetrig/internal/session"
	"github.com/packetrig-project/packetrig/internal/simulator"
	"github.com/packetrig-project/packetrig/internal/util"
	"github.com/packetrig-project/packetrig/internal/wire"
)

const (
	AppName    = "PacketRig"
	AppVersion = "1.0.0"
	Banner     = `
  ____            _        _   ____  _
 |  _ \ __ _  ___| | _____| |_|  _ \(_) __ _
 | |_) / _' |/ __| |/ / _ \ __| |_) | |/ _' |
 |  __/ (_| | (__|   <  __/ |_|  _ <| | (_| |
 |_|   \__,_|\___|_|\_\___|\__|_| \_\_|\__, |
                                       |___/  v%s
 Embedded Device Exercise Harness
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting PacketRig")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	logging := cfg.GetLogging()
	logCfg := util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Info().Msg("launching setup wizard")
		if err := config.RunSetupWizard(cfg); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	// Capture store
	var store *capture.Store
	capturePath := ""
	captureCfg := cfg.GetCapture()
	if captureCfg.Enabled {
		store, err = capture.NewStore(captureCfg.Path, captureCfg.RetentionRows)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open capture store")
		}
		store.Attach(eventBus)
		defer store.Close()
		capturePath = captureCfg.Path
	}

	// Session registry
	registry := session.NewRegistry()
	for _, sc := range cfg.GetSessions() {
		registry.Register(session.New(buildSessionConfig(sc), eventBus))
	}

	// Built-in device simulator
	var sim *simulator.Simulator
	simCfg := cfg.GetSimulator()
	if simCfg.Enabled {
		sim = simulator.New(simulator.Config{
			Name:              "packetrig-sim",
			Version:           AppVersion,
			TCPAddress:        simCfg.TCPAddress,
			UDPAddress:        simCfg.UDPAddress,
			TelemetryInterval: time.Duration(simCfg.TelemetryIntervalSec) * time.Second,
			StatusInterval:    time.Duration(simCfg.StatusIntervalSec) * time.Second,
		})
	}

	// REST API
	var apiServer *api.Server
	apiCfg := cfg.GetAPI()
	if apiCfg.Enabled {
		apiServer = api.NewServer(apiCfg, logging.Level, registry, store)
	}

	// MQTT telemetry bridge
	var mqttBridge *bridge.Bridge
	if cfg.GetMQTT().Enabled {
		mqttBridge, err = bridge.New(cfg.GetMQTT(), eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry bridge disabled")
		}
	}

	sched := scheduler.NewScheduler(store, registry, capturePath)
	healthMgr := health.NewManager(registry, store, capturePath, eventBus)
	cliHandler := cli.NewCLI(registry, eventBus)

	// ---------------------------------------------------------------
	// Launch the concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	// Task 1: device simulator (must be up before sessions dial it)
	if sim != nil {
		log.Info().Msg("starting device simulator")
		if err := sim.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("simulator failed to start (non-fatal)")
		}
	}

	// Task 2: connect every configured session. Connect failures are
	// non-fatal; the session can be pinged later through the API once the
	// device comes up.
	for _, sess := range registry.All() {
		sess := sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Connect(ctx); err != nil {
				log.Warn().Err(err).Str("session", sess.Name()).
					Msg("session connect failed (non-fatal)")
			}
		}()
	}

	// Task 3: REST API server
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", apiCfg.Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("API server failed")
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	// Task 4: MQTT bridge
	if mqttBridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT bridge")
			if err := mqttBridge.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT bridge failed (non-fatal)")
			}
		}()
	}

	// Task 5: background maintenance (capture pruning, nightly compaction,
	// daily stats)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// Task 6: health checks
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	// Task 7: interactive console
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive console")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	cancel()
	registry.CloseAll()
	if sim != nil {
		sim.Stop()
	}

	// Wait for all goroutines with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	log.Info().Msg("PacketRig stopped")
}

// buildSessionConfig maps one config entry onto the session layer's types.
func buildSessionConfig(sc config.SessionConfig) session.Config {
	spec := wire.SimpleSpec()
	if sc.Header == config.HeaderExtended {
		spec = wire.ExtendedSpec()
	} else if sc.Version > 0 {
		spec.Version = byte(sc.Version)
	}

	resync := wire.ResyncSkipByte
	if sc.Resync == config.ResyncFail {
		resync = wire.ResyncFail
	}

	return session.Config{
		Name:      sc.Name,
		Transport: session.TransportKind(sc.Transport),
		Address:   sc.Address,
		Spec:      spec,
		Retry: session.RetryPolicy{
			MaxAttempts: sc.MaxAttempts,
			Backoff:     time.Duration(sc.BackoffMs) * time.Millisecond,
			Increment:   time.Duration(sc.BackoffIncrementMs) * time.Millisecond,
		},
		RequestTimeout: time.Duration(sc.RequestTimeoutSec) * time.Second,
		Correlation: correlate.Config{
			QueueCapacity: sc.QueueCapacity,
		},
		Reassembly: wire.ReassemblerConfig{
			Resync:   resync,
			MaxSkips: sc.MaxSkips,
		},
	}
}
