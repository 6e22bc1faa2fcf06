// Package config handles configuration loading, validation, and persistence
// for the PacketRig daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultAPIPort       = 5000
	DefaultSimulatorTCP  = "127.0.0.1:4242"
	DefaultSimulatorUDP  = "127.0.0.1:4243"
	DefaultCaptureDBPath = "data/capture.db"
)

// Transport values accepted in session configuration.
const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// Header variant values accepted in session configuration.
const (
	HeaderSimple   = "simple"
	HeaderExtended = "extended"
)

// Resync policy values accepted in session configuration.
const (
	ResyncSkip = "skip"
	ResyncFail = "fail"
)

// Config is the root configuration structure for PacketRig.
type Config struct {
	mu   sync.RWMutex
	path string

	Sessions  []SessionConfig `json:"sessions"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Capture   CaptureConfig   `json:"capture"`
	Simulator SimulatorConfig `json:"simulator"`
	Logging   LoggingConfig   `json:"logging"`
}

// SessionConfig describes one device session.
type SessionConfig struct {
	Name      string `json:"name"`
	Transport string `json:"transport"` // tcp or udp
	Address   string `json:"address"`

	// Framing
	Header  string `json:"header"` // simple or extended
	Version int    `json:"version"`

	// Connect retry
	MaxAttempts        int `json:"max_attempts"`
	BackoffMs          int `json:"backoff_ms"`
	BackoffIncrementMs int `json:"backoff_increment_ms"`

	// Correlation
	RequestTimeoutSec int `json:"request_timeout_sec"`
	QueueCapacity     int `json:"queue_capacity"`

	// Stream recovery
	Resync   string `json:"resync"` // skip or fail
	MaxSkips int    `json:"max_skips"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// MQTTConfig holds MQTT telemetry bridge settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// CaptureConfig holds packet capture store settings.
type CaptureConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionRows int    `json:"retention_rows"`
}

// SimulatorConfig holds built-in device simulator settings.
type SimulatorConfig struct {
	Enabled              bool   `json:"enabled"`
	TCPAddress           string `json:"tcp_address"`
	UDPAddress           string `json:"udp_address"`
	TelemetryIntervalSec int    `json:"telemetry_interval_sec"`
	StatusIntervalSec    int    `json:"status_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultSessionConfig returns a session entry with sensible defaults.
func DefaultSessionConfig(name, transport, address string) SessionConfig {
	return SessionConfig{
		Name:              name,
		Transport:         transport,
		Address:           address,
		Header:            HeaderSimple,
		Version:           1,
		MaxAttempts:       10,
		BackoffMs:         200,
		RequestTimeoutSec: 10,
		QueueCapacity:     256,
		Resync:            ResyncSkip,
		MaxSkips:          64,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sessions: []SessionConfig{
			DefaultSessionConfig("device0", TransportTCP, DefaultSimulatorTCP),
		},
		API: APIConfig{
			Enabled:        true,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"*"},
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			TopicPrefix: "packetrig",
		},
		Capture: CaptureConfig{
			Enabled:       true,
			Path:          DefaultCaptureDBPath,
			RetentionRows: 100000,
		},
		Simulator: SimulatorConfig{
			Enabled:              true,
			TCPAddress:           DefaultSimulatorTCP,
			UDPAddress:           DefaultSimulatorUDP,
			TelemetryIntervalSec: 2,
			StatusIntervalSec:    10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Int("sessions", len(cfg.Sessions)).
		Msg("configuration loaded")

	// Re-save config to persist any new default fields added in code updates.
	// This ensures config.json always reflects the complete set of options.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetSessions returns a copy of the session configurations.
func (c *Config) GetSessions() []SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SessionConfig, len(c.Sessions))
	copy(out, c.Sessions)
	return out
}

// GetSession returns the session configuration with the given name.
func (c *Config) GetSession(name string) (SessionConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Sessions {
		if s.Name == name {
			return s, true
		}
	}
	return SessionConfig{}, false
}

// SetSessions replaces the session configurations.
func (c *Config) SetSessions(sessions []SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sessions = sessions
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetCapture returns a copy of the capture configuration.
func (c *Config) GetCapture() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Capture
}

// GetSimulator returns a copy of the simulator configuration.
func (c *Config) GetSimulator() SimulatorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Simulator
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
