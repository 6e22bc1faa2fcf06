package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateSessions(cfg.Sessions, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateCapture(&cfg.Capture, result)
	validateSimulator(&cfg.Simulator, result)

	return result
}

func validateSessions(sessions []SessionConfig, result *ValidationResult) {
	if len(sessions) == 0 {
		result.AddWarning("sessions", "no sessions configured, daemon will idle")
	}

	seen := make(map[string]bool, len(sessions))
	for i, s := range sessions {
		field := fmt.Sprintf("sessions[%d]", i)

		if strings.TrimSpace(s.Name) == "" {
			result.AddError(field+".name", "session name is required")
		} else if seen[s.Name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate session name: %s", s.Name))
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportTCP, TransportUDP:
		default:
			result.AddError(field+".transport",
				fmt.Sprintf("invalid transport %q (must be tcp or udp)", s.Transport))
		}

		if strings.TrimSpace(s.Address) == "" {
			result.AddError(field+".address", "device address is required")
		} else if _, _, err := net.SplitHostPort(s.Address); err != nil {
			result.AddError(field+".address",
				fmt.Sprintf("invalid address %q: %v", s.Address, err))
		}

		switch s.Header {
		case HeaderSimple, HeaderExtended:
		default:
			result.AddError(field+".header",
				fmt.Sprintf("invalid header variant %q (must be simple or extended)", s.Header))
		}

		if s.Header == HeaderSimple && (s.Version < 0 || s.Version > 255) {
			result.AddError(field+".version",
				fmt.Sprintf("version %d does not fit one byte", s.Version))
		}

		switch s.Resync {
		case ResyncSkip, ResyncFail, "":
		default:
			result.AddError(field+".resync",
				fmt.Sprintf("invalid resync policy %q (must be skip or fail)", s.Resync))
		}

		if s.MaxAttempts < 1 {
			result.AddError(field+".max_attempts", "must allow at least 1 connect attempt")
		}
		if s.BackoffMs < 0 {
			result.AddError(field+".backoff_ms", "backoff must not be negative")
		}
		if s.RequestTimeoutSec < 1 {
			result.AddWarning(field+".request_timeout_sec",
				"request timeout under 1s may time out healthy devices")
		}
		if s.QueueCapacity < 1 {
			result.AddWarning(field+".queue_capacity",
				"queue capacity under 1 drops all unsolicited packets")
		}
	}
}

func validateAPI(api *APIConfig, result *ValidationResult) {
	if !api.Enabled {
		return
	}
	validatePort(api.Port, "api.port", result)
}

func validateMQTT(mqtt *MQTTConfig, result *ValidationResult) {
	if !mqtt.Enabled {
		return
	}
	if strings.TrimSpace(mqtt.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if mqtt.Port < 1 || mqtt.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if mqtt.UseTLS {
		if strings.TrimSpace(mqtt.CertFile) == "" {
			result.AddError("mqtt.cert_file", "certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(mqtt.KeyFile) == "" {
			result.AddError("mqtt.key_file", "key file is required when TLS is enabled")
		}
	}
	if strings.TrimSpace(mqtt.TopicPrefix) == "" {
		result.AddWarning("mqtt.topic_prefix", "empty topic prefix publishes under the root topic")
	}
}

func validateCapture(capture *CaptureConfig, result *ValidationResult) {
	if !capture.Enabled {
		return
	}
	if strings.TrimSpace(capture.Path) == "" {
		result.AddError("capture.path", "capture database path is required when enabled")
	}
	if capture.RetentionRows < 1000 {
		result.AddWarning("capture.retention_rows",
			"retention under 1000 rows prunes capture history aggressively")
	}
}

func validateSimulator(sim *SimulatorConfig, result *ValidationResult) {
	if !sim.Enabled {
		return
	}
	if strings.TrimSpace(sim.TCPAddress) == "" && strings.TrimSpace(sim.UDPAddress) == "" {
		result.AddError("simulator", "at least one of tcp_address or udp_address is required")
	}
	if sim.TelemetryIntervalSec < 1 {
		result.AddWarning("simulator.telemetry_interval_sec",
			"telemetry interval under 1s generates heavy traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
