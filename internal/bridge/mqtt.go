// Package bridge forwards telemetry samples and session lifecycle events
// to an MQTT broker so external dashboards can watch a test run live.
package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/config"
	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/util"
)

// Bridge manages the MQTT connection and publishes bus events.
type Bridge struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// New creates an MQTT bridge from configuration.
func New(cfg config.MQTTConfig, eventBus *events.EventBus) (*Bridge, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname": sysInfo.Hostname,
		"platform": sysInfo.Platform,
	}

	b := &Bridge{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: metadata,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("packetrig-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS: load client certificate
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = mqtt.NewClient(opts)

	return b, nil
}

// Start connects to the MQTT broker and subscribes to bus events. It blocks
// until the context is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	log.Info().
		Str("broker", b.cfg.BrokerURL).
		Int("port", b.cfg.Port).
		Msg("connecting to MQTT broker")

	token := b.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	b.subscribeEvents()

	<-ctx.Done()

	b.publishShutdown()
	b.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers event handlers for MQTT publishing.
func (b *Bridge) subscribeEvents() {
	b.eventBus.Subscribe(events.EventTelemetry, "mqtt.telemetry", b.onTelemetry)
	b.eventBus.Subscribe(events.EventSessionConnected, "mqtt.sessionStatus", b.onSessionStatus)
	b.eventBus.Subscribe(events.EventSessionClosed, "mqtt.sessionStatus", b.onSessionStatus)
	b.eventBus.Subscribe(events.EventSessionError, "mqtt.sessionStatus", b.onSessionStatus)
	b.eventBus.Subscribe(events.EventStreamResync, "mqtt.resync", b.onResync)
	b.eventBus.Subscribe(events.EventHealthHeartbeat, "mqtt.heartbeat", b.onHeartbeat)
}

// topic builds a session-scoped topic under the configured prefix.
func (b *Bridge) topic(session, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", b.cfg.TopicPrefix, session, suffix)
}

// publish sends a JSON message to an MQTT topic.
func (b *Bridge) publish(topic string, payload interface{}) {
	if !b.client.IsConnected() {
		return
	}

	msg := b.buildMessage(payload)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := b.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (b *Bridge) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{})

	for k, v := range b.metadata {
		msg[k] = v
	}

	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return msg
}

// Event handlers

func (b *Bridge) onTelemetry(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TelemetryPayload)
	if !ok {
		return fmt.Errorf("bridge: unexpected payload %T for %s", event.Payload, event.Type)
	}
	b.publish(b.topic(payload.Session, "telemetry"), map[string]interface{}{
		"temperature": payload.Sample.Temperature,
		"humidity":    payload.Sample.Humidity,
		"counter":     payload.Counter,
	})
	return nil
}

func (b *Bridge) onSessionStatus(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SessionPayload)
	if !ok {
		return fmt.Errorf("bridge: unexpected payload %T for %s", event.Payload, event.Type)
	}
	b.publish(b.topic(payload.Session, "status"), map[string]interface{}{
		"event":   string(event.Type),
		"address": payload.Address,
		"detail":  payload.Detail,
	})
	return nil
}

func (b *Bridge) onResync(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ResyncPayload)
	if !ok {
		return fmt.Errorf("bridge: unexpected payload %T for %s", event.Payload, event.Type)
	}
	b.publish(b.topic(payload.Session, "status"), map[string]interface{}{
		"event":         string(event.Type),
		"skipped_bytes": payload.SkippedBytes,
	})
	return nil
}

func (b *Bridge) onHeartbeat(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.HeartbeatPayload)
	if !ok {
		return fmt.Errorf("bridge: unexpected payload %T for %s", event.Payload, event.Type)
	}
	b.publish(fmt.Sprintf("%s/health", b.cfg.TopicPrefix), map[string]interface{}{
		"sessions_total":     payload.SessionsTotal,
		"sessions_connected": payload.SessionsConnected,
		"packets_captured":   payload.PacketsCaptured,
		"uptime_sec":         payload.UptimeSec,
	})
	return nil
}

// publishShutdown announces daemon shutdown on the admin topic.
func (b *Bridge) publishShutdown() {
	b.publish(fmt.Sprintf("%s/admin", b.cfg.TopicPrefix), map[string]interface{}{
		"event": "shutdown",
	})
}
