// Package events defines the event types flowing through the PacketRig
// event bus: session lifecycle transitions and decoded packet traffic,
// consumed by the capture store, the MQTT bridge, and the API.
package events

import "github.com/packetrig-project/packetrig/internal/wire"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionConnecting EventType = "session_connecting"
	EventSessionConnected  EventType = "session_connected"
	EventSessionClosed     EventType = "session_closed"
	EventSessionError      EventType = "session_error"

	// Packet traffic events
	EventPacketReceived EventType = "packet_received"
	EventPacketSent     EventType = "packet_sent"
	EventTelemetry      EventType = "telemetry_sample"
	EventStreamResync   EventType = "stream_resync"

	// System events
	EventConfigChanged   EventType = "config_changed"
	EventHealthHeartbeat EventType = "health_heartbeat"
	EventShutdown        EventType = "shutdown"
)

// Direction marks which way a packet traveled relative to the harness.
type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string // session or component name
	Payload interface{}
}

// PacketPayload carries one decoded packet through the bus. The packet is
// cloned before emission, so handlers may retain it.
type PacketPayload struct {
	Session   string
	Direction Direction
	Packet    wire.Packet
}

// TelemetryPayload carries a decoded telemetry sample.
type TelemetryPayload struct {
	Session string
	Sample  wire.TemperatureSample
	Counter uint16
}

// SessionPayload carries session lifecycle details.
type SessionPayload struct {
	Session string
	Address string
	Detail  string
}

// HeartbeatPayload summarizes harness health for periodic reporting.
type HeartbeatPayload struct {
	SessionsTotal     int
	SessionsConnected int
	PacketsCaptured   int64
	UptimeSec         int64
}

// ResyncPayload reports stream resynchronization activity.
type ResyncPayload struct {
	Session      string
	SkippedBytes uint64
}
