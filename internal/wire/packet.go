// Package wire implements the binary framing layer shared by every
// PacketRig transport: packet encoding/decoding for the supported header
// variants, the command vocabulary spoken by the devices under test, and
// stream reassembly. All multi-byte fields are little-endian.
package wire

// Packet ids carried in the header of both framing variants.
const (
	PktIDSensorTemp    byte = 0x01 // Periodic temperature/humidity telemetry
	PktIDActuatorLED   byte = 0x02 // LED control commands (inbound-only on device)
	PktIDSystemControl byte = 0x09 // System control: ping, sampling commands
	PktIDSystemStatus  byte = 0x0A // Periodic device health: cpu, memory, uptime
)

// Command bytes carried as the first payload byte of a system control
// or actuator packet.
const (
	CmdPing          byte = 0x01 // Echo request, correlated by sequence number
	CmdLEDToggle     byte = 0x02 // Toggle an LED, no response
	CmdStartSampling byte = 0x01 // Begin telemetry sampling (extended devices)
	CmdStopSampling  byte = 0x02 // Stop telemetry sampling (extended devices)
)

// ProtocolVersion is the version byte expected in simple-header packets.
const ProtocolVersion byte = 0x01

// MaxPayloadSize is the largest payload the 16-bit length field can carry.
const MaxPayloadSize = 65535

// Packet is one decoded application packet. Counter and Timestamp are only
// populated for header variants that carry them. The payload slice is owned
// by the receiver of the packet for exactly one decode/route cycle; callers
// that retain packets must Clone them.
type Packet struct {
	ID        byte
	Counter   uint16
	Timestamp uint64 // nanoseconds since device boot
	Payload   []byte
}

// Clone returns a deep copy of the packet.
func (p Packet) Clone() Packet {
	out := p
	out.Payload = make([]byte, len(p.Payload))
	copy(out.Payload, p.Payload)
	return out
}
