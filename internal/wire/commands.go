package wire

import (
	"encoding/binary"
	"fmt"
)

// BuildPing creates a system control ping packet.
// Payload: [cmd:1][seq_num:2]
func BuildPing(seq uint16) Packet {
	b := NewPayloadBuilder()
	b.WriteByte(CmdPing)
	b.WriteUint16(seq)
	return Packet{ID: PktIDSystemControl, Counter: seq, Payload: b.Build()}
}

// PingResponse is the device reply to a ping command.
type PingResponse struct {
	Seq       uint16
	Timestamp uint32 // device uptime in milliseconds
}

// ParsePingResponse decodes a ping response payload.
// Payload: [cmd:1][seq_num:2][timestamp:4]
func ParsePingResponse(payload []byte) (PingResponse, error) {
	if len(payload) < 7 {
		return PingResponse{}, fmt.Errorf("ping response is %d bytes, want 7: %w",
			len(payload), ErrInvalidPacket)
	}
	if payload[0] != CmdPing {
		return PingResponse{}, fmt.Errorf("ping response command 0x%02X, want 0x%02X: %w",
			payload[0], CmdPing, ErrInvalidPacket)
	}
	return PingResponse{
		Seq:       binary.LittleEndian.Uint16(payload[1:3]),
		Timestamp: binary.LittleEndian.Uint32(payload[3:7]),
	}, nil
}

// BuildLEDToggle creates an LED toggle packet. LED commands are
// fire-and-forget: the device never responds.
// Payload: [cmd:1][led_id:1]
func BuildLEDToggle(ledID byte) Packet {
	b := NewPayloadBuilder()
	b.WriteByte(CmdLEDToggle)
	b.WriteByte(ledID)
	return Packet{ID: PktIDActuatorLED, Payload: b.Build()}
}

// TemperatureSample is the decoded payload of a temperature telemetry packet.
type TemperatureSample struct {
	Temperature float64 // degrees Celsius
	Humidity    float64 // percent relative humidity
}

// ParseTemperature decodes a temperature telemetry payload.
// Payload: [temp:2][humidity:2], both in centi-units.
func ParseTemperature(payload []byte) (TemperatureSample, error) {
	if len(payload) < 4 {
		return TemperatureSample{}, fmt.Errorf("temperature sample is %d bytes, want 4: %w",
			len(payload), ErrInvalidPacket)
	}
	return TemperatureSample{
		Temperature: float64(binary.LittleEndian.Uint16(payload[0:2])) / 100.0,
		Humidity:    float64(binary.LittleEndian.Uint16(payload[2:4])) / 100.0,
	}, nil
}

// BuildTemperature encodes a temperature telemetry payload in centi-units.
func BuildTemperature(tempC, humidity float64) []byte {
	b := NewPayloadBuilder()
	b.WriteUint16(uint16(tempC * 100))
	b.WriteUint16(uint16(humidity * 100))
	return b.Build()
}

// BuildSamplingControl creates a sampling start/stop packet for
// extended-header devices.
// Payload: [cmd:1]
func BuildSamplingControl(cmd byte) Packet {
	return Packet{ID: PktIDSystemControl, Payload: []byte{cmd}}
}

// StatusSample is the decoded payload of a device health packet.
type StatusSample struct {
	CPUPercent    float64 // percent, centi-unit resolution
	MemoryPercent float64
	UptimeSec     uint32
}

// ParseStatus decodes a device health payload.
// Payload: [cpu:2][memory:2][uptime_sec:4], cpu and memory in centi-percent.
func ParseStatus(payload []byte) (StatusSample, error) {
	if len(payload) < 8 {
		return StatusSample{}, fmt.Errorf("status sample is %d bytes, want 8: %w",
			len(payload), ErrInvalidPacket)
	}
	return StatusSample{
		CPUPercent:    float64(binary.LittleEndian.Uint16(payload[0:2])) / 100.0,
		MemoryPercent: float64(binary.LittleEndian.Uint16(payload[2:4])) / 100.0,
		UptimeSec:     binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// BuildStatus encodes a device health payload.
func BuildStatus(cpuPercent, memoryPercent float64, uptimeSec uint32) []byte {
	b := NewPayloadBuilder()
	b.WriteUint16(uint16(cpuPercent * 100))
	b.WriteUint16(uint16(memoryPercent * 100))
	b.WriteUint32(uptimeSec)
	return b.Build()
}
