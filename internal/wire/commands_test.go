package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestBuildPingPayload(t *testing.T) {
	pkt := BuildPing(0x1234)
	if pkt.ID != PktIDSystemControl {
		t.Fatalf("packet id = 0x%02X, want 0x%02X", pkt.ID, PktIDSystemControl)
	}
	want := []byte{CmdPing, 0x34, 0x12}
	if !bytes.Equal(pkt.Payload, want) {
		t.Fatalf("payload = % x, want % x", pkt.Payload, want)
	}
}

func TestParsePingResponse(t *testing.T) {
	payload := NewPayloadBuilder().
		WriteByte(CmdPing).
		WriteUint16(0x1234).
		WriteUint32(5000).
		Build()

	resp, err := ParsePingResponse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Seq != 0x1234 {
		t.Fatalf("seq = 0x%04X, want 0x1234", resp.Seq)
	}
	if resp.Timestamp != 5000 {
		t.Fatalf("timestamp = %d, want 5000", resp.Timestamp)
	}
}

func TestParsePingResponseTooShort(t *testing.T) {
	_, err := ParsePingResponse([]byte{CmdPing, 0x01})
	if !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket, got %v", err)
	}
}

func TestParsePingResponseWrongCommand(t *testing.T) {
	_, err := ParsePingResponse([]byte{0x7F, 0, 0, 0, 0, 0, 0})
	if !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket, got %v", err)
	}
}

func TestTemperatureRoundTrip(t *testing.T) {
	payload := BuildTemperature(23.5, 45.25)
	sample, err := ParseTemperature(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sample.Temperature != 23.5 {
		t.Fatalf("temperature = %v, want 23.5", sample.Temperature)
	}
	if sample.Humidity != 45.25 {
		t.Fatalf("humidity = %v, want 45.25", sample.Humidity)
	}
}

func TestBuildLEDToggle(t *testing.T) {
	pkt := BuildLEDToggle(3)
	if pkt.ID != PktIDActuatorLED {
		t.Fatalf("packet id = 0x%02X, want 0x%02X", pkt.ID, PktIDActuatorLED)
	}
	if !bytes.Equal(pkt.Payload, []byte{CmdLEDToggle, 3}) {
		t.Fatalf("payload = % x", pkt.Payload)
	}
}
