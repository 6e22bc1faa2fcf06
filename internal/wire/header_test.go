package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeSimpleHeaderWireFormat(t *testing.T) {
	payload := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6}
	data, err := Encode(SimpleSpec(), Packet{ID: 9, Payload: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 11 {
		t.Fatalf("encoded length = %d, want 11", len(data))
	}
	wantHeader := []byte{0x01, 0x09, 0x07, 0x00}
	if !bytes.Equal(data[:4], wantHeader) {
		t.Fatalf("header = % x, want % x", data[:4], wantHeader)
	}
	if !bytes.Equal(data[4:], payload) {
		t.Fatalf("payload mismatch")
	}

	pkt, consumed, err := Decode(SimpleSpec(), data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != 11 {
		t.Fatalf("consumed = %d, want 11", consumed)
	}
	if pkt.ID != 9 || !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("decoded packet mismatch: %+v", pkt)
	}
}

func TestExtendedHeaderRoundTrip(t *testing.T) {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	in := Packet{ID: 1, Counter: 5, Timestamp: 1000, Payload: payload}

	data, err := Encode(ExtendedSpec(), in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != ExtendedHeaderSize+256 {
		t.Fatalf("encoded length = %d, want %d", len(data), ExtendedHeaderSize+256)
	}

	out, consumed, err := Decode(ExtendedSpec(), data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(data) {
		t.Fatalf("consumed = %d, want %d", consumed, len(data))
	}
	if out.ID != in.ID || out.Counter != in.Counter || out.Timestamp != in.Timestamp {
		t.Fatalf("header fields mismatch: got=%+v want=%+v", out, in)
	}
	if len(out.Payload) != 256 || !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch, length %d", len(out.Payload))
	}
}

func TestRoundTripBothVariants(t *testing.T) {
	cases := []struct {
		name string
		spec HeaderSpec
		pkt  Packet
	}{
		{"simple empty payload", SimpleSpec(), Packet{ID: PktIDSensorTemp}},
		{"simple with payload", SimpleSpec(), Packet{ID: PktIDSystemControl, Payload: []byte{1, 2, 3}}},
		{"extended empty payload", ExtendedSpec(), Packet{ID: 7, Counter: 99, Timestamp: 123456789}},
		{"extended max counter", ExtendedSpec(), Packet{ID: 1, Counter: 0xFFFF, Timestamp: 1, Payload: []byte{0xFF}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.spec, tc.pkt)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			out, consumed, err := Decode(tc.spec, data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if consumed != len(data) {
				t.Fatalf("consumed = %d, want %d", consumed, len(data))
			}
			if out.ID != tc.pkt.ID || out.Counter != tc.pkt.Counter || out.Timestamp != tc.pkt.Timestamp {
				t.Fatalf("round trip mismatch: got=%+v want=%+v", out, tc.pkt)
			}
			if !bytes.Equal(out.Payload, tc.pkt.Payload) && len(tc.pkt.Payload) > 0 {
				t.Fatalf("payload mismatch")
			}
		})
	}
}

func TestDecodeNeedMoreData(t *testing.T) {
	// Less than a full header.
	if _, _, err := Decode(SimpleSpec(), []byte{0x01, 0x09}); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("short header: expected ErrNeedMoreData, got %v", err)
	}

	// Full header claiming more payload than available.
	data, err := Encode(SimpleSpec(), Packet{ID: 9, Payload: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(SimpleSpec(), data[:6]); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("partial payload: expected ErrNeedMoreData, got %v", err)
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	_, _, err := Decode(SimpleSpec(), []byte{0xEE, 0x09, 0x00, 0x00})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(SimpleSpec(), Packet{ID: 1, Payload: make([]byte, MaxPayloadSize+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeDoesNotAliasBuffer(t *testing.T) {
	data, err := Encode(SimpleSpec(), Packet{ID: 9, Payload: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pkt, _, err := Decode(SimpleSpec(), data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	data[4] = 0xFF
	if pkt.Payload[0] != 1 {
		t.Fatalf("decoded payload aliases the input buffer")
	}
}
