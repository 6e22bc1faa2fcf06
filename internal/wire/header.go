package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header variant sizes in bytes.
const (
	SimpleHeaderSize   = 4  // version(1) + packet_id(1) + length(2)
	ExtendedHeaderSize = 14 // packet_id(1) + reserved(1) + counter(2) + length(2) + timestamp_ns(8)
)

// Framing errors. ErrNeedMoreData and ErrVersionMismatch are control
// signals consumed by the reassembler, never surfaced to callers.
var (
	ErrNeedMoreData    = errors.New("wire: need more data")
	ErrVersionMismatch = errors.New("wire: version byte mismatch")
	ErrInvalidPacket   = errors.New("wire: invalid packet")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrTruncatedStream = errors.New("wire: stream closed with partial packet buffered")
)

// HeaderVariant identifies one of the supported framing variants.
type HeaderVariant uint8

const (
	// Simple4B is the 4-byte header: version, packet_id, payload length.
	Simple4B HeaderVariant = iota
	// Extended14B is the 14-byte header: packet_id, reserved, counter,
	// payload length, 64-bit timestamp.
	Extended14B
)

// String returns the variant name used in config files and logs.
func (v HeaderVariant) String() string {
	switch v {
	case Simple4B:
		return "simple"
	case Extended14B:
		return "extended"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// HeaderSpec is a fixed description of one framing variant. It is created
// once at session configuration and never mutated.
type HeaderSpec struct {
	Variant HeaderVariant
	Version byte // expected version byte, Simple4B only
}

// SimpleSpec returns the spec for the 4-byte header at the current
// protocol version.
func SimpleSpec() HeaderSpec {
	return HeaderSpec{Variant: Simple4B, Version: ProtocolVersion}
}

// ExtendedSpec returns the spec for the 14-byte header.
func ExtendedSpec() HeaderSpec {
	return HeaderSpec{Variant: Extended14B}
}

// HeaderSize returns the fixed header width for this variant.
func (s HeaderSpec) HeaderSize() int {
	if s.Variant == Extended14B {
		return ExtendedHeaderSize
	}
	return SimpleHeaderSize
}

// Encode serializes a packet into its wire representation. The length field
// is always computed from the actual payload length.
func Encode(spec HeaderSpec, pkt Packet) ([]byte, error) {
	if len(pkt.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload is %d bytes (max %d): %w",
			len(pkt.Payload), MaxPayloadSize, ErrPayloadTooLarge)
	}

	switch spec.Variant {
	case Simple4B:
		buf := make([]byte, SimpleHeaderSize+len(pkt.Payload))
		buf[0] = spec.Version
		buf[1] = pkt.ID
		binary.LittleEndian.PutUint16(buf[2:4], uint16(len(pkt.Payload)))
		copy(buf[SimpleHeaderSize:], pkt.Payload)
		return buf, nil

	case Extended14B:
		buf := make([]byte, ExtendedHeaderSize+len(pkt.Payload))
		buf[0] = pkt.ID
		buf[1] = 0 // reserved
		binary.LittleEndian.PutUint16(buf[2:4], pkt.Counter)
		binary.LittleEndian.PutUint16(buf[4:6], uint16(len(pkt.Payload)))
		binary.LittleEndian.PutUint64(buf[6:14], pkt.Timestamp)
		copy(buf[ExtendedHeaderSize:], pkt.Payload)
		return buf, nil

	default:
		return nil, fmt.Errorf("unknown header variant %d: %w", spec.Variant, ErrInvalidPacket)
	}
}

// Decode parses one packet from the front of buf. It inspects only the
// header-size prefix and is a pure function of the buffer contents.
//
// Returns ErrNeedMoreData when the buffer holds less than a full header or
// less than the payload the header claims, and ErrVersionMismatch when a
// simple-header version byte does not match the spec (the caller should
// skip one byte and retry to resynchronize). On success the returned count
// is headerSize + payloadLength. The payload is copied out of buf.
func Decode(spec HeaderSpec, buf []byte) (Packet, int, error) {
	headerSize := spec.HeaderSize()
	if len(buf) < headerSize {
		return Packet{}, 0, ErrNeedMoreData
	}

	switch spec.Variant {
	case Simple4B:
		if buf[0] != spec.Version {
			return Packet{}, 0, ErrVersionMismatch
		}
		length := int(binary.LittleEndian.Uint16(buf[2:4]))
		total := headerSize + length
		if len(buf) < total {
			return Packet{}, 0, ErrNeedMoreData
		}
		payload := make([]byte, length)
		copy(payload, buf[headerSize:total])
		return Packet{ID: buf[1], Payload: payload}, total, nil

	case Extended14B:
		length := int(binary.LittleEndian.Uint16(buf[4:6]))
		total := headerSize + length
		if len(buf) < total {
			return Packet{}, 0, ErrNeedMoreData
		}
		payload := make([]byte, length)
		copy(payload, buf[headerSize:total])
		return Packet{
			ID:        buf[0],
			Counter:   binary.LittleEndian.Uint16(buf[2:4]),
			Timestamp: binary.LittleEndian.Uint64(buf[6:14]),
			Payload:   payload,
		}, total, nil

	default:
		return Packet{}, 0, fmt.Errorf("unknown header variant %d: %w", spec.Variant, ErrInvalidPacket)
	}
}
