package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PayloadBuilder constructs packet payloads field by field in little-endian
// order. It is a convenience for test code composing command payloads.
type PayloadBuilder struct {
	buf bytes.Buffer
}

// NewPayloadBuilder creates a new PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// Reset clears the builder for reuse.
func (b *PayloadBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *PayloadBuilder) WriteByte(v byte) *PayloadBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PayloadBuilder) WriteUint16(v uint16) *PayloadBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PayloadBuilder) WriteUint32(v uint32) *PayloadBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PayloadBuilder) WriteUint64(v uint64) *PayloadBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteBytes writes raw bytes.
func (b *PayloadBuilder) WriteBytes(data []byte) *PayloadBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed payload bytes.
func (b *PayloadBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the payload being built.
func (b *PayloadBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current payload for debugging.
func (b *PayloadBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PayloadBuilder[%d bytes]: %x", len(data), data)
}
