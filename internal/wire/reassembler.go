package wire

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ResyncPolicy controls how the reassembler handles a version byte mismatch
// at the front of the buffer.
type ResyncPolicy uint8

const (
	// ResyncSkipByte drops one byte and retries, resynchronizing after
	// stream corruption. This is the default behavior.
	ResyncSkipByte ResyncPolicy = iota
	// ResyncFail treats MaxSkips consecutive skipped bytes as hard stream
	// corruption and stops the stream.
	ResyncFail
)

// DefaultMaxSkips bounds consecutive skipped bytes under ResyncFail.
const DefaultMaxSkips = 64

// ReassemblerConfig tunes StreamReassembler behavior.
type ReassemblerConfig struct {
	Resync   ResyncPolicy
	MaxSkips int // 0 means DefaultMaxSkips
}

// StreamReassembler converts an append-only byte stream into a sequence of
// packets, in arrival order, with no loss or duplication under arbitrary
// chunk boundaries. The internal buffer always holds at most one incomplete
// trailing packet prefix; complete packets are extracted as soon as they
// close. The reassembler is owned by a single receive goroutine and is not
// safe for concurrent use.
type StreamReassembler struct {
	spec   HeaderSpec
	cfg    ReassemblerConfig
	buf    []byte
	logger zerolog.Logger

	// Counters are atomic so stats snapshots can read them from outside
	// the receive goroutine.
	skippedTotal   atomic.Uint64
	packetsDecoded atomic.Uint64
	skippedRun     int
}

// NewStreamReassembler creates a reassembler for one stream connection.
func NewStreamReassembler(spec HeaderSpec, cfg ReassemblerConfig) *StreamReassembler {
	if cfg.MaxSkips <= 0 {
		cfg.MaxSkips = DefaultMaxSkips
	}
	return &StreamReassembler{
		spec:   spec,
		cfg:    cfg,
		logger: log.With().Str("component", "reassembler").Str("header", spec.Variant.String()).Logger(),
	}
}

// Feed appends a received chunk and returns every packet it completed, in
// arrival order. A single chunk may complete zero or many packets.
//
// A version mismatch at the buffer head drops exactly one byte and retries;
// under ResyncFail, MaxSkips consecutive dropped bytes stop the stream with
// an error wrapping ErrInvalidPacket.
func (r *StreamReassembler) Feed(chunk []byte) ([]Packet, error) {
	r.buf = append(r.buf, chunk...)

	var out []Packet
	for len(r.buf) > 0 {
		pkt, consumed, err := Decode(r.spec, r.buf)
		switch err {
		case nil:
			out = append(out, pkt)
			r.buf = r.buf[consumed:]
			r.skippedRun = 0
			r.packetsDecoded.Add(1)

		case ErrNeedMoreData:
			return out, nil

		case ErrVersionMismatch:
			r.buf = r.buf[1:]
			r.skippedRun++
			skipped := r.skippedTotal.Add(1)
			if r.cfg.Resync == ResyncFail && r.skippedRun >= r.cfg.MaxSkips {
				r.logger.Error().
					Int("consecutive_skips", r.skippedRun).
					Msg("stream corruption exceeded skip limit")
				return out, fmt.Errorf("skipped %d consecutive bytes without resync: %w",
					r.skippedRun, ErrInvalidPacket)
			}
			r.logger.Debug().
				Uint64("skipped_total", skipped).
				Msg("version mismatch, skipped one byte")

		default:
			return out, err
		}
	}
	return out, nil
}

// Close reports the terminal state of the stream. A non-empty trailing
// partial packet is a distinct terminal condition, never silently dropped.
func (r *StreamReassembler) Close() error {
	if len(r.buf) > 0 {
		return fmt.Errorf("%d bytes buffered: %w", len(r.buf), ErrTruncatedStream)
	}
	return nil
}

// Buffered returns the number of bytes of incomplete trailing packet.
func (r *StreamReassembler) Buffered() int {
	return len(r.buf)
}

// SkippedBytes returns the total bytes dropped during resynchronization.
func (r *StreamReassembler) SkippedBytes() uint64 {
	return r.skippedTotal.Load()
}

// PacketsDecoded returns the total packets emitted so far.
func (r *StreamReassembler) PacketsDecoded() uint64 {
	return r.packetsDecoded.Load()
}
