package picamcapture

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	relayQueueDepth   = 64
	relayWriteTimeout = 2 * time.Second
)

// relayEnvelope is the wire message for relayed capture output. Kind is
// "format", "chunk", or "eos"; the other fields are kind-dependent.
type relayEnvelope struct {
	Kind    string       `msgpack:"kind"`
	Seq     uint64       `msgpack:"seq,omitempty"`
	PTSNano int64        `msgpack:"pts_ns,omitempty"`
	TraceID string       `msgpack:"trace_id,omitempty"`
	Data    []byte       `msgpack:"data,omitempty"`
	Format  *relayFormat `msgpack:"format,omitempty"`
}

type relayFormat struct {
	MediaType    string `msgpack:"media_type"`
	ByteStream   bool   `msgpack:"byte_stream"`
	Width        int    `msgpack:"width"`
	Height       int    `msgpack:"height"`
	FramerateNum int    `msgpack:"framerate_num"`
	FramerateDen int    `msgpack:"framerate_den"`
}

// RelaySinkStats tracks relay delivery metrics.
type RelaySinkStats struct {
	// Delivered is the number of envelopes written to the peer.
	Delivered uint64
	// Dropped is the number of chunks discarded because the queue was full.
	Dropped uint64
	// WriteErrors counts failed or timed-out writes.
	WriteErrors uint64
	// BytesOut is the total encoded bytes written, prefixes included.
	BytesOut uint64
}

// RelaySink forwards the capture output to a peer process over a byte
// stream (pipe, unix socket, TCP connection) using MsgPack envelopes with
// length-prefix framing (4 bytes big-endian + msgpack data), so the peer
// can detect message boundaries in the stream.
//
// Push never blocks: envelopes go through a bounded queue drained by a
// writer goroutine, and chunks are dropped with a counter when the peer
// cannot keep up. Control envelopes (format, eos) are never dropped.
type RelaySink struct {
	w io.Writer

	mu     sync.RWMutex
	queue  chan relayEnvelope
	closed bool
	done   chan struct{}

	// Statistics (atomic for thread-safety)
	delivered   uint64
	dropped     uint64
	writeErrors uint64
	bytesOut    uint64
}

// NewRelaySink creates a relay over w and starts its writer goroutine.
// The caller keeps ownership of w and closes it after Close returns.
func NewRelaySink(w io.Writer) *RelaySink {
	r := &RelaySink{
		w:     w,
		queue: make(chan relayEnvelope, relayQueueDepth),
		done:  make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// DeclareFormat relays the stream format ahead of any data.
func (r *RelaySink) DeclareFormat(f Format) error {
	return r.enqueueControl(relayEnvelope{
		Kind: "format",
		Format: &relayFormat{
			MediaType:    f.MediaType,
			ByteStream:   f.ByteStream,
			Width:        f.Width,
			Height:       f.Height,
			FramerateNum: f.Framerate.Num,
			FramerateDen: f.Framerate.Den,
		},
	})
}

// Push queues one chunk for relay without blocking.
func (r *RelaySink) Push(chunk Chunk) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrSinkClosed
	}

	env := relayEnvelope{
		Kind:    "chunk",
		Seq:     chunk.Seq,
		PTSNano: chunk.PTS.Nanoseconds(),
		TraceID: chunk.TraceID,
		Data:    chunk.Data,
	}

	// Non-blocking send to the writer queue
	select {
	case r.queue <- env:
	default:
		// Queue full - drop chunk and track metric
		atomic.AddUint64(&r.dropped, 1)
		slog.Debug("picam-capture: relay queue full, dropping chunk",
			"seq", chunk.Seq,
			"trace_id", chunk.TraceID,
		)
	}

	return nil
}

// EndOfStream relays the clean end marker.
func (r *RelaySink) EndOfStream() error {
	return r.enqueueControl(relayEnvelope{Kind: "eos"})
}

// enqueueControl delivers a control envelope, waiting briefly for queue
// room rather than dropping: format and eos must reach the peer.
func (r *RelaySink) enqueueControl(env relayEnvelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrSinkClosed
	}

	select {
	case r.queue <- env:
		return nil
	case <-time.After(relayWriteTimeout):
		atomic.AddUint64(&r.writeErrors, 1)
		return fmt.Errorf("picam-capture: relay queue blocked, %s envelope not sent", env.Kind)
	}
}

// Close stops the writer goroutine after draining queued envelopes.
// Idempotent.
func (r *RelaySink) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		slog.Warn("picam-capture: relay writer did not drain in time")
	}
	return nil
}

// Stats returns relay delivery metrics.
//
// Thread-safe - uses atomic operations for counters.
func (r *RelaySink) Stats() RelaySinkStats {
	return RelaySinkStats{
		Delivered:   atomic.LoadUint64(&r.delivered),
		Dropped:     atomic.LoadUint64(&r.dropped),
		WriteErrors: atomic.LoadUint64(&r.writeErrors),
		BytesOut:    atomic.LoadUint64(&r.bytesOut),
	}
}

// writeLoop drains the queue and frames envelopes onto the writer.
func (r *RelaySink) writeLoop() {
	defer close(r.done)

	for env := range r.queue {
		if err := r.writeEnvelope(env); err != nil {
			atomic.AddUint64(&r.writeErrors, 1)
			slog.Error("picam-capture: relay write failed",
				"kind", env.Kind,
				"seq", env.Seq,
				"error", err,
			)
		}
	}
}

// writeEnvelope writes one envelope with length-prefix framing, bounded by
// a write timeout so a hung peer cannot wedge the writer loop forever.
func (r *RelaySink) writeEnvelope(env relayEnvelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack envelope: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		// Write length prefix (4 bytes, big endian)
		lengthPrefix := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthPrefix, uint32(len(payload)))

		if _, err := r.w.Write(lengthPrefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}

		if _, err := r.w.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write msgpack data: %w", err)
			return
		}

		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return err
		}
		atomic.AddUint64(&r.delivered, 1)
		atomic.AddUint64(&r.bytesOut, uint64(4+len(payload)))
		return nil
	case <-time.After(relayWriteTimeout):
		return fmt.Errorf("relay write timeout (peer may be hung)")
	}
}
