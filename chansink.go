package picamcapture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrSinkClosed is returned by sink operations after the sink has been
// closed or has received end-of-stream.
var ErrSinkClosed = errors.New("picam-capture: sink closed")

// DropPolicy defines how ChanSink handles chunks when the consumer cannot
// keep up.
type DropPolicy int

const (
	// DropNew drops incoming chunks when the buffer is full (backpressure)
	DropNew DropPolicy = iota
	// DropOld always accepts new chunks, evicting the oldest buffered one
	// (latest-biased)
	DropOld
)

// ChanSink bridges the push-based capture output to a channel consumer.
// Push never blocks: when the consumer lags, chunks are dropped according
// to the configured policy and counted.
//
// The chunk channel closes on end-of-stream or Close, whichever comes
// first, so a range loop over Chunks terminates with the session.
type ChanSink struct {
	policy DropPolicy
	ch     chan Chunk

	mu     sync.RWMutex
	format Format
	closed bool

	// Statistics (atomic for thread-safety)
	delivered uint64
	dropped   uint64
	eosSeen   atomic.Bool
}

// ChanSinkStats tracks chunk delivery metrics.
type ChanSinkStats struct {
	// Delivered is the number of chunks handed to the channel.
	Delivered uint64
	// Dropped is the number of chunks discarded under consumer lag.
	Dropped uint64
	// EndOfStream is true once the producer signalled a clean end.
	EndOfStream bool
}

// NewChanSink creates a channel sink with the given buffer depth. A buffer
// of zero is raised to one so DropOld always has somewhere to park the
// latest chunk.
func NewChanSink(buffer int, policy DropPolicy) *ChanSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanSink{
		policy: policy,
		ch:     make(chan Chunk, buffer),
	}
}

// Chunks returns the consumer side of the sink.
func (c *ChanSink) Chunks() <-chan Chunk {
	return c.ch
}

// Format returns the declared stream format, and whether it has been
// declared yet.
func (c *ChanSink) Format() (Format, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format, c.format.MediaType != ""
}

// DeclareFormat records the stream format for consumers.
func (c *ChanSink) DeclareFormat(f Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	c.format = f
	return nil
}

// Push delivers one chunk without blocking.
func (c *ChanSink) Push(chunk Chunk) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrSinkClosed
	}

	switch c.policy {
	case DropNew:
		// Non-blocking send to channel
		select {
		case c.ch <- chunk:
			atomic.AddUint64(&c.delivered, 1)
		default:
			// Channel full - drop chunk and track metric
			atomic.AddUint64(&c.dropped, 1)
			slog.Debug("picam-capture: dropping chunk, channel full",
				"seq", chunk.Seq,
				"trace_id", chunk.TraceID,
			)
		}

	case DropOld:
		// Evict until the new chunk fits (always succeeds eventually;
		// Push is the only sender)
		for {
			select {
			case c.ch <- chunk:
				atomic.AddUint64(&c.delivered, 1)
				return nil
			default:
			}
			select {
			case stale := <-c.ch:
				atomic.AddUint64(&c.dropped, 1)
				slog.Debug("picam-capture: evicting stale chunk",
					"seq", stale.Seq,
					"trace_id", stale.TraceID,
				)
			default:
			}
		}
	}

	return nil
}

// EndOfStream closes the chunk channel after the final chunk.
func (c *ChanSink) EndOfStream() error {
	c.eosSeen.Store(true)
	return c.Close()
}

// Close releases the sink from the consumer side, e.g. on teardown paths
// where no end-of-stream will arrive. Idempotent.
func (c *ChanSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	c.closed = true
	close(c.ch)
	return nil
}

// Stats returns delivery metrics for the sink.
//
// Thread-safe - uses atomic operations for counters.
func (c *ChanSink) Stats() ChanSinkStats {
	return ChanSinkStats{
		Delivered:   atomic.LoadUint64(&c.delivered),
		Dropped:     atomic.LoadUint64(&c.dropped),
		EndOfStream: c.eosSeen.Load(),
	}
}
