package picamcapture

import "fmt"

// MultiSink fans the capture output out to several sinks in registration
// order. Every sink sees the same chunks in the same order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one. The composite is only as
// non-blocking as its slowest member, so compose buffered sinks (ChanSink,
// RelaySink) rather than direct writers.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// DeclareFormat announces the format to every sink. Any failure aborts:
// a sink that cannot accept the format would otherwise receive data it was
// never prepared for.
func (m *MultiSink) DeclareFormat(f Format) error {
	for i, sink := range m.sinks {
		if err := sink.DeclareFormat(f); err != nil {
			return fmt.Errorf("picam-capture: declare format on sink %d: %w", i, err)
		}
	}
	return nil
}

// Push delivers the chunk to every sink. A failing sink does not stop
// delivery to the others; the first error is reported after all sinks were
// offered the chunk.
func (m *MultiSink) Push(chunk Chunk) error {
	var firstErr error
	for i, sink := range m.sinks {
		if err := sink.Push(chunk); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("picam-capture: push to sink %d: %w", i, err)
		}
	}
	return firstErr
}

// EndOfStream signals a clean end to every sink.
func (m *MultiSink) EndOfStream() error {
	var firstErr error
	for i, sink := range m.sinks {
		if err := sink.EndOfStream(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("picam-capture: end-of-stream to sink %d: %w", i, err)
		}
	}
	return firstErr
}
