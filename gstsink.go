package picamcapture

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// GstConfig configures the GStreamer forwarding pipeline.
type GstConfig struct {
	// SinkElement names the terminal element, e.g. "fakesink", "filesink",
	// "kmssink". Empty defaults to "fakesink".
	SinkElement string
	// SinkProperties are applied to the terminal element, e.g.
	// {"location": "/tmp/out.h264"} for filesink.
	SinkProperties map[string]interface{}
	// Decode inserts avdec_h264 + videoconvert before the terminal
	// element, for display sinks that need raw video instead of H.264.
	Decode bool
}

// GstSink feeds the captured H.264 byte stream into a GStreamer pipeline:
//
//	fdsrc → h264parse → [avdec_h264 → videoconvert →] sink element
//
// Chunks enter through an OS pipe owned by the sink, so the capture loop
// performs plain bounded writes and GStreamer does its own buffering and
// timestamping on the far side.
type GstSink struct {
	cfg GstConfig

	mu       sync.Mutex
	pipeline *gst.Pipeline
	reader   *os.File
	writer   *os.File
	stop     chan struct{}
	wg       sync.WaitGroup
	declared bool
	closed   bool

	// Statistics (atomic for thread-safety)
	delivered   uint64
	bytesOut    uint64
	writeErrors uint64
}

// NewGstSink creates the sink with fail-fast validation: GStreamer must be
// installed and able to create elements. The pipeline itself is built on
// DeclareFormat, when the stream parameters are known.
func NewGstSink(cfg GstConfig) (*GstSink, error) {
	if cfg.SinkElement == "" {
		cfg.SinkElement = "fakesink"
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("picam-capture: GStreamer not available: %w", err)
	}
	return &GstSink{cfg: cfg, stop: make(chan struct{})}, nil
}

// checkGStreamerAvailable checks if GStreamer is available
//
// This is a fail-fast validation that runs at construction time.
func checkGStreamerAvailable() error {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	// Try to create a simple element to verify GStreamer is working
	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}

	// Clean up test element
	elem.SetState(gst.StateNull)

	return nil
}

// gstCaps renders the declared format as a GStreamer caps string.
func gstCaps(f Format) string {
	caps := f.MediaType
	if f.ByteStream {
		caps += ",stream-format=byte-stream,alignment=au"
	}
	if f.Width > 0 && f.Height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", f.Width, f.Height)
	}
	if !f.Framerate.IsDefault() {
		caps += fmt.Sprintf(",framerate=%d/%d", f.Framerate.Num, f.Framerate.Den)
	}
	return caps
}

// DeclareFormat builds and starts the pipeline for the announced format.
func (g *GstSink) DeclareFormat(f Format) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrSinkClosed
	}
	if g.declared {
		return fmt.Errorf("picam-capture: gst pipeline already running")
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("picam-capture: create pipe: %w", err)
	}

	pipeline, err := g.buildPipeline(f, reader)
	if err != nil {
		reader.Close()
		writer.Close()
		return err
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		reader.Close()
		writer.Close()
		return fmt.Errorf("picam-capture: failed to start gst pipeline: %w", err)
	}

	g.pipeline = pipeline
	g.reader = reader
	g.writer = writer
	g.declared = true

	// Launch background goroutine for pipeline bus monitoring
	g.wg.Add(1)
	go g.monitorBus(pipeline)

	slog.Info("picam-capture: gst pipeline started",
		"caps", gstCaps(f),
		"sink_element", g.cfg.SinkElement,
		"decode", g.cfg.Decode,
	)

	return nil
}

// buildPipeline assembles fdsrc → h264parse → [decode →] sink.
func (g *GstSink) buildPipeline(f Format, reader *os.File) (*gst.Pipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("picam-capture: failed to create pipeline: %w", err)
	}

	fdsrc, err := gst.NewElement("fdsrc")
	if err != nil {
		return nil, fmt.Errorf("picam-capture: failed to create fdsrc: %w", err)
	}
	fdsrc.SetProperty("fd", int(reader.Fd()))

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("picam-capture: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(gstCaps(f)))

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("picam-capture: failed to create h264parse: %w", err)
	}

	sinkElem, err := gst.NewElement(g.cfg.SinkElement)
	if err != nil {
		return nil, fmt.Errorf("picam-capture: failed to create %s: %w", g.cfg.SinkElement, err)
	}
	for k, v := range g.cfg.SinkProperties {
		sinkElem.SetProperty(k, v)
	}

	if g.cfg.Decode {
		decoder, err := gst.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("picam-capture: failed to create avdec_h264: %w", err)
		}
		decoder.SetProperty("max-threads", 0)

		converter, err := gst.NewElement("videoconvert")
		if err != nil {
			return nil, fmt.Errorf("picam-capture: failed to create videoconvert: %w", err)
		}

		pipeline.AddMany(fdsrc, capsfilter, parser, decoder, converter, sinkElem)
		if err := gst.ElementLinkMany(fdsrc, capsfilter, parser, decoder, converter, sinkElem); err != nil {
			return nil, fmt.Errorf("picam-capture: failed to link decode pipeline: %w", err)
		}
		return pipeline, nil
	}

	pipeline.AddMany(fdsrc, capsfilter, parser, sinkElem)
	if err := gst.ElementLinkMany(fdsrc, capsfilter, parser, sinkElem); err != nil {
		return nil, fmt.Errorf("picam-capture: failed to link pipeline: %w", err)
	}
	return pipeline, nil
}

// monitorBus watches the pipeline bus for errors until the sink closes.
func (g *GstSink) monitorBus(pipeline *gst.Pipeline) {
	defer g.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-g.stop:
			return
		default:
			// Poll for messages with short timeout for responsive shutdown
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("picam-capture: gst pipeline reached end of stream")
				return

			case gst.MessageError:
				gerr := msg.ParseError()
				slog.Error("picam-capture: gst pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
				)

			case gst.MessageStateChanged:
				if msg.Source() == pipeline.GetName() {
					old, next := msg.ParseStateChanged()
					slog.Debug("picam-capture: gst pipeline state changed",
						"from", old,
						"to", next,
					)
				}
			}
		}
	}
}

// Push writes the chunk into the pipeline's pipe, bounded by a timeout so
// a wedged pipeline surfaces as a push error instead of stalling capture.
func (g *GstSink) Push(chunk Chunk) error {
	g.mu.Lock()
	writer := g.writer
	declared := g.declared
	closed := g.closed
	g.mu.Unlock()

	if closed {
		return ErrSinkClosed
	}
	if !declared {
		return fmt.Errorf("picam-capture: chunk before format declaration")
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := writer.Write(chunk.Data)
		writeErr <- err
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			atomic.AddUint64(&g.writeErrors, 1)
			return fmt.Errorf("picam-capture: gst pipe write: %w", err)
		}
		atomic.AddUint64(&g.delivered, 1)
		atomic.AddUint64(&g.bytesOut, uint64(len(chunk.Data)))
		return nil
	case <-time.After(relayWriteTimeout):
		atomic.AddUint64(&g.writeErrors, 1)
		return fmt.Errorf("picam-capture: gst pipe write timeout (pipeline may be hung)")
	}
}

// EndOfStream closes the write side of the pipe; fdsrc sees EOF and the
// pipeline drains to its own end-of-stream.
func (g *GstSink) EndOfStream() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed || g.writer == nil {
		return ErrSinkClosed
	}

	err := g.writer.Close()
	g.writer = nil
	return err
}

// Close tears the pipeline down
//
// This method:
//  1. Stops the bus monitor goroutine
//  2. Sets the pipeline to NULL state
//  3. Closes both pipe ends
//
// Idempotent - safe to call multiple times.
func (g *GstSink) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.stop)
	pipeline := g.pipeline
	writer := g.writer
	reader := g.reader
	g.pipeline = nil
	g.writer = nil
	g.reader = nil
	g.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.SetState(gst.StateNull); err != nil {
			slog.Error("picam-capture: failed to stop gst pipeline", "error", err)
		}
	}
	if writer != nil {
		writer.Close()
	}
	if reader != nil {
		reader.Close()
	}
	g.wg.Wait()

	slog.Info("picam-capture: gst sink closed",
		"chunks_delivered", atomic.LoadUint64(&g.delivered),
		"bytes_out", atomic.LoadUint64(&g.bytesOut),
	)

	return nil
}

// GstSinkStats tracks pipeline delivery metrics.
type GstSinkStats struct {
	// Delivered is the number of chunks written into the pipeline.
	Delivered uint64
	// BytesOut is the total payload bytes written.
	BytesOut uint64
	// WriteErrors counts failed or timed-out pipe writes.
	WriteErrors uint64
}

// Stats returns pipeline delivery metrics.
//
// Thread-safe - uses atomic operations for counters.
func (g *GstSink) Stats() GstSinkStats {
	return GstSinkStats{
		Delivered:   atomic.LoadUint64(&g.delivered),
		BytesOut:    atomic.LoadUint64(&g.bytesOut),
		WriteErrors: atomic.LoadUint64(&g.writeErrors),
	}
}
