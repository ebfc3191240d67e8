// Package picamcapture acquires H.264 video from a Raspberry Pi camera by
// supervising an rpicam-vid capture process and forwarding its output as
// timestamped chunks.
//
// The camera binary writes an H.264 elementary stream to stdout; this
// module owns the process lifecycle (spawn, retry, teardown), anchors a
// zero-based timeline on the first chunk, and pushes chunks to a sink
// without ever blocking the capture loop.
//
// # Quick Start
//
// The simplest way to consume the capture output is through a channel sink:
//
//	sink := picamcapture.NewChanSink(16, picamcapture.DropNew)
//
//	src, err := picamcapture.NewSource(picamcapture.CaptureConfig{
//	    Width:     1280,
//	    Height:    720,
//	    Framerate: picamcapture.Fraction{Num: 30, Den: 1},
//	    Bitrate:   2_000_000,
//	}, sink)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Stop()
//
//	if err := src.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	for chunk := range sink.Chunks() {
//	    // chunk.Data holds H.264 byte-stream bytes
//	    // chunk.PTS is the zero-based presentation timestamp
//	    handle(chunk)
//	}
//
//	if err := src.Err(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Features
//
//   - Process supervision with bounded linear retry (camera open failures only)
//   - Zero-based monotonic chunk timestamps anchored on the first chunk
//   - Non-blocking delivery with configurable drop policies
//   - Pluggable sinks: channel, fan-out, MsgPack relay, GStreamer pipeline
//   - Injectable process spawner for hardware-free lifecycle testing
//   - Thread-safe statistics and flow steadiness measurement
//
// # Command Resolution
//
// Every CaptureConfig field has a "let the camera decide" zero value, and
// the resolved command line is always fully concrete:
//
//   - Timeout zero runs forever (--timeout 0)
//   - Framerate zero value defers to the camera (--framerate -1)
//   - Width/Height/Bitrate zero defer to the camera (rendered as 0)
//   - Output is always stdout (--output -)
//
// BuildCommand exposes the resolution for inspection and testing.
//
// # Lifecycle and Retry
//
// A session moves STARTING → STREAMING → TERMINATED. The retry policy is
// asymmetric around the first chunk:
//
//   - Abnormal exit before any data: bounded linear retry (default 3
//     retries, 1s fixed backoff), invisible to the sink
//   - Abnormal exit after data: immediately fatal, no retry; a restart
//     would silently rewind the zero-based timeline
//   - Exit code 0: clean shutdown, the sink receives exactly one
//     end-of-stream
//   - OS-level spawn failure: immediately fatal
//
// The optional startup delay runs once before the first spawn, never
// before retries.
//
// # Sinks
//
// A Sink receives DeclareFormat once, every chunk in arrival order, and
// end-of-stream on clean shutdown only. Implementations included:
//
//   - ChanSink: channel consumer with DropNew/DropOld lag policies
//   - MultiSink: fan-out to several sinks
//   - RelaySink: MsgPack envelopes with length-prefix framing for peer
//     processes
//   - GstSink: feeds a local GStreamer pipeline (fdsrc → h264parse → ...)
//
// Push errors are logged by the supervisor and never alter the session
// state machine.
//
// # Statistics
//
// Real-time statistics are available via Stats():
//
//	stats := src.Stats()
//	fmt.Printf("chunks: %d (%.1f/s)\n", stats.ChunkCount, stats.ChunkRate)
//	fmt.Printf("throughput: %.0f B/s\n", stats.ThroughputBps)
//	fmt.Printf("retries: %d\n", stats.Retries)
//
// MeasureFlow consumes a chunk channel for a fixed window and reports
// rate, throughput, jitter, and a steadiness verdict.
//
// # Dependencies
//
// The rpicam-apps suite must be installed on the target device:
//
//	# Raspberry Pi OS (Bullseye and later)
//	sudo apt-get install rpicam-apps
//
// Verify the capture binary:
//
//	rpicam-vid --version
//
// GStreamer 1.x is only required when using GstSink:
//
//	sudo apt-get install \
//	    gstreamer1.0-tools \
//	    gstreamer1.0-plugins-base \
//	    gstreamer1.0-plugins-good \
//	    gstreamer1.0-libav
//
// # Thread Safety
//
// All public methods are thread-safe:
//
//   - Start() returns immediately; the session runs in the background
//   - Stop() is idempotent and can be called from any goroutine
//   - Stats() uses atomic operations for lock-free reads
//
// # Design Philosophy
//
//   - Non-blocking delivery: drop chunks rather than stall capture
//     (latency over completeness)
//   - Fail-fast validation: configuration errors detected at construction
//   - Retry only when invisible: restarts happen before data has flowed,
//     never after
//   - Injectable process boundary: the spawner seam makes the whole state
//     machine testable without camera hardware
//
// # Examples
//
// Complete working examples are available in the examples/ directory:
//
//   - examples/simple/: capture to a channel with periodic statistics
//   - examples/relay/: forward the stream to a peer process over a socket
//
// # Testing
//
// A command-line testing tool is provided:
//
//	# Build test tool
//	go build -o bin/test-capture ./cmd/test-capture
//
//	# Capture with statistics
//	./bin/test-capture --width 1280 --height 720 --fps 30
//
//	# Save the elementary stream for inspection
//	./bin/test-capture --output /tmp/capture.h264 --timeout 10s
//
// # Limitations
//
//   - H.264 elementary stream only (no container, no MJPEG)
//   - Chunk boundaries follow pipe reads, not NAL unit boundaries
//   - Single camera per Source instance
//   - Audio capture depends on the rpicam-vid build
package picamcapture
