package capture

import "time"

// MediaTypeH264 is the media type declared for the raw capture output.
const MediaTypeH264 = "video/x-h264"

// Chunk is one timestamped slice of the capture byte stream.
type Chunk struct {
	// Seq is the monotonic sequence number within the session, starting at 0.
	Seq uint64
	// Data is the opaque payload. Chunk boundaries carry no meaning; the
	// stream is an unbounded byte stream and framing is the consumer's
	// concern.
	Data []byte
	// PTS is the presentation timestamp relative to the session anchor.
	// The first chunk of a session always carries PTS 0.
	PTS time.Duration
	// ArrivedAt is the wall-clock arrival time of the chunk.
	ArrivedAt time.Time
	// TraceID is a unique identifier for distributed tracing.
	TraceID string
}

// Format describes the byte stream a source delivers to its sink. It is
// content metadata only; the source never parses or validates the bytes.
type Format struct {
	// MediaType is the encoded content type (e.g. "video/x-h264").
	MediaType string
	// ByteStream is true when chunks form an unbounded byte stream with no
	// container framing.
	ByteStream bool
	// Width and Height are the configured dimensions, 0 when the camera
	// default was requested.
	Width  int
	Height int
	// Framerate is the configured rate; the zero value when the camera
	// default was requested.
	Framerate Fraction
}

// H264Format builds the stream format declared for a capture session.
func H264Format(opts Options) Format {
	return Format{
		MediaType:  MediaTypeH264,
		ByteStream: true,
		Width:      opts.Width,
		Height:     opts.Height,
		Framerate:  opts.Framerate,
	}
}

// Sink is the downstream consumer contract. The supervisor calls
// DeclareFormat once before any data, Push once per accepted chunk in
// strict arrival order, and EndOfStream exactly once on clean termination.
//
// Push must not block on consumer readiness: implementations that cannot
// keep up drop or buffer internally. A Push error is logged by the
// supervisor and does not alter the session state machine.
type Sink interface {
	// DeclareFormat announces the logical format of the byte stream.
	DeclareFormat(f Format) error
	// Push delivers one chunk.
	Push(c Chunk) error
	// EndOfStream signals clean termination. No Push follows it.
	EndOfStream() error
}
