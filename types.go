package picamcapture

import "time"

// CaptureConfig contains user-facing configuration for a capture source.
// Every zero value means "use the default": the camera's own default for
// media fields, the built-in supervision policy for lifecycle fields.
type CaptureConfig struct {
	// BinaryPath overrides the capture executable; empty resolves
	// DefaultBinary from PATH.
	BinaryPath string
	// Timeout stops the capture after this duration; zero runs forever.
	Timeout time.Duration
	// Framerate requests a fixed rate; the zero value lets the camera choose.
	Framerate Fraction
	// Width in pixels; zero lets the camera choose.
	Width int
	// Height in pixels; zero lets the camera choose.
	Height int
	// Bitrate in bits per second; zero lets the encoder choose.
	Bitrate int
	// AudioEnabled requests an audio track from the capture process.
	AudioEnabled bool
	// StartupDelay pauses once before the first spawn, e.g. to let camera
	// hardware settle after boot. Never repeated before retries.
	StartupDelay time.Duration
	// MaxRetries overrides the default retry budget (3) when > 0.
	MaxRetries int
	// RetryBackoff overrides the default retry pause (1s) when > 0.
	RetryBackoff time.Duration
}

// SourceStats contains current source statistics
type SourceStats struct {
	// SessionID identifies the current (or most recent) session.
	SessionID string
	// State is the session lifecycle phase.
	State State
	// ChunkCount is the total number of chunks pushed to the sink.
	ChunkCount uint64
	// BytesRead is the total payload bytes pushed to the sink.
	BytesRead uint64
	// ChunkRate is the measured chunk rate since start (chunks/s).
	ChunkRate float64
	// ThroughputBps is the measured payload throughput since start (bytes/s).
	ThroughputBps float64
	// LatencyMS is the time since the last chunk in milliseconds.
	LatencyMS int64
	// Retries is the number of re-spawns performed after open failures.
	Retries uint32
	// SpawnAttempts is the total number of spawn attempts, initial included.
	SpawnAttempts uint32
	// Produced is true once the camera delivered at least one chunk.
	Produced bool
	// Failure classifies the terminal error, FailureNone otherwise.
	Failure FailureKind
	// IsRunning indicates an active session.
	IsRunning bool
	// Uptime is the time since the session started.
	Uptime time.Duration
}
