package picamcapture

import "github.com/e7canasta/picam-capture/internal/capture"

// Public API - Re-export internal types as stable contract

// Options selects what the camera captures. The zero value of every field
// is the "let the camera decide" sentinel.
type Options = capture.Options

// Fraction is an exact frames-per-second rate.
type Fraction = capture.Fraction

// Command is a fully resolved process invocation.
type Command = capture.Command

// Chunk is one timestamped slice of the H.264 elementary stream.
type Chunk = capture.Chunk

// Format describes the stream announced to a sink before any data flows.
type Format = capture.Format

// Sink receives the capture output in strict arrival order.
type Sink = capture.Sink

// Event is one occurrence in a process's serialized event stream.
type Event = capture.Event

// DataEvent carries bytes read from the process stdout.
type DataEvent = capture.DataEvent

// ExitEvent reports process termination and is always the final event.
type ExitEvent = capture.ExitEvent

// Handle is the supervisor's view of one running capture process.
type Handle = capture.Handle

// Spawner launches capture processes; swap it for a scripted one in tests.
type Spawner = capture.Spawner

// Supervisor drives one capture session to a terminal outcome.
type Supervisor = capture.Supervisor

// SessionConfig is the supervision policy for one capture session.
type SessionConfig = capture.Config

// SessionStats is a point-in-time snapshot of one session.
type SessionStats = capture.Stats

// State is the lifecycle phase of a capture session.
type State = capture.State

const (
	StateIdle       = capture.StateIdle
	StateStarting   = capture.StateStarting
	StateStreaming  = capture.StateStreaming
	StateTerminated = capture.StateTerminated
)

// FailureKind classifies terminal session outcomes for telemetry.
type FailureKind = capture.FailureKind

const (
	FailureNone             = capture.FailureNone
	FailureSpawn            = capture.FailureSpawn
	FailureMidStream        = capture.FailureMidStream
	FailureRetriesExhausted = capture.FailureRetriesExhausted
	FailureUnknown          = capture.FailureUnknown
)

// SpawnError reports that the OS refused to create the capture process.
type SpawnError = capture.SpawnError

// MidStreamError reports an abnormal exit after data had flowed.
type MidStreamError = capture.MidStreamError

// RetriesExhaustedError reports that the camera never opened.
type RetriesExhaustedError = capture.RetriesExhaustedError

// DefaultBinary is the capture executable resolved from PATH by default.
const DefaultBinary = capture.DefaultBinary

// MediaTypeH264 identifies the only stream format this module produces.
const MediaTypeH264 = capture.MediaTypeH264

// Public API errors - Re-export internal errors as stable contract
var (
	ErrAlreadyStarted = capture.ErrAlreadyStarted
	ErrHandleDrained  = capture.ErrHandleDrained
)

// BuildCommand resolves options into the exact process invocation.
func BuildCommand(opts Options) Command {
	return capture.BuildCommand(opts)
}

// H264Format derives the declared stream format from capture options.
func H264Format(opts Options) Format {
	return capture.H264Format(opts)
}

// NewExecSpawner returns the Spawner that launches real OS processes.
func NewExecSpawner() Spawner {
	return capture.NewExecSpawner()
}

// NewSupervisor creates a session supervisor with an explicit policy. Most
// callers want Source instead; this is the low-level entry point.
func NewSupervisor(opts Options, spawner Spawner, cfg SessionConfig) *Supervisor {
	return capture.NewSupervisor(opts, spawner, cfg)
}

// DefaultSessionConfig returns the default supervision policy.
func DefaultSessionConfig() SessionConfig {
	return capture.DefaultConfig()
}

// ClassifyFailure maps a terminal session error to its failure kind.
func ClassifyFailure(err error) FailureKind {
	return capture.ClassifyFailure(err)
}
