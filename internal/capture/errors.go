package capture

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle misuse.
var (
	// ErrAlreadyStarted is returned when a session is started twice.
	ErrAlreadyStarted = errors.New("capture: already started")
	// ErrHandleDrained is returned by NextEvent after the exit event has
	// been consumed.
	ErrHandleDrained = errors.New("capture: process handle drained")
)

// SpawnError reports that the operating system refused to create the
// capture process or its pipes. It is fatal immediately and never retried.
type SpawnError struct {
	// Program is the executable that could not be launched.
	Program string
	// Err is the underlying OS error.
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("capture: failed to spawn %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// MidStreamError reports an abnormal exit after the camera had already
// started streaming. Retries are not attempted: resuming with a reset
// timestamp anchor would silently rewind the stream's timeline.
type MidStreamError struct {
	// Code is the nonzero exit code, diagnostic only.
	Code int
}

func (e *MidStreamError) Error() string {
	return fmt.Sprintf("capture: process exited mid-stream with code %d", e.Code)
}

// RetriesExhaustedError reports that the camera failed to open on every
// spawn attempt before producing any data.
type RetriesExhaustedError struct {
	// Attempts is the total number of spawn attempts made.
	Attempts int
	// LastCode is the exit code of the final attempt.
	LastCode int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf(
		"capture: camera failed to open after %d attempts (last exit code %d)",
		e.Attempts, e.LastCode,
	)
}

// FailureKind classifies terminal session outcomes for telemetry.
type FailureKind int

const (
	// FailureNone indicates a clean shutdown or a still-running session.
	FailureNone FailureKind = iota
	// FailureSpawn indicates the OS could not create the process.
	FailureSpawn
	// FailureMidStream indicates an abnormal exit after data had flowed.
	FailureMidStream
	// FailureRetriesExhausted indicates open failures spent the retry budget.
	FailureRetriesExhausted
	// FailureUnknown indicates an unclassified terminal error.
	FailureUnknown
)

// String returns a human-readable string representation of the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureSpawn:
		return "spawn"
	case FailureMidStream:
		return "mid-stream"
	case FailureRetriesExhausted:
		return "retries-exhausted"
	default:
		return "unknown"
	}
}

// ClassifyFailure maps a terminal error from Supervisor.Run to its failure
// kind. A nil error (clean shutdown) classifies as FailureNone, and so does
// context cancellation: a commanded teardown is not a camera failure.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureNone
	}

	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		return FailureSpawn
	}

	var midErr *MidStreamError
	if errors.As(err, &midErr) {
		return FailureMidStream
	}

	var exhaustedErr *RetriesExhaustedError
	if errors.As(err, &exhaustedErr) {
		return FailureRetriesExhausted
	}

	return FailureUnknown
}
