package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of a capture session.
type State int32

const (
	// StateIdle means Run has not been called yet.
	StateIdle State = iota
	// StateStarting means a process is spawned but no data has arrived in
	// the session's lifetime.
	StateStarting
	// StateStreaming means at least one chunk has been delivered.
	StateStreaming
	// StateTerminated is terminal: the session ended cleanly or failed.
	StateTerminated
)

// String returns a human-readable string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config contains the supervision policy for one capture session. The
// fields are explicit rather than embedded constants so tests can run the
// state machine deterministically.
type Config struct {
	// MaxRetries is the number of re-spawn attempts allowed after the
	// initial spawn when the camera exits abnormally before producing any
	// data. The (MaxRetries+1)th such exit is fatal.
	MaxRetries int

	// RetryBackoff is the fixed pause before each retry spawn. The retry
	// policy is deliberately linear and bounded: no exponential growth,
	// no jitter.
	RetryBackoff time.Duration

	// StartupDelay is a one-time blocking pause before the first spawn,
	// never repeated before retries.
	StartupDelay time.Duration
}

// DefaultConfig returns the default supervision policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}

// Stats is a point-in-time snapshot of a session. Counters are maintained
// atomically and safe to read from any goroutine.
type Stats struct {
	// SessionID identifies the session across logs and telemetry.
	SessionID string
	// State is the current lifecycle phase.
	State State
	// Produced is true once the camera has delivered at least one chunk.
	Produced bool
	// ChunkCount is the total number of chunks pushed to the sink.
	ChunkCount uint64
	// BytesRead is the total payload bytes pushed to the sink.
	BytesRead uint64
	// Retries is the number of re-spawns performed after open failures.
	Retries uint32
	// SpawnAttempts is the total number of spawn attempts, initial included.
	SpawnAttempts uint32
	// StartedAt is when Run was entered; zero before that.
	StartedAt time.Time
	// LastChunkAt is the arrival time of the most recent chunk.
	LastChunkAt time.Time
	// Failure classifies the terminal error; FailureNone while running or
	// after a clean shutdown.
	Failure FailureKind
}

// Supervisor owns one capture session: it spawns the camera process from
// the resolved options, consumes the serialized event stream of the
// currently-owned handle, and drives the session to a terminal outcome.
//
// All session state transitions run on the single goroutine executing Run;
// the handle delivers events one at a time, so no locking guards the
// session fields. Only the statistics snapshot is cross-goroutine.
type Supervisor struct {
	opts    Options
	format  Format
	spawner Spawner
	cfg     Config

	sessionID string

	running atomic.Bool
	state   atomic.Int32

	// Session state, owned exclusively by the Run goroutine. The anchor
	// pair is set exactly once, on the first chunk ever seen, and is never
	// overwritten: restarts can only happen before any data has flowed.
	anchorSet bool
	anchor    time.Time
	produced  bool
	retries   int

	// Statistics (atomic for thread-safety)
	chunkCount    uint64
	bytesRead     uint64
	retriesTotal  uint32
	spawnAttempts uint32
	producedFlag  atomic.Bool

	mu          sync.RWMutex
	startedAt   time.Time
	lastChunkAt time.Time
	terminalErr error
}

// NewSupervisor creates a supervisor for one session. Options must already
// be validated; the supervisor resolves them into the launch command itself.
func NewSupervisor(opts Options, spawner Spawner, cfg Config) *Supervisor {
	return &Supervisor{
		opts:      opts,
		format:    H264Format(opts),
		spawner:   spawner,
		cfg:       cfg,
		sessionID: uuid.New().String(),
	}
}

// SessionID returns the unique id of this session.
func (s *Supervisor) SessionID() string {
	return s.sessionID
}

// Format returns the stream format declared to the sink.
func (s *Supervisor) Format() Format {
	return s.format
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Err returns the terminal error once the session has terminated: nil for
// a clean shutdown, the fatal error otherwise.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminalErr
}

// Run drives the session until a terminal outcome is reached and returns
// nil on a clean shutdown or the fatal error otherwise. Cancelling ctx
// tears the session down: the owned process is terminated and no chunk
// delivery or retry logic executes afterwards.
//
// Run may be called at most once per Supervisor.
func (s *Supervisor) Run(ctx context.Context, sink Sink) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	slog.Info("capture: session starting",
		"session_id", s.sessionID,
		"max_retries", s.cfg.MaxRetries,
		"retry_backoff", s.cfg.RetryBackoff,
		"startup_delay", s.cfg.StartupDelay,
	)

	// The format is announced exactly once, before any data can flow.
	if err := sink.DeclareFormat(s.format); err != nil {
		err = fmt.Errorf("capture: declare format: %w", err)
		s.finish(err)
		return err
	}

	// One-time startup delay before the first spawn. The delay exists to
	// avoid racing camera hardware initialization at boot; retries never
	// repeat it.
	if s.cfg.StartupDelay > 0 {
		slog.Debug("capture: startup delay",
			"session_id", s.sessionID,
			"delay", s.cfg.StartupDelay,
		)
		select {
		case <-time.After(s.cfg.StartupDelay):
		case <-ctx.Done():
			s.finish(ctx.Err())
			return ctx.Err()
		}
	}

	handle, err := s.spawn(ctx)
	if err != nil {
		s.finish(err)
		return err
	}
	s.state.Store(int32(StateStarting))

	for {
		ev, err := handle.NextEvent(ctx)
		if err != nil {
			// Teardown: kill the owned process and stop processing. The
			// sink receives no end-of-stream because termination was not
			// a clean exit of the camera.
			handle.Terminate()
			if errors.Is(err, ErrHandleDrained) {
				err = fmt.Errorf("capture: event stream drained without exit event")
			}
			slog.Info("capture: session torn down",
				"session_id", s.sessionID,
				"reason", err,
				"chunks", atomic.LoadUint64(&s.chunkCount),
			)
			s.finish(err)
			return err
		}

		switch ev := ev.(type) {
		case DataEvent:
			s.deliver(ev, sink)

		case ExitEvent:
			if ev.Code == 0 {
				// Clean shutdown, with or without data: propagate
				// end-of-stream and stop for good.
				if err := sink.EndOfStream(); err != nil {
					slog.Error("capture: end-of-stream delivery failed",
						"session_id", s.sessionID,
						"error", err,
					)
				}
				slog.Info("capture: process exited cleanly",
					"session_id", s.sessionID,
					"chunks", atomic.LoadUint64(&s.chunkCount),
					"bytes", atomic.LoadUint64(&s.bytesRead),
					"retries", atomic.LoadUint32(&s.retriesTotal),
				)
				s.finish(nil)
				return nil
			}

			if s.produced {
				// Abnormal exit after data had flowed. Restarting would
				// reset the timestamp anchor and silently rewind the
				// stream's timeline, so this fails loudly instead.
				termErr := &MidStreamError{Code: ev.Code}
				slog.Error("capture: mid-stream failure, not retrying",
					"session_id", s.sessionID,
					"exit_code", ev.Code,
					"chunks", atomic.LoadUint64(&s.chunkCount),
				)
				s.finish(termErr)
				return termErr
			}

			// Open failure: the camera never produced data, so a restart
			// is invisible to the consumer and safe to attempt.
			if s.retries >= s.cfg.MaxRetries {
				termErr := &RetriesExhaustedError{
					Attempts: s.retries + 1,
					LastCode: ev.Code,
				}
				slog.Error("capture: retries exhausted before first chunk",
					"session_id", s.sessionID,
					"attempts", s.retries+1,
					"exit_code", ev.Code,
				)
				s.finish(termErr)
				return termErr
			}

			s.retries++
			atomic.AddUint32(&s.retriesTotal, 1)
			slog.Warn("capture: camera failed to open, retrying",
				"session_id", s.sessionID,
				"exit_code", ev.Code,
				"attempt", s.retries,
				"max_retries", s.cfg.MaxRetries,
				"backoff", s.cfg.RetryBackoff,
			)

			// Fixed backoff before the retry spawn.
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
				s.finish(ctx.Err())
				return ctx.Err()
			}

			next, err := s.spawn(ctx)
			if err != nil {
				s.finish(err)
				return err
			}
			handle = next
			// State remains STARTING until the first chunk.
		}
	}
}

// spawn re-runs the command builder on the session options and launches a
// new process. Spawn failures are immediately fatal and never retried.
func (s *Supervisor) spawn(ctx context.Context) (Handle, error) {
	cmd := BuildCommand(s.opts)
	atomic.AddUint32(&s.spawnAttempts, 1)

	handle, err := s.spawner.Spawn(ctx, cmd)
	if err != nil {
		var spawnErr *SpawnError
		if !errors.As(err, &spawnErr) {
			err = &SpawnError{Program: cmd.Program, Err: err}
		}
		slog.Error("capture: spawn failed",
			"session_id", s.sessionID,
			"command", cmd.String(),
			"error", err,
		)
		return nil, err
	}

	slog.Info("capture: process spawned",
		"session_id", s.sessionID,
		"pid", handle.PID(),
		"attempt", atomic.LoadUint32(&s.spawnAttempts),
		"command", cmd.String(),
	)

	return handle, nil
}

// deliver pushes one data event to the sink, anchoring the session
// timestamp base on the very first chunk.
func (s *Supervisor) deliver(ev DataEvent, sink Sink) {
	if !s.anchorSet {
		s.anchor = ev.At
		s.anchorSet = true
		slog.Info("capture: first chunk, timestamp anchor set",
			"session_id", s.sessionID,
			"anchor", s.anchor,
		)
	}

	seq := atomic.AddUint64(&s.chunkCount, 1) - 1
	chunk := Chunk{
		Seq:       seq,
		Data:      ev.Data,
		PTS:       ev.At.Sub(s.anchor),
		ArrivedAt: ev.At,
		TraceID:   uuid.New().String(),
	}

	if err := sink.Push(chunk); err != nil {
		// Push problems never stall the stream or alter the state machine.
		slog.Error("capture: sink push failed",
			"session_id", s.sessionID,
			"seq", chunk.Seq,
			"trace_id", chunk.TraceID,
			"error", err,
		)
	}

	s.produced = true
	s.producedFlag.Store(true)
	s.state.Store(int32(StateStreaming))
	atomic.AddUint64(&s.bytesRead, uint64(len(ev.Data)))

	s.mu.Lock()
	s.lastChunkAt = ev.At
	s.mu.Unlock()
}

// finish records the terminal outcome.
func (s *Supervisor) finish(err error) {
	s.mu.Lock()
	s.terminalErr = err
	s.mu.Unlock()
	s.state.Store(int32(StateTerminated))
}

// Stats returns a snapshot of the session statistics.
//
// Thread-safe - uses atomic operations for counters.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	startedAt := s.startedAt
	lastChunkAt := s.lastChunkAt
	terminalErr := s.terminalErr
	s.mu.RUnlock()

	return Stats{
		SessionID:     s.sessionID,
		State:         s.State(),
		Produced:      s.producedFlag.Load(),
		ChunkCount:    atomic.LoadUint64(&s.chunkCount),
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		Retries:       atomic.LoadUint32(&s.retriesTotal),
		SpawnAttempts: atomic.LoadUint32(&s.spawnAttempts),
		StartedAt:     startedAt,
		LastChunkAt:   lastChunkAt,
		Failure:       ClassifyFailure(terminalErr),
	}
}
