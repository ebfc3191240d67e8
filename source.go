package picamcapture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/picam-capture/internal/capture"
)

// Source implements SourceProvider by running a capture supervisor in the
// background. One Source drives one camera; Stop then Start begins a fresh
// session with a new session id and a new timestamp anchor.
type Source struct {
	opts    Options
	cfg     SessionConfig
	spawner Spawner
	sink    Sink

	// Lifecycle
	mu      sync.Mutex
	sup     *capture.Supervisor
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

var _ SourceProvider = (*Source)(nil)

// NewSource creates a capture source with fail-fast validation
//
// Validates configuration at construction time (fail-fast principle):
//   - Dimensions, bitrate, and durations must not be negative
//   - A framerate numerator requires a positive denominator
//   - The sink is required
//
// The camera process is not spawned here; that happens on Start.
func NewSource(cfg CaptureConfig, sink Sink) (*Source, error) {
	return NewSourceWithSpawner(cfg, sink, capture.NewExecSpawner())
}

// NewSourceWithSpawner is NewSource with an injected process spawner, the
// seam used to run the full lifecycle against scripted processes.
func NewSourceWithSpawner(cfg CaptureConfig, sink Sink, spawner Spawner) (*Source, error) {
	if sink == nil {
		return nil, fmt.Errorf("picam-capture: sink is required")
	}
	if spawner == nil {
		return nil, fmt.Errorf("picam-capture: spawner is required")
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("picam-capture: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Bitrate < 0 {
		return nil, fmt.Errorf("picam-capture: invalid bitrate %d", cfg.Bitrate)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("picam-capture: invalid timeout %v", cfg.Timeout)
	}
	if cfg.Framerate.Num < 0 || cfg.Framerate.Den < 0 {
		return nil, fmt.Errorf("picam-capture: invalid framerate %d/%d",
			cfg.Framerate.Num, cfg.Framerate.Den)
	}
	if cfg.Framerate.Num > 0 && cfg.Framerate.Den == 0 {
		return nil, fmt.Errorf("picam-capture: framerate %d has no denominator", cfg.Framerate.Num)
	}
	if cfg.StartupDelay < 0 || cfg.RetryBackoff < 0 || cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("picam-capture: negative retry policy values")
	}

	opts := Options{
		BinaryPath:   cfg.BinaryPath,
		Timeout:      cfg.Timeout,
		Framerate:    cfg.Framerate,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Bitrate:      cfg.Bitrate,
		AudioEnabled: cfg.AudioEnabled,
		StartupDelay: cfg.StartupDelay,
	}

	// Build supervision policy from user settings (or defaults)
	sessionCfg := capture.DefaultConfig()
	if cfg.MaxRetries > 0 {
		sessionCfg.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		sessionCfg.RetryBackoff = cfg.RetryBackoff
	}
	sessionCfg.StartupDelay = cfg.StartupDelay

	s := &Source{
		opts:    opts,
		cfg:     sessionCfg,
		spawner: spawner,
		sink:    sink,
	}

	slog.Info("picam-capture: source created",
		"command", capture.BuildCommand(opts).String(),
		"max_retries", sessionCfg.MaxRetries,
		"retry_backoff", sessionCfg.RetryBackoff,
		"startup_delay", sessionCfg.StartupDelay,
	)

	return s, nil
}

// Start launches the capture session in the background
//
// This method:
//  1. Creates a fresh supervisor (new session id, new timestamp anchor)
//  2. Launches the session goroutine
//  3. Returns immediately (non-blocking)
//
// Chunks reach the sink asynchronously once the camera opens. Failures
// after this point surface through Err() when Done() closes.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("picam-capture: source already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()
	s.sup = capture.NewSupervisor(s.opts, s.spawner, s.cfg)
	s.done = make(chan struct{})

	sup := s.sup
	done := s.done
	go func() {
		defer close(done)
		err := sup.Run(runCtx, s.sink)
		switch {
		case err == nil:
			slog.Info("picam-capture: session ended cleanly",
				"session_id", sup.SessionID(),
			)
		case capture.ClassifyFailure(err) == capture.FailureNone:
			// Commanded teardown (Stop or context cancellation).
			slog.Info("picam-capture: session stopped",
				"session_id", sup.SessionID(),
				"reason", err,
			)
		default:
			slog.Error("picam-capture: session ended with error",
				"session_id", sup.SessionID(),
				"failure", capture.ClassifyFailure(err).String(),
				"error", err,
			)
		}
	}()

	slog.Info("picam-capture: source started",
		"session_id", sup.SessionID(),
		"note", "chunks will arrive asynchronously once the camera opens",
	)

	return nil
}

// Run starts the session and blocks until it reaches a terminal state,
// returning nil for a clean shutdown or the fatal error otherwise. It is
// the convenience entry point for command-line consumers.
func (s *Source) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.Done()
	return s.Err()
}

// Stop tears the session down
//
// This method:
//  1. Cancels the session context (the supervisor kills the owned process)
//  2. Waits for the session goroutine to finish (timeout 3s)
//  3. Resets state so Start can begin a fresh session
//
// Idempotent - safe to call multiple times.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		slog.Debug("picam-capture: source not started, nothing to stop")
		return nil
	}

	slog.Info("picam-capture: stopping source",
		"session_id", s.sup.SessionID(),
	)

	s.cancel()

	select {
	case <-s.done:
		slog.Debug("picam-capture: session goroutine stopped cleanly")
	case <-time.After(3 * time.Second):
		slog.Warn("picam-capture: stop timeout exceeded, session goroutine may still be running")
	}

	stats := s.sup.Stats()
	slog.Info("picam-capture: source stopped",
		"session_id", stats.SessionID,
		"chunks_captured", stats.ChunkCount,
		"bytes_read", stats.BytesRead,
		"retries", stats.Retries,
		"uptime", time.Since(s.started),
	)

	// Reset for potential restart; the supervisor stays readable for
	// post-mortem Stats and Err.
	s.cancel = nil

	return nil
}

// Done returns a channel closed when the session reaches a terminal state.
// Nil if Start has not been called yet.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the terminal session failure: nil while running, after a
// clean shutdown, after a commanded Stop, or before Start.
func (s *Source) Err() error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Err()
	if err != nil && capture.ClassifyFailure(err) == capture.FailureNone {
		// Commanded teardown, not a session failure.
		return nil
	}
	return err
}

// Stats returns current source statistics
//
// Thread-safe - counters are maintained atomically by the session.
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	sup := s.sup
	started := s.started
	running := s.cancel != nil
	s.mu.Unlock()

	if sup == nil {
		return SourceStats{State: StateIdle}
	}

	session := sup.Stats()

	// Derive rates from uptime
	var chunkRate, throughput float64
	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
		if secs := uptime.Seconds(); secs > 0 {
			chunkRate = float64(session.ChunkCount) / secs
			throughput = float64(session.BytesRead) / secs
		}
	}

	// Latency is the time since the last chunk
	var latencyMS int64
	if !session.LastChunkAt.IsZero() {
		latencyMS = time.Since(session.LastChunkAt).Milliseconds()
	}

	return SourceStats{
		SessionID:     session.SessionID,
		State:         session.State,
		ChunkCount:    session.ChunkCount,
		BytesRead:     session.BytesRead,
		ChunkRate:     chunkRate,
		ThroughputBps: throughput,
		LatencyMS:     latencyMS,
		Retries:       session.Retries,
		SpawnAttempts: session.SpawnAttempts,
		Produced:      session.Produced,
		Failure:       session.Failure,
		IsRunning:     running && session.State != StateTerminated,
		Uptime:        uptime,
	}
}
