// Package daemon wires the capture source, sinks, telemetry, and health
// endpoints into the long-running picamd service.
//
// The daemon owns one capture session: it builds the sink fan-out from
// configuration, starts the source, and exits when the session terminates
// or the run context is cancelled. Process supervision across daemon
// restarts is left to the init system.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	picamcapture "github.com/e7canasta/picam-capture"
	"github.com/e7canasta/picam-capture/internal/config"
	"github.com/e7canasta/picam-capture/internal/telemetry"
)

// Daemon is the picamd service orchestrator
type Daemon struct {
	cfg *config.Config

	// Core components
	source    picamcapture.SourceProvider
	chanSink  *picamcapture.ChanSink
	relaySink *picamcapture.RelaySink
	relayConn net.Conn
	gstSink   *picamcapture.GstSink
	fileOut   *os.File
	emitter   *telemetry.Emitter

	// Injectable for tests; defaults to the exec spawner
	spawner picamcapture.Spawner

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool

	chunksConsumed atomic.Uint64
	bytesConsumed  atomic.Uint64
}

// New creates a new daemon instance from a configuration file
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"camera", fmt.Sprintf("%dx%d@%d/%d", cfg.Camera.Width, cfg.Camera.Height,
			cfg.Camera.FramerateNum, cfg.Camera.FramerateDen),
	)

	d := &Daemon{cfg: cfg}
	if cfg.MQTT.Enabled {
		d.emitter = telemetry.NewEmitter(cfg)
	}

	return d, nil
}

// Run starts the capture session and blocks until it terminates or the
// context is cancelled. A terminated session is an exit condition, not a
// restart trigger.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.isRunning = true
	d.started = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("picamd starting", "instance_id", d.cfg.InstanceID)

	sink, err := d.buildSinks()
	if err != nil {
		return err
	}

	spawner := d.spawner
	if spawner == nil {
		spawner = picamcapture.NewExecSpawner()
	}

	source, err := picamcapture.NewSourceWithSpawner(d.captureConfig(), sink, spawner)
	if err != nil {
		return fmt.Errorf("failed to create capture source: %w", err)
	}
	d.mu.Lock()
	d.source = source
	d.mu.Unlock()

	// Connect MQTT emitter
	if d.emitter != nil {
		if err := d.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
	}

	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start capture source: %w", err)
	}

	// Start local chunk consumer
	d.wg.Add(1)
	go d.consumeChunks()

	// Start telemetry loop
	if d.emitter != nil {
		d.wg.Add(1)
		go d.telemetryLoop(ctx)
	}

	slog.Info("picamd running",
		"file_sink", d.cfg.Sinks.File.Enabled,
		"relay_sink", d.cfg.Sinks.Relay.Enabled,
		"gst_sink", d.cfg.Sinks.Gst.Enabled,
		"mqtt", d.cfg.MQTT.Enabled,
	)

	select {
	case <-ctx.Done():
		slog.Info("picamd run loop exiting", "reason", "context cancelled")
		return nil
	case <-source.Done():
		err := source.Err()
		if err != nil {
			slog.Error("capture session terminated", "error", err)
		} else {
			slog.Info("capture session completed cleanly")
		}
		return err
	}
}

// buildSinks assembles the configured sink fan-out. The channel sink is
// always present; it feeds the local consumer that writes the optional
// file output and keeps drop accounting close to the daemon.
func (d *Daemon) buildSinks() (picamcapture.Sink, error) {
	policy := picamcapture.DropOld
	if d.cfg.Sinks.DropPolicy == "new" {
		policy = picamcapture.DropNew
	}
	d.chanSink = picamcapture.NewChanSink(d.cfg.Sinks.BufferChunks, policy)
	sinks := []picamcapture.Sink{d.chanSink}

	if d.cfg.Sinks.File.Enabled {
		f, err := os.Create(d.cfg.Sinks.File.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file sink: %w", err)
		}
		d.fileOut = f
		slog.Info("file sink enabled", "path", d.cfg.Sinks.File.Path)
	}

	if d.cfg.Sinks.Relay.Enabled {
		conn, err := net.Dial("unix", d.cfg.Sinks.Relay.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("failed to connect relay socket: %w", err)
		}
		d.relayConn = conn
		d.relaySink = picamcapture.NewRelaySink(conn)
		sinks = append(sinks, d.relaySink)
		slog.Info("relay sink enabled", "socket", d.cfg.Sinks.Relay.SocketPath)
	}

	if d.cfg.Sinks.Gst.Enabled {
		gs, err := picamcapture.NewGstSink(picamcapture.GstConfig{
			SinkElement: d.cfg.Sinks.Gst.SinkElement,
			Decode:      d.cfg.Sinks.Gst.Decode,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gstreamer sink: %w", err)
		}
		d.gstSink = gs
		sinks = append(sinks, gs)
		slog.Info("gstreamer sink enabled",
			"element", d.cfg.Sinks.Gst.SinkElement,
			"decode", d.cfg.Sinks.Gst.Decode,
		)
	}

	if len(sinks) == 1 {
		return d.chanSink, nil
	}
	return picamcapture.NewMultiSink(sinks...), nil
}

// captureConfig maps the daemon configuration onto the library options
func (d *Daemon) captureConfig() picamcapture.CaptureConfig {
	cam := d.cfg.Camera
	pol := d.cfg.Capture
	return picamcapture.CaptureConfig{
		BinaryPath:   cam.BinaryPath,
		Timeout:      time.Duration(cam.TimeoutS) * time.Second,
		Framerate:    picamcapture.Fraction{Num: cam.FramerateNum, Den: cam.FramerateDen},
		Width:        cam.Width,
		Height:       cam.Height,
		Bitrate:      cam.Bitrate,
		AudioEnabled: cam.AudioEnabled,
		StartupDelay: time.Duration(pol.StartupDelayMS) * time.Millisecond,
		MaxRetries:   pol.MaxRetries,
		RetryBackoff: time.Duration(pol.RetryBackoffMS) * time.Millisecond,
	}
}

// consumeChunks drains the channel sink, writing the optional file output.
// It runs until the sink channel closes, which happens on end of stream or
// when Shutdown closes the sink, so buffered chunks are never lost.
func (d *Daemon) consumeChunks() {
	defer d.wg.Done()

	for chunk := range d.chanSink.Chunks() {
		d.chunksConsumed.Add(1)
		d.bytesConsumed.Add(uint64(len(chunk.Data)))

		if d.fileOut != nil {
			if _, err := d.fileOut.Write(chunk.Data); err != nil {
				slog.Error("file sink write failed", "error", err, "seq", chunk.Seq)
			}
		}
	}
	slog.Debug("local chunk stream drained")
}

// telemetryLoop publishes state transitions as they happen and counter
// snapshots on the configured cadence
func (d *Daemon) telemetryLoop(ctx context.Context) {
	defer d.wg.Done()

	stateTicker := time.NewTicker(1 * time.Second)
	defer stateTicker.Stop()
	statsTicker := time.NewTicker(time.Duration(d.cfg.MQTT.StatsIntervalS) * time.Second)
	defer statsTicker.Stop()

	lastState := picamcapture.StateIdle
	publishState := func() {
		stats := d.source.Stats()
		if stats.State == lastState {
			return
		}
		lastState = stats.State
		if err := d.emitter.PublishState(d.stateEvent(stats)); err != nil {
			slog.Debug("state publish failed", "error", err)
		}
	}

	publishState()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.source.Done():
			publishState()
			return
		case <-stateTicker.C:
			publishState()
		case <-statsTicker.C:
			if err := d.emitter.PublishStats(d.statsEvent(d.source.Stats())); err != nil {
				slog.Debug("stats publish failed", "error", err)
			}
		}
	}
}

func (d *Daemon) stateEvent(stats picamcapture.SourceStats) telemetry.StateEvent {
	ev := telemetry.StateEvent{
		InstanceID: d.cfg.InstanceID,
		SessionID:  stats.SessionID,
		State:      stats.State.String(),
		At:         time.Now(),
	}
	if stats.Failure != picamcapture.FailureNone {
		ev.Failure = stats.Failure.String()
	}
	if err := d.source.Err(); err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (d *Daemon) statsEvent(stats picamcapture.SourceStats) telemetry.StatsEvent {
	return telemetry.StatsEvent{
		InstanceID:    d.cfg.InstanceID,
		SessionID:     stats.SessionID,
		State:         stats.State.String(),
		ChunkCount:    stats.ChunkCount,
		BytesRead:     stats.BytesRead,
		ChunkRate:     stats.ChunkRate,
		ThroughputBps: stats.ThroughputBps,
		Retries:       stats.Retries,
		SpawnAttempts: stats.SpawnAttempts,
		LatencyMS:     stats.LatencyMS,
		UptimeS:       int64(stats.Uptime.Seconds()),
		At:            time.Now(),
	}
}

// Shutdown stops all components in dependency order
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	source := d.source
	d.mu.Unlock()

	slog.Info("shutting down picamd")

	// Shutdown sequence (order is important!):
	// 1. Stop the source FIRST (no new chunks enter the fan-out)
	if source != nil {
		if err := source.Stop(); err != nil {
			slog.Error("failed to stop capture source", "error", err)
		}
	}

	// 2. Close the channel sink so the local consumer drains out
	if d.chanSink != nil {
		if err := d.chanSink.Close(); err != nil && err != picamcapture.ErrSinkClosed {
			slog.Error("failed to close channel sink", "error", err)
		}
	}

	// 3. Close the forwarding sinks
	if d.relaySink != nil {
		if err := d.relaySink.Close(); err != nil && err != picamcapture.ErrSinkClosed {
			slog.Error("failed to close relay sink", "error", err)
		}
	}
	if d.relayConn != nil {
		if err := d.relayConn.Close(); err != nil {
			slog.Error("failed to close relay connection", "error", err)
		}
	}
	if d.gstSink != nil {
		if err := d.gstSink.Close(); err != nil && err != picamcapture.ErrSinkClosed {
			slog.Error("failed to close gstreamer sink", "error", err)
		}
	}

	// 4. Wait for goroutines to finish
	slog.Info("waiting for goroutines to finish")
	d.wg.Wait()

	// 5. Flush the file output
	if d.fileOut != nil {
		if err := d.fileOut.Close(); err != nil {
			slog.Error("failed to close file sink", "error", err)
		}
	}

	// 6. Publish the final state and disconnect MQTT
	if d.emitter != nil {
		if source != nil {
			if err := d.emitter.PublishState(d.stateEvent(source.Stats())); err != nil {
				slog.Debug("final state publish failed", "error", err)
			}
		}
		if err := d.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	slog.Info("picamd stopped",
		"chunks_consumed", d.chunksConsumed.Load(),
		"bytes_consumed", d.bytesConsumed.Load(),
	)

	return nil
}

// HealthPort returns the health server port, or empty when disabled
func (d *Daemon) HealthPort() string {
	if !d.cfg.Health.Enabled {
		return ""
	}
	return d.cfg.Health.Port
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (d *Daemon) ShutdownTimeout() time.Duration {
	timeout := time.Duration(d.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second // Default
	}
	return timeout
}
