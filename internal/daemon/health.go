package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	picamcapture "github.com/e7canasta/picam-capture"
)

// HealthStatus represents the health state of the picamd service
type HealthStatus struct {
	Status        string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64   `json:"uptime_seconds"`
	SessionID     string  `json:"session_id,omitempty"`
	CaptureState  string  `json:"capture_state"`
	Produced      bool    `json:"produced"`
	MQTTConnected bool    `json:"mqtt_connected"`
	ChunkCount    uint64  `json:"chunk_count"`
	BytesRead     uint64  `json:"bytes_read"`
	ChunkRate     float64 `json:"chunk_rate"`
	Retries       uint32  `json:"retries"`
	Failure       string  `json:"failure,omitempty"`
}

// HealthCheck returns the current health status of the service
func (d *Daemon) HealthCheck() HealthStatus {
	d.mu.RLock()
	running := d.isRunning
	source := d.source
	started := d.started
	d.mu.RUnlock()

	status := HealthStatus{
		Status:       "healthy",
		CaptureState: picamcapture.StateIdle.String(),
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if source != nil {
		stats := source.Stats()
		status.SessionID = stats.SessionID
		status.CaptureState = stats.State.String()
		status.Produced = stats.Produced
		status.ChunkCount = stats.ChunkCount
		status.BytesRead = stats.BytesRead
		status.ChunkRate = stats.ChunkRate
		status.Retries = stats.Retries
		if stats.Failure != picamcapture.FailureNone {
			status.Failure = stats.Failure.String()
		}
	}

	if d.emitter != nil {
		status.MQTTConnected = d.emitter.Stats().Connected
	}

	// Determine overall health status
	switch {
	case !running || source == nil:
		status.Status = "unhealthy"
	case status.CaptureState == picamcapture.StateTerminated.String():
		status.Status = "unhealthy"
	case status.CaptureState != picamcapture.StateStreaming.String():
		status.Status = "degraded" // alive but no chunk seen yet
	case d.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
// Returns 200 if the service process is alive
func (d *Daemon) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}

	response := map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 200 only if chunks are flowing or the session is still warming up
func (d *Daemon) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := d.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics endpoint with plain-text counters
func (d *Daemon) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	health := d.HealthCheck()
	instance := d.cfg.InstanceID

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "picamd_uptime_seconds{instance=%q} %d\n", instance, health.UptimeSeconds)
	fmt.Fprintf(w, "picamd_chunks_total{instance=%q} %d\n", instance, health.ChunkCount)
	fmt.Fprintf(w, "picamd_bytes_total{instance=%q} %d\n", instance, health.BytesRead)
	fmt.Fprintf(w, "picamd_chunk_rate{instance=%q} %.3f\n", instance, health.ChunkRate)
	fmt.Fprintf(w, "picamd_retries_total{instance=%q} %d\n", instance, health.Retries)
	fmt.Fprintf(w, "picamd_chunks_consumed_total{instance=%q} %d\n", instance, d.chunksConsumed.Load())
	fmt.Fprintf(w, "picamd_bytes_consumed_total{instance=%q} %d\n", instance, d.bytesConsumed.Load())
}

// StartHealthServer starts the HTTP health check server on the given port.
// This runs in a separate goroutine and does not block.
func (d *Daemon) StartHealthServer(port string) error {
	mux := http.NewServeMux()

	// Register health check endpoints
	mux.HandleFunc("/health", d.LivenessHandler)
	mux.HandleFunc("/readiness", d.ReadinessHandler)
	mux.HandleFunc("/metrics", d.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	// Start server in goroutine (non-blocking)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
