// Package telemetry publishes capture lifecycle and throughput telemetry
// to an MQTT broker.
//
// The emitter maintains a single auto-reconnecting client. Publishes while
// the broker is unreachable fail fast and are counted; the capture path
// never blocks on telemetry.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/picam-capture/internal/config"
)

// StateEvent describes a capture lifecycle transition
type StateEvent struct {
	InstanceID string    `json:"instance_id"`
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	Failure    string    `json:"failure,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"ts"`
}

// StatsEvent carries a periodic counter snapshot
type StatsEvent struct {
	InstanceID    string    `json:"instance_id"`
	SessionID     string    `json:"session_id"`
	State         string    `json:"state"`
	ChunkCount    uint64    `json:"chunk_count"`
	BytesRead     uint64    `json:"bytes_read"`
	ChunkRate     float64   `json:"chunk_rate"`
	ThroughputBps float64   `json:"throughput_bps"`
	Retries       uint32    `json:"retries"`
	SpawnAttempts uint32    `json:"spawn_attempts"`
	LatencyMS     int64     `json:"latency_ms"`
	UptimeS       int64     `json:"uptime_s"`
	At            time.Time `json:"ts"`
}

// Emitter publishes capture telemetry to an MQTT broker
type Emitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for health checks

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewEmitter creates a new MQTT telemetry emitter
func NewEmitter(cfg *config.Config) *Emitter {
	return &Emitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the MQTT broker
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// PublishState publishes a lifecycle transition to the state topic
func (e *Emitter) PublishState(ev StateEvent) error {
	return e.publish(e.cfg.MQTT.Topics.State, e.getQoS("state"), ev)
}

// PublishStats publishes a counter snapshot to the stats topic
func (e *Emitter) PublishStats(ev StatsEvent) error {
	return e.publish(e.cfg.MQTT.Topics.Stats, e.getQoS("stats"), ev)
}

func (e *Emitter) publish(topic string, qos byte, payload interface{}) error {
	if !e.isConnected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("mqtt not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	token := e.Client.Publish(topic, qos, false, data)
	if !token.WaitTimeout(2 * time.Second) {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("telemetry published",
		"topic", topic,
		"qos", qos,
		"size", len(data),
	)

	return nil
}

// Disconnect closes the MQTT connection
func (e *Emitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// isConnected returns connection status
func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// getQoS returns the QoS level for a given telemetry kind
func (e *Emitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0 // default QoS 0
}
