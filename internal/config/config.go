package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete picamd configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig  `yaml:"camera"`
	Capture          CaptureConfig `yaml:"capture"`
	Sinks            SinksConfig   `yaml:"sinks"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Health           HealthConfig  `yaml:"health"`
}

// CameraConfig contains camera media settings
type CameraConfig struct {
	BinaryPath   string `yaml:"binary_path"`   // camera binary, empty means rpicam-vid from PATH
	Width        int    `yaml:"width"`         // 0 means camera default
	Height       int    `yaml:"height"`        // 0 means camera default
	FramerateNum int    `yaml:"framerate_num"` // 0/0 means camera default
	FramerateDen int    `yaml:"framerate_den"`
	Bitrate      int    `yaml:"bitrate"` // bits per second, 0 means camera default
	AudioEnabled bool   `yaml:"audio_enabled"`
	TimeoutS     int    `yaml:"timeout_s"` // capture duration in seconds, 0 means unbounded
}

// CaptureConfig contains process supervision settings
type CaptureConfig struct {
	StartupDelayMS int `yaml:"startup_delay_ms"` // wait before the first spawn (sensor settle time)
	MaxRetries     int `yaml:"max_retries"`      // open-failure respawns, 0 means library default
	RetryBackoffMS int `yaml:"retry_backoff_ms"` // fixed delay between respawns, 0 means library default
}

// SinksConfig selects where the captured stream goes.
// Multiple sinks may be enabled at once; the daemon fans out to all of them.
type SinksConfig struct {
	BufferChunks int         `yaml:"buffer_chunks"` // local consumer queue depth (default: 64)
	DropPolicy   string      `yaml:"drop_policy"`   // "new" or "old" (default: "old")
	File         FileConfig  `yaml:"file"`
	Relay        RelayConfig `yaml:"relay"`
	Gst          GstConfig   `yaml:"gst"`
}

// FileConfig writes the raw H.264 elementary stream to disk
type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RelayConfig forwards length-prefixed stream envelopes to a peer socket
type RelayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"` // unix domain socket owned by the peer
}

// GstConfig feeds the stream into a local GStreamer pipeline
type GstConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SinkElement string `yaml:"sink_element"` // terminal element (default: fakesink)
	Decode      bool   `yaml:"decode"`       // insert avdec_h264 before the sink
}

// MQTTConfig contains MQTT telemetry settings
type MQTTConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Broker         string          `yaml:"broker"` // host:port
	Topics         MQTTTopics      `yaml:"topics"`
	QoS            map[string]byte `yaml:"qos"`
	StatsIntervalS int             `yaml:"stats_interval_s"` // periodic stats publish cadence (default: 30)
}

// MQTTTopics contains the telemetry topic layout
type MQTTTopics struct {
	State string `yaml:"state"` // lifecycle transitions
	Stats string `yaml:"stats"` // periodic counters
}

// HealthConfig contains the HTTP health endpoint settings
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"` // listen port (default: 8080)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
