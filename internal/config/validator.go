package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}

	// Validate camera config
	if cfg.Camera.Width < 0 {
		return fmt.Errorf("camera.width must be >= 0")
	}
	if cfg.Camera.Height < 0 {
		return fmt.Errorf("camera.height must be >= 0")
	}
	if cfg.Camera.Bitrate < 0 {
		return fmt.Errorf("camera.bitrate must be >= 0")
	}
	if cfg.Camera.TimeoutS < 0 {
		return fmt.Errorf("camera.timeout_s must be >= 0")
	}
	if cfg.Camera.FramerateNum < 0 || cfg.Camera.FramerateDen < 0 {
		return fmt.Errorf("camera framerate must be >= 0")
	}
	if cfg.Camera.FramerateNum > 0 && cfg.Camera.FramerateDen == 0 {
		cfg.Camera.FramerateDen = 1 // whole frames per second
	}

	// Validate capture policy
	if cfg.Capture.StartupDelayMS < 0 {
		return fmt.Errorf("capture.startup_delay_ms must be >= 0")
	}
	if cfg.Capture.MaxRetries < 0 {
		return fmt.Errorf("capture.max_retries must be >= 0")
	}
	if cfg.Capture.RetryBackoffMS < 0 {
		return fmt.Errorf("capture.retry_backoff_ms must be >= 0")
	}

	// Validate sinks
	if cfg.Sinks.BufferChunks <= 0 {
		cfg.Sinks.BufferChunks = 64 // default
	}
	switch cfg.Sinks.DropPolicy {
	case "":
		cfg.Sinks.DropPolicy = "old" // default: keep the freshest chunks
	case "new", "old":
	default:
		return fmt.Errorf("sinks.drop_policy must be \"new\" or \"old\", got %q", cfg.Sinks.DropPolicy)
	}
	if cfg.Sinks.File.Enabled && cfg.Sinks.File.Path == "" {
		return fmt.Errorf("sinks.file.path is required when file sink is enabled")
	}
	if cfg.Sinks.Relay.Enabled && cfg.Sinks.Relay.SocketPath == "" {
		return fmt.Errorf("sinks.relay.socket_path is required when relay sink is enabled")
	}
	if cfg.Sinks.Gst.Enabled && cfg.Sinks.Gst.SinkElement == "" {
		cfg.Sinks.Gst.SinkElement = "fakesink" // default
	}

	// Validate MQTT telemetry
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}

		// Set default topics if not provided
		if cfg.MQTT.Topics.State == "" {
			cfg.MQTT.Topics.State = fmt.Sprintf("picam/state/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Stats == "" {
			cfg.MQTT.Topics.Stats = fmt.Sprintf("picam/stats/%s", cfg.InstanceID)
		}

		// Set default QoS if not provided
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"state": 1,
				"stats": 0,
			}
		}

		if cfg.MQTT.StatsIntervalS <= 0 {
			cfg.MQTT.StatsIntervalS = 30 // default
		}
	}

	// Validate health endpoint
	if cfg.Health.Enabled && cfg.Health.Port == "" {
		cfg.Health.Port = "8080" // default
	}

	return nil
}
