package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/picam-capture/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{InstanceID: "cam-test"}
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "localhost:1883"
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func TestPublishRequiresConnection(t *testing.T) {
	e := NewEmitter(testConfig())

	err := e.PublishState(StateEvent{
		InstanceID: "cam-test",
		State:      "streaming",
		At:         time.Now(),
	})
	if err == nil {
		t.Fatal("PublishState succeeded without a connection")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("error = %q, want not-connected", err)
	}

	stats := e.Stats()
	if stats.Connected {
		t.Error("emitter reports connected before Connect")
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if len(stats.Published) != 0 {
		t.Errorf("Published = %v, want empty", stats.Published)
	}
}

func TestGetQoSFallsBackToZero(t *testing.T) {
	cfg := testConfig()
	e := NewEmitter(cfg)

	if got := e.getQoS("state"); got != 1 {
		t.Errorf("getQoS(state) = %d, want 1", got)
	}
	if got := e.getQoS("stats"); got != 0 {
		t.Errorf("getQoS(stats) = %d, want 0", got)
	}
	if got := e.getQoS("unknown-kind"); got != 0 {
		t.Errorf("getQoS(unknown) = %d, want 0", got)
	}
}

func TestStateEventJSONShape(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := StateEvent{
		InstanceID: "cam-test",
		SessionID:  "abc-123",
		State:      "terminated",
		Failure:    "mid-stream",
		Error:      "process exited mid-stream with code 9",
		At:         at,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for _, key := range []string{"instance_id", "session_id", "state", "failure", "error", "ts"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("state event missing key %q: %s", key, data)
		}
	}
	if decoded["state"] != "terminated" {
		t.Errorf("state = %v, want terminated", decoded["state"])
	}
}

func TestStateEventOmitsEmptyFailure(t *testing.T) {
	data, err := json.Marshal(StateEvent{
		InstanceID: "cam-test",
		State:      "streaming",
		At:         time.Now(),
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), "failure") {
		t.Errorf("healthy state event should omit failure: %s", data)
	}
	if strings.Contains(string(data), "\"error\"") {
		t.Errorf("healthy state event should omit error: %s", data)
	}
}

func TestStatsSnapshotIsACopy(t *testing.T) {
	e := NewEmitter(testConfig())
	e.mu.Lock()
	e.published["picam/state/cam-test"] = 7
	e.mu.Unlock()

	snap := e.Stats()
	snap.Published["picam/state/cam-test"] = 99

	if got := e.Stats().Published["picam/state/cam-test"]; got != 7 {
		t.Errorf("internal counter mutated through snapshot: got %d, want 7", got)
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	e := NewEmitter(testConfig())
	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if e.Stats().Connected {
		t.Error("emitter reports connected after Disconnect")
	}
}
