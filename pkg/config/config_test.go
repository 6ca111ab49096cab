package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/easternanemone/labdaq/pkg/device"
)

const sampleConfig = `
engine:
  device_call_timeout: 10s
  broadcast_buffer: 256

devices:
  - role: axis_x
    driver: sim_stage
    params:
      min: -50
      max: 50
      velocity: 10.5
      latency: 1ms
  - role: pm
    driver: sim_power_meter
    params:
      baseline: 1.5
      noise: 0.01
      seed: 42
  - role: cam
    driver: sim_camera
    params:
      width: 128
      height: 128
      exposure: 20ms

telemetry:
  log_level: debug
  log_format: json
  metrics_enabled: true
  metrics_listen: ":9464"

archive:
  enabled: true
  path: /var/lib/labdaq/runs.db
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Engine.DeviceCallTimeout != 10*time.Second {
		t.Errorf("device call timeout: %v", cfg.Engine.DeviceCallTimeout)
	}
	if cfg.Engine.BroadcastBuffer != 256 {
		t.Errorf("broadcast buffer: %d", cfg.Engine.BroadcastBuffer)
	}
	if len(cfg.Devices) != 3 {
		t.Fatalf("devices: %d, want 3", len(cfg.Devices))
	}
	if cfg.Devices[0].Role != "axis_x" || cfg.Devices[0].Driver != "sim_stage" {
		t.Errorf("device 0: %+v", cfg.Devices[0])
	}
	if cfg.Telemetry.LogLevel != "debug" {
		t.Errorf("log level: %q", cfg.Telemetry.LogLevel)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Path != "/var/lib/labdaq/runs.db" {
		t.Errorf("archive: %+v", cfg.Archive)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("devices: []\n"))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if cfg.Engine.DeviceCallTimeout != 30*time.Second {
		t.Errorf("default timeout: %v", cfg.Engine.DeviceCallTimeout)
	}
	if cfg.Engine.BroadcastBuffer != 1024 {
		t.Errorf("default buffer: %d", cfg.Engine.BroadcastBuffer)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("default log level: %q", cfg.Telemetry.LogLevel)
	}
}

func TestValidationRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "devices:\n  - role: x\n    driver: nonexistent\n"},
		{"missing role", "devices:\n  - driver: sim_stage\n"},
		{"duplicate roles", "devices:\n  - role: x\n    driver: sim_stage\n  - role: x\n    driver: sim_laser\n"},
		{"bad log level", "telemetry:\n  log_level: loud\n"},
		{"archive without path", "archive:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	if registry.Len() != 3 {
		t.Fatalf("registry size: %d, want 3", registry.Len())
	}

	stage, err := registry.Resolve("axis_x")
	if err != nil {
		t.Fatalf("failed to resolve axis_x: %v", err)
	}
	if !device.HasCapability(stage, device.CapMovable) {
		t.Error("axis_x should be movable")
	}

	cam, err := registry.Resolve("cam")
	if err != nil {
		t.Fatalf("failed to resolve cam: %v", err)
	}
	if !device.HasCapability(cam, device.CapFrameProducer) {
		t.Error("cam should produce frames")
	}
}

func TestBuildDeviceRejectsBadParam(t *testing.T) {
	_, err := buildDevice(DeviceConfig{
		Role:   "axis_x",
		Driver: "sim_stage",
		Params: map[string]any{"velocity": "fast"},
	})
	if err == nil {
		t.Error("expected error for non-numeric velocity")
	}
}

func TestTelemetryConfigMapping(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	tc := cfg.TelemetryConfig()
	if tc.Logging.Level != "debug" || tc.Logging.Format != "json" {
		t.Errorf("logging: %+v", tc.Logging)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9464" {
		t.Errorf("metrics: %+v", tc.Metrics)
	}
	if tc.Tracing.Enabled {
		t.Error("tracing should default to disabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labdaq.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Devices) != 3 {
		t.Errorf("devices: %d, want 3", len(cfg.Devices))
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labdaq.yaml")
	if err := os.WriteFile(path, []byte("devices: []\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	w := NewWatcher(zerolog.Nop(), path)
	err := w.Watch(ctx, func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	update := "devices:\n  - role: pm\n    driver: sim_power_meter\n"
	if err := os.WriteFile(path, []byte(update), 0o644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if len(cfg.Devices) != 1 || cfg.Devices[0].Role != "pm" {
			t.Errorf("reloaded config: %+v", cfg.Devices)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload after change")
	}
}

func TestWatcherSkipsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labdaq.yaml")
	if err := os.WriteFile(path, []byte("devices: []\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan struct{}, 1)
	w := NewWatcher(zerolog.Nop(), path)
	err := w.Watch(ctx, func(cfg *Config) error {
		applied <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	bad := "devices:\n  - role: x\n    driver: nonexistent\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	select {
	case <-applied:
		t.Error("invalid configuration should not be applied")
	case <-time.After(1500 * time.Millisecond):
	}
}
