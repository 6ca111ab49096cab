// Package config loads and validates labdaq configuration from YAML files
// and builds the device registry the engine resolves roles against.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for a labdaq deployment.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Devices   []DeviceConfig  `yaml:"devices" validate:"dive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// EngineConfig tunes run execution.
type EngineConfig struct {
	// DeviceCallTimeout bounds each individual device call. Zero disables
	// the per-call deadline.
	DeviceCallTimeout time.Duration `yaml:"device_call_timeout" validate:"gte=0"`

	// BroadcastBuffer is the per-subscriber document buffer size.
	BroadcastBuffer int `yaml:"broadcast_buffer" validate:"gte=0"`
}

// DeviceConfig declares one device under a role name.
type DeviceConfig struct {
	// Role is the name plans resolve the device by.
	Role string `yaml:"role" validate:"required"`

	// Driver selects the device implementation.
	Driver string `yaml:"driver" validate:"required,oneof=sim_stage sim_power_meter sim_camera sim_laser sim_daq"`

	// Params are driver-specific settings.
	Params map[string]any `yaml:"params"`
}

// TelemetryConfig holds the observability settings surfaced in YAML.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string `yaml:"tracing_endpoint"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"`
}

// ArchiveConfig controls run persistence.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// Default returns a configuration suitable for local simulation.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DeviceCallTimeout: 30 * time.Second,
			BroadcastBuffer:   1024,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
		Archive: ArchiveConfig{
			Enabled: false,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints plus role uniqueness, which tag
// validation cannot express across slice elements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.Role] {
			return fmt.Errorf("duplicate device role %q", d.Role)
		}
		seen[d.Role] = true
	}
	return nil
}
