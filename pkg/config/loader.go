package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/device/sim"
	"github.com/easternanemone/labdaq/pkg/telemetry"
)

// Load reads a YAML configuration file, applying defaults for any field
// the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes over the defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TelemetryConfig derives the full telemetry configuration from the
// settings the YAML file exposes.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if c.Telemetry.LogLevel != "" {
		tc.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		tc.Logging.Format = c.Telemetry.LogFormat
	}
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		tc.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	if c.Telemetry.TracingEndpoint != "" {
		tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsListen != "" {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	}
	return tc
}

// BuildRegistry constructs the device registry declared by the
// configuration.
func (c *Config) BuildRegistry() (*device.Registry, error) {
	devices, err := c.BuildDevices()
	if err != nil {
		return nil, err
	}
	registry := device.NewRegistry()
	for _, d := range devices {
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// BuildDevices constructs the configured devices without registering them,
// so a reload can swap a registry's contents atomically.
func (c *Config) BuildDevices() ([]device.Device, error) {
	devices := make([]device.Device, 0, len(c.Devices))
	for _, dc := range c.Devices {
		d, err := buildDevice(dc)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", dc.Role, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func buildDevice(dc DeviceConfig) (device.Device, error) {
	p := &paramReader{m: dc.Params}
	var d device.Device
	switch dc.Driver {
	case "sim_stage":
		d = sim.NewMotionStage(dc.Role, sim.MotionStageParams{
			Min:      p.float("min"),
			Max:      p.float("max"),
			Velocity: p.float("velocity"),
			Latency:  p.duration("latency"),
		})
	case "sim_power_meter":
		d = sim.NewPowerMeter(dc.Role, sim.PowerMeterParams{
			Baseline: p.float("baseline"),
			Noise:    p.float("noise"),
			Seed:     p.int("seed"),
			Latency:  p.duration("latency"),
		})
	case "sim_camera":
		d = sim.NewCamera(dc.Role, sim.CameraParams{
			Width:    int(p.int("width")),
			Height:   int(p.int("height")),
			Exposure: p.duration("exposure"),
			Seed:     p.int("seed"),
			Latency:  p.duration("latency"),
		})
	case "sim_laser":
		d = sim.NewLaser(dc.Role, sim.LaserParams{
			Power:         p.float("power"),
			MinWavelength: p.float("min_wavelength"),
			MaxWavelength: p.float("max_wavelength"),
			Latency:       p.duration("latency"),
		})
	case "sim_daq":
		d = sim.NewDAQBoard(dc.Role, sim.DAQBoardParams{
			Amplitude: p.float("amplitude"),
			Period:    p.duration("period"),
			Noise:     p.float("noise"),
			Seed:      p.int("seed"),
			Latency:   p.duration("latency"),
		})
	default:
		return nil, fmt.Errorf("unknown driver %q", dc.Driver)
	}
	if p.err != nil {
		return nil, p.err
	}
	return d, nil
}

// paramReader reads driver parameter maps tolerantly: YAML decodes numbers
// as int or float64 depending on the literal, and durations arrive as
// strings. Missing keys read as zero; the first bad value is kept in err.
type paramReader struct {
	m   map[string]any
	err error
}

func (p *paramReader) float(key string) float64 {
	v, ok := p.m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	p.fail(key, v, "number")
	return 0
}

func (p *paramReader) int(key string) int64 {
	v, ok := p.m[key]
	if !ok {
		return 0
	}
	if n, ok := v.(int); ok {
		return int64(n)
	}
	p.fail(key, v, "integer")
	return 0
}

func (p *paramReader) duration(key string) time.Duration {
	v, ok := p.m[key]
	if !ok {
		return 0
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	p.fail(key, v, "duration string")
	return 0
}

func (p *paramReader) fail(key string, v any, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("param %q: expected %s, got %T", key, want, v)
	}
}
