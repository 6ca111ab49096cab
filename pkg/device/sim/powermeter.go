package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/engine"
)

// PowerMeterParams configures a simulated optical power meter.
type PowerMeterParams struct {
	// Baseline is the mean reading in watts.
	Baseline float64

	// Noise is the peak amplitude of uniform noise added to each reading.
	Noise float64

	// Seed makes readings reproducible; zero seeds from the clock.
	Seed int64

	// Latency is added to every call.
	Latency time.Duration

	// Faults is the optional fault script.
	Faults *Injector
}

// PowerMeter simulates a triggered power measurement. Trigger arms a
// conversion; Read returns it. Reading without a prior trigger returns the
// last converted value, matching free-running meter behaviour.
type PowerMeter struct {
	base
	params PowerMeterParams
	rng    *rand.Rand
	value  float64
}

var (
	_ device.Device      = (*PowerMeter)(nil)
	_ device.Readable    = (*PowerMeter)(nil)
	_ device.Triggerable = (*PowerMeter)(nil)
)

// NewPowerMeter builds a power meter.
func NewPowerMeter(name string, params PowerMeterParams) *PowerMeter {
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	pm := &PowerMeter{
		base:   base{name: name, latency: params.Latency, faults: params.Faults},
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
	}
	pm.value = params.Baseline
	return pm
}

func (p *PowerMeter) Capabilities() []device.Capability {
	return []device.Capability{device.CapReadable, device.CapTriggerable}
}

func (p *PowerMeter) Trigger(ctx context.Context) error {
	if err := p.faults.check(OpTrigger); err != nil {
		return engine.NewTransientError("trigger failed", err).
			WithDevice(p.name).WithOperation("trigger")
	}
	if err := p.requireStaged("trigger"); err != nil {
		return err
	}
	if err := p.sleep(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.value = p.params.Baseline + (p.rng.Float64()*2-1)*p.params.Noise
	p.mu.Unlock()
	return nil
}

func (p *PowerMeter) Read(ctx context.Context) (float64, error) {
	if err := p.faults.check(OpRead); err != nil {
		return 0, engine.NewTransientError("read failed", err).
			WithDevice(p.name).WithOperation("read")
	}
	if err := p.requireStaged("read"); err != nil {
		return 0, err
	}
	if err := p.sleep(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, nil
}
