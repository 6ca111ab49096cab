package sim

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/engine"
)

// DAQBoardParams configures a simulated analog input board.
type DAQBoardParams struct {
	// Amplitude and Period shape the synthetic waveform sampled on each
	// trigger. A zero period disables the waveform; readings are pure
	// noise around zero.
	Amplitude float64
	Period    time.Duration

	// Noise is the peak amplitude of uniform noise added to each sample.
	Noise float64

	// Seed makes samples reproducible; zero seeds from the clock.
	Seed int64

	// Latency is added to every call.
	Latency time.Duration

	// Faults is the optional fault script.
	Faults *Injector
}

// DAQBoard simulates a triggered ADC channel sampling a slow sine wave.
type DAQBoard struct {
	base
	params DAQBoardParams
	rng    *rand.Rand
	epoch  time.Time
	sample float64
}

var (
	_ device.Device      = (*DAQBoard)(nil)
	_ device.Readable    = (*DAQBoard)(nil)
	_ device.Triggerable = (*DAQBoard)(nil)
)

// NewDAQBoard builds a DAQ board.
func NewDAQBoard(name string, params DAQBoardParams) *DAQBoard {
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DAQBoard{
		base:   base{name: name, latency: params.Latency, faults: params.Faults},
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
		epoch:  time.Now(),
	}
}

func (d *DAQBoard) Capabilities() []device.Capability {
	return []device.Capability{device.CapReadable, device.CapTriggerable}
}

// Trigger latches a sample of the waveform.
func (d *DAQBoard) Trigger(ctx context.Context) error {
	if err := d.faults.check(OpTrigger); err != nil {
		return engine.NewTransientError("trigger failed", err).
			WithDevice(d.name).WithOperation("trigger")
	}
	if err := d.requireStaged("trigger"); err != nil {
		return err
	}
	if err := d.sleep(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.sample = d.waveform() + (d.rng.Float64()*2-1)*d.params.Noise
	d.mu.Unlock()
	return nil
}

// Read returns the last latched sample.
func (d *DAQBoard) Read(ctx context.Context) (float64, error) {
	if err := d.faults.check(OpRead); err != nil {
		return 0, engine.NewTransientError("read failed", err).
			WithDevice(d.name).WithOperation("read")
	}
	if err := d.requireStaged("read"); err != nil {
		return 0, err
	}
	if err := d.sleep(ctx); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sample, nil
}

// waveform evaluates the configured sine at the current time. Caller
// holds d.mu.
func (d *DAQBoard) waveform() float64 {
	if d.params.Period <= 0 || d.params.Amplitude == 0 {
		return 0
	}
	phase := float64(time.Since(d.epoch)) / float64(d.params.Period)
	return d.params.Amplitude * math.Sin(2*math.Pi*phase)
}
