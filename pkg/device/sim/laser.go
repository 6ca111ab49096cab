package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/engine"
)

// LaserParams configures a simulated tunable laser.
type LaserParams struct {
	// Power is the output power reported while the shutter is open.
	Power float64

	// MinWavelength and MaxWavelength bound tuning, in nanometres.
	MinWavelength float64
	MaxWavelength float64

	// Latency is added to every call.
	Latency time.Duration

	// Faults is the optional fault script.
	Faults *Injector
}

// Laser simulates a shuttered tunable source. Read reports output power;
// Set accepts "wavelength" (float64 nm) and "shutter" (bool).
type Laser struct {
	base
	params     LaserParams
	wavelength float64
	shutter    bool
}

var (
	_ device.Device   = (*Laser)(nil)
	_ device.Readable = (*Laser)(nil)
	_ device.Settable = (*Laser)(nil)
)

// NewLaser builds a laser with the shutter closed, tuned mid-range.
func NewLaser(name string, params LaserParams) *Laser {
	l := &Laser{
		base:   base{name: name, latency: params.Latency, faults: params.Faults},
		params: params,
	}
	if params.MinWavelength > 0 && params.MaxWavelength > params.MinWavelength {
		l.wavelength = (params.MinWavelength + params.MaxWavelength) / 2
	}
	return l
}

func (l *Laser) Capabilities() []device.Capability {
	return []device.Capability{device.CapReadable, device.CapSettable}
}

func (l *Laser) Read(ctx context.Context) (float64, error) {
	if err := l.faults.check(OpRead); err != nil {
		return 0, engine.NewTransientError("read failed", err).
			WithDevice(l.name).WithOperation("read")
	}
	if err := l.requireStaged("read"); err != nil {
		return 0, err
	}
	if err := l.sleep(ctx); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.shutter {
		return 0, nil
	}
	return l.params.Power, nil
}

func (l *Laser) Set(ctx context.Context, parameter string, value any) error {
	if err := l.faults.check(OpSet); err != nil {
		return engine.NewTransientError("set failed", err).
			WithDevice(l.name).WithOperation("set")
	}
	if err := l.requireStaged("set"); err != nil {
		return err
	}
	if err := l.sleep(ctx); err != nil {
		return err
	}
	switch parameter {
	case "wavelength":
		nm, ok := value.(float64)
		if !ok {
			return engine.NewFatalError(fmt.Sprintf("wavelength must be float64, got %T", value), nil).
				WithDevice(l.name).WithOperation("set")
		}
		if l.params.MinWavelength > 0 &&
			(nm < l.params.MinWavelength || nm > l.params.MaxWavelength) {
			return engine.NewFatalError(
				fmt.Sprintf("wavelength %g outside tuning range [%g, %g]",
					nm, l.params.MinWavelength, l.params.MaxWavelength), nil).
				WithDevice(l.name).WithOperation("set")
		}
		l.mu.Lock()
		l.wavelength = nm
		l.mu.Unlock()
		return nil
	case "shutter":
		open, ok := value.(bool)
		if !ok {
			return engine.NewFatalError(fmt.Sprintf("shutter must be bool, got %T", value), nil).
				WithDevice(l.name).WithOperation("set")
		}
		l.mu.Lock()
		l.shutter = open
		l.mu.Unlock()
		return nil
	default:
		return engine.NewFatalError(fmt.Sprintf("unknown parameter %q", parameter), nil).
			WithDevice(l.name).WithOperation("set")
	}
}

// Wavelength reports the current tuning in nanometres.
func (l *Laser) Wavelength() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wavelength
}
