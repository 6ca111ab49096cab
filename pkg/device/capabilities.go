// Package device defines the capability surface a laboratory instrument may
// expose and the registry that resolves logical role names to live device
// handles. The run engine depends only on these interfaces; per-instrument
// wire protocols and vendor SDKs live behind them.
package device

import (
	"context"
	"time"
)

// Capability names one operation surface a device may implement.
type Capability string

const (
	// CapMovable covers positioning hardware: stages, rotation mounts.
	CapMovable Capability = "movable"

	// CapReadable covers scalar readout: power meters, sensors, DAQ channels.
	CapReadable Capability = "readable"

	// CapTriggerable covers devices that are armed and fired: cameras,
	// pulse generators.
	CapTriggerable Capability = "triggerable"

	// CapFrameProducer covers devices that produce image frames.
	CapFrameProducer Capability = "frame_producer"

	// CapSettable covers devices with named, settable parameters.
	CapSettable Capability = "settable"
)

// Device is the base handle every registered module implements. Stage
// acquires exclusive resources and verifies readiness before a run;
// Unstage releases them and returns the device to idle. The engine
// guarantees every successful Stage is matched by exactly one Unstage.
type Device interface {
	// Name returns the device's role name in the registry.
	Name() string

	// Capabilities lists the operation surfaces this device implements.
	Capabilities() []Capability

	Stage(ctx context.Context) error
	Unstage(ctx context.Context) error
}

// Movable is the positioning capability.
type Movable interface {
	// MoveAbs moves to an absolute position and blocks until settled.
	MoveAbs(ctx context.Context, position float64) error

	// MoveRel moves by a relative distance and blocks until settled.
	MoveRel(ctx context.Context, distance float64) error

	// Position reports the current position.
	Position(ctx context.Context) (float64, error)
}

// Readable is the scalar readout capability.
type Readable interface {
	Read(ctx context.Context) (float64, error)
}

// Triggerable is the arm-and-fire capability.
type Triggerable interface {
	Trigger(ctx context.Context) error
}

// Frame is a single acquired image.
type Frame struct {
	Width    int
	Height   int
	Pixels   []uint16
	Exposure time.Duration
	Acquired time.Time
}

// FrameProducer is the image acquisition capability.
type FrameProducer interface {
	AcquireFrame(ctx context.Context) (*Frame, error)
}

// Settable is the named-parameter capability.
type Settable interface {
	Set(ctx context.Context, parameter string, value any) error
}

// HasCapability reports whether d declares the given capability.
func HasCapability(d Device, c Capability) bool {
	for _, have := range d.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// ModuleState tracks a device's status during a run. It is owned and
// mutated exclusively by the engine.
type ModuleState string

const (
	ModuleUnstaged ModuleState = "unstaged"
	ModuleStaged   ModuleState = "staged"
	ModuleActive   ModuleState = "active"
	ModuleError    ModuleState = "error"
)
