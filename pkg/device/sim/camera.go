package sim

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/engine"
)

// CameraParams configures a simulated area camera.
type CameraParams struct {
	Width  int
	Height int

	// Exposure is the initial exposure time; adjustable via Set.
	Exposure time.Duration

	// Seed makes frames reproducible; zero seeds from the clock.
	Seed int64

	// Latency is added to every call on top of the exposure.
	Latency time.Duration

	// Faults is the optional fault script.
	Faults *Injector
}

// Camera simulates a triggered area detector. Trigger arms an acquisition,
// AcquireFrame retrieves the frame, and Read reports the mean pixel value
// so the camera can serve as a scalar detector in scan plans.
type Camera struct {
	base
	params   CameraParams
	rng      *rand.Rand
	exposure time.Duration
	armed    bool
	frame    *device.Frame
}

var (
	_ device.Device        = (*Camera)(nil)
	_ device.Readable      = (*Camera)(nil)
	_ device.Triggerable   = (*Camera)(nil)
	_ device.FrameProducer = (*Camera)(nil)
	_ device.Settable      = (*Camera)(nil)
)

// NewCamera builds a camera; zero dimensions default to 64x64.
func NewCamera(name string, params CameraParams) *Camera {
	if params.Width <= 0 {
		params.Width = 64
	}
	if params.Height <= 0 {
		params.Height = 64
	}
	if params.Exposure <= 0 {
		params.Exposure = 10 * time.Millisecond
	}
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Camera{
		base:     base{name: name, latency: params.Latency, faults: params.Faults},
		params:   params,
		rng:      rand.New(rand.NewSource(seed)),
		exposure: params.Exposure,
	}
}

func (c *Camera) Capabilities() []device.Capability {
	return []device.Capability{
		device.CapReadable,
		device.CapTriggerable,
		device.CapFrameProducer,
		device.CapSettable,
	}
}

func (c *Camera) Trigger(ctx context.Context) error {
	if err := c.faults.check(OpTrigger); err != nil {
		return engine.NewTransientError("trigger failed", err).
			WithDevice(c.name).WithOperation("trigger")
	}
	if err := c.requireStaged("trigger"); err != nil {
		return err
	}
	if err := c.sleep(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.frame = c.expose()
	c.armed = true
	c.mu.Unlock()
	return nil
}

// AcquireFrame returns the frame from the last trigger, or exposes a new
// one when called untriggered.
func (c *Camera) AcquireFrame(ctx context.Context) (*device.Frame, error) {
	if err := c.faults.check(OpAcquireFrame); err != nil {
		return nil, engine.NewTransientError("frame acquisition failed", err).
			WithDevice(c.name).WithOperation("acquire_frame")
	}
	if err := c.requireStaged("acquire_frame"); err != nil {
		return nil, err
	}
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed && c.frame != nil {
		c.armed = false
		return c.frame, nil
	}
	return c.expose(), nil
}

// Read reports the mean pixel value of the last frame, exposing one if
// needed.
func (c *Camera) Read(ctx context.Context) (float64, error) {
	if err := c.faults.check(OpRead); err != nil {
		return 0, engine.NewTransientError("read failed", err).
			WithDevice(c.name).WithOperation("read")
	}
	if err := c.requireStaged("read"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := c.frame
	if frame == nil {
		frame = c.expose()
		c.frame = frame
	}
	var sum uint64
	for _, px := range frame.Pixels {
		sum += uint64(px)
	}
	return float64(sum) / float64(len(frame.Pixels)), nil
}

// Set adjusts a camera parameter. Only "exposure" is supported.
func (c *Camera) Set(ctx context.Context, parameter string, value any) error {
	if err := c.faults.check(OpSet); err != nil {
		return engine.NewTransientError("set failed", err).
			WithDevice(c.name).WithOperation("set")
	}
	if err := c.requireStaged("set"); err != nil {
		return err
	}
	switch parameter {
	case "exposure":
		d, err := coerceDuration(value)
		if err != nil {
			return engine.NewFatalError("bad exposure value", err).
				WithDevice(c.name).WithOperation("set")
		}
		c.mu.Lock()
		c.exposure = d
		c.mu.Unlock()
		return nil
	default:
		return engine.NewFatalError(fmt.Sprintf("unknown parameter %q", parameter), nil).
			WithDevice(c.name).WithOperation("set")
	}
}

// expose synthesises a frame: a horizontal gradient with noise, brightness
// scaled by exposure. Caller holds c.mu.
func (c *Camera) expose() *device.Frame {
	w, h := c.params.Width, c.params.Height
	pixels := make([]uint16, w*h)
	gain := float64(c.exposure) / float64(10*time.Millisecond)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			signal := float64(x) / float64(w) * 4096 * gain
			noise := c.rng.Float64() * 64
			v := signal + noise
			if v > 65535 {
				v = 65535
			}
			pixels[y*w+x] = uint16(v)
		}
	}
	return &device.Frame{
		Width:    w,
		Height:   h,
		Pixels:   pixels,
		Exposure: c.exposure,
		Acquired: time.Now(),
	}
}

func coerceDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("unsupported duration type %T", value)
	}
}
