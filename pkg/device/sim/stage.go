package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/engine"
)

// MotionStageParams configures a simulated linear stage.
type MotionStageParams struct {
	// Min and Max bound the travel range. Both zero means unbounded.
	Min float64
	Max float64

	// Velocity in units per second; zero means instantaneous moves.
	Velocity float64

	// Latency is added to every call.
	Latency time.Duration

	// Faults is the optional fault script.
	Faults *Injector
}

// MotionStage simulates a single-axis positioner.
type MotionStage struct {
	base
	params   MotionStageParams
	position float64
}

var (
	_ device.Device  = (*MotionStage)(nil)
	_ device.Movable = (*MotionStage)(nil)
)

// NewMotionStage builds a stage at position zero.
func NewMotionStage(name string, params MotionStageParams) *MotionStage {
	return &MotionStage{
		base:   base{name: name, latency: params.Latency, faults: params.Faults},
		params: params,
	}
}

func (s *MotionStage) Capabilities() []device.Capability {
	return []device.Capability{device.CapMovable}
}

func (s *MotionStage) MoveAbs(ctx context.Context, position float64) error {
	if err := s.faults.check(OpMoveAbs); err != nil {
		return engine.NewTransientError("move failed", err).
			WithDevice(s.name).WithOperation("move_abs")
	}
	return s.moveTo(ctx, "move_abs", position)
}

func (s *MotionStage) MoveRel(ctx context.Context, distance float64) error {
	if err := s.faults.check(OpMoveRel); err != nil {
		return engine.NewTransientError("move failed", err).
			WithDevice(s.name).WithOperation("move_rel")
	}
	s.mu.Lock()
	target := s.position + distance
	s.mu.Unlock()
	return s.moveTo(ctx, "move_rel", target)
}

func (s *MotionStage) Position(ctx context.Context) (float64, error) {
	if err := s.faults.check(OpPosition); err != nil {
		return 0, engine.NewTransientError("position query failed", err).
			WithDevice(s.name).WithOperation("position")
	}
	if err := s.requireStaged("position"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *MotionStage) moveTo(ctx context.Context, op string, target float64) error {
	if err := s.requireStaged(op); err != nil {
		return err
	}
	if s.params.Min != 0 || s.params.Max != 0 {
		if target < s.params.Min || target > s.params.Max {
			return engine.NewFatalError(
				fmt.Sprintf("target %g outside travel range [%g, %g]", target, s.params.Min, s.params.Max),
				nil).WithDevice(s.name).WithOperation(op)
		}
	}
	if err := s.sleep(ctx); err != nil {
		return err
	}
	if s.params.Velocity > 0 {
		s.mu.Lock()
		travel := math.Abs(target - s.position)
		s.mu.Unlock()
		wait := time.Duration(travel / s.params.Velocity * float64(time.Second))
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.position = target
	s.mu.Unlock()
	return nil
}
