package sim

import (
	"context"
	"sync"
	"time"

	"github.com/easternanemone/labdaq/pkg/engine"
)

// base carries the state every simulated device shares: identity, staging
// status, simulated call latency, and the optional fault script. The
// embedding device holds base.mu while touching its own fields.
type base struct {
	name    string
	latency time.Duration
	faults  *Injector

	mu     sync.Mutex
	staged bool
}

func (b *base) Name() string { return b.name }

// Stage marks the device ready. Staging an already-staged device is a
// driver bug and fails rather than silently succeeding.
func (b *base) Stage(ctx context.Context) error {
	if err := b.faults.check(OpStage); err != nil {
		return engine.NewStagingError("stage refused", err).
			WithDevice(b.name).WithOperation("stage").WithCode(engine.ErrCodeStageRefused)
	}
	if err := b.sleep(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged {
		return engine.NewFatalError("device already staged", nil).
			WithDevice(b.name).WithOperation("stage").WithCode(engine.ErrCodeBadState)
	}
	b.staged = true
	return nil
}

// Unstage releases the device. Unstaging an unstaged device fails.
func (b *base) Unstage(ctx context.Context) error {
	if err := b.faults.check(OpUnstage); err != nil {
		return engine.NewFatalError("unstage failed", err).
			WithDevice(b.name).WithOperation("unstage").WithCode(engine.ErrCodeUnstageFailed)
	}
	if err := b.sleep(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.staged {
		return engine.NewFatalError("device not staged", nil).
			WithDevice(b.name).WithOperation("unstage").WithCode(engine.ErrCodeBadState)
	}
	b.staged = false
	return nil
}

// Staged reports whether the device is currently staged.
func (b *base) Staged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staged
}

// requireStaged guards every operational call.
func (b *base) requireStaged(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.staged {
		return engine.NewFatalError("device not staged", nil).
			WithDevice(b.name).WithOperation(op).WithCode(engine.ErrCodeBadState)
	}
	return nil
}

// sleep simulates call latency, honouring cancellation.
func (b *base) sleep(ctx context.Context) error {
	if b.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(b.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
