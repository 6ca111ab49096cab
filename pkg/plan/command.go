// Package plan defines the plan abstraction: a plan is a one-shot producer
// of device commands that the run engine consumes strictly one at a time.
// Plans validate their parameters at construction and hold their own
// progress state, so a run paused at a checkpoint resumes exactly where it
// left off.
package plan

import (
	"context"
	"time"
)

// Kind tags a command variant.
type Kind string

const (
	// KindMove moves a device to an absolute position.
	KindMove Kind = "move"

	// KindMoveRel moves a device by a relative distance.
	KindMoveRel Kind = "move_rel"

	// KindRead reads a scalar from a device; the value is collected by the
	// engine and folded into the next emitted event.
	KindRead Kind = "read"

	// KindTrigger arms and fires a device.
	KindTrigger Kind = "trigger"

	// KindSet writes a named device parameter.
	KindSet Kind = "set"

	// KindEmitData emits an event on a stream from the explicit fields
	// plus all readings collected since the previous emit.
	KindEmitData Kind = "emit_data"

	// KindCheckpoint marks a safe point where pause or abort may take
	// effect.
	KindCheckpoint Kind = "checkpoint"

	// KindCustom runs an arbitrary closure, e.g. a settle delay.
	KindCustom Kind = "custom"
)

// RetryPolicy is the plan-supplied retry budget for transient device
// errors on a single command. The zero value means no retries: the engine
// never retries on its own.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// Field is one explicitly named value attached to an emit command.
type Field struct {
	Name  string
	Value any
	Units string
	// Source is the device role the value describes, if any.
	Source string
}

// Command is the tagged variant consumed by the engine. Only the fields
// relevant to Kind are populated.
type Command struct {
	Kind Kind

	// Role is the device role for move/read/trigger/set commands.
	Role string

	// Position is the target for move, or the distance for move_rel.
	Position float64

	// Parameter and Value apply to set commands.
	Parameter string
	Value     any

	// Stream and Fields apply to emit_data commands.
	Stream string
	Fields []Field

	// Label names a checkpoint or custom command.
	Label string

	// Do is the closure executed for custom commands.
	Do func(ctx context.Context) error

	// Retry is the plan-supplied budget for transient errors.
	Retry RetryPolicy
}

// Move builds an absolute move command.
func Move(role string, position float64) Command {
	return Command{Kind: KindMove, Role: role, Position: position}
}

// MoveRel builds a relative move command.
func MoveRel(role string, distance float64) Command {
	return Command{Kind: KindMoveRel, Role: role, Position: distance}
}

// Read builds a read command.
func Read(role string) Command {
	return Command{Kind: KindRead, Role: role}
}

// Trigger builds a trigger command.
func Trigger(role string) Command {
	return Command{Kind: KindTrigger, Role: role}
}

// Set builds a parameter write command.
func Set(role, parameter string, value any) Command {
	return Command{Kind: KindSet, Role: role, Parameter: parameter, Value: value}
}

// EmitData builds an emit command for a stream.
func EmitData(stream string, fields ...Field) Command {
	return Command{Kind: KindEmitData, Stream: stream, Fields: fields}
}

// Checkpoint builds a checkpoint command.
func Checkpoint(label string) Command {
	return Command{Kind: KindCheckpoint, Label: label}
}

// Custom builds a closure command.
func Custom(label string, do func(ctx context.Context) error) Command {
	return Command{Kind: KindCustom, Label: label, Do: do}
}

// Settle builds a custom command that waits for the given duration,
// honouring context cancellation.
func Settle(d time.Duration) Command {
	return Custom("settle", func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// WithRetry returns a copy of the command carrying a retry budget.
func (c Command) WithRetry(p RetryPolicy) Command {
	c.Retry = p
	return c
}
