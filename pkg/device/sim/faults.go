// Package sim provides simulated laboratory hardware for development and
// testing: a motion stage, a power meter, a camera, a laser, and a DAQ
// board. Simulated devices honour the same staging discipline as real
// drivers and support scripted fault injection so failure paths in the
// engine can be exercised deterministically.
package sim

import (
	"sync"
)

// Op names a device operation for fault scripting.
type Op string

const (
	OpStage        Op = "stage"
	OpUnstage      Op = "unstage"
	OpMoveAbs      Op = "move_abs"
	OpMoveRel      Op = "move_rel"
	OpPosition     Op = "position"
	OpRead         Op = "read"
	OpTrigger      Op = "trigger"
	OpAcquireFrame Op = "acquire_frame"
	OpSet          Op = "set"
)

// Injector scripts failures into a simulated device. FailOn(op, n, err)
// makes the n-th invocation of op return err; all other invocations
// succeed. A nil *Injector injects nothing.
type Injector struct {
	mu     sync.Mutex
	calls  map[Op]int
	faults map[Op]map[int]error
}

// NewInjector returns an empty fault script.
func NewInjector() *Injector {
	return &Injector{
		calls:  make(map[Op]int),
		faults: make(map[Op]map[int]error),
	}
}

// FailOn schedules err for the nth (1-based) invocation of op.
func (i *Injector) FailOn(op Op, nth int, err error) *Injector {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.faults[op] == nil {
		i.faults[op] = make(map[int]error)
	}
	i.faults[op][nth] = err
	return i
}

// Always schedules err for every invocation of op.
func (i *Injector) Always(op Op, err error) *Injector {
	return i.FailOn(op, 0, err)
}

// check counts an invocation of op and returns its scripted error, if any.
func (i *Injector) check(op Op) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls[op]++
	if always, ok := i.faults[op][0]; ok {
		return always
	}
	return i.faults[op][i.calls[op]]
}

// Calls reports how many times op has been invoked.
func (i *Injector) Calls(op Op) int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[op]
}
