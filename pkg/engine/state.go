package engine

// State is the engine's externally visible lifecycle state. The engine
// executes at most one run at a time and returns to StateIdle when the
// run reaches a terminal outcome.
type State string

const (
	// StateIdle means no run is executing. Plans may be queued and a
	// start call will dequeue the oldest.
	StateIdle State = "idle"

	// StateRunning means a run's execution loop is consuming commands.
	StateRunning State = "running"

	// StatePaused means the execution loop is suspended at a checkpoint,
	// waiting for resume or abort.
	StatePaused State = "paused"

	// StateAborting means an abort has been requested and the loop is
	// winding down: the in-flight command finishes, then cleanup runs.
	StateAborting State = "aborting"
)

func (s State) String() string { return string(s) }
