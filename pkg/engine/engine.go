// Package engine implements the run engine: the orchestrator that turns a
// queued plan into an ordered sequence of device operations, enforces the
// staging lifecycle around each run, emits the Start/Descriptor/Event/Stop
// document stream, and supports cooperative pause, resume, and abort.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/document"
	"github.com/easternanemone/labdaq/pkg/plan"
	"github.com/easternanemone/labdaq/pkg/telemetry"
)

// Options tune a single engine instance.
type Options struct {
	// DeviceCallTimeout bounds every individual device capability call.
	// Zero means no engine-imposed timeout.
	DeviceCallTimeout time.Duration

	// BroadcastBuffer is the per-subscriber document buffer capacity.
	// Zero selects document.DefaultBufferSize.
	BroadcastBuffer int
}

// RunReport is the terminal summary of one run. Exactly one report is
// produced per started run, on every path including runs that fail before
// any document is emitted.
type RunReport struct {
	RunID     string
	PlanName  string
	Status    document.Reason
	NumEvents uint64
	StartedAt time.Time
	StoppedAt time.Time

	// Err is the primary failure, nil on success and abort.
	Err error

	// Diagnostics records secondary problems, e.g. unstage failures
	// during cleanup. They never replace the primary failure reason.
	Diagnostics []string
}

// pendingRun is one queued plan awaiting execution.
type pendingRun struct {
	id       string
	plan     plan.Plan
	metadata map[string]string
}

// Engine executes queued plans one at a time against a device registry and
// broadcasts the resulting document stream.
type Engine struct {
	registry    *device.Registry
	broadcaster *document.Broadcaster
	log         *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	opts        Options

	mu             sync.Mutex
	state          State
	pending        []*pendingRun
	pauseRequested bool
	abortRequested bool
	abortReason    string
	// wake nudges a loop parked at a checkpoint. Buffered so resume and
	// abort never block on it.
	wake chan struct{}
}

// New creates an engine over a device registry. tel may be nil, in which
// case logging goes to a default logger and metrics and tracing are no-ops.
func New(registry *device.Registry, tel *telemetry.Telemetry, opts Options) *Engine {
	var (
		log     *telemetry.Logger
		metrics *telemetry.Metrics
		tracer  *telemetry.Tracer
	)
	if tel != nil {
		log = tel.Logger
		metrics = tel.Metrics
		tracer = tel.Tracer
	}
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &Engine{
		registry:    registry,
		broadcaster: document.NewBroadcaster(opts.BroadcastBuffer),
		log:         log.NewComponentLogger("engine"),
		metrics:     metrics,
		tracer:      tracer,
		opts:        opts,
		state:       StateIdle,
		wake:        make(chan struct{}, 1),
	}
}

// Queue appends a plan to the pending queue and returns the run identity
// that the eventual Start document will carry. Queueing never blocks and
// is allowed in every engine state.
func (e *Engine) Queue(p plan.Plan, metadata map[string]string) string {
	id := document.NewUID()
	e.mu.Lock()
	e.pending = append(e.pending, &pendingRun{id: id, plan: p, metadata: metadata})
	depth := len(e.pending)
	e.mu.Unlock()

	e.metrics.SetQueuedPlans(float64(depth))
	e.log.WithRunID(id).WithPlan(p.Name()).Debug("plan queued")
	return id
}

// QueueDepth reports the number of plans awaiting execution.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns an independent view of the document stream, starting
// at the point of subscription.
func (e *Engine) Subscribe() *document.Subscription {
	return e.broadcaster.Subscribe()
}

// Close shuts the document broadcaster down. The engine must be idle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return NewFatalError("cannot close engine with a run in progress", nil).
			WithCode(ErrCodeBadState)
	}
	e.broadcaster.Close()
	return nil
}

// Start dequeues the oldest pending plan and executes it asynchronously.
// The returned channel delivers exactly one RunReport when the run reaches
// a terminal state. Start is rejected while another run is in progress.
func (e *Engine) Start(ctx context.Context) (<-chan RunReport, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return nil, NewFatalError(
			fmt.Sprintf("engine is %s, only one run may execute at a time", state), nil).
			WithCode(ErrCodeEngineBusy)
	}
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return nil, NewConfigurationError("no plans queued", nil).
			WithCode(ErrCodeQueueEmpty)
	}
	run := e.pending[0]
	e.pending = e.pending[1:]
	depth := len(e.pending)
	e.state = StateRunning
	e.pauseRequested = false
	e.abortRequested = false
	e.abortReason = ""
	e.wake = make(chan struct{}, 1)
	e.mu.Unlock()

	e.metrics.SetQueuedPlans(float64(depth))

	ch := make(chan RunReport, 1)
	go func() {
		report := e.execute(ctx, run)
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		ch <- report
	}()
	return ch, nil
}

// Pause requests a cooperative suspension. The flag is observed at the
// next checkpoint command; a command in flight completes first.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return NewFatalError(
			fmt.Sprintf("cannot pause while %s", e.state), nil).WithCode(ErrCodeBadState)
	}
	e.pauseRequested = true
	return nil
}

// Resume clears a pause request and wakes a loop parked at a checkpoint.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused && !(e.state == StateRunning && e.pauseRequested) {
		return NewFatalError(
			fmt.Sprintf("cannot resume while %s", e.state), nil).WithCode(ErrCodeBadState)
	}
	e.pauseRequested = false
	e.nudgeLocked()
	return nil
}

// Abort requests run termination. The in-flight command completes, no
// further commands are issued, every staged device is unstaged, and the
// run terminates with Stop{reason=aborted}.
func (e *Engine) Abort(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning && e.state != StatePaused {
		return NewFatalError(
			fmt.Sprintf("cannot abort while %s", e.state), nil).WithCode(ErrCodeBadState)
	}
	e.abortRequested = true
	e.abortReason = reason
	e.state = StateAborting
	e.nudgeLocked()
	return nil
}

// nudgeLocked wakes the execution loop if it is parked. Caller holds e.mu.
func (e *Engine) nudgeLocked() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// abortPending reports whether an abort has been observed.
func (e *Engine) abortPending() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortReason, e.abortRequested
}

// binding caches one resolved device and its capability views for the
// duration of a run, avoiding repeated dynamic lookup per command.
type binding struct {
	role string
	dev  device.Device
	// state follows the staging lifecycle. Only the run goroutine
	// touches it.
	state device.ModuleState

	movable     device.Movable
	readable    device.Readable
	triggerable device.Triggerable
	settable    device.Settable
}

// runContext is the mutable per-run execution state.
type runContext struct {
	run      *pendingRun
	log      *telemetry.Logger
	bindings map[string]*binding
	// staged is the cleanup ledger, in staging order.
	staged []*binding

	// collected holds readings taken since the last emit, in command order.
	collected []plan.Field
	// positions are the last commanded or queried motor positions.
	positions map[string]float64

	// descriptors caches the active descriptor per stream by shape.
	descriptors map[string]*document.Descriptor
	// seq is the next seq_num per stream.
	seq map[string]uint64

	numEvents uint64
}

// execute drives one run to a terminal state and returns its report.
func (e *Engine) execute(ctx context.Context, run *pendingRun) RunReport {
	log := e.log.WithRunID(run.id).WithPlan(run.plan.Name())
	report := RunReport{
		RunID:     run.id,
		PlanName:  run.plan.Name(),
		StartedAt: time.Now(),
	}

	var endSpan func(error)
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartRunSpan(ctx, run.id, run.plan.Name())
		ctx = spanCtx
		endSpan = func(err error) {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
	}

	rc := &runContext{
		run:         run,
		log:         log,
		bindings:    make(map[string]*binding),
		positions:   make(map[string]float64),
		descriptors: make(map[string]*document.Descriptor),
		seq:         make(map[string]uint64),
	}

	// Resolve and stage before any document is emitted: a run that fails
	// here never becomes externally visible on the stream and reports
	// only through its RunReport.
	if err := e.resolve(rc); err != nil {
		log.WithError(err).Error("role resolution failed")
		report.Status = document.ReasonFailure
		report.Err = err
		report.StoppedAt = time.Now()
		e.recordFailure(err)
		if endSpan != nil {
			endSpan(err)
		}
		return report
	}
	if err := e.stageAll(ctx, rc); err != nil {
		log.WithError(err).Error("staging failed")
		report.Status = document.ReasonFailure
		report.Err = err
		report.Diagnostics = e.unstageAll(ctx, rc)
		report.StoppedAt = time.Now()
		e.recordFailure(err)
		if endSpan != nil {
			endSpan(err)
		}
		return report
	}

	e.metrics.RecordRunStarted(run.plan.Name())
	log.Info("run started")
	e.publish(document.NewStart(run.id, run.plan.Name(), run.plan.Args(), run.metadata))

	runErr := e.loop(ctx, rc)

	// Unconditional cleanup: reverse-order unstage over the ledger on
	// every exit path.
	report.Diagnostics = e.unstageAll(ctx, rc)

	report.NumEvents = rc.numEvents
	report.StoppedAt = time.Now()

	var reason document.Reason
	var detail string
	switch {
	case runErr == nil:
		reason = document.ReasonSuccess
	case IsCancelled(runErr):
		reason = document.ReasonAborted
		var cancelErr *Error
		if errors.As(runErr, &cancelErr) {
			detail = cancelErr.Message
		}
	default:
		reason = document.ReasonFailure
		detail = runErr.Error()
		report.Err = runErr
		e.recordFailure(runErr)
	}
	report.Status = reason

	e.publish(document.NewStop(run.id, reason, detail, rc.numEvents))
	e.metrics.RecordRunCompleted(string(reason), report.StoppedAt.Sub(report.StartedAt))
	if endSpan != nil {
		if reason == document.ReasonFailure {
			endSpan(runErr)
		} else {
			endSpan(nil)
		}
	}

	switch reason {
	case document.ReasonSuccess:
		log.Infof("run completed, %d events", rc.numEvents)
	case document.ReasonAborted:
		log.Warnf("run aborted after %d events: %s", rc.numEvents, detail)
	default:
		log.WithError(runErr).Errorf("run failed after %d events", rc.numEvents)
	}
	return report
}

// resolve looks up every role the plan will touch and caches its
// capability views. Unknown roles and missing capabilities fail the run
// before any staging occurs.
func (e *Engine) resolve(rc *runContext) error {
	for _, req := range rc.run.plan.Requirements() {
		if _, ok := rc.bindings[req.Role]; ok {
			continue
		}
		dev, err := e.registry.Resolve(req.Role)
		if err != nil {
			return NewResolutionError("unknown device role", err).
				WithDevice(req.Role).WithCode(ErrCodeUnknownRole)
		}
		b := &binding{role: req.Role, dev: dev, state: device.ModuleUnstaged}
		b.movable, _ = dev.(device.Movable)
		b.readable, _ = dev.(device.Readable)
		b.triggerable, _ = dev.(device.Triggerable)
		b.settable, _ = dev.(device.Settable)

		for _, need := range req.Caps {
			if !e.supports(b, need) {
				return NewResolutionError(
					fmt.Sprintf("device lacks required capability %q", need), nil).
					WithDevice(req.Role).WithCode(ErrCodeMissingCapability)
			}
		}
		rc.bindings[req.Role] = b
	}
	return nil
}

// supports checks both the declared capability list and the concrete
// interface, so a lying driver is caught at resolution time.
func (e *Engine) supports(b *binding, c device.Capability) bool {
	if !device.HasCapability(b.dev, c) {
		return false
	}
	switch c {
	case device.CapMovable:
		return b.movable != nil
	case device.CapReadable:
		return b.readable != nil
	case device.CapTriggerable:
		return b.triggerable != nil
	case device.CapSettable:
		return b.settable != nil
	case device.CapFrameProducer:
		_, ok := b.dev.(device.FrameProducer)
		return ok
	default:
		return false
	}
}

// stageAll stages every resolved device in first-reference order,
// recording each success in the cleanup ledger.
func (e *Engine) stageAll(ctx context.Context, rc *runContext) error {
	for _, req := range rc.run.plan.Requirements() {
		b := rc.bindings[req.Role]
		if b == nil || containsBinding(rc.staged, b) {
			continue
		}
		err := e.deviceCall(ctx, rc.log, b.role, "stage", plan.RetryPolicy{}, func(callCtx context.Context) error {
			return b.dev.Stage(callCtx)
		})
		if err != nil {
			b.state = device.ModuleError
			if IsStaging(err) {
				return err
			}
			return NewStagingError("device refused to stage", err).
				WithDevice(b.role).WithOperation("stage").WithCode(ErrCodeStageRefused)
		}
		b.state = device.ModuleStaged
		rc.staged = append(rc.staged, b)
		e.metrics.SetStagedDevices(float64(len(rc.staged)))
		rc.log.WithDevice(b.role).Debug("device staged")
	}
	return nil
}

func containsBinding(list []*binding, b *binding) bool {
	for _, have := range list {
		if have == b {
			return true
		}
	}
	return false
}

// unstageAll walks the ledger in reverse and unstages every entry.
// Failures are collected as diagnostics; one failure never prevents
// attempting the rest.
func (e *Engine) unstageAll(ctx context.Context, rc *runContext) []string {
	var diags []string
	for i := len(rc.staged) - 1; i >= 0; i-- {
		b := rc.staged[i]
		err := e.deviceCall(ctx, rc.log, b.role, "unstage", plan.RetryPolicy{}, func(callCtx context.Context) error {
			return b.dev.Unstage(callCtx)
		})
		if err != nil {
			b.state = device.ModuleError
			rc.log.WithDevice(b.role).WithError(err).Warn("unstage failed")
			diags = append(diags, fmt.Sprintf("unstage %s: %v", b.role, err))
			continue
		}
		b.state = device.ModuleUnstaged
		rc.log.WithDevice(b.role).Debug("device unstaged")
	}
	rc.staged = rc.staged[:0]
	e.metrics.SetStagedDevices(0)
	return diags
}

// loop pulls commands one at a time until the plan is exhausted, a command
// fails fatally, or an abort is observed at a boundary.
func (e *Engine) loop(ctx context.Context, rc *runContext) error {
	for {
		if reason, aborted := e.abortPending(); aborted {
			return NewCancelledError(reason)
		}
		if err := ctx.Err(); err != nil {
			return NewCancelledError(err.Error())
		}

		cmd, ok := rc.run.plan.Next()
		if !ok {
			return nil
		}

		timer := telemetry.NewTimer()
		err := e.runCommand(ctx, rc, cmd)
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordCommand(string(cmd.Kind), status, timer.Duration())
		if err != nil {
			return err
		}
	}
}

// boundCall runs a command-phase capability call, tracking the binding's
// lifecycle state across it. The binding must be staged.
func (e *Engine) boundCall(ctx context.Context, rc *runContext, b *binding, op string, retry plan.RetryPolicy, fn func(context.Context) error) error {
	if b.state != device.ModuleStaged {
		return NewFatalError(fmt.Sprintf("device is %s, expected staged", b.state), nil).
			WithDevice(b.role).WithOperation(op).WithCode(ErrCodeBadState)
	}
	b.state = device.ModuleActive
	err := e.deviceCall(ctx, rc.log, b.role, op, retry, fn)
	if err != nil {
		b.state = device.ModuleError
		return err
	}
	b.state = device.ModuleStaged
	return nil
}

// runCommand dispatches one command to the matching capability call.
func (e *Engine) runCommand(ctx context.Context, rc *runContext, cmd plan.Command) error {
	switch cmd.Kind {
	case plan.KindMove:
		b, err := e.capability(rc, cmd.Role, device.CapMovable)
		if err != nil {
			return err
		}
		err = e.boundCall(ctx, rc, b, "move_abs", cmd.Retry, func(callCtx context.Context) error {
			return b.movable.MoveAbs(callCtx, cmd.Position)
		})
		if err != nil {
			return err
		}
		rc.positions[cmd.Role] = cmd.Position
		return nil

	case plan.KindMoveRel:
		b, err := e.capability(rc, cmd.Role, device.CapMovable)
		if err != nil {
			return err
		}
		err = e.boundCall(ctx, rc, b, "move_rel", cmd.Retry, func(callCtx context.Context) error {
			return b.movable.MoveRel(callCtx, cmd.Position)
		})
		if err != nil {
			return err
		}
		var pos float64
		err = e.boundCall(ctx, rc, b, "position", plan.RetryPolicy{}, func(callCtx context.Context) error {
			var perr error
			pos, perr = b.movable.Position(callCtx)
			return perr
		})
		if err != nil {
			return err
		}
		rc.positions[cmd.Role] = pos
		return nil

	case plan.KindRead:
		b, err := e.capability(rc, cmd.Role, device.CapReadable)
		if err != nil {
			return err
		}
		var value float64
		err = e.boundCall(ctx, rc, b, "read", cmd.Retry, func(callCtx context.Context) error {
			var rerr error
			value, rerr = b.readable.Read(callCtx)
			return rerr
		})
		if err != nil {
			return err
		}
		rc.collected = append(rc.collected, plan.Field{
			Name:   cmd.Role,
			Value:  value,
			Source: cmd.Role,
		})
		return nil

	case plan.KindTrigger:
		b, err := e.capability(rc, cmd.Role, device.CapTriggerable)
		if err != nil {
			return err
		}
		return e.boundCall(ctx, rc, b, "trigger", cmd.Retry, func(callCtx context.Context) error {
			return b.triggerable.Trigger(callCtx)
		})

	case plan.KindSet:
		b, err := e.capability(rc, cmd.Role, device.CapSettable)
		if err != nil {
			return err
		}
		return e.boundCall(ctx, rc, b, "set", cmd.Retry, func(callCtx context.Context) error {
			return b.settable.Set(callCtx, cmd.Parameter, cmd.Value)
		})

	case plan.KindCheckpoint:
		return e.checkpoint(ctx, rc, cmd.Label)

	case plan.KindEmitData:
		return e.emit(rc, cmd)

	case plan.KindCustom:
		if cmd.Do == nil {
			return nil
		}
		if err := cmd.Do(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return NewCancelledError(err.Error())
			}
			return err
		}
		return nil

	default:
		return NewFatalError(fmt.Sprintf("unknown command kind %q", cmd.Kind), nil)
	}
}

// capability returns the cached binding for role, verifying the needed
// surface is present.
func (e *Engine) capability(rc *runContext, role string, c device.Capability) (*binding, error) {
	b, ok := rc.bindings[role]
	if !ok {
		return nil, NewResolutionError("command references unresolved role", nil).
			WithDevice(role).WithCode(ErrCodeUnknownRole)
	}
	if !e.supports(b, c) {
		return nil, NewResolutionError(
			fmt.Sprintf("device lacks required capability %q", c), nil).
			WithDevice(role).WithCode(ErrCodeMissingCapability)
	}
	return b, nil
}

// checkpoint parks the loop while a pause is requested. The engine holds
// no lock and no device resource while parked, so resume and abort take
// effect promptly.
func (e *Engine) checkpoint(ctx context.Context, rc *runContext, label string) error {
	for {
		e.mu.Lock()
		if e.abortRequested {
			reason := e.abortReason
			e.mu.Unlock()
			return NewCancelledError(reason)
		}
		if !e.pauseRequested {
			if e.state == StatePaused {
				e.state = StateRunning
				rc.log.Infof("resumed at checkpoint %s", label)
			}
			e.mu.Unlock()
			return nil
		}
		if e.state != StatePaused {
			rc.log.Infof("paused at checkpoint %s", label)
		}
		e.state = StatePaused
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return NewCancelledError(ctx.Err().Error())
		}
	}
}

// emit publishes an Event for the command's stream, preceded by a
// Descriptor the first time the stream's shape is seen this run. Explicit
// fields come first, then every reading collected since the previous emit,
// in command order.
func (e *Engine) emit(rc *runContext, cmd plan.Command) error {
	stream := cmd.Stream
	if stream == "" {
		stream = plan.PrimaryStream
	}

	fields := make([]plan.Field, 0, len(cmd.Fields)+len(rc.collected))
	fields = append(fields, cmd.Fields...)
	fields = append(fields, rc.collected...)
	rc.collected = rc.collected[:0]

	keys := make([]document.DataKey, len(fields))
	data := make(map[string]any, len(fields))
	for i, f := range fields {
		keys[i] = document.DataKey{
			Name:   f.Name,
			Dtype:  document.DtypeOf(f.Value),
			Units:  f.Units,
			Source: f.Source,
		}
		data[f.Name] = f.Value
	}

	sig := document.ShapeSignature(keys)
	desc := rc.descriptors[stream]
	if desc == nil || desc.ShapeSignature() != sig {
		desc = document.NewDescriptor(rc.run.id, stream, keys)
		rc.descriptors[stream] = desc
		e.publish(desc)
	}

	positions := make(map[string]float64, len(rc.positions))
	for role, pos := range rc.positions {
		positions[role] = pos
	}

	seq := rc.seq[stream]
	rc.seq[stream] = seq + 1
	rc.numEvents++
	e.publish(document.NewEvent(rc.run.id, desc.UID, seq, data, positions))
	return nil
}

// recordFailure counts a run-terminating error by class and code.
func (e *Engine) recordFailure(err error) {
	var classified *Error
	if errors.As(err, &classified) {
		e.metrics.RecordError(string(classified.Class), classified.Code)
		return
	}
	e.metrics.RecordError(string(ErrorClassFatal), "")
}

// publish pushes one document to every subscriber without blocking.
func (e *Engine) publish(doc document.Document) {
	e.broadcaster.Publish(doc)
	e.metrics.RecordDocumentEmitted(string(doc.DocKind()))
}

// deviceCall wraps one device capability invocation with the per-call
// timeout, telemetry, and the plan-supplied retry budget for transient
// errors. The engine itself never retries.
func (e *Engine) deviceCall(ctx context.Context, log *telemetry.Logger, role, op string, retry plan.RetryPolicy, fn func(context.Context) error) error {
	attempts := retry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx := ctx
		cancel := func() {}
		if e.opts.DeviceCallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.opts.DeviceCallTimeout)
		}

		timer := telemetry.NewTimer()
		err = fn(callCtx)
		cancel()
		e.metrics.RecordDeviceCall(role, op, timer.Duration())

		if err == nil {
			return nil
		}
		e.metrics.RecordDeviceError(role, op)

		// The run's own context was cancelled while the call was in
		// flight. That is an abort, not a device failure.
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return NewCancelledError(ctx.Err().Error())
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = NewTransientError("device call timed out", err).
				WithDevice(role).WithOperation(op).WithCode(ErrCodeDeviceTimeout)
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		log.WithDevice(role).WithError(err).
			Warnf("%s failed, retry %d/%d", op, attempt+1, retry.MaxRetries)
		if retry.Backoff > 0 {
			timer := time.NewTimer(retry.Backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return NewCancelledError(ctx.Err().Error())
			}
		}
	}

	if retry.MaxRetries > 0 {
		return NewTransientError(
			fmt.Sprintf("%s failed after %d attempts", op, attempts), err).
			WithDevice(role).WithOperation(op).WithCode(ErrCodeRetryExhausted)
	}
	return err
}
