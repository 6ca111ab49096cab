package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/document"
	"github.com/easternanemone/labdaq/pkg/plan"
)

// fakeDevice is a scriptable in-memory device exposing every capability.
type fakeDevice struct {
	name string
	caps []device.Capability

	mu           sync.Mutex
	stageCalls   int
	unstageCalls int
	moveCalls    int
	readCalls    int
	triggerCalls int
	position     float64
	readValue    float64

	stageErr   error
	unstageErr error
	// failMoveOn makes the nth (1-based) move call fail with moveErr.
	failMoveOn int
	moveErr    error
	// failReadOn makes the nth read call fail with readErr; 0 disables.
	failReadOn   int
	readErr      error
	readErrTimes int // how many consecutive reads fail from failReadOn on

	onRead func(n int)
}

func newFakeDevice(name string, caps ...device.Capability) *fakeDevice {
	if len(caps) == 0 {
		caps = []device.Capability{device.CapMovable, device.CapReadable, device.CapTriggerable, device.CapSettable}
	}
	return &fakeDevice{name: name, caps: caps}
}

func (f *fakeDevice) Name() string                      { return f.name }
func (f *fakeDevice) Capabilities() []device.Capability { return f.caps }
func (f *fakeDevice) Stage(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageCalls++
	return f.stageErr
}
func (f *fakeDevice) Unstage(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unstageCalls++
	return f.unstageErr
}

func (f *fakeDevice) MoveAbs(ctx context.Context, position float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveCalls++
	if f.failMoveOn > 0 && f.moveCalls == f.failMoveOn {
		return f.moveErr
	}
	f.position = position
	return nil
}

func (f *fakeDevice) MoveRel(ctx context.Context, distance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveCalls++
	f.position += distance
	return nil
}

func (f *fakeDevice) Position(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeDevice) Read(ctx context.Context) (float64, error) {
	f.mu.Lock()
	f.readCalls++
	n := f.readCalls
	hook := f.onRead
	var err error
	if f.failReadOn > 0 && n >= f.failReadOn && n < f.failReadOn+maxInt(f.readErrTimes, 1) {
		err = f.readErr
	}
	value := f.readValue
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if cerr := ctx.Err(); cerr != nil {
		return 0, cerr
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (f *fakeDevice) Trigger(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerCalls++
	return nil
}

func (f *fakeDevice) Set(ctx context.Context, parameter string, value any) error {
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (f *fakeDevice) counts() (stage, unstage int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stageCalls, f.unstageCalls
}

// scriptPlan replays a fixed command list.
type scriptPlan struct {
	name string
	reqs []plan.Requirement
	cmds []plan.Command
	i    int
}

func (s *scriptPlan) Name() string                     { return s.name }
func (s *scriptPlan) Args() map[string]string          { return nil }
func (s *scriptPlan) Requirements() []plan.Requirement { return s.reqs }
func (s *scriptPlan) Next() (plan.Command, bool) {
	if s.i >= len(s.cmds) {
		return plan.Command{}, false
	}
	cmd := s.cmds[s.i]
	s.i++
	return cmd, true
}

func newTestEngine(t *testing.T, devices ...device.Device) *Engine {
	t.Helper()
	reg := device.NewRegistry()
	for _, d := range devices {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return New(reg, nil, Options{DeviceCallTimeout: 5 * time.Second})
}

// collectRun waits for the terminal report, then drains the buffered
// document stream up to and including the Stop document.
func collectRun(t *testing.T, sub *document.Subscription, reports <-chan RunReport) ([]document.Document, RunReport) {
	t.Helper()
	var report RunReport
	select {
	case report = <-reports:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for run report")
	}

	// The report is sent after the Stop document is published, so every
	// document is already buffered.
	var docs []document.Document
	for {
		select {
		case d := <-sub.C():
			if d.Missed > 0 {
				t.Fatalf("unexpected gap of %d documents", d.Missed)
			}
			docs = append(docs, d.Doc)
			if d.Doc.DocKind() == document.KindStop {
				return docs, report
			}
		case <-time.After(time.Second):
			return docs, report
		}
	}
}

func countPlan(t *testing.T, points int, detectors ...string) plan.Plan {
	t.Helper()
	p, err := plan.NewCount(plan.CountParams{Points: points, Detectors: detectors})
	if err != nil {
		t.Fatalf("NewCount: %v", err)
	}
	return p
}

func eventsOf(docs []document.Document) []*document.Event {
	var events []*document.Event
	for _, d := range docs {
		if ev, ok := d.(*document.Event); ok {
			events = append(events, ev)
		}
	}
	return events
}

func stopOf(t *testing.T, docs []document.Document) *document.Stop {
	t.Helper()
	if len(docs) == 0 {
		t.Fatal("no documents emitted")
	}
	stop, ok := docs[len(docs)-1].(*document.Stop)
	if !ok {
		t.Fatalf("last document is %T, want Stop", docs[len(docs)-1])
	}
	return stop
}

func TestSinglePointRunDocumentOrder(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	det.readValue = 1.5
	e := newTestEngine(t, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	runID := e.Queue(countPlan(t, 1, "pm"), map[string]string{"operator": "test"})
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	docs, report := collectRun(t, sub, reports)

	wantKinds := []document.Kind{
		document.KindStart, document.KindDescriptor, document.KindEvent, document.KindStop,
	}
	if len(docs) != len(wantKinds) {
		t.Fatalf("got %d documents, want %d", len(docs), len(wantKinds))
	}
	for i, k := range wantKinds {
		if docs[i].DocKind() != k {
			t.Errorf("document %d: got %s, want %s", i, docs[i].DocKind(), k)
		}
	}

	start := docs[0].(*document.Start)
	if start.UID != runID {
		t.Errorf("Start.UID %q does not match queued run id %q", start.UID, runID)
	}
	ev := docs[2].(*document.Event)
	if ev.SeqNum != 0 {
		t.Errorf("event seq: got %d, want 0", ev.SeqNum)
	}
	if ev.Data["pm"] != 1.5 {
		t.Errorf("event data: got %v", ev.Data)
	}
	stop := docs[3].(*document.Stop)
	if stop.Reason != document.ReasonSuccess || stop.NumEvents != 1 {
		t.Errorf("stop: %+v", stop)
	}
	if report.Status != document.ReasonSuccess || report.RunID != runID || report.NumEvents != 1 {
		t.Errorf("report: %+v", report)
	}

	stage, unstage := det.counts()
	if stage != 1 || unstage != 1 {
		t.Errorf("stage/unstage: %d/%d, want 1/1", stage, unstage)
	}
	if e.State() != StateIdle {
		t.Errorf("engine state after run: %s", e.State())
	}
}

func TestSeqNumsContiguous(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	e := newTestEngine(t, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	e.Queue(countPlan(t, 5, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	docs, _ := collectRun(t, sub, reports)

	events := eventsOf(docs)
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	var descriptors int
	for _, d := range docs {
		if d.DocKind() == document.KindDescriptor {
			descriptors++
		}
	}
	if descriptors != 1 {
		t.Errorf("got %d descriptors, want 1 (shape cached per stream)", descriptors)
	}
	for i, ev := range events {
		if ev.SeqNum != uint64(i) {
			t.Errorf("event %d: seq %d", i, ev.SeqNum)
		}
		if ev.DescriptorUID != events[0].DescriptorUID {
			t.Errorf("event %d references a different descriptor", i)
		}
	}
	if stopOf(t, docs).NumEvents != 5 {
		t.Errorf("stop num_events: %d", stopOf(t, docs).NumEvents)
	}
}

func TestMidRunDeviceFailure(t *testing.T) {
	// The axis fails on its 5th move; four complete points precede it.
	axis := newFakeDevice("stage_x", device.CapMovable)
	axis.failMoveOn = 5
	axis.moveErr = NewFatalError("encoder fault", nil).WithDevice("stage_x")
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)

	e := newTestEngine(t, axis, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	p, err := plan.NewLineScan(plan.LineScanParams{
		Axis: "stage_x", Start: 0, Stop: 9, Points: 10, Detectors: []string{"pm"},
	})
	if err != nil {
		t.Fatalf("NewLineScan: %v", err)
	}
	e.Queue(p, nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	docs, report := collectRun(t, sub, reports)

	if report.Status != document.ReasonFailure {
		t.Fatalf("report status: %s", report.Status)
	}
	if !IsFatal(report.Err) {
		t.Errorf("report error: %v", report.Err)
	}
	if got := len(eventsOf(docs)); got != 4 {
		t.Errorf("got %d events before failure, want 4", got)
	}
	stop := stopOf(t, docs)
	if stop.Reason != document.ReasonFailure || stop.NumEvents != 4 {
		t.Errorf("stop: %+v", stop)
	}

	for _, d := range []*fakeDevice{axis, det} {
		stage, unstage := d.counts()
		if stage != 1 || unstage != 1 {
			t.Errorf("%s stage/unstage: %d/%d, want 1/1", d.name, stage, unstage)
		}
	}
}

func TestUnstageExactlyOnceUnderFaultInjection(t *testing.T) {
	// Fail the run at every possible command index and verify the
	// staging ledger is drained exactly once each time.
	base := []plan.Command{
		plan.Move("stage_x", 1),
		plan.Checkpoint("p0"),
		plan.Trigger("pm"),
		plan.Read("pm"),
		plan.EmitData(plan.PrimaryStream),
		plan.Move("stage_x", 2),
		plan.Read("pm"),
		plan.EmitData(plan.PrimaryStream),
	}
	reqs := []plan.Requirement{
		{Role: "stage_x", Caps: []device.Capability{device.CapMovable}},
		{Role: "pm", Caps: []device.Capability{device.CapReadable, device.CapTriggerable}},
	}

	for failAt := 0; failAt <= len(base); failAt++ {
		t.Run(fmt.Sprintf("fail_at_%d", failAt), func(t *testing.T) {
			cmds := make([]plan.Command, 0, len(base)+1)
			cmds = append(cmds, base[:failAt]...)
			cmds = append(cmds, plan.Custom("fault", func(context.Context) error {
				return NewFatalError("injected", nil)
			}))
			cmds = append(cmds, base[failAt:]...)

			axis := newFakeDevice("stage_x", device.CapMovable)
			pm := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
			e := newTestEngine(t, axis, pm)

			e.Queue(&scriptPlan{name: "scripted", reqs: reqs, cmds: cmds}, nil)
			reports, err := e.Start(context.Background())
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			report := <-reports
			if report.Status != document.ReasonFailure {
				t.Fatalf("status: %s", report.Status)
			}
			for _, d := range []*fakeDevice{axis, pm} {
				stage, unstage := d.counts()
				if stage != 1 || unstage != 1 {
					t.Errorf("%s stage/unstage: %d/%d, want 1/1", d.name, stage, unstage)
				}
			}
		})
	}
}

func TestPauseResumeNoSkipNoRepeat(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	e := newTestEngine(t, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	// Request the pause from inside the third read. The flag is advisory
	// and must take effect at the following checkpoint, not mid-command.
	det.onRead = func(n int) {
		if n == 3 {
			if err := e.Pause(); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
	}

	e.Queue(countPlan(t, 10, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, e, StatePaused)

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	docs, report := collectRun(t, sub, reports)
	if report.Status != document.ReasonSuccess {
		t.Fatalf("status: %s (%v)", report.Status, report.Err)
	}
	events := eventsOf(docs)
	if len(events) != 10 {
		t.Fatalf("got %d events, want 10", len(events))
	}
	for i, ev := range events {
		if ev.SeqNum != uint64(i) {
			t.Errorf("event %d: seq %d (skip or repeat across pause)", i, ev.SeqNum)
		}
	}
}

func TestPausedEventCountAtSuspension(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	e := newTestEngine(t, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	det.onRead = func(n int) {
		if n == 3 {
			_ = e.Pause()
		}
	}
	e.Queue(countPlan(t, 10, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StatePaused)

	// The interrupted point must have completed: exactly 3 events so far.
	var seen int
	for len(sub.C()) > 0 {
		d := <-sub.C()
		if d.Doc.DocKind() == document.KindEvent {
			seen++
		}
	}
	if seen != 3 {
		t.Errorf("events emitted before suspension: %d, want 3", seen)
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	report := <-reports
	if report.NumEvents != 10 {
		t.Errorf("total events: %d, want 10", report.NumEvents)
	}
}

func TestAbortUnstagesAndEmitsAbortedStop(t *testing.T) {
	axis := newFakeDevice("stage_x", device.CapMovable)
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	e := newTestEngine(t, axis, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	det.onRead = func(n int) {
		if n == 3 {
			if err := e.Abort("operator requested"); err != nil {
				t.Errorf("Abort: %v", err)
			}
		}
	}

	p, err := plan.NewLineScan(plan.LineScanParams{
		Axis: "stage_x", Start: 0, Stop: 9, Points: 10, Detectors: []string{"pm"},
	})
	if err != nil {
		t.Fatalf("NewLineScan: %v", err)
	}
	e.Queue(p, nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	docs, report := collectRun(t, sub, reports)

	if report.Status != document.ReasonAborted {
		t.Fatalf("status: %s", report.Status)
	}
	stop := stopOf(t, docs)
	if stop.Reason != document.ReasonAborted {
		t.Errorf("stop reason: %s", stop.Reason)
	}
	if stop.Detail != "operator requested" {
		t.Errorf("stop detail: %q", stop.Detail)
	}
	if got := len(eventsOf(docs)); got >= 10 {
		t.Errorf("abort did not stop the run early: %d events", got)
	}
	for _, d := range []*fakeDevice{axis, det} {
		_, unstage := d.counts()
		if unstage != 1 {
			t.Errorf("%s unstaged %d times, want 1", d.name, unstage)
		}
	}
	if e.State() != StateIdle {
		t.Errorf("state after abort: %s", e.State())
	}
}

func TestAbortWhilePaused(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	e := newTestEngine(t, det)

	det.onRead = func(n int) {
		if n == 2 {
			_ = e.Pause()
		}
	}
	e.Queue(countPlan(t, 10, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StatePaused)

	if err := e.Abort("shutting down"); err != nil {
		t.Fatalf("Abort while paused: %v", err)
	}
	report := <-reports
	if report.Status != document.ReasonAborted {
		t.Errorf("status: %s", report.Status)
	}
	_, unstage := det.counts()
	if unstage != 1 {
		t.Errorf("unstage calls: %d, want 1", unstage)
	}
}

func TestContextCancellationMidReadAborts(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	e := newTestEngine(t, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det.onRead = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	e.Queue(countPlan(t, 10, "pm"), nil)
	reports, err := e.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	docs, report := collectRun(t, sub, reports)

	if report.Status != document.ReasonAborted {
		t.Fatalf("status: got %s, want %s (err: %v)", report.Status, document.ReasonAborted, report.Err)
	}
	if report.Err != nil {
		t.Errorf("cancelled run should not carry a failure error, got %v", report.Err)
	}
	stop := stopOf(t, docs)
	if stop.Reason != document.ReasonAborted {
		t.Errorf("stop reason: got %s, want %s", stop.Reason, document.ReasonAborted)
	}
	if stage, unstage := det.counts(); stage != 1 || unstage != 1 {
		t.Errorf("stage/unstage: got %d/%d, want 1/1", stage, unstage)
	}
}

func TestStartRejectedWhileRunning(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	release := make(chan struct{})
	det.onRead = func(n int) {
		if n == 1 {
			<-release
		}
	}
	e := newTestEngine(t, det)
	e.Queue(countPlan(t, 2, "pm"), nil)
	e.Queue(countPlan(t, 2, "pm"), nil)

	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StateRunning)

	_, err = e.Start(context.Background())
	if !errors.Is(err, &Error{Class: ErrorClassFatal, Code: ErrCodeEngineBusy}) {
		t.Errorf("second Start: got %v, want ENGINE_BUSY", err)
	}

	close(release)
	<-reports

	// The queue survives: the second plan runs after the first finishes.
	reports, err = e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	report := <-reports
	if report.Status != document.ReasonSuccess {
		t.Errorf("second run: %s", report.Status)
	}
}

func TestStartWithEmptyQueue(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Start(context.Background())
	if !errors.Is(err, &Error{Class: ErrorClassConfiguration, Code: ErrCodeQueueEmpty}) {
		t.Errorf("got %v, want QUEUE_EMPTY", err)
	}
}

func TestPauseResumeAbortStateGuards(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Pause(); err == nil {
		t.Error("Pause while idle should fail")
	}
	if err := e.Resume(); err == nil {
		t.Error("Resume while idle should fail")
	}
	if err := e.Abort("x"); err == nil {
		t.Error("Abort while idle should fail")
	}
}

func TestResolutionFailureEmitsNoDocuments(t *testing.T) {
	e := newTestEngine(t) // empty registry
	sub := e.Subscribe()
	defer sub.Cancel()

	e.Queue(countPlan(t, 1, "ghost"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := <-reports

	if report.Status != document.ReasonFailure {
		t.Fatalf("status: %s", report.Status)
	}
	if !IsResolution(report.Err) {
		t.Errorf("error class: %v", report.Err)
	}
	if !errors.Is(report.Err, &Error{Class: ErrorClassResolution, Code: ErrCodeUnknownRole}) {
		t.Errorf("error code: %v", report.Err)
	}
	select {
	case d := <-sub.C():
		t.Errorf("unexpected document %s for a run that never staged", d.Doc.DocKind())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMissingCapabilityFailsResolution(t *testing.T) {
	// A movable-only device cannot serve as a detector.
	axis := newFakeDevice("pm", device.CapMovable)
	e := newTestEngine(t, axis)

	e.Queue(countPlan(t, 1, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := <-reports
	if !errors.Is(report.Err, &Error{Class: ErrorClassResolution, Code: ErrCodeMissingCapability}) {
		t.Errorf("got %v, want MISSING_CAPABILITY", report.Err)
	}
	stage, _ := axis.counts()
	if stage != 0 {
		t.Errorf("resolution failure must precede staging, got %d stage calls", stage)
	}
}

func TestStagingFailureReverseCleanup(t *testing.T) {
	axis := newFakeDevice("stage_x", device.CapMovable)
	bad := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	bad.stageErr = errors.New("shutter interlock")

	e := newTestEngine(t, axis, bad)
	sub := e.Subscribe()
	defer sub.Cancel()

	p, err := plan.NewLineScan(plan.LineScanParams{
		Axis: "stage_x", Start: 0, Stop: 1, Points: 2, Detectors: []string{"pm"},
	})
	if err != nil {
		t.Fatalf("NewLineScan: %v", err)
	}
	e.Queue(p, nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := <-reports

	if !IsStaging(report.Err) {
		t.Fatalf("error class: %v", report.Err)
	}
	// The axis staged first and must be cleaned up; the refusing device
	// never staged and must not be unstaged.
	stage, unstage := axis.counts()
	if stage != 1 || unstage != 1 {
		t.Errorf("axis stage/unstage: %d/%d, want 1/1", stage, unstage)
	}
	_, badUnstage := bad.counts()
	if badUnstage != 0 {
		t.Errorf("refusing device unstaged %d times, want 0", badUnstage)
	}
	select {
	case d := <-sub.C():
		t.Errorf("unexpected document %s for a run that failed staging", d.Doc.DocKind())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnstageFailureSurfacesAsDiagnostic(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	det.unstageErr = errors.New("cooling still active")
	e := newTestEngine(t, det)

	e.Queue(countPlan(t, 1, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := <-reports

	// The run itself succeeded; the unstage failure must not mask that.
	if report.Status != document.ReasonSuccess {
		t.Errorf("status: %s", report.Status)
	}
	if report.Err != nil {
		t.Errorf("unstage failure replaced primary outcome: %v", report.Err)
	}
	if len(report.Diagnostics) != 1 {
		t.Fatalf("diagnostics: %v", report.Diagnostics)
	}
}

func TestPlanRetryBudgetHonoured(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	det.failReadOn = 1
	det.readErrTimes = 2
	det.readErr = NewTransientError("glitch", nil).WithDevice("pm")

	p, err := plan.NewCount(plan.CountParams{
		Points: 1, Detectors: []string{"pm"},
		Retry: plan.RetryPolicy{MaxRetries: 2},
	})
	if err != nil {
		t.Fatalf("NewCount: %v", err)
	}

	e := newTestEngine(t, det)
	e.Queue(p, nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := <-reports
	if report.Status != document.ReasonSuccess {
		t.Fatalf("run with retry budget failed: %v", report.Err)
	}
	det.mu.Lock()
	calls := det.readCalls
	det.mu.Unlock()
	if calls != 3 {
		t.Errorf("read attempts: %d, want 3", calls)
	}
}

func TestNoRetryWithoutBudget(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	det.failReadOn = 1
	det.readErrTimes = 1
	det.readErr = NewTransientError("glitch", nil).WithDevice("pm")

	e := newTestEngine(t, det)
	e.Queue(countPlan(t, 1, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := <-reports
	if report.Status != document.ReasonFailure {
		t.Fatalf("transient error without budget must fail the run, got %s", report.Status)
	}
	if !IsTransient(report.Err) {
		t.Errorf("error class: %v", report.Err)
	}
	det.mu.Lock()
	calls := det.readCalls
	det.mu.Unlock()
	if calls != 1 {
		t.Errorf("engine retried on its own: %d attempts", calls)
	}
}

func TestEventPositionsTrackMoves(t *testing.T) {
	axis := newFakeDevice("stage_x", device.CapMovable)
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	e := newTestEngine(t, axis, det)
	sub := e.Subscribe()
	defer sub.Cancel()

	p, err := plan.NewLineScan(plan.LineScanParams{
		Axis: "stage_x", Start: 0, Stop: 4, Points: 3, Detectors: []string{"pm"},
	})
	if err != nil {
		t.Fatalf("NewLineScan: %v", err)
	}
	e.Queue(p, nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	docs, _ := collectRun(t, sub, reports)

	events := eventsOf(docs)
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	want := []float64{0, 2, 4}
	for i, ev := range events {
		if ev.Positions["stage_x"] != want[i] {
			t.Errorf("event %d position: %v, want %v", i, ev.Positions["stage_x"], want[i])
		}
	}
}

func TestQueueWhileRunning(t *testing.T) {
	det := newFakeDevice("pm", device.CapReadable, device.CapTriggerable)
	release := make(chan struct{})
	det.onRead = func(n int) {
		if n == 1 {
			<-release
		}
	}
	e := newTestEngine(t, det)

	e.Queue(countPlan(t, 1, "pm"), nil)
	reports, err := e.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StateRunning)

	// Queueing is unconditional in every state.
	id := e.Queue(countPlan(t, 1, "pm"), nil)
	if id == "" {
		t.Fatal("queue returned empty run id")
	}
	if e.QueueDepth() != 1 {
		t.Errorf("queue depth: %d", e.QueueDepth())
	}
	close(release)
	<-reports
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("engine never reached state %s (now %s)", want, e.State())
}
