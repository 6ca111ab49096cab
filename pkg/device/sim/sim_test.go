package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/easternanemone/labdaq/pkg/engine"
)

func TestStagingDiscipline(t *testing.T) {
	ctx := context.Background()
	stage := NewMotionStage("stage_x", MotionStageParams{})

	if stage.Staged() {
		t.Fatal("new device should be unstaged")
	}
	if err := stage.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := stage.Stage(ctx); err == nil {
		t.Error("double stage should fail")
	}
	if err := stage.Unstage(ctx); err != nil {
		t.Fatalf("Unstage: %v", err)
	}
	if err := stage.Unstage(ctx); err == nil {
		t.Error("double unstage should fail")
	}
}

func TestUnstagedOperationsRejected(t *testing.T) {
	ctx := context.Background()
	stage := NewMotionStage("stage_x", MotionStageParams{})

	if err := stage.MoveAbs(ctx, 1); !engine.IsFatal(err) {
		t.Errorf("move before stage: got %v, want fatal", err)
	}
	if _, err := stage.Position(ctx); err == nil {
		t.Error("position before stage should fail")
	}
}

func TestMotionStageTracksPosition(t *testing.T) {
	ctx := context.Background()
	stage := NewMotionStage("stage_x", MotionStageParams{Min: -10, Max: 10})
	if err := stage.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if err := stage.MoveAbs(ctx, 4); err != nil {
		t.Fatalf("MoveAbs: %v", err)
	}
	if err := stage.MoveRel(ctx, -1.5); err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	pos, err := stage.Position(ctx)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 2.5 {
		t.Errorf("position: got %v, want 2.5", pos)
	}

	if err := stage.MoveAbs(ctx, 11); !engine.IsFatal(err) {
		t.Errorf("out-of-range move: got %v, want fatal", err)
	}
}

func TestFaultInjectionNthCall(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	inj := NewInjector().FailOn(OpRead, 2, boom)
	pm := NewPowerMeter("pm", PowerMeterParams{Baseline: 1, Seed: 7, Faults: inj})
	if err := pm.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if _, err := pm.Read(ctx); err != nil {
		t.Fatalf("first read: %v", err)
	}
	_, err := pm.Read(ctx)
	if !engine.IsTransient(err) {
		t.Fatalf("second read: got %v, want transient", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("injected cause not preserved: %v", err)
	}
	if _, err := pm.Read(ctx); err != nil {
		t.Fatalf("third read: %v", err)
	}
	if inj.Calls(OpRead) != 3 {
		t.Errorf("call count: got %d, want 3", inj.Calls(OpRead))
	}
}

func TestStageFaultClassifiedAsStaging(t *testing.T) {
	ctx := context.Background()
	inj := NewInjector().FailOn(OpStage, 1, errors.New("interlock open"))
	pm := NewPowerMeter("pm", PowerMeterParams{Faults: inj})

	err := pm.Stage(ctx)
	if !engine.IsStaging(err) {
		t.Fatalf("got %v, want staging-class", err)
	}
	if pm.Staged() {
		t.Error("failed stage must leave device unstaged")
	}
}

func TestPowerMeterReadings(t *testing.T) {
	ctx := context.Background()
	pm := NewPowerMeter("pm", PowerMeterParams{Baseline: 2, Noise: 0.1, Seed: 42})
	if err := pm.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := pm.Trigger(ctx); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		v, err := pm.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if math.Abs(v-2) > 0.1 {
			t.Errorf("reading %v outside noise band around baseline", v)
		}
	}
}

func TestCameraFrames(t *testing.T) {
	ctx := context.Background()
	cam := NewCamera("cam", CameraParams{Width: 8, Height: 4, Seed: 1})
	if err := cam.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if err := cam.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	frame, err := cam.AcquireFrame(ctx)
	if err != nil {
		t.Fatalf("AcquireFrame: %v", err)
	}
	if frame.Width != 8 || frame.Height != 4 || len(frame.Pixels) != 32 {
		t.Fatalf("frame shape: %dx%d, %d pixels", frame.Width, frame.Height, len(frame.Pixels))
	}

	mean, err := cam.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mean <= 0 {
		t.Errorf("mean pixel value should be positive, got %v", mean)
	}
}

func TestCameraSetExposure(t *testing.T) {
	ctx := context.Background()
	cam := NewCamera("cam", CameraParams{Seed: 1})
	if err := cam.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if err := cam.Set(ctx, "exposure", "50ms"); err != nil {
		t.Fatalf("Set exposure: %v", err)
	}
	frame, err := cam.AcquireFrame(ctx)
	if err != nil {
		t.Fatalf("AcquireFrame: %v", err)
	}
	if frame.Exposure != 50*time.Millisecond {
		t.Errorf("exposure: got %v, want 50ms", frame.Exposure)
	}

	if err := cam.Set(ctx, "gain", 2); err == nil {
		t.Error("unknown parameter should fail")
	}
}

func TestLaserShutterAndWavelength(t *testing.T) {
	ctx := context.Background()
	laser := NewLaser("laser", LaserParams{Power: 0.5, MinWavelength: 700, MaxWavelength: 900})
	if err := laser.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	v, err := laser.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0 {
		t.Errorf("closed shutter should read 0, got %v", v)
	}

	if err := laser.Set(ctx, "shutter", true); err != nil {
		t.Fatalf("open shutter: %v", err)
	}
	v, err = laser.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0.5 {
		t.Errorf("open shutter should read power, got %v", v)
	}

	if err := laser.Set(ctx, "wavelength", 780.0); err != nil {
		t.Fatalf("tune: %v", err)
	}
	if laser.Wavelength() != 780 {
		t.Errorf("wavelength: got %v", laser.Wavelength())
	}
	if err := laser.Set(ctx, "wavelength", 1064.0); err == nil {
		t.Error("out-of-range tune should fail")
	}
	if err := laser.Set(ctx, "wavelength", "780nm"); err == nil {
		t.Error("non-float wavelength should fail")
	}
}

func TestDAQBoardSamples(t *testing.T) {
	ctx := context.Background()
	daq := NewDAQBoard("daq", DAQBoardParams{
		Amplitude: 1, Period: time.Second, Noise: 0.01, Seed: 3,
	})
	if err := daq.Stage(ctx); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if err := daq.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	v, err := daq.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if math.Abs(v) > 1.01 {
		t.Errorf("sample %v outside waveform range", v)
	}
}

func TestLatencyHonoursCancellation(t *testing.T) {
	pm := NewPowerMeter("pm", PowerMeterParams{Latency: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := pm.Stage(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
