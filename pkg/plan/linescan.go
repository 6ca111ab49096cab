package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
)

// LineScanParams configures a LineScan plan.
type LineScanParams struct {
	// Axis is the role of the motion device to scan.
	Axis string `validate:"required"`

	// Start and Stop bound the scan range.
	Start float64
	Stop  float64

	// Points is the number of positions visited, inclusive of both ends.
	Points int `validate:"gt=0"`

	// Detectors are the roles read at each position.
	Detectors []string `validate:"min=1,dive,required"`

	// SettleTime is an optional wait after each move.
	SettleTime time.Duration `validate:"gte=0"`

	// Retry is applied to every device command the plan issues.
	Retry RetryPolicy
}

// LineScan sweeps one axis across an evenly spaced range, reading every
// detector at each position.
type LineScan struct {
	params LineScanParams

	point int
	step  lineStep
	det   int
}

type lineStep int

const (
	lineMove lineStep = iota
	lineSettle
	lineCheckpoint
	lineTrigger
	lineRead
	lineEmit
)

// NewLineScan validates params and builds a LineScan plan.
func NewLineScan(params LineScanParams) (*LineScan, error) {
	if err := validateParams("line_scan", params); err != nil {
		return nil, err
	}
	return &LineScan{params: params}, nil
}

func (l *LineScan) Name() string { return "line_scan" }

func (l *LineScan) Args() map[string]string {
	return map[string]string{
		"axis":        l.params.Axis,
		"start":       strconv.FormatFloat(l.params.Start, 'g', -1, 64),
		"stop":        strconv.FormatFloat(l.params.Stop, 'g', -1, 64),
		"points":      fmt.Sprintf("%d", l.params.Points),
		"detectors":   strings.Join(l.params.Detectors, ","),
		"settle_time": l.params.SettleTime.String(),
	}
}

func (l *LineScan) Requirements() []Requirement {
	reqs := []Requirement{{Role: l.params.Axis, Caps: []device.Capability{device.CapMovable}}}
	return append(reqs, detectorRequirements(l.params.Detectors)...)
}

// positionAt returns the scan position for a point index.
func (l *LineScan) positionAt(point int) float64 {
	if l.params.Points <= 1 {
		return l.params.Start
	}
	step := (l.params.Stop - l.params.Start) / float64(l.params.Points-1)
	return l.params.Start + step*float64(point)
}

func (l *LineScan) Next() (Command, bool) {
	for l.point < l.params.Points {
		switch l.step {
		case lineMove:
			pos := l.positionAt(l.point)
			if l.params.SettleTime > 0 {
				l.step = lineSettle
			} else {
				l.step = lineCheckpoint
			}
			return Move(l.params.Axis, pos).WithRetry(l.params.Retry), true

		case lineSettle:
			l.step = lineCheckpoint
			return Settle(l.params.SettleTime), true

		case lineCheckpoint:
			l.step = lineTrigger
			l.det = 0
			return Checkpoint(fmt.Sprintf("point_%d", l.point)), true

		case lineTrigger:
			if l.det < len(l.params.Detectors) {
				det := l.params.Detectors[l.det]
				l.det++
				return Trigger(det).WithRetry(l.params.Retry), true
			}
			l.step = lineRead
			l.det = 0

		case lineRead:
			if l.det < len(l.params.Detectors) {
				det := l.params.Detectors[l.det]
				l.det++
				return Read(det).WithRetry(l.params.Retry), true
			}
			l.step = lineEmit

		case lineEmit:
			l.point++
			l.step = lineMove
			return EmitData(PrimaryStream), true
		}
	}
	return Command{}, false
}
