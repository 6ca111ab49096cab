package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/easternanemone/labdaq/pkg/device"
)

// GridScanParams configures a GridScan plan.
type GridScanParams struct {
	// OuterAxis is the slow axis, moved once per row.
	OuterAxis   string `validate:"required"`
	OuterStart  float64
	OuterStop   float64
	OuterPoints int `validate:"gt=0"`

	// InnerAxis is the fast axis, swept within each row.
	InnerAxis   string `validate:"required,nefield=OuterAxis"`
	InnerStart  float64
	InnerStop   float64
	InnerPoints int `validate:"gt=0"`

	// Detectors are the roles read at each grid point.
	Detectors []string `validate:"min=1,dive,required"`

	// SettleTime is an optional wait after each inner move.
	SettleTime time.Duration `validate:"gte=0"`

	// Snake reverses the inner axis direction on alternating rows,
	// halving dead travel. When false the scan rasters.
	Snake bool

	// Retry is applied to every device command the plan issues.
	Retry RetryPolicy
}

// GridScan sweeps two axes over a rectangular grid.
type GridScan struct {
	params GridScanParams

	outer     int
	inner     int
	direction int
	step      gridStep
	det       int
}

type gridStep int

const (
	gridMoveOuter gridStep = iota
	gridMoveInner
	gridSettle
	gridCheckpoint
	gridTrigger
	gridRead
	gridEmit
)

// NewGridScan validates params and builds a GridScan plan.
func NewGridScan(params GridScanParams) (*GridScan, error) {
	if err := validateParams("grid_scan", params); err != nil {
		return nil, err
	}
	return &GridScan{params: params, direction: 1}, nil
}

func (g *GridScan) Name() string { return "grid_scan" }

func (g *GridScan) Args() map[string]string {
	return map[string]string{
		"outer_axis":   g.params.OuterAxis,
		"outer_start":  strconv.FormatFloat(g.params.OuterStart, 'g', -1, 64),
		"outer_stop":   strconv.FormatFloat(g.params.OuterStop, 'g', -1, 64),
		"outer_points": fmt.Sprintf("%d", g.params.OuterPoints),
		"inner_axis":   g.params.InnerAxis,
		"inner_start":  strconv.FormatFloat(g.params.InnerStart, 'g', -1, 64),
		"inner_stop":   strconv.FormatFloat(g.params.InnerStop, 'g', -1, 64),
		"inner_points": fmt.Sprintf("%d", g.params.InnerPoints),
		"snake":        strconv.FormatBool(g.params.Snake),
		"detectors":    strings.Join(g.params.Detectors, ","),
	}
}

func (g *GridScan) Requirements() []Requirement {
	reqs := []Requirement{
		{Role: g.params.OuterAxis, Caps: []device.Capability{device.CapMovable}},
		{Role: g.params.InnerAxis, Caps: []device.Capability{device.CapMovable}},
	}
	return append(reqs, detectorRequirements(g.params.Detectors)...)
}

func (g *GridScan) outerPosition(idx int) float64 {
	if g.params.OuterPoints <= 1 {
		return g.params.OuterStart
	}
	step := (g.params.OuterStop - g.params.OuterStart) / float64(g.params.OuterPoints-1)
	return g.params.OuterStart + step*float64(idx)
}

func (g *GridScan) innerPosition(idx int) float64 {
	if g.params.InnerPoints <= 1 {
		return g.params.InnerStart
	}
	step := (g.params.InnerStop - g.params.InnerStart) / float64(g.params.InnerPoints-1)
	return g.params.InnerStart + step*float64(idx)
}

func (g *GridScan) Next() (Command, bool) {
	for g.outer < g.params.OuterPoints {
		switch g.step {
		case gridMoveOuter:
			pos := g.outerPosition(g.outer)
			g.step = gridMoveInner
			return Move(g.params.OuterAxis, pos).WithRetry(g.params.Retry), true

		case gridMoveInner:
			pos := g.innerPosition(g.inner)
			if g.params.SettleTime > 0 {
				g.step = gridSettle
			} else {
				g.step = gridCheckpoint
			}
			return Move(g.params.InnerAxis, pos).WithRetry(g.params.Retry), true

		case gridSettle:
			g.step = gridCheckpoint
			return Settle(g.params.SettleTime), true

		case gridCheckpoint:
			g.step = gridTrigger
			g.det = 0
			return Checkpoint(fmt.Sprintf("point_%d_%d", g.outer, g.inner)), true

		case gridTrigger:
			if g.det < len(g.params.Detectors) {
				det := g.params.Detectors[g.det]
				g.det++
				return Trigger(det).WithRetry(g.params.Retry), true
			}
			g.step = gridRead
			g.det = 0

		case gridRead:
			if g.det < len(g.params.Detectors) {
				det := g.params.Detectors[g.det]
				g.det++
				return Read(det).WithRetry(g.params.Retry), true
			}
			g.step = gridEmit

		case gridEmit:
			g.advance()
			return EmitData(PrimaryStream), true
		}
	}
	return Command{}, false
}

// advance steps the grid indices to the next point, honouring snake order.
func (g *GridScan) advance() {
	if g.params.Snake {
		next := g.inner + g.direction
		if next < 0 || next >= g.params.InnerPoints {
			g.outer++
			g.direction = -g.direction
			g.step = gridMoveOuter
			return
		}
		g.inner = next
		g.step = gridMoveInner
		return
	}

	g.inner++
	if g.inner >= g.params.InnerPoints {
		g.inner = 0
		g.outer++
		g.step = gridMoveOuter
		return
	}
	g.step = gridMoveInner
}
