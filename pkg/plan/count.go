package plan

import (
	"fmt"
	"strings"
	"time"
)

// CountParams configures a Count plan.
type CountParams struct {
	// Points is the number of readings to take.
	Points int `validate:"gt=0"`

	// Detectors are the roles read at each point.
	Detectors []string `validate:"min=1,dive,required"`

	// Delay is an optional wait between points.
	Delay time.Duration `validate:"gte=0"`

	// Retry is applied to every device command the plan issues.
	Retry RetryPolicy
}

// Count takes repeated readings from a fixed set of detectors without
// moving anything.
type Count struct {
	params CountParams

	point int
	step  countStep
	det   int
}

type countStep int

const (
	countCheckpoint countStep = iota
	countTrigger
	countRead
	countEmit
	countDelay
)

// NewCount validates params and builds a Count plan.
func NewCount(params CountParams) (*Count, error) {
	if err := validateParams("count", params); err != nil {
		return nil, err
	}
	return &Count{params: params}, nil
}

func (c *Count) Name() string { return "count" }

func (c *Count) Args() map[string]string {
	return map[string]string{
		"points":    fmt.Sprintf("%d", c.params.Points),
		"detectors": strings.Join(c.params.Detectors, ","),
		"delay":     c.params.Delay.String(),
	}
}

func (c *Count) Requirements() []Requirement {
	return detectorRequirements(c.params.Detectors)
}

func (c *Count) Next() (Command, bool) {
	for c.point < c.params.Points {
		switch c.step {
		case countCheckpoint:
			c.step = countTrigger
			c.det = 0
			return Checkpoint(fmt.Sprintf("count_%d", c.point)), true

		case countTrigger:
			if c.det < len(c.params.Detectors) {
				det := c.params.Detectors[c.det]
				c.det++
				return Trigger(det).WithRetry(c.params.Retry), true
			}
			c.step = countRead
			c.det = 0

		case countRead:
			if c.det < len(c.params.Detectors) {
				det := c.params.Detectors[c.det]
				c.det++
				return Read(det).WithRetry(c.params.Retry), true
			}
			c.step = countEmit

		case countEmit:
			c.point++
			if c.params.Delay > 0 && c.point < c.params.Points {
				c.step = countDelay
			} else {
				c.step = countCheckpoint
			}
			return EmitData(PrimaryStream), true

		case countDelay:
			c.step = countCheckpoint
			return Settle(c.params.Delay), true
		}
	}
	return Command{}, false
}
