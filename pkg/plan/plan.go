package plan

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/easternanemone/labdaq/pkg/device"
)

// PrimaryStream is the stream name built-in plans emit on.
const PrimaryStream = "primary"

// Requirement names a device role a plan will use and the capabilities the
// resolved device must implement. Requirements are listed in
// first-reference order; the engine stages devices in that order.
type Requirement struct {
	Role string
	Caps []device.Capability
}

// Plan produces a finite, non-restartable sequence of commands. Once Next
// has returned ok=false the plan is exhausted; queue a fresh instance to
// repeat it.
type Plan interface {
	// Name is the human-readable plan type (e.g. "line_scan").
	Name() string

	// Args documents the plan's parameters for the Start document.
	Args() map[string]string

	// Requirements lists the roles and capabilities the plan will use,
	// in first-reference order.
	Requirements() []Requirement

	// Next returns the next command, or ok=false when exhausted.
	Next() (Command, bool)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateParams runs struct validation and wraps failures so callers see
// which plan rejected its parameters. Validation happens at construction;
// invalid parameters never reach the engine.
func validateParams(planName string, params any) error {
	if err := validate.Struct(params); err != nil {
		return fmt.Errorf("invalid %s parameters: %w", planName, err)
	}
	return nil
}

// detectorRequirements builds the standard requirement set for a list of
// detector roles: each must be readable and triggerable.
func detectorRequirements(detectors []string) []Requirement {
	reqs := make([]Requirement, 0, len(detectors))
	for _, det := range detectors {
		reqs = append(reqs, Requirement{
			Role: det,
			Caps: []device.Capability{device.CapReadable, device.CapTriggerable},
		})
	}
	return reqs
}
