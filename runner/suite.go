package runner

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/oto-labs/eol-station/steps"
	"github.com/oto-labs/eol-station/thresholds"
)

// Suite is an ordered list of steps and the policy for failures.
type Suite struct {
	Name  string
	Steps []steps.Step
	// StopOnFailure ends the run at the first failing step. Otherwise every
	// step runs and each failure is flagged.
	StopOnFailure bool
}

// Options tune the built-in suites.
type Options struct {
	// ValveReset writes the calibrated valve offset to the unit.
	ValveReset bool
}

// EOL is the production line suite. It stops at the first failure.
func EOL(opts Options) Suite {
	return Suite{
		Name:          thresholds.EOL,
		Steps:         standardSteps(opts, true),
		StopOnFailure: true,
	}
}

// Returns is the suite for units sent back from the field. Every step runs.
func Returns(opts Options) Suite {
	return Suite{
		Name:  thresholds.Returns,
		Steps: standardSteps(opts, false),
	}
}

// ForName returns the built-in suite called name.
func ForName(name string, opts Options) (Suite, error) {
	switch name {
	case thresholds.EOL:
		return EOL(opts), nil
	case thresholds.Returns:
		return Returns(opts), nil
	default:
		return Suite{}, errors.Errorf("no suite named %q, want %q or %q", name, thresholds.EOL, thresholds.Returns)
	}
}

func standardSteps(opts Options, cloudSave bool) []steps.Step {
	list := []steps.Step{
		steps.UnitName{},
		steps.Battery{},
		steps.ExternalPower{},
		steps.Pump{Bay: 1, Duty: 100},
		steps.Pump{Bay: 2, Duty: 100},
		steps.Pump{Bay: 3, Duty: 100},
		steps.NozzleHome{},
		steps.Pressure{Mode: thresholds.ModeZero},
		steps.ValveCalibration{Reset: opts.ValveReset},
		steps.VerifyValveClosed{},
		steps.FullyOpen{},
		steps.NozzleRotation{},
		steps.Vacuum{},
		steps.Solar{},
	}
	if cloudSave {
		list = append(list, steps.CloudSave{})
	}
	return list
}

// Find returns the step whose name matches name, ignoring case and spaces.
func (s Suite) Find(name string) (steps.Step, bool) {
	want := stepKey(name)
	for _, st := range s.Steps {
		if stepKey(st.Name()) == want {
			return st, true
		}
	}
	return nil, false
}

// StepNames lists the suite's step names in order.
func (s Suite) StepNames() []string {
	names := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		names[i] = st.Name()
	}
	return names
}

func stepKey(name string) string {
	return strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(name))
}
