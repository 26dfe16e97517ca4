// Package rotation tracks the circular position of the valve and nozzle while
// they turn, telling a wrap past zero apart from a reversal.
package rotation

import (
	"math"

	"github.com/oto-labs/eol-station/dsp"
)

// Motion classifies the step between two consecutive angle samples.
type Motion int

const (
	// Normal is a non-decreasing step.
	Normal Motion = iota
	// WrappedForward is a decrease caused by passing 360° going forward.
	WrappedForward
	// Backward is a decrease while the mechanism was in the first half turn.
	Backward
)

func (m Motion) String() string {
	switch m {
	case Normal:
		return "normal"
	case WrappedForward:
		return "wrapped_forward"
	case Backward:
		return "backward"
	default:
		return "unknown"
	}
}

// Classify decides what a step from prev to cur (centidegrees) means. A
// decrease is a forward wrap only if prev was already in the second half turn,
// where sin(prev) is negative.
func Classify(prev, cur int) Motion {
	if cur >= prev {
		return Normal
	}
	if math.Sin(math.Pi*float64(prev)/(dsp.FullCircle/2)) < 0 {
		return WrappedForward
	}
	return Backward
}

// State is the recording state of a Tracker.
type State int

const (
	// Idle trackers have not been armed.
	Idle State = iota
	// Armed trackers are waiting for the start condition.
	Armed
	// Recording trackers keep every sample until the stop angle.
	Recording
	// Complete trackers ignore further samples.
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Reason explains why a tracker completed.
type Reason int

const (
	// NotDone is reported while the tracker has not completed.
	NotDone Reason = iota
	// Finished means one full turn was recorded.
	Finished
	// Reversed means a backward step was seen.
	Reversed
	// TravelExceeded means the trigger never fired within the travel budget.
	TravelExceeded
)

type armMode int

const (
	armAngle armMode = iota
	armTrigger
)

// Tracker is the arm/record/stop state machine for one full revolution. It is
// armed either by an angular lead-in past the current position or by an
// external trigger such as a pressure drop. Tracker is not safe for concurrent use.
type Tracker struct {
	mode      armMode
	state     State
	reason    Reason
	prev      int
	start     int
	wrapDue   bool
	travel    int
	maxTravel int
}

// NewLeadInTracker arms a tracker that starts recording once the mechanism
// reaches current+leadIn, crossing 0 first if that angle wraps.
func NewLeadInTracker(current, leadIn int) *Tracker {
	start := dsp.Normalize(current + leadIn)
	return &Tracker{
		mode:    armAngle,
		state:   Armed,
		prev:    current,
		start:   start,
		wrapDue: start < current,
	}
}

// NewTriggerTracker arms a tracker that starts recording at the sample where
// the caller's trigger fires. maxTravel bounds the forward travel allowed
// before the trigger; zero means unbounded.
func NewTriggerTracker(current, maxTravel int) *Tracker {
	return &Tracker{
		mode:      armTrigger,
		state:     Armed,
		prev:      current,
		maxTravel: maxTravel,
	}
}

// Observe feeds the next angle. triggered is only consulted by trigger-armed
// trackers. It reports whether the sample belongs to the recorded revolution.
func (t *Tracker) Observe(angle int, triggered bool) bool {
	if t.state != Armed && t.state != Recording {
		return false
	}
	prev := t.prev
	t.prev = angle
	motion := Classify(prev, angle)

	if t.state == Armed {
		if t.mode == armTrigger {
			if triggered {
				t.state = Recording
				t.start = angle
				t.wrapDue = true
				return false
			}
			switch motion {
			case Backward:
				t.finish(Reversed)
				return false
			case WrappedForward:
				t.travel += angle + dsp.FullCircle - prev
			case Normal:
				t.travel += angle - prev
			}
			if t.maxTravel > 0 && t.travel >= t.maxTravel {
				t.finish(TravelExceeded)
			}
			return false
		}
		switch motion {
		case Backward:
			t.finish(Reversed)
			return false
		case WrappedForward:
			t.wrapDue = false
		case Normal:
		}
		if !t.wrapDue && angle >= t.start {
			t.state = Recording
			t.wrapDue = true
		}
		return false
	}

	switch motion {
	case Backward:
		t.finish(Reversed)
		return false
	case WrappedForward:
		t.wrapDue = false
	case Normal:
	}
	if !t.wrapDue && angle >= t.start {
		t.finish(Finished)
	}
	return true
}

func (t *Tracker) finish(r Reason) {
	t.state = Complete
	t.reason = r
}

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// Done reports whether the tracker has completed for any reason.
func (t *Tracker) Done() bool { return t.state == Complete }

// Reason returns why the tracker completed, or NotDone.
func (t *Tracker) Reason() Reason { return t.reason }

// Start returns the angle recording started (or will start) at.
func (t *Tracker) Start() int { return t.start }

// Travel returns the forward travel accumulated while waiting for a trigger.
func (t *Tracker) Travel() int { return t.travel }
