// Package fixture drives the test jig: solenoids, LED panel, external power
// relay, the three pump bay vacuum switches and the charge current meter.
package fixture

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
)

var (
	// ErrControllerMissing is returned when the jig's controller board is absent.
	ErrControllerMissing = errors.New("test controller wasn't found. Is it plugged in?")
	// ErrVacuumTripped is returned when a vacuum switch is already open before
	// the pumps run.
	ErrVacuumTripped = errors.New("Unscrew and then retighten the black, blue and orange caps before testing again.")
)

// Bays is the number of pump bays, each with its own vacuum switch.
const Bays = 3

// CapColors names each bay's cap, in bay order.
var CapColors = [Bays]string{"Black", "Blue", "Orange"}

// Pins maps the jig's signals to controller pin names.
type Pins struct {
	Air           string `json:"air,omitempty"`
	Water         string `json:"water,omitempty"`
	LED           string `json:"led,omitempty"`
	ExternalPower string `json:"external_power,omitempty"`
	Vacuum1       string `json:"vacuum_1,omitempty"`
	Vacuum2       string `json:"vacuum_2,omitempty"`
	Vacuum3       string `json:"vacuum_3,omitempty"`
}

// DefaultPins is the wiring of the production jig's controller.
var DefaultPins = Pins{
	Air:           "0",
	Water:         "1",
	LED:           "2",
	ExternalPower: "7",
	Vacuum1:       "9",
	Vacuum2:       "10",
	Vacuum3:       "11",
}

func (p Pins) withDefaults() Pins {
	fill := func(s *string, def string) {
		if *s == "" {
			*s = def
		}
	}
	fill(&p.Air, DefaultPins.Air)
	fill(&p.Water, DefaultPins.Water)
	fill(&p.LED, DefaultPins.LED)
	fill(&p.ExternalPower, DefaultPins.ExternalPower)
	fill(&p.Vacuum1, DefaultPins.Vacuum1)
	fill(&p.Vacuum2, DefaultPins.Vacuum2)
	fill(&p.Vacuum3, DefaultPins.Vacuum3)
	return p
}

// Switches holds the state of the vacuum switches in bay order. A switch is
// normally closed and reads low once its bay holds vacuum; true means tripped.
type Switches [Bays]bool

// First returns the lowest bay number (1 based) whose switch tripped, or 0.
func (s Switches) First() int {
	for i, tripped := range s {
		if tripped {
			return i + 1
		}
	}
	return 0
}

// Any reports whether any switch tripped.
func (s Switches) Any() bool { return s.First() != 0 }

// Meter reads the charge current drawn through the external power supply.
type Meter interface {
	// Current returns amps.
	Current(ctx context.Context) (float64, error)
}

// IO is everything a test step can do to the jig.
type IO interface {
	SetAir(ctx context.Context, on bool) error
	SetWater(ctx context.Context, on bool) error
	SetLED(ctx context.Context, on bool) error
	SetExternalPower(ctx context.Context, on bool) error
	// ExternalPowerOn reads back the relay state.
	ExternalPowerOn(ctx context.Context) (bool, error)
	Vacuum(ctx context.Context) (Switches, error)
	ChargeCurrent(ctx context.Context) (float64, error)
	// Reset turns LED, air, external power and water off.
	Reset(ctx context.Context) error
}

// Jig is the IO of a jig wired to an rdk board. Every output is active low:
// driving a pin low energizes it.
type Jig struct {
	air, water, led, extPower board.GPIOPin
	vacuum                    [Bays]board.GPIOPin
	meter                     Meter
	logger                    logging.Logger
}

// NewJig resolves the jig's pins on b. meter may be nil on stations without a
// charge meter, in which case ChargeCurrent fails.
func NewJig(b board.Board, pins Pins, meter Meter, logger logging.Logger) (*Jig, error) {
	if b == nil {
		return nil, ErrControllerMissing
	}
	pins = pins.withDefaults()
	j := &Jig{meter: meter, logger: logger}
	var err error
	pin := func(name string) board.GPIOPin {
		if err != nil {
			return nil
		}
		var p board.GPIOPin
		p, err = b.GPIOPinByName(name)
		if err != nil {
			err = errors.Wrapf(err, "fixture pin %q", name)
		}
		return p
	}
	j.air = pin(pins.Air)
	j.water = pin(pins.Water)
	j.led = pin(pins.LED)
	j.extPower = pin(pins.ExternalPower)
	j.vacuum[0] = pin(pins.Vacuum1)
	j.vacuum[1] = pin(pins.Vacuum2)
	j.vacuum[2] = pin(pins.Vacuum3)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func set(ctx context.Context, p board.GPIOPin, what string, on bool) error {
	if err := p.Set(ctx, !on, nil); err != nil {
		return errors.Wrapf(err, "switching %s", what)
	}
	return nil
}

// SetAir opens or closes the air solenoid.
func (j *Jig) SetAir(ctx context.Context, on bool) error { return set(ctx, j.air, "air", on) }

// SetWater opens or closes the water solenoid.
func (j *Jig) SetWater(ctx context.Context, on bool) error { return set(ctx, j.water, "water", on) }

// SetLED lights the solar test panel.
func (j *Jig) SetLED(ctx context.Context, on bool) error { return set(ctx, j.led, "LED panel", on) }

// SetExternalPower switches the 12 V supply to the unit.
func (j *Jig) SetExternalPower(ctx context.Context, on bool) error {
	return set(ctx, j.extPower, "external power", on)
}

// ExternalPowerOn reads the relay pin back.
func (j *Jig) ExternalPowerOn(ctx context.Context) (bool, error) {
	high, err := j.extPower.Get(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "reading external power")
	}
	return !high, nil
}

// Vacuum reads all three switches.
func (j *Jig) Vacuum(ctx context.Context) (Switches, error) {
	var s Switches
	for i, p := range j.vacuum {
		high, err := p.Get(ctx, nil)
		if err != nil {
			return Switches{}, errors.Wrapf(err, "reading vacuum switch %d", i+1)
		}
		s[i] = !high
	}
	return s, nil
}

// ChargeCurrent reads the meter.
func (j *Jig) ChargeCurrent(ctx context.Context) (float64, error) {
	if j.meter == nil {
		return 0, errors.New("no charge current meter configured")
	}
	return j.meter.Current(ctx)
}

// Reset de-energizes every output, attempting all of them even if one fails.
func (j *Jig) Reset(ctx context.Context) error {
	return multierr.Combine(
		j.SetLED(ctx, false),
		j.SetAir(ctx, false),
		j.SetExternalPower(ctx, false),
		j.SetWater(ctx, false),
	)
}

// CheckVacuumClear returns ErrVacuumTripped if any bay already reads vacuum.
func CheckVacuumClear(ctx context.Context, io IO) error {
	s, err := io.Vacuum(ctx)
	if err != nil {
		return err
	}
	if s.Any() {
		return errors.Wrap(ErrVacuumTripped, fmt.Sprintf("vacuum switches %v", s))
	}
	return nil
}
