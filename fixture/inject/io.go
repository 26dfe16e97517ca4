// Package inject provides a scriptable fixture IO for tests.
package inject

import (
	"context"
	"sync"

	"github.com/oto-labs/eol-station/fixture"
)

// IO records output changes and answers reads from its fields or funcs.
type IO struct {
	mu      sync.Mutex
	Air     bool
	Water   bool
	LED     bool
	Power   bool
	Amps    float64
	Tripped fixture.Switches
	History []string

	VacuumFunc          func(ctx context.Context) (fixture.Switches, error)
	ExternalPowerOnFunc func(ctx context.Context) (bool, error)
	ChargeCurrentFunc   func(ctx context.Context) (float64, error)
	ResetFunc           func(ctx context.Context) error
}

var _ fixture.IO = (*IO)(nil)

func (f *IO) log(s string, on bool) {
	if on {
		s += " on"
	} else {
		s += " off"
	}
	f.History = append(f.History, s)
}

func (f *IO) SetAir(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Air = on
	f.log("air", on)
	return nil
}

func (f *IO) SetWater(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Water = on
	f.log("water", on)
	return nil
}

func (f *IO) SetLED(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LED = on
	f.log("led", on)
	return nil
}

func (f *IO) SetExternalPower(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Power = on
	f.log("power", on)
	return nil
}

func (f *IO) ExternalPowerOn(ctx context.Context) (bool, error) {
	if f.ExternalPowerOnFunc != nil {
		return f.ExternalPowerOnFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Power, nil
}

func (f *IO) Vacuum(ctx context.Context) (fixture.Switches, error) {
	if f.VacuumFunc != nil {
		return f.VacuumFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Tripped, nil
}

func (f *IO) ChargeCurrent(ctx context.Context) (float64, error) {
	if f.ChargeCurrentFunc != nil {
		return f.ChargeCurrentFunc(ctx)
	}
	return f.Amps, nil
}

func (f *IO) Reset(ctx context.Context) error {
	if f.ResetFunc != nil {
		return f.ResetFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LED, f.Air, f.Power, f.Water = false, false, false, false
	f.History = append(f.History, "reset")
	return nil
}

// Energized reports whether any output is still on.
func (f *IO) Energized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Air || f.Water || f.LED || f.Power
}
