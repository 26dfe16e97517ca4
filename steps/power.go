package steps

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/unitlink"
)

// Battery reads the battery voltage and the stored calibration value.
type Battery struct{}

// Name implements Step.
func (Battery) Name() string { return "Battery" }

// Kind implements Step.
func (Battery) Kind() Kind { return KindBattery }

// Run implements Step.
func (Battery) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	var payload BatteryPayload
	cal := "None"
	v, err := env.Link.BatteryCalibration(ctx)
	switch {
	case errors.Is(err, unitlink.ErrNotInitialized):
	case err != nil:
		return Outcome{}, payload, errors.Wrap(err, "reading battery calibration")
	default:
		payload.Calibration = &v
		cal = num(v)
	}

	volts, err := env.Link.Voltages(ctx)
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "reading battery voltage")
	}
	payload.Voltage = dsp.Round(volts.Battery, 3)
	env.Unit.BatteryVoltage = payload.Voltage

	if payload.Voltage < env.Limits.Battery.MinVoltage {
		return Failf("Battery voltage is very low!(%sV), calibration value: %s", num(payload.Voltage), cal), payload, nil
	}
	return Passf("Battery: %sV, calibration value: %s", num(payload.Voltage), cal), payload, nil
}

// ExternalPower switches the jig's supply on and checks that the unit charges
// from it: by charger current on boards that sense current, by voltage on
// older boards.
type ExternalPower struct{}

// Name implements Step.
func (ExternalPower) Name() string { return "External Power" }

// Kind implements Step.
func (ExternalPower) Kind() Kind { return KindExternalPower }

// Run implements Step.
func (ExternalPower) Run(ctx context.Context, env *Env) (out Outcome, _ Payload, err error) {
	limits := env.Limits.ExternalPower
	payload := ExternalPowerPayload{Factor: env.Profile.CurrentFactor}
	calibrated := payload.Factor != 0
	if !calibrated {
		payload.Factor = 1
	}

	if err := env.Fixture.SetExternalPower(ctx, true); err != nil {
		return Outcome{}, payload, err
	}
	powered := true
	defer func() {
		if powered {
			err = multierr.Combine(err, env.Fixture.SetExternalPower(ctx, false))
		}
	}()

	on, err := waitForPower(ctx, env, true, limits.PollTimeout)
	if err != nil {
		return Outcome{}, payload, err
	}
	if !on {
		return Fail("Can't turn on external power!"), payload, nil
	}
	if err := env.wait(ctx, limits.Settle); err != nil {
		return Outcome{}, payload, err
	}

	volts, err := env.Link.Voltages(ctx)
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "reading charge voltage")
	}
	amps, err := env.Fixture.ChargeCurrent(ctx)
	if err != nil {
		return Outcome{}, payload, err
	}
	payload.Voltage = dsp.Round(volts.Solar, 3)
	payload.Current = dsp.Round(amps*payload.Factor, 3)
	env.Unit.ExternalPowerVoltage = payload.Voltage
	env.Unit.ExternalPowerCurrent = payload.Current

	powered = false
	if err := env.Fixture.SetExternalPower(ctx, false); err != nil {
		return Outcome{}, payload, err
	}
	if err := env.wait(ctx, 100*time.Millisecond); err != nil {
		return Outcome{}, payload, err
	}
	if still, err := env.Fixture.ExternalPowerOn(ctx); err != nil {
		return Outcome{}, payload, err
	} else if still {
		return Fail("Can't turn off external power!"), payload, nil
	}

	current := num(payload.Current)
	voltage := num(payload.Voltage)
	if !calibrated {
		return Failf("[%sA.] Must calibrate current on this new EOL board first!\n%s",
			current, env.Profile.FixtureName), payload, nil
	}

	fw := env.Unit.Firmware
	if !fw.HasHardwareID() {
		return Failf("%s\nCan't tell if current or voltage should be available.\n%sA, %sV",
			noHardwareID, current, voltage), payload, nil
	}

	if fw.CurrentSensing() {
		window := limits.CurrentV4
		if env.Unit.BatteryVoltage >= limits.HighBatteryVoltage {
			window.Min = limits.HighBatteryCurrentMinV4
		}
		switch {
		case window.Below(payload.Current):
			return Failf("External charging current BELOW limit [%sA]: %sA", num(window.Min), current), payload, nil
		case window.Above(payload.Current):
			return Failf("External charging current ABOVE limit [%sA]: %sA", num(window.Max), current), payload, nil
		}
		return Passf("Charging: %sA", current), payload, nil
	}

	window := limits.Voltage
	switch {
	case window.Below(payload.Voltage):
		return Failf("External charging voltage BELOW limit [%sV]: %sV", num(window.Min), voltage), payload, nil
	case window.Above(payload.Voltage):
		return Failf("External charging voltage ABOVE limit [%sV]: %sV", num(window.Max), voltage), payload, nil
	}
	return Passf("Charging: %sV", voltage), payload, nil
}

// waitForPower polls the relay read back every 200ms until it reports want or
// the timeout passes.
func waitForPower(ctx context.Context, env *Env, want bool, timeout time.Duration) (bool, error) {
	start := env.now()
	for {
		on, err := env.Fixture.ExternalPowerOn(ctx)
		if err != nil {
			return false, err
		}
		if on == want {
			return true, nil
		}
		if env.since(start) >= timeout {
			return false, nil
		}
		if err := env.wait(ctx, 200*time.Millisecond); err != nil {
			return false, err
		}
	}
}

// Solar lights the LED panel and checks what the unit's solar input sees.
type Solar struct{}

// Name implements Step.
func (Solar) Name() string { return "Solar" }

// Kind implements Step.
func (Solar) Kind() Kind { return KindSolar }

// Run implements Step.
func (Solar) Run(ctx context.Context, env *Env) (out Outcome, _ Payload, err error) {
	limits := env.Limits.Solar
	var payload SolarPayload

	if err := env.Fixture.SetLED(ctx, true); err != nil {
		return Outcome{}, payload, err
	}
	defer func() {
		err = multierr.Combine(err, env.Fixture.SetLED(ctx, false))
	}()
	if err := env.wait(ctx, limits.Settle); err != nil {
		return Outcome{}, payload, err
	}

	amps, err := env.Link.Currents(ctx)
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "reading solar current")
	}
	volts, err := env.Link.Voltages(ctx)
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "reading solar voltage")
	}
	payload.Current = dsp.Round(amps.Charge, 0)
	payload.Voltage = dsp.Round(volts.Solar, 2)
	env.Unit.SolarCurrent = payload.Current
	env.Unit.SolarVoltage = payload.Voltage

	current := num(payload.Current)
	voltage := num(payload.Voltage)
	fw := env.Unit.Firmware
	if !fw.HasHardwareID() {
		return Failf("%s\nCan't tell if current should be available.\n%smA, %sV",
			noHardwareID, current, voltage), payload, nil
	}

	if fw.CurrentSensing() {
		window := limits.Current
		switch {
		case window.Contains(payload.Current):
			return Passf("Solar Panel %smA", current), payload, nil
		case window.Above(payload.Current):
			return Failf("Solar panel current ABOVE limit[%s]: %smA", num(window.Max), current), payload, nil
		case payload.Current == 0:
			return Fail("No solar panel current was read from the OtO"), payload, nil
		}
		return Failf("Solar panel current BELOW limit[%s]: %smA", num(window.Min), current), payload, nil
	}

	window := limits.Voltage
	switch {
	case window.Contains(payload.Voltage):
		return Passf("Solar Panel: %sV", voltage), payload, nil
	case window.Above(payload.Voltage):
		return Failf("Solar panel voltage ABOVE limit. [%s]: %sV", num(window.Max), voltage), payload, nil
	case payload.Voltage == 0:
		return Fail("No solar panel voltage was read from the OtO."), payload, nil
	}
	return Failf("Solar panel voltage BELOW limit. [%s]: %sV", num(window.Min), voltage), payload, nil
}
