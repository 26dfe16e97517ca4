package steps

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/oto-labs/eol-station/capture"
	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/rotation"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// ValveCalibration sweeps the valve one revolution with air applied and finds
// the closed position from the two pressure peaks of the sweep. The peaks sit
// half a turn apart; the closed position is a quarter turn before the higher.
type ValveCalibration struct {
	// Reset writes the computed offset to the unit.
	Reset bool
}

// Name implements Step.
func (ValveCalibration) Name() string { return "Valve Calibration" }

// Kind implements Step.
func (ValveCalibration) Kind() Kind { return KindValveCalibration }

// Run implements Step.
func (v ValveCalibration) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	limits := env.Limits.Valve
	var payload ValveCalibrationPayload

	if err := env.Link.SetMovingAverage(ctx, true); err != nil {
		return Outcome{}, payload, err
	}
	now, err := env.Link.Sensors(ctx)
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "reading valve position")
	}
	done, err := env.Link.SetValvePosition(ctx, dsp.Normalize(now.ValvePosition+limits.BackwardProbe), true)
	if err != nil && !errors.Is(err, unitlink.ErrTimeout) {
		return Fail("Error moving valve!"), payload, nil
	}
	if !done.Complete() {
		return Fail("Valve won't rotate backwards!"), payload, nil
	}

	curve, tracker, current, err := v.sweep(ctx, env)
	if err != nil {
		return Outcome{}, payload, err
	}
	payload.Curve = curve
	if tracker.Reason() == rotation.Reversed {
		return Fail("Valve rotating backwards!"), payload, nil
	}
	payload.Current = current
	env.Unit.ValveCurrent = current

	sensor, sensorErr := env.sensor(ctx)
	if len(curve) == 0 {
		if tracker.Reason() == rotation.TravelExceeded {
			trigger := num(limits.TriggerADC)
			if sensorErr == nil {
				trigger = num(dsp.Round(sensor.KPa(limits.TriggerADC), 3))
			}
			return Failf("Pressure reading did not fall below %s kPa", trigger), payload, nil
		}
		return Fail("No valve rotation values were received from OtO."), payload, nil
	}
	fw := env.Unit.Firmware
	if fw.CurrentSensing() {
		env.Logger.CInfof(ctx, "Valve Motor %s mA, σ %s mA", num(current.Mean), num(current.STD))
	}
	if errors.Is(sensorErr, thresholds.ErrUnknownSensor) {
		return Fail("Can't identify pressure sensor!"), payload, nil
	}
	if sensorErr != nil {
		return Outcome{}, payload, sensorErr
	}
	peakLimits, err := env.Limits.PeaksFor(sensor)
	if err != nil {
		return Fail("Can't identify pressure sensor!"), payload, nil
	}

	raw := make([]float64, len(curve))
	for i, p := range curve {
		raw[i] = float64(p.Pressure)
	}
	f := limits.Filter
	sos, err := dsp.Butterworth(f.Order, f.CutoffHz, f.SampleRate)
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "designing valve filter")
	}
	filtered, err := dsp.FiltFilt(sos, raw, f.PadLength)
	v.saveSweep(ctx, env, curve, filtered)
	if err != nil {
		return Failf("Not enough valve rotation data to filter: %v", err), payload, nil
	}
	payload.Filtered = filtered

	first, second, ok := dsp.TwoPeaks(dsp.FindPeaks(filtered))
	if !ok {
		return Fail("No peaks found in data!"), payload, nil
	}
	payload.First, payload.Second = first, second
	angle1, angle2 := curve[first.Index].Angle, curve[second.Index].Angle
	relative := dsp.Normalize(angle1 + 27000)
	env.Logger.CInfof(ctx, "Relative Valve Closed: %s°, Open: %s°", deg(relative), deg(dsp.Normalize(relative+9000)))

	p1, p2 := dsp.Round(first.Value, 0), dsp.Round(second.Value, 0)
	switch {
	case math.Abs(p1-env.Unit.ZeroPressure.Mean) < limits.PluggedSensorMargin:
		return Fail("Possible plugged or disconnected pressure sensor!"), payload, nil
	case peakLimits.Pressure.Below(p1):
		return Failf("Pressure reading is too low! [%s]: %s ADC", commas(peakLimits.Pressure.Min), commas(p1)), payload, nil
	case peakLimits.Pressure.Above(p1):
		return Failf("Pressure reading is too high! [%s]: %s ADC", commas(peakLimits.Pressure.Max), commas(p1)), payload, nil
	case p1-p2 > peakLimits.MaxPeakDifference:
		return Failf("First and second peak pressures are too different! [%s]: %s ADC",
			commas(peakLimits.MaxPeakDifference), commas(p1-p2)), payload, nil
	}
	if apart := absInt(angle1 - angle2); absInt(apart-18000) > peakLimits.MaxAngleDifference {
		return Failf("First and second peak angles are not 180°±%s apart! %.1f",
			deg(peakLimits.MaxAngleDifference), float64(apart)/100), payload, nil
	}

	if fw.CurrentSensing() {
		switch {
		case !limits.Current.Contains(current.Mean):
			return Failf("Valve motor current is not in range! [%s-%s]: %s mA",
				num(limits.Current.Min), num(limits.Current.Max), num(current.Mean)), payload, nil
		case !limits.CurrentSTD.Contains(current.STD):
			return Failf("Valve motor current variation too large! [%s-%s]: %s mA",
				num(limits.CurrentSTD.Min), num(limits.CurrentSTD.Max), num(current.STD)), payload, nil
		}
	}

	saved, err := env.Link.ValveHome(ctx)
	hasSaved := true
	switch {
	case errors.Is(err, unitlink.ErrNotInitialized):
		saved, hasSaved = 0, false
	case err != nil:
		return Outcome{}, payload, errors.Wrap(err, "reading valve home")
	}
	offset := dsp.Normalize(saved + relative - 100)
	open := dsp.Normalize(offset + 9000)
	payload.Offset, payload.FullyOpen = offset, open
	env.Unit.ValveOffset = offset
	env.Unit.Peak1 = unit.Peak{Pressure: int(p1), Angle: dsp.Normalize(saved + angle1)}
	env.Unit.Peak2 = unit.Peak{Pressure: int(p2), Angle: dsp.Normalize(saved + angle2)}
	if hasSaved {
		env.Logger.CInfof(ctx, "Absolute Valve Closed: %s°, Open: %s°, difference to saved: %s°",
			deg(offset), deg(open), deg(dsp.Distance(offset, saved)))
	} else {
		env.Logger.CWarn(ctx, "Unit doesn't have a closed valve position in memory!")
	}

	if v.Reset {
		if err := env.Link.SetValveHome(ctx, offset); err != nil {
			return Outcome{}, payload, errors.Wrap(err, "writing valve home")
		}
		payload.Written = true
	}
	return Passf("Valve Closed: %s°, Peaks: %s, %s ADC", deg(offset), commas(p1), commas(p2)), payload, nil
}

// sweep turns the valve with air applied and records the revolution that
// starts when pressure first drops to the trigger. Air and motor are always
// switched off.
func (ValveCalibration) sweep(ctx context.Context, env *Env) (
	curve []CurvePoint, tracker *rotation.Tracker, current unit.Stats, err error,
) {
	limits := env.Limits.Valve
	now, err := env.Link.Sensors(ctx)
	if err != nil {
		return nil, nil, current, errors.Wrap(err, "reading valve position")
	}
	tracker = rotation.NewTriggerTracker(now.ValvePosition, limits.MaxTravel)

	defer func() {
		err = multierr.Combine(err, env.Fixture.SetAir(ctx, false), env.Link.SetValveDuty(ctx, 0))
	}()
	if err := env.Fixture.SetAir(ctx, true); err != nil {
		return nil, tracker, current, err
	}
	if err := env.Link.SetValveDuty(ctx, limits.Duty); err != nil {
		return nil, tracker, current, errors.Wrap(err, "starting valve")
	}

	var amps capture.Accumulator
	sensing := env.Unit.Firmware.CurrentSensing()
	res, err := capture.Run(ctx, env.Link, capture.Options{
		Duration: limits.Timeout,
		Settle:   100 * time.Millisecond,
		Poll: func(ctx context.Context) error {
			if !sensing {
				return nil
			}
			c, err := env.Link.Currents(ctx)
			if err != nil {
				return err
			}
			amps.Add(dsp.Round(c.Valve, 3))
			return nil
		},
		Visit: func(s unitlink.Sample) (bool, bool) {
			keep := tracker.Observe(s.ValvePosition, float64(s.PressureADC) <= limits.TriggerADC)
			return keep, tracker.Done()
		},
	})
	if err != nil {
		return nil, tracker, current, err
	}
	mean, std := amps.MeanStd()
	current = unit.Stats{Mean: dsp.Round(mean, 1), STD: dsp.Round(std, 2)}
	if tracker.Reason() == rotation.Reversed || tracker.Reason() == rotation.TravelExceeded {
		return nil, tracker, current, nil
	}
	curve = make([]CurvePoint, len(res.Samples))
	for i, s := range res.Samples {
		curve[i] = CurvePoint{Angle: s.ValvePosition, Pressure: s.PressureADC}
	}
	return curve, tracker, current, nil
}

// saveSweep stores the sweep, plotting the filtered curve when there is one.
func (ValveCalibration) saveSweep(ctx context.Context, env *Env, curve []CurvePoint, filtered []float64) {
	rows := make([][]string, len(curve))
	angles := make([]float64, len(curve))
	raw := make([]float64, len(curve))
	for i, p := range curve {
		rows[i] = []string{fmt.Sprint(p.Angle), fmt.Sprint(p.Pressure)}
		angles[i] = float64(p.Angle) / 100
		raw[i] = float64(p.Pressure)
	}
	series := []Series{{Label: "raw", X: angles, Y: raw, Points: true}}
	if filtered != nil {
		series = append(series, Series{Label: "filtered", X: angles, Y: filtered})
	}
	env.save(ctx, Artifact{
		Folder:     "Valve Calibrate",
		Columns:    []string{"Position", "Pressure"},
		Rows:       rows,
		InfoColumn: "Unit Info",
		Info: []string{
			"Unit ID: " + env.Unit.DeviceID,
			"BOM Number: " + env.Unit.BOM,
			"Firmware: " + env.Unit.Firmware.String(),
			"Data Points: " + fmt.Sprint(len(curve)),
		},
		Plot: &Plot{
			Title:  "Valve Calibration " + env.Unit.DeviceID,
			XLabel: "Valve angle (°)",
			YLabel: "Pressure (ADC)",
			Series: series,
		},
	})
}

// VerifyValveClosed moves the valve to its home and checks that the pressure
// with air applied matches the zero pressure baseline.
type VerifyValveClosed struct{}

// Name implements Step.
func (VerifyValveClosed) Name() string { return "Verify Valve Closes" }

// Kind implements Step.
func (VerifyValveClosed) Kind() Kind { return KindValveClosed }

// Run implements Step.
func (VerifyValveClosed) Run(ctx context.Context, env *Env) (out Outcome, _ Payload, err error) {
	limits := env.Limits.ValveClosed
	var payload ValveClosedPayload

	sensor, err := env.sensor(ctx)
	if errors.Is(err, thresholds.ErrUnknownSensor) {
		return Fail("OtO's pressure sensor isn't recognized."), payload, nil
	}
	if err != nil {
		return Outcome{}, payload, err
	}
	closed, err := env.Limits.ClosedFor(sensor)
	if err != nil {
		return Fail("OtO's pressure sensor isn't recognized."), payload, nil
	}
	zero := env.Unit.ZeroReference(limits.FallbackZero)
	if err := env.Link.SetMovingAverage(ctx, true); err != nil {
		return Outcome{}, payload, err
	}

	done, err := env.Link.SetValvePosition(ctx, 0, true)
	switch {
	case errors.Is(err, unitlink.ErrTimeout):
		return Fail("Valve didn't reach target in time."), payload, nil
	case err != nil:
		return Fail(err.Error()), payload, nil
	case !done.Complete():
		return Fail("Valve didn't reach target in time."), payload, nil
	}
	now, err := env.Link.Sensors(ctx)
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "reading valve position")
	}
	payload.Angle = now.ValvePosition

	if err := env.Fixture.SetAir(ctx, true); err != nil {
		return Outcome{}, payload, err
	}
	res, err := capture.Run(ctx, env.Link, capture.Options{
		Duration: limits.Window,
		Settle:   limits.Settle,
	})
	if airErr := env.Fixture.SetAir(ctx, false); airErr != nil {
		err = multierr.Combine(err, airErr)
	}
	if err != nil {
		return Outcome{}, payload, errors.Wrap(err, "capturing closed pressure")
	}
	if len(res.Samples) == 0 {
		return Fail("OtO did not return pressure information."), payload, nil
	}

	adc := make([]int, len(res.Samples))
	rows := make([][]string, len(res.Samples))
	for i, s := range res.Samples {
		adc[i] = s.PressureADC
		rows[i] = []string{fmt.Sprint(s.TimeMs), fmt.Sprint(s.PressureADC)}
	}
	mean, std := dsp.MeanStdInts(adc)
	mean, std = dsp.Round(mean, 0), dsp.Round(std, 1)
	payload.Pressure = unit.Stats{Mean: mean, STD: std}
	env.Unit.ClosedPressure = payload.Pressure
	env.save(ctx, Artifact{
		Folder:     "Closed",
		Columns:    []string{"Timestamp", "Pressure Reading"},
		Rows:       rows,
		InfoColumn: "More info",
		Info: []string{
			"Unit ID: " + env.Unit.DeviceID,
			"Mean: " + num(mean),
			"STD: " + num(std),
			"Zero Mean: " + num(zero.Mean),
			"Zero STD: " + num(zero.STD),
			"Valve Angle: " + deg(payload.Angle),
		},
	})

	dev := payload.Angle
	if dev > dsp.FullCircle/2 {
		dev = dsp.FullCircle - dev
	}
	if dev > limits.AngleTolerance {
		return Failf("Unable to close OtO's valve. Offset: 0°±%s° ; Reading %s°",
			deg(limits.AngleTolerance), deg(payload.Angle)), payload, nil
	}

	kpa := func(adc float64) string { return num(dsp.Round(sensor.KPa(adc), 3)) }
	rel := func(adc float64) string { return num(dsp.Round(sensor.RelativeKPa(adc), 3)) }
	diff := mean - zero.Mean
	if math.Abs(diff) <= closed.ADCTolerance &&
		std >= zero.STD-closed.STDLower && std <= zero.STD+closed.STDUpper {
		return Passf("Closed Pressure: %s kPa, σ %s kPa", kpa(mean), rel(std)), payload, nil
	}
	return Failf("[±%s kPa MAX, σ ±%s kPa]: Closed pressure: %s kPa, σ %s kPa, Difference to Zero: %s kPa, Valve Error: %s°",
		rel(closed.ADCTolerance), rel(closed.STDUpper), kpa(mean), rel(std), rel(diff), deg(dev)), payload, nil
}

// TurnValve90 advances the valve a quarter turn from where it is and waits
// for the move to finish.
func TurnValve90(ctx context.Context, link unitlink.DeviceLink) (int, error) {
	now, err := link.Sensors(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "reading valve position")
	}
	target := dsp.Normalize(now.ValvePosition + 9000)
	done, err := link.SetValvePosition(ctx, target, true)
	if err != nil {
		return target, errors.Wrapf(err, "turning valve to %s°", deg(target))
	}
	if !done.Complete() {
		return target, errors.Errorf("valve did not reach %s°: %s", deg(target), done)
	}
	return target, nil
}
