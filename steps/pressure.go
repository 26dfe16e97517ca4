package steps

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/oto-labs/eol-station/capture"
	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// Pressure captures the pressure sensor for a fixed window and checks the mean
// and spread against the mode's limits, retrying up to the table's trial
// count. In ModeZero the result becomes the unit's zero pressure baseline.
type Pressure struct {
	Mode thresholds.PressureMode
	// Window overrides the table's capture window when non-zero.
	Window time.Duration
	// ValveTarget is recorded with the artifact, in centidegrees.
	ValveTarget int
}

// Name implements Step.
func (p Pressure) Name() string {
	if p.Mode == thresholds.ModeZero {
		return "Zero Pressure"
	}
	return "Fully Open Probe"
}

// Kind implements Step.
func (Pressure) Kind() Kind { return KindPressure }

// Run implements Step.
func (p Pressure) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	return p.measure(ctx, env)
}

func (p Pressure) measure(ctx context.Context, env *Env) (Outcome, PressurePayload, error) {
	payload := PressurePayload{Mode: p.Mode}
	sensor, err := env.sensor(ctx)
	if errors.Is(err, thresholds.ErrUnknownSensor) {
		return Fail("OtO pressure sensor is not recognized."), payload, nil
	}
	if err != nil {
		return Outcome{}, payload, err
	}
	limits, err := env.Limits.PressureFor(p.Mode, sensor)
	if errors.Is(err, thresholds.ErrUnknownSensor) {
		return Fail("OtO pressure sensor is not recognized."), payload, nil
	}
	if err != nil {
		return Outcome{}, payload, err
	}

	window := p.Window
	if window == 0 {
		window = env.Limits.ZeroPressure.Window
	}
	trials := env.Limits.ZeroPressure.Trials
	multiple := env.Limits.ZeroPressure.Multiple

	if err := env.Link.SetMovingAverage(ctx, true); err != nil {
		return Outcome{}, payload, err
	}

	var adcOK, stdOK bool
	for trial := 1; trial <= trials; trial++ {
		payload.Trials = trial
		res, err := capture.Run(ctx, env.Link, capture.Options{
			Duration: window,
			Settle:   100 * time.Millisecond,
		})
		if err != nil {
			return Outcome{}, payload, errors.Wrap(err, "capturing pressure")
		}
		if len(res.Samples) == 0 {
			return Fail("No pressure information was received from OtO."), payload, nil
		}
		payload.Samples = res.Samples

		adc := make([]int, len(res.Samples))
		for i, s := range res.Samples {
			adc[i] = s.PressureADC
		}
		mean, std := dsp.MeanStdInts(adc)
		mean, std = dsp.Round(mean, 0), dsp.Round(std, 1)
		payload.Stats = unit.Stats{Mean: mean, STD: std}
		payload.Tolerance = multiple * std

		var maxDev float64
		for _, a := range adc {
			maxDev = math.Max(maxDev, math.Abs(float64(a)-mean))
		}
		p.saveTrial(ctx, env, res.Samples, payload, maxDev, limits)

		adcOK = limits.ADC.Contains(mean)
		stdOK = limits.STD.Contains(std)
		if adcOK && stdOK {
			break
		}
		env.Logger.CInfof(ctx, "pressure trial %d of %d out of limits: %s ADC, σ %s", trial, trials, num(mean), num(std))
	}

	if p.Mode == thresholds.ModeZero {
		env.Unit.ZeroPressure = payload.Stats
		env.Unit.ZeroPressureValid = true
	}

	kpa := func(adc float64) string { return num(dsp.Round(sensor.KPa(adc), 3)) }
	rel := func(adc float64) string { return num(dsp.Round(sensor.RelativeKPa(adc), 3)) }
	mean, std := payload.Stats.Mean, payload.Stats.STD
	switch {
	case !adcOK && !stdOK:
		return Failf("Pressure data values and consistency are not within limits., Set Min and Max: (%s, %s), pressure: %s, σ: %s",
			kpa(limits.ADC.Min), kpa(limits.ADC.Max), kpa(mean), rel(std)), payload, nil
	case !stdOK:
		return Failf("Pressure data is not within expected consistency limits., Set Min and Max: (%s, %s), σ: %s",
			rel(limits.STD.Min), rel(limits.STD.Max), rel(std)), payload, nil
	case !adcOK:
		return Failf("Set Min and Max: (%s, %s), pressure: %s",
			kpa(limits.ADC.Min), kpa(limits.ADC.Max), kpa(mean)), payload, nil
	}
	return Passf("Zero Pressure Reading: %s kPa, σ: %s kPa", kpa(mean), rel(std)), payload, nil
}

func (p Pressure) saveTrial(
	ctx context.Context,
	env *Env,
	samples []unitlink.Sample,
	payload PressurePayload,
	maxDev float64,
	limits thresholds.PressureLimits,
) {
	folder := "Zero P"
	if p.Mode != thresholds.ModeZero {
		folder = "Fully Open"
	}
	rows := make([][]string, len(samples))
	for i, s := range samples {
		rows[i] = []string{fmt.Sprint(s.TimeMs), fmt.Sprint(s.PressureADC)}
	}
	env.save(ctx, Artifact{
		Folder:     folder,
		Columns:    []string{"Timestamp", "Pressure Reading"},
		Rows:       rows,
		InfoColumn: "More info",
		Info: []string{
			"Unit ID: " + env.Unit.DeviceID,
			"Mean: " + num(payload.Stats.Mean),
			"STD: " + num(payload.Stats.STD),
			"Max Deviation to Mean: " + num(maxDev),
			"Data Points: " + fmt.Sprint(len(samples)),
			"5x STD: " + num(payload.Tolerance),
			"Output List: " + fmt.Sprint(payload.Trials),
			"BOM Number: " + env.Unit.BOM,
			"Valve Target: " + deg(p.ValveTarget),
			"Limits",
			"min ADC: " + num(limits.ADC.Min),
			"max ADC: " + num(limits.ADC.Max),
			"min Std. Dev.: " + num(limits.STD.Min),
			"max Std. Dev.: " + num(limits.STD.Max),
		},
	})
}
