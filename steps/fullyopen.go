package steps

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// FullyOpen probes the pressure on both sides of the fully open position. A
// centered valve sees the same pressure on both sides; otherwise the offset
// is nudged toward the lower side and the probes are repeated.
type FullyOpen struct{}

// Name implements Step.
func (FullyOpen) Name() string { return "Fully Open" }

// Kind implements Step.
func (FullyOpen) Kind() Kind { return KindFullyOpen }

// Run implements Step.
func (f FullyOpen) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	limits := env.Limits.FullyOpen
	var payload FullyOpenPayload
	writeBack := env.Profile.FullyOpenWriteBack

	saved, err := env.Link.ValveHome(ctx)
	switch {
	case errors.Is(err, unitlink.ErrNotInitialized):
		return Fail("OtO does not have a valve offset!"), payload, nil
	case err != nil:
		return Outcome{}, payload, errors.Wrap(err, "reading valve home")
	}
	env.Logger.CInfof(ctx, "Current valve offset is %s°", deg(saved))
	sensor, err := env.sensor(ctx)
	if errors.Is(err, thresholds.ErrUnknownSensor) {
		return Fail("OtO pressure sensor is not recognized."), payload, nil
	}
	if err != nil {
		return Outcome{}, payload, err
	}

	low := dsp.Normalize(limits.Target - limits.Tolerance)
	high := dsp.Normalize(limits.Target + limits.Tolerance)
	offset := saved
	pretend := 0
	restore := func(out Outcome) (Outcome, error) {
		if writeBack && offset != saved {
			if err := env.Link.SetValveHome(ctx, saved); err != nil {
				return out, errors.Wrap(err, "restoring valve home")
			}
		}
		return out, nil
	}

	for repeat := 1; repeat <= limits.MaxRepeats; repeat++ {
		payload.Trials = repeat
		env.Unit.FullyOpenTrials = repeat
		targets := [2]int{low, high}
		if repeat%2 == 0 {
			targets = [2]int{high, low}
		}
		shift := pretend
		if writeBack {
			shift = 0
		}

		var probes [2]unit.Stats
		for i, target := range targets {
			at := dsp.Normalize(target + shift)
			stats, out, err := f.probe(ctx, env, at)
			if err != nil {
				return Outcome{}, payload, err
			}
			if i == 0 {
				env.Unit.FullyOpenFirst, payload.First = stats, stats
			} else {
				env.Unit.FullyOpenSecond, payload.Second = stats, stats
			}
			if !out.Passed() {
				out, err := restore(out)
				return out, payload, err
			}
			probes[i] = stats
		}

		span := probes[0].Mean - probes[1].Mean
		sigmaSpan := math.Abs(probes[0].STD - probes[1].STD)
		payload.Span, payload.SigmaSpan = span, sigmaSpan
		payload.Offset = offset

		if math.Abs(span) <= limits.SpanTolerance && sigmaSpan <= limits.SigmaSpanTolerance {
			if _, err := env.Link.SetValvePosition(ctx, limits.Target, false); err != nil {
				return Outcome{}, payload, errors.Wrap(err, "returning valve to fully open")
			}
			if diff := dsp.Distance(offset, saved); diff > limits.HomeTolerance {
				out, err := restore(Failf("Failed Closed Position!, Difference: %s°", deg(diff)))
				return out, payload, err
			}
			return Passf("Closed position OK!, Difference: %s kPa, σ difference: %s kPa",
				num(dsp.Round(sensor.RelativeKPa(math.Abs(span)), 3)),
				num(dsp.Round(sensor.RelativeKPa(sigmaSpan), 3))), payload, nil
		}

		delta := int(-math.Copysign(100*math.Sqrt(math.Abs(span)), span) / limits.AdjustmentFactor)
		if repeat%2 == 0 {
			delta = -delta
		}
		if delta > limits.MaxCorrection {
			delta = limits.MaxCorrection
		} else if delta < -limits.MaxCorrection {
			delta = -limits.MaxCorrection
		}
		pretend += delta
		offset = dsp.Normalize(saved + pretend)
		payload.Offset = offset
		env.Logger.CInfof(ctx, "Revised Valve Position: %s° (%+d)", deg(offset), delta)
		if writeBack {
			if err := env.Link.SetValveHome(ctx, offset); err != nil {
				return Outcome{}, payload, errors.Wrap(err, "writing tentative valve home")
			}
		}
	}

	_, moveErr := env.Link.SetValvePosition(ctx, limits.Target, false)
	out, err := restore(Failf("Failed Fully Open Test Limits: [%s, %s], Actual: %s, %s",
		num(dsp.Round(sensor.RelativeKPa(limits.SpanTolerance), 3)),
		num(dsp.Round(sensor.RelativeKPa(limits.SigmaSpanTolerance), 3)),
		num(dsp.Round(sensor.RelativeKPa(payload.Span), 3)),
		num(dsp.Round(sensor.RelativeKPa(payload.SigmaSpan), 3))))
	return out, payload, multierr.Combine(err, moveErr)
}

// probe moves the valve to target and measures the pressure with air applied.
func (FullyOpen) probe(ctx context.Context, env *Env, target int) (_ unit.Stats, _ Outcome, err error) {
	limits := env.Limits.FullyOpen
	done, err := env.Link.SetValvePosition(ctx, target, true)
	if err != nil && !errors.Is(err, unitlink.ErrTimeout) {
		return unit.Stats{}, Outcome{}, errors.Wrapf(err, "moving valve to %s°", deg(target))
	}
	if err != nil || !done.Complete() {
		return unit.Stats{}, Failf("OtO valve did not move to %s° in time.", deg(target)), nil
	}

	if err := env.Fixture.SetAir(ctx, true); err != nil {
		return unit.Stats{}, Outcome{}, err
	}
	defer func() {
		err = multierr.Combine(err, env.Fixture.SetAir(ctx, false))
	}()
	if err := env.wait(ctx, limits.AirSettle); err != nil {
		return unit.Stats{}, Outcome{}, err
	}
	p := Pressure{Mode: thresholds.ModeFullyOpenProbe, Window: limits.Window, ValveTarget: target}
	out, payload, err := p.measure(ctx, env)
	if err != nil {
		return unit.Stats{}, Outcome{}, err
	}
	if !out.Passed() {
		return payload.Stats, Failf("%s° pressure reading not within specification. %s", deg(target), out.Reason()), nil
	}
	return payload.Stats, out, nil
}
