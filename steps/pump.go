package steps

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/oto-labs/eol-station/capture"
	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/fixture"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// Pump runs one pump until a bay's vacuum switch trips or the table's timeout
// passes. Bays whose pump already passed are ignored, they keep holding vacuum.
type Pump struct {
	// Bay is the pump to run, 1 to 3.
	Bay int
	// Duty overrides the table's duty cycle when non-zero.
	Duty int
}

// Name implements Step.
func (p Pump) Name() string { return "Pump " + num(float64(p.Bay)) }

// Kind implements Step.
func (Pump) Kind() Kind { return KindPump }

// Run implements Step.
func (p Pump) Run(ctx context.Context, env *Env) (out Outcome, _ Payload, err error) {
	payload := PumpPayload{Target: p.Bay}
	if p.Bay < 1 || p.Bay > fixture.Bays {
		return Fail("Target pump must be 1, 2 or 3"), payload, nil
	}
	limits := env.Limits.Pump
	duty := p.Duty
	if duty == 0 {
		duty = limits.Duty
	}

	fw := env.Unit.Firmware
	sensing := fw.CurrentSensing()
	if !fw.HasHardwareID() {
		env.Logger.CWarnf(ctx, "%s, pump current will not be checked", noHardwareID)
	}
	streamed := sensing && env.Link.Protocol() != unitlink.ProtocolLegacy

	if streamed {
		if err := env.Link.Subscribe(ctx, unitlink.Rate100Hz); err != nil {
			return Outcome{}, payload, errors.Wrap(err, "subscribing to pump current")
		}
		if err := env.wait(ctx, 100*time.Millisecond); err != nil {
			return Outcome{}, payload, err
		}
	}

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		stopErr := env.Link.SetPumpDuty(ctx, p.Bay, 0)
		if streamed {
			stopErr = multierr.Combine(stopErr, env.Link.Subscribe(ctx, unitlink.RateOff))
			env.Link.ClearTelemetry()
		}
		return stopErr
	}
	defer func() {
		err = multierr.Combine(err, stop())
	}()

	if err := env.Link.SetPumpDuty(ctx, p.Bay, duty); err != nil {
		return Outcome{}, payload, errors.Wrapf(err, "starting pump %d", p.Bay)
	}
	if streamed {
		env.Link.ClearTelemetry()
	}

	var current capture.Accumulator
	record := func() (unit.Stats, error) {
		mean, std := current.MeanStd()
		stats := unit.Stats{Mean: dsp.Round(mean, 1), STD: dsp.Round(std, 2)}
		env.Unit.Pumps[p.Bay-1].Current = stats
		payload.Current = stats
		return stats, stop()
	}

	start := env.now()
	for env.since(start) < limits.Timeout {
		switch {
		case streamed:
			batch, err := env.Link.Telemetry(ctx)
			if err != nil {
				return Outcome{}, payload, err
			}
			for _, s := range batch {
				current.Add(s.PumpCurrent)
			}
		case sensing:
			amps, err := env.Link.Currents(ctx)
			if err != nil {
				return Outcome{}, payload, errors.Wrap(err, "reading pump current")
			}
			current.Add(dsp.Round(amps.Pump, 3))
		}

		switches, err := env.Fixture.Vacuum(ctx)
		if err != nil {
			return Outcome{}, payload, err
		}
		for i, tripped := range switches {
			if !tripped || env.Unit.Pumps[i].Passed {
				continue
			}
			elapsed := env.since(start)
			stats, err := record()
			if err != nil {
				return Outcome{}, payload, err
			}
			payload.Triggered = i + 1
			if i+1 != p.Bay {
				return Failf("Wrong OtO pump ran! Expected: %d, Triggered: Pump %d", p.Bay, i+1), payload, nil
			}
			env.Unit.Pumps[i].Passed = true
			var b strings.Builder
			b.WriteString("Pump " + num(float64(p.Bay)) + ": " + num(dsp.Round(elapsed.Seconds(), 3)) + " sec")
			if sensing {
				b.WriteString(", " + num(stats.Mean) + " mA, σ " + num(stats.STD) + " mA")
			}
			return Pass(b.String()), payload, nil
		}

		if err := env.wait(ctx, 10*time.Millisecond); err != nil {
			return Outcome{}, payload, err
		}
	}

	stats, err := record()
	if err != nil {
		return Outcome{}, payload, err
	}
	mean, std := num(stats.Mean), num(stats.STD)
	if sensing {
		switch {
		case stats.Mean == 0:
			return Failf("Pump %d did not run. Pump current: %s mA, STD %s", p.Bay, mean, std), payload, nil
		case stats.Mean > limits.StallCurrent:
			return Failf("Pump %d is stalled. Pump current: %s mA, STD %s", p.Bay, mean, std), payload, nil
		}
	}
	return Failf("OtO pump failed. Check %s cap is tight. Pump current: %s mA, σ %s",
		fixture.CapColors[p.Bay-1], mean, std), payload, nil
}

// Vacuum checks that every bay still holds the vacuum its pump built. It only
// makes sense after the three pump steps.
type Vacuum struct{}

// Name implements Step.
func (Vacuum) Name() string { return "Pump Vacuum" }

// Kind implements Step.
func (Vacuum) Kind() Kind { return KindVacuum }

// Run implements Step.
func (Vacuum) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	switches, err := env.Fixture.Vacuum(ctx)
	if err != nil {
		return Outcome{}, VacuumPayload{}, err
	}
	var failed int
	var msgs []string
	for i, tripped := range switches {
		if tripped {
			continue
		}
		failed |= 1 << i
		msgs = append(msgs, "Pump vacuum was not held on Bay "+num(float64(i+1))+
			" ("+strings.ToLower(fixture.CapColors[i])+" cap)")
	}
	env.Unit.VacuumFail = failed
	payload := VacuumPayload{Failed: failed}
	if failed != 0 {
		return Fail(strings.Join(msgs, ", ")), payload, nil
	}
	return Pass(""), payload, nil
}
