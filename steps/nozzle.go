package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/oto-labs/eol-station/capture"
	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/rotation"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

const artifactTime = "02-01-2006 15-04-05"

// NozzleHome checks the stored nozzle home and sends the nozzle there.
type NozzleHome struct{}

// Name implements Step.
func (NozzleHome) Name() string { return "Nozzle Home" }

// Kind implements Step.
func (NozzleHome) Kind() Kind { return KindNozzleHome }

// Run implements Step.
func (NozzleHome) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	var payload NozzleHomePayload
	offset, err := env.Link.NozzleHome(ctx)
	switch {
	case errors.Is(err, unitlink.ErrNotInitialized):
		return Fail("No nozzle home position on unit!"), payload, nil
	case err != nil:
		return Outcome{}, payload, errors.Wrap(err, "reading nozzle home")
	}
	payload.Offset = offset
	env.Unit.NozzleOffset = offset
	if offset < 0 || offset > dsp.FullCircle {
		return Failf("OtO nozzle position value is not valid. at %s°", deg(offset)), payload, nil
	}

	done, err := env.Link.NozzleToHome(ctx, true)
	if err != nil && !errors.Is(err, unitlink.ErrTimeout) {
		return Outcome{}, payload, errors.Wrap(err, "sending nozzle home")
	}
	if !done.Complete() {
		if err := env.Link.SetNozzleDuty(ctx, 0); err != nil {
			return Outcome{}, payload, err
		}
		return Failf("Nozzle didn't rotate home!!! Nozzle Home Position: %s°", deg(offset)), payload, nil
	}
	return Passf("Nozzle Home Position: %s°", deg(offset)), payload, nil
}

// NozzleRotation records one revolution of the nozzle and checks its speed
// and motor current. A first attempt drives the motor by duty cycle; if it
// fails the nozzle is retried once with a speed setpoint.
type NozzleRotation struct{}

// Name implements Step.
func (NozzleRotation) Name() string { return "Nozzle Rotation" }

// Kind implements Step.
func (NozzleRotation) Kind() Kind { return KindNozzleRotation }

type spinStatus int

const (
	spinOK spinStatus = iota
	spinEmpty
	spinTimeout
	spinBackward
)

type spin struct {
	status  spinStatus
	where   string
	samples []unitlink.Sample
	current unit.Stats
}

// Run implements Step.
func (s NozzleRotation) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	limits := env.Limits.Nozzle
	var payload NozzleRotationPayload

	out, err := s.attempt(ctx, env, &payload, 1, limits.Duty, 0)
	if err != nil || out.Passed() {
		return out, payload, err
	}
	speed := int(limits.Speed.Center())
	env.Logger.CInfof(ctx, "%s", out.Reason())
	env.Logger.CInfof(ctx, "Trying nozzle rotation again with speed target %s°/sec...", deg(speed))
	out, err = s.attempt(ctx, env, &payload, 2, 0, speed)
	return out, payload, err
}

// attempt runs one revolution, by duty when speed is zero.
func (s NozzleRotation) attempt(
	ctx context.Context,
	env *Env,
	payload *NozzleRotationPayload,
	n, duty, speed int,
) (Outcome, error) {
	payload.Attempts = n
	payload.Points = nil
	payload.FrictionPoints = 0

	start := func(ctx context.Context) error {
		if speed != 0 {
			return env.Link.SetNozzleSpeed(ctx, speed)
		}
		return env.Link.SetNozzleDuty(ctx, duty)
	}
	got, err := s.collect(ctx, env, start)
	if err != nil {
		return Outcome{}, err
	}
	env.Unit.NozzleCurrent = got.current
	payload.Current = got.current

	switch got.status {
	case spinEmpty:
		return Fail("Nozzle position data was not received from OtO."), nil
	case spinTimeout:
		return Failf("Nozzle position data collection took too long. Failed at %s", got.where), nil
	case spinBackward:
		return Fail("Nozzle rotated backwards!"), nil
	case spinOK:
	default:
		return Fail("Unexpected error during nozzle rotation!"), nil
	}
	return s.evaluate(ctx, env, payload, got, n, duty, speed), nil
}

// collect homes the nozzle, records one revolution after the lead-in and homes
// it again. The motor is always stopped.
func (NozzleRotation) collect(ctx context.Context, env *Env, start func(context.Context) error) (got spin, err error) {
	limits := env.Limits.Nozzle
	home := func() (bool, error) {
		done, err := env.Link.NozzleToHome(ctx, true)
		if errors.Is(err, unitlink.ErrTimeout) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "sending nozzle home")
		}
		if !done.Complete() {
			return false, env.Link.SetNozzleDuty(ctx, 0)
		}
		return true, nil
	}

	ok, err := home()
	if err != nil || !ok {
		return spin{status: spinTimeout, where: "sending nozzle home"}, err
	}
	if err := env.Link.SetMovingAverage(ctx, true); err != nil {
		return got, err
	}
	now, err := env.Link.Sensors(ctx)
	if err != nil {
		return got, errors.Wrap(err, "reading nozzle position")
	}
	tracker := rotation.NewLeadInTracker(now.NozzlePosition, limits.LeadIn)

	var current capture.Accumulator
	sensing := env.Unit.Firmware.CurrentSensing()
	if err := start(ctx); err != nil {
		return got, multierr.Combine(errors.Wrap(err, "starting nozzle"), env.Link.SetNozzleDuty(ctx, 0))
	}
	res, err := capture.Run(ctx, env.Link, capture.Options{
		Duration: limits.Timeout,
		Settle:   100 * time.Millisecond,
		Poll: func(ctx context.Context) error {
			if !sensing {
				return nil
			}
			amps, err := env.Link.Currents(ctx)
			if err != nil {
				return err
			}
			current.Add(dsp.Round(amps.Nozzle, 3))
			return nil
		},
		Visit: func(s unitlink.Sample) (bool, bool) {
			keep := tracker.Observe(s.NozzlePosition, false)
			return keep, tracker.Done()
		},
	})
	err = multierr.Combine(err, env.Link.SetNozzleDuty(ctx, 0))
	if err != nil {
		return got, err
	}
	mean, std := current.MeanStd()
	got.current = unit.Stats{Mean: dsp.Round(mean, 1), STD: dsp.Round(std, 2)}
	got.samples = res.Samples

	homed, err := home()
	if err != nil {
		return got, err
	}

	switch {
	case tracker.Reason() == rotation.Reversed:
		got.status = spinBackward
	case len(got.samples) == 0:
		got.status = spinEmpty
	case tracker.Reason() != rotation.Finished:
		got.status = spinTimeout
		got.where = deg(got.samples[len(got.samples)-1].NozzlePosition) + "°"
	case !homed:
		got.status = spinTimeout
		got.where = "sending nozzle home after rotation"
	default:
		got.status = spinOK
	}
	return got, nil
}

func (s NozzleRotation) evaluate(
	ctx context.Context,
	env *Env,
	payload *NozzleRotationPayload,
	got spin,
	n, duty, speed int,
) Outcome {
	limits := env.Limits.Nozzle
	speeds := make([]float64, len(got.samples))
	prev := got.samples[0].NozzlePosition
	for i, smp := range got.samples {
		speeds[i] = float64(smp.NozzleSpeed)
		payload.Points = append(payload.Points, NozzlePoint{
			TimeMs:   smp.TimeMs,
			Position: smp.NozzlePosition,
			Speed:    smp.NozzleSpeed,
		})
		if absInt(dsp.AngleDelta(prev, smp.NozzlePosition)) >= limits.FrictionDelta {
			payload.FrictionPoints++
		}
		prev = smp.NozzlePosition
	}
	mean, std := dsp.MeanStd(speeds)
	mean, std = dsp.Round(mean, 1), dsp.Round(std, 1)
	payload.Speed = unit.Stats{Mean: mean, STD: std}
	env.Unit.NozzleSpeed = unit.Stats{Mean: dsp.Round(mean/100, 2), STD: dsp.Round(std/100, 2)}
	if payload.FrictionPoints > 0 {
		env.Logger.CInfof(ctx, "%d nozzle friction points", payload.FrictionPoints)
	}

	s.saveRotation(ctx, env, payload, duty, speed)

	speedText := fmt.Sprintf("Nozzle Rotation Speed: %s°/sec, σ %s°/sec", num(dsp.Round(mean/100, 2)), num(dsp.Round(std/100, 2)))
	haveCurrent := env.Unit.Firmware.CurrentSensing()
	currentOK := true
	if haveCurrent {
		cur := got.current
		switch {
		case !limits.Current.Contains(cur.Mean):
			currentOK = false
			env.Logger.CWarnf(ctx, "Nozzle motor current out of range! %s: %s mA", limits.Current, num(cur.Mean))
		case !limits.CurrentSTD.Contains(cur.STD):
			currentOK = false
			env.Logger.CWarnf(ctx, "Nozzle motor current variation too large! %s: %s mA", limits.CurrentSTD, num(cur.STD))
		}
	}

	var reasons []string
	switch {
	case limits.SpeedSTD.Above(std):
		reasons = append(reasons, "Nozzle speed variation was too large.")
	case limits.SpeedSTD.Below(std):
		reasons = append(reasons, "Nozzle speed variation was unusually small.")
	}
	if !limits.Speed.Contains(mean) {
		reasons = append(reasons, "Nozzle did not rotate at the correct speed.")
	}
	if len(reasons) > 0 {
		return Fail(speedText + "\n" + strings.Join(reasons, " and...\n "))
	}
	if haveCurrent && n == 1 {
		if !currentOK {
			return Fail(speedText + "\nNozzle motor current is not within limits.")
		}
		return Pass(speedText + ", motor " + num(got.current.Mean) + " mA, σ " + num(got.current.STD) + " mA")
	}
	return Pass(speedText)
}

func (NozzleRotation) saveRotation(ctx context.Context, env *Env, payload *NozzleRotationPayload, duty, speed int) {
	stamp := env.now().Format(artifactTime)
	file := fmt.Sprintf("%dDC_%s.csv", duty, stamp)
	if speed != 0 {
		file = fmt.Sprintf("%dDPS_%s.csv", speed, stamp)
	}
	rows := make([][]string, len(payload.Points))
	angles := make([]float64, len(payload.Points))
	speeds := make([]float64, len(payload.Points))
	for i, p := range payload.Points {
		rows[i] = []string{fmt.Sprint(p.TimeMs), fmt.Sprint(p.Position), fmt.Sprint(p.Speed)}
		angles[i] = float64(p.Position) / 100
		speeds[i] = float64(p.Speed) / 100
	}
	env.save(ctx, Artifact{
		Folder:     "Nozzle Rotation",
		File:       file,
		Columns:    []string{"Timestamp", "Position", "Speed"},
		Rows:       rows,
		InfoColumn: "Unit Info",
		Info: []string{
			"Unit ID: " + env.Unit.DeviceID,
			"Mean: " + num(payload.Speed.Mean),
			"STD: " + num(payload.Speed.STD),
			"Friction points: " + fmt.Sprint(payload.FrictionPoints),
			"Limits: " + env.Limits.Nozzle.Speed.String(),
		},
		Plot: &Plot{
			Title:  "Nozzle Rotation " + env.Unit.DeviceID,
			XLabel: "Angle (°)",
			YLabel: "Speed (°/sec)",
			Series: []Series{{Label: "speed", X: angles, Y: speeds}},
		},
	})
}
