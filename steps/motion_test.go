package steps

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// sweep is one valve revolution starting at 0 with two gaussian pressure
// peaks, sampled every degree.
func sweep(peak1, peak2 int) []unitlink.Sample {
	pressure := func(angle int) int {
		bump := func(center int, height float64) float64 {
			d := float64(angle - center)
			return height * math.Exp(-d*d/(2*1500*1500))
		}
		return int(1700000 + bump(peak1, 1500000) + bump(peak2, 1470000))
	}
	var out []unitlink.Sample
	for angle := 0; angle < 36000; angle += 100 {
		out = append(out, unitlink.Sample{ValvePosition: angle, PressureADC: pressure(angle)})
	}
	for _, angle := range []int{0, 100} {
		out = append(out, unitlink.Sample{ValvePosition: angle, PressureADC: pressure(angle)})
	}
	for i := range out {
		out[i].TimeMs = int64(i * 10)
	}
	return out
}

func valveHarness(t *testing.T, peak1, peak2 int) *harness {
	h := newHarness(t, fwVoltage)
	h.env.Limits.Valve.Filter.CutoffHz = 10
	h.link.ValveOffset = 1000
	h.stream(func(sub int) []unitlink.Sample { return sweep(peak1, peak2) })
	return h
}

func TestValveCalibration(t *testing.T) {
	h := valveHarness(t, 9000, 27000)
	res := run(t, h, ValveCalibration{Reset: true})
	test.That(t, res.Passed(), test.ShouldBeTrue)

	p := res.Payload.(ValveCalibrationPayload)
	test.That(t, p.Curve, test.ShouldHaveLength, 360)
	test.That(t, p.Filtered, test.ShouldHaveLength, 360)
	test.That(t, p.First.Value, test.ShouldBeBetween, 3100000.0, 3250000.0)
	test.That(t, p.Offset, test.ShouldBeBetweenOrEqual, 800, 1000)
	test.That(t, p.Written, test.ShouldBeTrue)
	test.That(t, h.link.ValveOffset, test.ShouldEqual, p.Offset)
	test.That(t, h.env.Unit.ValveOffset, test.ShouldEqual, p.Offset)
	test.That(t, h.env.Unit.Peak1.Angle, test.ShouldBeBetweenOrEqual, 9900, 10100)

	test.That(t, h.io.Air, test.ShouldBeFalse)
	test.That(t, h.link.CallsWithPrefix("SetValveDuty"), test.ShouldResemble, []string{"SetValveDuty 90", "SetValveDuty 0"})
	test.That(t, h.link.CallsWithPrefix("SetValvePosition"), test.ShouldResemble, []string{"SetValvePosition 35500 true"})
	test.That(t, h.art.folders(), test.ShouldResemble, []string{"Valve Calibrate"})
	test.That(t, h.art.saved[0].a.Plot.Series, test.ShouldHaveLength, 2)
}

func TestValveCalibrationPeaksNotOpposite(t *testing.T) {
	h := valveHarness(t, 9000, 23000)
	res := run(t, h, ValveCalibration{Reset: true})
	test.That(t, res.Passed(), test.ShouldBeFalse)
	test.That(t, res.Outcome.Reason(), test.ShouldStartWith, "First and second peak angles are not 180°±4 apart! 14")
	test.That(t, h.link.CallsWithPrefix("SetValveHome"), test.ShouldBeEmpty)
}

func TestValveCalibrationPeakOnWindowEdge(t *testing.T) {
	res := run(t, valveHarness(t, 9000, 27000), ValveCalibration{})
	test.That(t, res.Passed(), test.ShouldBeTrue)
	//nolint:forcetypeassert
	p1 := dsp.Round(res.Payload.(ValveCalibrationPayload).First.Value, 0)

	for _, edge := range []string{"min", "max"} {
		h := valveHarness(t, 9000, 27000)
		for sensor, limits := range h.env.Limits.Valve.Peaks {
			if edge == "min" {
				limits.Pressure.Min = p1
			} else {
				limits.Pressure.Max = p1
			}
			h.env.Limits.Valve.Peaks[sensor] = limits
		}
		res := run(t, h, ValveCalibration{})
		test.That(t, res.Passed(), test.ShouldBeTrue)
	}

	h := valveHarness(t, 9000, 27000)
	for sensor, limits := range h.env.Limits.Valve.Peaks {
		limits.Pressure.Min = p1 + 1
		h.env.Limits.Valve.Peaks[sensor] = limits
	}
	res = run(t, h, ValveCalibration{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual,
		"Pressure reading is too low! ["+commas(p1+1)+"]: "+commas(p1)+" ADC")
}

func TestValveCalibrationPluggedSensor(t *testing.T) {
	h := valveHarness(t, 9000, 27000)
	h.env.Unit.ZeroPressure = unit.Stats{Mean: 3150000}
	h.env.Unit.ZeroPressureValid = true
	res := run(t, h, ValveCalibration{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Possible plugged or disconnected pressure sensor!")
}

func TestValveCalibrationBackwards(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.stream(func(sub int) []unitlink.Sample {
		return []unitlink.Sample{
			{ValvePosition: 2000, PressureADC: 2500000},
			{ValvePosition: 1500, PressureADC: 2500000},
		}
	})
	res := run(t, h, ValveCalibration{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Valve rotating backwards!")
	test.That(t, h.io.Air, test.ShouldBeFalse)
}

func TestValveCalibrationNoPressureDrop(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.stream(func(sub int) []unitlink.Sample {
		var out []unitlink.Sample
		for angle := 0; angle <= 13000; angle += 500 {
			out = append(out, unitlink.Sample{ValvePosition: angle, PressureADC: 2500000})
		}
		return out
	})
	res := run(t, h, ValveCalibration{})
	test.That(t, res.Outcome.Reason(), test.ShouldStartWith, "Pressure reading did not fall below")
}

func TestValveCalibrationWontReverse(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.link.SetValvePositionFunc = func(ctx context.Context, position int, wait bool) (unitlink.Completion, error) {
		return "", unitlink.ErrTimeout
	}
	res := run(t, h, ValveCalibration{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Valve won't rotate backwards!")
}

func TestVerifyValveClosed(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.env.Unit.ZeroPressure = unit.Stats{Mean: 1680000, STD: 100}
	h.env.Unit.ZeroPressureValid = true
	h.link.SensorsFunc = func(ctx context.Context) (unitlink.Sample, error) {
		return unitlink.Sample{ValvePosition: 35990}, nil
	}
	h.stream(func(sub int) []unitlink.Sample { return pressures(30, 1680100, 80) })

	res := run(t, h, VerifyValveClosed{})
	test.That(t, res.Passed(), test.ShouldBeTrue)
	test.That(t, res.Outcome.Info(), test.ShouldStartWith, "Closed Pressure: ")
	test.That(t, h.env.Unit.ClosedPressure, test.ShouldResemble, unit.Stats{Mean: 1680100, STD: 80})
	test.That(t, h.link.CallsWithPrefix("SetValvePosition"), test.ShouldResemble, []string{"SetValvePosition 0 true"})
	test.That(t, h.io.History, test.ShouldResemble, []string{"air on", "air off"})
	test.That(t, h.art.folders(), test.ShouldResemble, []string{"Closed"})
}

func TestVerifyValveClosedLeaks(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.stream(func(sub int) []unitlink.Sample { return pressures(30, 1690000, 100) })
	res := run(t, h, VerifyValveClosed{})
	test.That(t, res.Passed(), test.ShouldBeFalse)
	test.That(t, res.Outcome.Reason(), test.ShouldContainSubstring, "Difference to Zero:")
	test.That(t, res.Outcome.Reason(), test.ShouldEndWith, "Valve Error: 0°")
}

func TestVerifyValveClosedWrongAngle(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.link.SensorsFunc = func(ctx context.Context) (unitlink.Sample, error) {
		return unitlink.Sample{ValvePosition: 35000}, nil
	}
	h.stream(func(sub int) []unitlink.Sample { return pressures(30, 1680000, 100) })
	res := run(t, h, VerifyValveClosed{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Unable to close OtO's valve. Offset: 0°±0.15° ; Reading 350°")
}

func TestVerifyValveClosedTimeout(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.link.SetValvePositionFunc = func(ctx context.Context, position int, wait bool) (unitlink.Completion, error) {
		return "", unitlink.ErrTimeout
	}
	res := run(t, h, VerifyValveClosed{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Valve didn't reach target in time.")
	test.That(t, h.io.Air, test.ShouldBeFalse)
}

func TestFullyOpenCentered(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.link.ValveOffset = 5000
	h.stream(func(sub int) []unitlink.Sample { return pressures(30, 1700000, 100) })

	res := run(t, h, FullyOpen{})
	test.That(t, res.Passed(), test.ShouldBeTrue)
	test.That(t, res.Outcome.Info(), test.ShouldStartWith, "Closed position OK!")
	test.That(t, h.env.Unit.FullyOpenTrials, test.ShouldEqual, 1)
	test.That(t, h.link.CallsWithPrefix("SetValvePosition"), test.ShouldResemble, []string{
		"SetValvePosition 3350 true",
		"SetValvePosition 14650 true",
		"SetValvePosition 9000 false",
	})
	test.That(t, h.link.CallsWithPrefix("SetValveHome"), test.ShouldBeEmpty)
	test.That(t, h.io.Air, test.ShouldBeFalse)
}

func TestFullyOpenCorrects(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.link.ValveOffset = 5000
	h.stream(func(sub int) []unitlink.Sample {
		if sub == 1 {
			return pressures(30, 1710000, 100)
		}
		return pressures(30, 1700000, 100)
	})

	res := run(t, h, FullyOpen{})
	test.That(t, res.Passed(), test.ShouldBeTrue)
	p := res.Payload.(FullyOpenPayload)
	test.That(t, p.Trials, test.ShouldEqual, 2)
	test.That(t, p.Offset, test.ShouldEqual, 4800)
	test.That(t, h.link.CallsWithPrefix("SetValvePosition"), test.ShouldResemble, []string{
		"SetValvePosition 3350 true",
		"SetValvePosition 14650 true",
		"SetValvePosition 14450 true",
		"SetValvePosition 3150 true",
		"SetValvePosition 9000 false",
	})
	test.That(t, h.env.Unit.FullyOpenFirst.Mean, test.ShouldEqual, 1700000.0)
}

func TestFullyOpenWriteBackRestores(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.link.ValveOffset = 5000
	h.env.Profile.FullyOpenWriteBack = true
	h.stream(func(sub int) []unitlink.Sample {
		if sub%2 == 1 {
			return pressures(30, 1710000, 100)
		}
		return pressures(30, 1700000, 100)
	})

	res := run(t, h, FullyOpen{})
	test.That(t, res.Passed(), test.ShouldBeFalse)
	test.That(t, res.Outcome.Reason(), test.ShouldStartWith, "Failed Fully Open Test Limits:")
	test.That(t, h.env.Unit.FullyOpenTrials, test.ShouldEqual, 3)
	homes := h.link.CallsWithPrefix("SetValveHome")
	test.That(t, homes, test.ShouldNotBeEmpty)
	test.That(t, homes[len(homes)-1], test.ShouldEqual, "SetValveHome 5000")
	test.That(t, h.link.ValveOffset, test.ShouldEqual, 5000)
}

func TestFullyOpenNoOffset(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.link.ValveHomeFunc = func(ctx context.Context) (int, error) { return 0, unitlink.ErrNotInitialized }
	res := run(t, h, FullyOpen{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "OtO does not have a valve offset!")
}

func TestFullyOpenProbeOutOfLimits(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.stream(func(sub int) []unitlink.Sample { return pressures(30, 2500000, 100) })
	res := run(t, h, FullyOpen{})
	test.That(t, res.Outcome.Reason(), test.ShouldStartWith, "33.5° pressure reading not within specification. Set Min and Max")
}

// revolution is one nozzle turn from 5°, at speed alternating by ±dev.
func revolution(speed, dev int) []unitlink.Sample {
	var out []unitlink.Sample
	add := func(pos int) {
		s := speed + dev
		if len(out)%2 == 1 {
			s = speed - dev
		}
		out = append(out, unitlink.Sample{TimeMs: int64(len(out) * 10), NozzlePosition: pos, NozzleSpeed: s})
	}
	add(500)
	for pos := 1000; pos < 36000; pos += 1000 {
		add(pos)
	}
	add(200)
	add(1000)
	return out
}

func TestNozzleRotationFallsBackToSpeed(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.stream(func(sub int) []unitlink.Sample {
		if sub == 1 {
			return revolution(2000, 100)
		}
		return revolution(3400, 100)
	})

	res := run(t, h, NozzleRotation{})
	test.That(t, res.Passed(), test.ShouldBeTrue)
	test.That(t, res.Outcome.Info(), test.ShouldEqual, "Nozzle Rotation Speed: 34°/sec, σ 1°/sec")
	p := res.Payload.(NozzleRotationPayload)
	test.That(t, p.Attempts, test.ShouldEqual, 2)
	test.That(t, p.Speed, test.ShouldResemble, unit.Stats{Mean: 3400, STD: 100})
	test.That(t, p.Points, test.ShouldHaveLength, 36)
	test.That(t, h.env.Unit.NozzleSpeed, test.ShouldResemble, unit.Stats{Mean: 34, STD: 1})
	test.That(t, h.link.CallsWithPrefix("SetNozzleSpeed"), test.ShouldResemble, []string{"SetNozzleSpeed 3421"})
	test.That(t, h.link.CallsWithPrefix("SetNozzleDuty"), test.ShouldResemble, []string{
		"SetNozzleDuty 30", "SetNozzleDuty 0", "SetNozzleDuty 0",
	})
	test.That(t, h.art.folders(), test.ShouldResemble, []string{"Nozzle Rotation", "Nozzle Rotation"})
	test.That(t, h.art.saved[1].a.File, test.ShouldStartWith, "3421DPS_")
}

func TestNozzleRotationBothAttemptsFail(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.stream(func(sub int) []unitlink.Sample { return revolution(2000, 100) })
	res := run(t, h, NozzleRotation{})
	test.That(t, res.Passed(), test.ShouldBeFalse)
	test.That(t, res.Outcome.Reason(), test.ShouldEqual,
		"Nozzle Rotation Speed: 20°/sec, σ 1°/sec\nNozzle did not rotate at the correct speed.")
	test.That(t, res.Payload.(NozzleRotationPayload).Attempts, test.ShouldEqual, 2)
}

func TestNozzleRotationHomeTimeoutAfterRotation(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.stream(func(sub int) []unitlink.Sample { return revolution(3400, 100) })
	homes := 0
	h.link.NozzleToHomeFunc = func(ctx context.Context, wait bool) (unitlink.Completion, error) {
		homes++
		if homes%2 == 0 {
			return "", unitlink.ErrTimeout
		}
		return unitlink.CommandComplete, nil
	}

	res := run(t, h, NozzleRotation{})
	test.That(t, res.Passed(), test.ShouldBeFalse)
	test.That(t, res.Outcome.Reason(), test.ShouldEqual,
		"Nozzle position data collection took too long. Failed at sending nozzle home after rotation")
	test.That(t, homes, test.ShouldEqual, 4)
	test.That(t, res.Payload.(NozzleRotationPayload).Attempts, test.ShouldEqual, 2)
}

func TestNozzleRotationBackwards(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.stream(func(sub int) []unitlink.Sample {
		return []unitlink.Sample{{NozzlePosition: 3000}, {NozzlePosition: 2500}}
	})
	res := run(t, h, NozzleRotation{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Nozzle rotated backwards!")
}

func TestNozzleRotationNoData(t *testing.T) {
	h := newHarness(t, fwVoltage)
	h.stream(func(sub int) []unitlink.Sample { return nil })
	res := run(t, h, NozzleRotation{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Nozzle position data was not received from OtO.")
}

func TestTurnValve90(t *testing.T) {
	h := newHarness(t, fwCurrent)
	h.link.SensorsFunc = func(ctx context.Context) (unitlink.Sample, error) {
		return unitlink.Sample{ValvePosition: 30000}, nil
	}
	target, err := TurnValve90(context.Background(), h.link)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, target, test.ShouldEqual, 3000)
	test.That(t, h.link.CallsWithPrefix("SetValvePosition"), test.ShouldResemble, []string{"SetValvePosition 3000 true"})

	h.link.SetValvePositionFunc = func(ctx context.Context, position int, wait bool) (unitlink.Completion, error) {
		return "CTRL_OUT_TIMEOUT", nil
	}
	_, err = TurnValve90(context.Background(), h.link)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCloudSave(t *testing.T) {
	h := newHarness(t, fwCurrent)
	res := run(t, h, CloudSave{})
	test.That(t, res.Passed(), test.ShouldBeTrue)
	test.That(t, res.Payload.(CloudSavePayload).Saved, test.ShouldBeFalse)

	var saved *unit.UnitUnderTest
	h.env.Cloud = &fakeCloud{SaveUnitFunc: func(ctx context.Context, u *unit.UnitUnderTest) error {
		saved = u
		return nil
	}}
	res = run(t, h, CloudSave{})
	test.That(t, res.Outcome.Info(), test.ShouldEqual, "Saved oto1234567")
	test.That(t, saved, test.ShouldEqual, h.env.Unit)
	test.That(t, h.env.Unit.CloudSaved, test.ShouldBeTrue)

	h.env.Unit.CloudSaved = false
	h.env.Cloud = &fakeCloud{SaveUnitFunc: func(ctx context.Context, u *unit.UnitUnderTest) error {
		return errors.New("503 unavailable")
	}}
	res = run(t, h, CloudSave{})
	test.That(t, res.Outcome.Reason(), test.ShouldEqual, "Unable to save unit attributes to the cloud: 503 unavailable")
	test.That(t, h.env.Unit.CloudSaved, test.ShouldBeFalse)
}
