package thresholds

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestBuiltinTables(t *testing.T) {
	eol, err := Builtin(EOL)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eol.String(), test.ShouldEqual, "eol@2411")
	test.That(t, eol.Pump.Timeout, test.ShouldEqual, 5608*time.Millisecond)
	test.That(t, eol.Valve.TriggerADC, test.ShouldEqual, 1920000.0)
	test.That(t, eol.Nozzle.Speed, test.ShouldResemble, Window{Min: 2900, Max: 3943, Unit: "centideg/s"})
	test.That(t, eol.Valve.Filter, test.ShouldResemble, FilterSpec{Order: 2, CutoffHz: 0.6, SampleRate: 100, PadLength: 50})

	zero, err := eol.PressureFor(ModeZero, Psig30)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, zero.ADC.Min, test.ShouldEqual, 1500000.0)
	test.That(t, zero.ADC.Max, test.ShouldEqual, 1929000.0)
	test.That(t, zero.STD.Min, test.ShouldEqual, 66.5)

	peaks, err := eol.PeaksFor(Psig15)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, peaks.MaxAngleDifference, test.ShouldEqual, 210)

	closed, err := eol.ClosedFor(Psig15)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, closed.STDLower, test.ShouldEqual, 107.8)

	returns, err := Builtin(Returns)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, returns.Name, test.ShouldEqual, Returns)
	test.That(t, returns.Version, test.ShouldNotEqual, eol.Version)

	_, err = Builtin("bogus")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUnknownSensor(t *testing.T) {
	eol, err := Builtin(EOL)
	test.That(t, err, test.ShouldBeNil)

	_, err = eol.PressureFor(ModeZero, Sensor("psig100"))
	test.That(t, errors.Is(err, ErrUnknownSensor), test.ShouldBeTrue)
	_, err = eol.PeaksFor("")
	test.That(t, errors.Is(err, ErrUnknownSensor), test.ShouldBeTrue)
	_, err = eol.ClosedFor("")
	test.That(t, errors.Is(err, ErrUnknownSensor), test.ShouldBeTrue)

	_, err = eol.PressureFor(PressureMode("bogus"), Psig30)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrUnknownSensor), test.ShouldBeFalse)
}

func TestWindowBoundaries(t *testing.T) {
	eol, err := Builtin(EOL)
	test.That(t, err, test.ShouldBeNil)
	windows := []Window{
		eol.ExternalPower.Voltage,
		eol.Nozzle.Speed,
		eol.Nozzle.Current,
		eol.Solar.Current,
		eol.Valve.Current,
		Around(1680000, 325, "ADC"),
	}
	for _, w := range windows {
		test.That(t, w.Contains(w.Min), test.ShouldBeTrue)
		test.That(t, w.Contains(w.Max), test.ShouldBeTrue)
		test.That(t, w.Contains(w.Min-1), test.ShouldBeFalse)
		test.That(t, w.Contains(w.Max+1), test.ShouldBeFalse)
		test.That(t, w.Below(w.Min-1), test.ShouldBeTrue)
		test.That(t, w.Above(w.Max+1), test.ShouldBeTrue)
		for _, v := range []float64{w.Min, w.Center(), w.Max} {
			test.That(t, w.Below(v) && w.Above(v), test.ShouldBeFalse)
			test.That(t, w.Below(v) || w.Above(v), test.ShouldBeFalse)
		}
	}
	test.That(t, Around(10, 2, "V").HalfWidth(), test.ShouldEqual, 2.0)
}

func TestPressureConversion(t *testing.T) {
	test.That(t, Psig30.KPa(1677721.6), test.ShouldAlmostEqual, 0.0)
	test.That(t, Psig30.KPa(1677721.6+13421772.8), test.ShouldAlmostEqual, 206.8427)
	test.That(t, Psig15.RelativeKPa(13421772.8/2), test.ShouldAlmostEqual, 103.4214/2)
	test.That(t, Sensor("x").KPa(5000000), test.ShouldEqual, 0.0)
}

func TestLoadOverride(t *testing.T) {
	data, err := builtinTables.ReadFile("tables/eol.yaml")
	test.That(t, err, test.ShouldBeNil)
	path := filepath.Join(t.TempDir(), "limits.yaml")
	override := strings.Replace(string(data), "min_voltage: 3.5", "min_voltage: 3.7", 1)
	test.That(t, os.WriteFile(path, []byte(override), 0o600), test.ShouldBeNil)

	table, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, table.Battery.MinVoltage, test.ShouldEqual, 3.7)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte("name: x\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "version")

	_, err = Parse([]byte("name: x\nversion: \"1\"\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pressure limits")

	_, err = Parse([]byte("{"))
	test.That(t, err, test.ShouldNotBeNil)
}
