package unit

import (
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unitlink"
)

func TestBatchCode(t *testing.T) {
	test.That(t, BatchCode(time.Date(2024, time.January, 5, 12, 0, 0, 0, time.UTC)), test.ShouldEqual, "4005")
	test.That(t, BatchCode(time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC)), test.ShouldEqual, "5365")
	test.That(t, New(time.Date(2030, time.March, 1, 0, 0, 0, 0, time.UTC)).Batch, test.ShouldEqual, "0060")
}

func TestValidDeviceID(t *testing.T) {
	test.That(t, ValidDeviceID("oto1234567"), test.ShouldBeTrue)
	test.That(t, ValidDeviceID("oto123456"), test.ShouldBeFalse)
	test.That(t, ValidDeviceID("OTO1234567"), test.ShouldBeFalse)
	test.That(t, ValidDeviceID("oto12345678"), test.ShouldBeFalse)
	test.That(t, ValidDeviceID("oto12a4567"), test.ShouldBeFalse)
}

func TestSensorKey(t *testing.T) {
	u := &UnitUnderTest{Sensor: unitlink.PressureSensorMPRL30PSIGauge}
	s, err := u.SensorKey()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldEqual, thresholds.Psig30)

	u.Sensor = unitlink.PressureSensorUnknown
	_, err = u.SensorKey()
	test.That(t, err, test.ShouldBeError, thresholds.ErrUnknownSensor)
}

func TestZeroReference(t *testing.T) {
	fallback := thresholds.ZeroReference{Mean: 1680000, Tolerance: 5000, Multiple: 5}
	u := &UnitUnderTest{}
	test.That(t, u.ZeroReference(fallback), test.ShouldResemble, Stats{Mean: 1680000, STD: 1000})

	u.ZeroPressure = Stats{Mean: 1700000, STD: 120}
	u.ZeroPressureValid = true
	test.That(t, u.ZeroReference(fallback), test.ShouldResemble, Stats{Mean: 1700000, STD: 120})
}
