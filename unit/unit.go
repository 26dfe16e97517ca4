// Package unit holds the record of the unit currently on the jig. Steps fill it
// in as they run and the result log reads it at the end of a run.
package unit

import (
	"fmt"
	"regexp"
	"time"

	"github.com/oto-labs/eol-station/fixture"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unitlink"
)

var deviceIDPattern = regexp.MustCompile(`^oto[0-9]{7}$`)

// ValidDeviceID reports whether id has the "oto" plus seven digits form.
func ValidDeviceID(id string) bool { return deviceIDPattern.MatchString(id) }

// BatchCode returns the YDDD batch code for t: last digit of the year followed
// by the zero padded day of the year.
func BatchCode(t time.Time) string {
	return fmt.Sprintf("%d%03d", t.Year()%10, t.YearDay())
}

// Stats is a population mean and standard deviation.
type Stats struct {
	Mean float64 `json:"mean"`
	STD  float64 `json:"std"`
}

// Pump is one pump bay's measurements.
type Pump struct {
	Passed  bool  `json:"passed"`
	Current Stats `json:"current"`
}

// Peak is a valve calibration pressure peak.
type Peak struct {
	Pressure int `json:"pressure"`
	Angle    int `json:"angle"`
}

// UnitUnderTest is everything known about the unit on the jig during one run.
// Angles are centidegrees in [0, 36000).
type UnitUnderTest struct {
	DeviceID   string                  `json:"device_id"`
	MACAddress string                  `json:"mac_address"`
	BOM        string                  `json:"bom"`
	Firmware   unitlink.Firmware       `json:"firmware"`
	Batch      string                  `json:"batch"`
	Sensor     unitlink.PressureSensor `json:"pressure_sensor"`

	NozzleOffset int `json:"nozzle_offset"`
	ValveOffset  int `json:"valve_offset"`

	BatteryVoltage       float64 `json:"battery_voltage"`
	ExternalPowerCurrent float64 `json:"external_power_current"`
	ExternalPowerVoltage float64 `json:"external_power_voltage"`

	Pumps [fixture.Bays]Pump `json:"pumps"`

	// ZeroPressure is the baseline every later pressure check is measured against.
	ZeroPressure      Stats `json:"zero_pressure"`
	ZeroPressureValid bool  `json:"zero_pressure_valid"`

	Peak1        Peak  `json:"peak_1"`
	Peak2        Peak  `json:"peak_2"`
	ValveCurrent Stats `json:"valve_current"`

	ClosedPressure Stats `json:"closed_pressure"`

	// FullyOpenFirst and FullyOpenSecond are the two probes of the last
	// fully open trial, in the order they ran.
	FullyOpenTrials int   `json:"fully_open_trials"`
	FullyOpenFirst  Stats `json:"fully_open_first"`
	FullyOpenSecond Stats `json:"fully_open_second"`

	NozzleSpeed   Stats `json:"nozzle_speed"`
	NozzleCurrent Stats `json:"nozzle_current"`

	// VacuumFail has bit n-1 set when bay n did not hold vacuum.
	VacuumFail int `json:"vacuum_fail"`

	SolarVoltage float64 `json:"solar_voltage"`
	SolarCurrent float64 `json:"solar_current"`

	CloudSaved bool `json:"cloud_saved"`

	Passed        bool          `json:"passed"`
	Elapsed       time.Duration `json:"elapsed"`
	FailedStep    string        `json:"failed_step,omitempty"`
	FailedMessage string        `json:"failed_message,omitempty"`
}

// New starts a record for a freshly connected unit.
func New(now time.Time) *UnitUnderTest {
	return &UnitUnderTest{Batch: BatchCode(now)}
}

// SensorKey maps the unit's pressure sensor to its threshold key.
func (u *UnitUnderTest) SensorKey() (thresholds.Sensor, error) {
	switch u.Sensor {
	case unitlink.PressureSensorMPRL15PSIGauge:
		return thresholds.Psig15, nil
	case unitlink.PressureSensorMPRL30PSIGauge:
		return thresholds.Psig30, nil
	default:
		return "", thresholds.ErrUnknownSensor
	}
}

// ZeroReference returns the measured zero pressure baseline, or fallback when
// no zero pressure step has run yet.
func (u *UnitUnderTest) ZeroReference(fallback thresholds.ZeroReference) Stats {
	if u.ZeroPressureValid {
		return u.ZeroPressure
	}
	return Stats{Mean: fallback.Mean, STD: fallback.Tolerance / fallback.Multiple}
}
