// Package thresholds holds the acceptance limits every test step classifies
// its measurements against. Limits live in versioned YAML tables so a station
// can swap them without a rebuild.
package thresholds

import (
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed tables/*.yaml
var builtinTables embed.FS

// Built-in table variants.
const (
	EOL     = "eol"
	Returns = "returns"
)

// ErrUnknownSensor is returned when a table has no limits for a pressure sensor.
var ErrUnknownSensor = errors.New("pressure sensor not recognized")

// Sensor identifies the pressure sensor fitted to a unit.
type Sensor string

// Recognized pressure sensors.
const (
	Psig15 Sensor = "psig15"
	Psig30 Sensor = "psig30"
)

// ADC scaling shared by both sensors: 10% to 90% of a 24 bit range.
const (
	adcOffset = 1677721.6
	adcSpan   = 13421772.8
)

// FullScaleKPa returns the sensor's full scale pressure, or 0 if unknown.
func (s Sensor) FullScaleKPa() float64 {
	switch s {
	case Psig15:
		return 103.4214
	case Psig30:
		return 206.8427
	default:
		return 0
	}
}

// KPa converts an absolute ADC reading to gauge pressure in kPa.
func (s Sensor) KPa(adc float64) float64 {
	return (adc - adcOffset) / adcSpan * s.FullScaleKPa()
}

// RelativeKPa converts an ADC difference (a spread or tolerance) to kPa.
func (s Sensor) RelativeKPa(adc float64) float64 {
	return adc / adcSpan * s.FullScaleKPa()
}

// Window is an inclusive acceptance range with its unit for messages.
type Window struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Unit string  `yaml:"unit,omitempty"`
}

// Around builds the window target±tolerance.
func Around(target, tolerance float64, unit string) Window {
	return Window{Min: target - tolerance, Max: target + tolerance, Unit: unit}
}

// Contains reports whether v lies in the window, boundaries included.
func (w Window) Contains(v float64) bool { return v >= w.Min && v <= w.Max }

// Below reports whether v is under the lower limit.
func (w Window) Below(v float64) bool { return v < w.Min }

// Above reports whether v is over the upper limit.
func (w Window) Above(v float64) bool { return v > w.Max }

// Center is the midpoint of the window.
func (w Window) Center() float64 { return (w.Min + w.Max) / 2 }

// HalfWidth is half the window's span.
func (w Window) HalfWidth() float64 { return (w.Max - w.Min) / 2 }

func (w Window) String() string {
	return fmt.Sprintf("[%v-%v]%s", w.Min, w.Max, w.Unit)
}

// PressureMode selects which pressure window set a pressure check uses.
type PressureMode string

// Pressure check modes.
const (
	ModeZero            PressureMode = "zero"
	ModeFullyOpenProbe  PressureMode = "fully_open_probe"
	ModeFullyOpenLegacy PressureMode = "fully_open_legacy"
)

// PressureLimits bound the mean and the spread of a pressure capture.
type PressureLimits struct {
	ADC Window `yaml:"adc"`
	STD Window `yaml:"std"`
}

// PeakLimits bound the two pressure peaks of a valve calibration sweep.
type PeakLimits struct {
	Pressure           Window  `yaml:"pressure"`
	MaxPeakDifference  float64 `yaml:"max_peak_difference"`
	MaxAngleDifference int     `yaml:"max_angle_difference"`
}

// ClosedLimits bound a closed valve's pressure relative to the zero reading.
type ClosedLimits struct {
	ADCTolerance float64 `yaml:"adc_tolerance"`
	STDLower     float64 `yaml:"std_lower"`
	STDUpper     float64 `yaml:"std_upper"`
}

// ZeroReference is a zero pressure baseline: mean, tolerance and the multiple
// of sigma the tolerance was built from.
type ZeroReference struct {
	Mean      float64 `yaml:"mean"`
	Tolerance float64 `yaml:"tolerance"`
	Multiple  float64 `yaml:"multiple"`
}

// FilterSpec describes the low-pass applied to the valve sweep.
type FilterSpec struct {
	Order      int     `yaml:"order"`
	CutoffHz   float64 `yaml:"cutoff_hz"`
	SampleRate float64 `yaml:"sample_rate_hz"`
	PadLength  int     `yaml:"pad_length"`
}

// BatteryLimits for the battery check.
type BatteryLimits struct {
	MinVoltage float64 `yaml:"min_voltage"`
}

// ExternalPowerLimits for the charging check. Boards with current sensing use
// CurrentV4; older boards report the charge voltage instead.
type ExternalPowerLimits struct {
	Voltage                 Window        `yaml:"voltage"`
	Current                 Window        `yaml:"current"`
	CurrentV4               Window        `yaml:"current_v4"`
	HighBatteryVoltage      float64       `yaml:"high_battery_voltage"`
	HighBatteryCurrentMin   float64       `yaml:"high_battery_current_min"`
	HighBatteryCurrentMinV4 float64       `yaml:"high_battery_current_min_v4"`
	PollTimeout             time.Duration `yaml:"poll_timeout"`
	Settle                  time.Duration `yaml:"settle"`
}

// PumpLimits for the pump checks.
type PumpLimits struct {
	Timeout      time.Duration `yaml:"timeout"`
	Duty         int           `yaml:"duty"`
	StallCurrent float64       `yaml:"stall_current"`
}

// ZeroPressureLimits configure the zero pressure capture.
type ZeroPressureLimits struct {
	Window   time.Duration `yaml:"window"`
	Trials   int           `yaml:"trials"`
	Multiple float64       `yaml:"multiple"`
}

// ValveLimits for the valve calibration sweep.
type ValveLimits struct {
	Duty                int                   `yaml:"duty"`
	TriggerADC          float64               `yaml:"trigger_adc"`
	MaxTravel           int                   `yaml:"max_travel"`
	Timeout             time.Duration         `yaml:"timeout"`
	BackwardProbe       int                   `yaml:"backward_probe"`
	PluggedSensorMargin float64               `yaml:"plugged_sensor_margin"`
	Current             Window                `yaml:"current"`
	CurrentSTD          Window                `yaml:"current_std"`
	Filter              FilterSpec            `yaml:"filter"`
	Peaks               map[Sensor]PeakLimits `yaml:"peaks"`
}

// ValveClosedLimits for the closed valve verification.
type ValveClosedLimits struct {
	AngleTolerance int                     `yaml:"angle_tolerance"`
	Settle         time.Duration           `yaml:"settle"`
	Window         time.Duration           `yaml:"window"`
	FallbackZero   ZeroReference           `yaml:"fallback_zero"`
	Sensors        map[Sensor]ClosedLimits `yaml:"sensors"`
}

// FullyOpenLimits for the fully open comparison.
type FullyOpenLimits struct {
	Target             int           `yaml:"target"`
	Tolerance          int           `yaml:"tolerance"`
	AdjustmentFactor   float64       `yaml:"adjustment_factor"`
	SpanTolerance      float64       `yaml:"span_tolerance"`
	SigmaSpanTolerance float64       `yaml:"sigma_span_tolerance"`
	MaxRepeats         int           `yaml:"max_repeats"`
	MaxCorrection      int           `yaml:"max_correction"`
	HomeTolerance      int           `yaml:"home_tolerance"`
	AirSettle          time.Duration `yaml:"air_settle"`
	Window             time.Duration `yaml:"window"`
}

// NozzleLimits for the nozzle rotation check.
type NozzleLimits struct {
	Timeout       time.Duration `yaml:"timeout"`
	Duty          int           `yaml:"duty"`
	LeadIn        int           `yaml:"lead_in"`
	FrictionDelta int           `yaml:"friction_delta"`
	Speed         Window        `yaml:"speed"`
	SpeedSTD      Window        `yaml:"speed_std"`
	Current       Window        `yaml:"current"`
	CurrentSTD    Window        `yaml:"current_std"`
}

// SolarLimits for the solar panel check.
type SolarLimits struct {
	Settle  time.Duration `yaml:"settle"`
	Voltage Window        `yaml:"voltage"`
	Current Window        `yaml:"current"`
}

// Table is one complete, versioned set of limits.
type Table struct {
	Name          string                                     `yaml:"name"`
	Version       string                                     `yaml:"version"`
	Battery       BatteryLimits                              `yaml:"battery"`
	ExternalPower ExternalPowerLimits                        `yaml:"external_power"`
	Pump          PumpLimits                                 `yaml:"pump"`
	ZeroPressure  ZeroPressureLimits                         `yaml:"zero_pressure"`
	Pressure      map[PressureMode]map[Sensor]PressureLimits `yaml:"pressure"`
	Valve         ValveLimits                                `yaml:"valve"`
	ValveClosed   ValveClosedLimits                          `yaml:"valve_closed"`
	FullyOpen     FullyOpenLimits                            `yaml:"fully_open"`
	Nozzle        NozzleLimits                               `yaml:"nozzle"`
	Solar         SolarLimits                                `yaml:"solar"`
}

// Builtin returns a fresh copy of one of the embedded tables.
func Builtin(name string) (*Table, error) {
	data, err := builtinTables.ReadFile("tables/" + name + ".yaml")
	if err != nil {
		return nil, errors.Errorf("no built-in threshold table %q", name)
	}
	return Parse(data)
}

// Load reads a table from a YAML file.
func Load(path string) (*Table, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading threshold table %s", path)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "threshold table %s", path)
	}
	return t, nil
}

// Parse decodes and validates a table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "decoding threshold table")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that the table is usable by every step.
func (t *Table) Validate() error {
	if t.Name == "" {
		return errors.New("threshold table needs a name")
	}
	if t.Version == "" {
		return errors.Errorf("threshold table %q needs a version", t.Name)
	}
	for _, mode := range []PressureMode{ModeZero, ModeFullyOpenProbe} {
		if len(t.Pressure[mode]) == 0 {
			return errors.Errorf("threshold table %q has no %s pressure limits", t.Name, mode)
		}
	}
	if len(t.Valve.Peaks) == 0 {
		return errors.Errorf("threshold table %q has no valve peak limits", t.Name)
	}
	if len(t.ValveClosed.Sensors) == 0 {
		return errors.Errorf("threshold table %q has no closed valve limits", t.Name)
	}
	if t.FullyOpen.MaxRepeats < 1 {
		return errors.Errorf("threshold table %q fully_open.max_repeats must be at least 1", t.Name)
	}
	if t.FullyOpen.AdjustmentFactor == 0 {
		return errors.Errorf("threshold table %q fully_open.adjustment_factor must not be zero", t.Name)
	}
	if t.ZeroPressure.Trials < 1 {
		return errors.Errorf("threshold table %q zero_pressure.trials must be at least 1", t.Name)
	}
	return nil
}

// String identifies the table in logs.
func (t *Table) String() string {
	return t.Name + "@" + t.Version
}

// PressureFor returns the pressure window set for a mode and sensor.
func (t *Table) PressureFor(mode PressureMode, s Sensor) (PressureLimits, error) {
	byMode, ok := t.Pressure[mode]
	if !ok {
		return PressureLimits{}, errors.Errorf("threshold table %s has no %s pressure limits", t, mode)
	}
	limits, ok := byMode[s]
	if !ok {
		return PressureLimits{}, ErrUnknownSensor
	}
	return limits, nil
}

// PeaksFor returns the valve peak limits for a sensor.
func (t *Table) PeaksFor(s Sensor) (PeakLimits, error) {
	limits, ok := t.Valve.Peaks[s]
	if !ok {
		return PeakLimits{}, ErrUnknownSensor
	}
	return limits, nil
}

// ClosedFor returns the closed valve limits for a sensor.
func (t *Table) ClosedFor(s Sensor) (ClosedLimits, error) {
	limits, ok := t.ValveClosed.Sensors[s]
	if !ok {
		return ClosedLimits{}, ErrUnknownSensor
	}
	return limits, nil
}
