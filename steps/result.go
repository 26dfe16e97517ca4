package steps

import (
	"fmt"
	"time"

	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// Outcome is the verdict of one step: a pass that may carry information for
// the operator, or a failure with its reason.
type Outcome struct {
	passed bool
	text   string
}

// Pass is a passing outcome. info may be empty.
func Pass(info string) Outcome { return Outcome{passed: true, text: info} }

// Passf is Pass with a formatted info line.
func Passf(format string, args ...interface{}) Outcome {
	return Pass(fmt.Sprintf(format, args...))
}

// Fail is a failing outcome.
func Fail(reason string) Outcome { return Outcome{text: reason} }

// Failf is Fail with a formatted reason.
func Failf(format string, args ...interface{}) Outcome {
	return Fail(fmt.Sprintf(format, args...))
}

// Passed reports whether the step passed.
func (o Outcome) Passed() bool { return o.passed }

// Info is the informational text of a pass, empty for failures.
func (o Outcome) Info() string {
	if !o.passed {
		return ""
	}
	return o.text
}

// Reason is the failure text, empty for passes.
func (o Outcome) Reason() string {
	if o.passed {
		return ""
	}
	return o.text
}

func (o Outcome) String() string {
	if o.passed {
		if o.text == "" {
			return "PASS"
		}
		return "PASS: " + o.text
	}
	return "FAIL: " + o.text
}

// Kind names the step that produced a Result.
type Kind int

// Step kinds. Every kind has exactly one payload type.
const (
	KindUnitName Kind = iota
	KindBattery
	KindExternalPower
	KindPump
	KindNozzleHome
	KindPressure
	KindValveCalibration
	KindValveClosed
	KindFullyOpen
	KindNozzleRotation
	KindVacuum
	KindSolar
	KindCloudSave
)

// AllKinds lists every Kind, in suite order.
var AllKinds = []Kind{
	KindUnitName,
	KindBattery,
	KindExternalPower,
	KindPump,
	KindNozzleHome,
	KindPressure,
	KindValveCalibration,
	KindValveClosed,
	KindFullyOpen,
	KindNozzleRotation,
	KindVacuum,
	KindSolar,
	KindCloudSave,
}

func (k Kind) String() string {
	switch k {
	case KindUnitName:
		return "unit_name"
	case KindBattery:
		return "battery"
	case KindExternalPower:
		return "external_power"
	case KindPump:
		return "pump"
	case KindNozzleHome:
		return "nozzle_home"
	case KindPressure:
		return "pressure"
	case KindValveCalibration:
		return "valve_calibration"
	case KindValveClosed:
		return "valve_closed"
	case KindFullyOpen:
		return "fully_open"
	case KindNozzleRotation:
		return "nozzle_rotation"
	case KindVacuum:
		return "vacuum"
	case KindSolar:
		return "solar"
	case KindCloudSave:
		return "cloud_save"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is the step specific detail of a Result.
type Payload interface {
	Kind() Kind
}

// Result is the immutable record of one step execution.
type Result struct {
	Step    string
	Kind    Kind
	Outcome Outcome
	Elapsed time.Duration
	Payload Payload
}

// Passed reports whether the step passed.
func (r Result) Passed() bool { return r.Outcome.Passed() }

// UnitNamePayload is produced by UnitName.
type UnitNamePayload struct {
	DeviceID string
	BOM      string
	// Issued is true when the cloud handed out a name the unit did not have.
	Issued bool
}

// BatteryPayload is produced by Battery.
type BatteryPayload struct {
	Voltage float64
	// Calibration is nil when the unit was never voltage calibrated.
	Calibration *float64
}

// ExternalPowerPayload is produced by ExternalPower.
type ExternalPowerPayload struct {
	Current float64
	Voltage float64
	Factor  float64
}

// PumpPayload is produced by Pump.
type PumpPayload struct {
	Target int
	// Triggered is the bay whose switch tripped, 0 if none did.
	Triggered int
	Current   unit.Stats
}

// NozzleHomePayload is produced by NozzleHome.
type NozzleHomePayload struct {
	Offset int
}

// PressurePayload is produced by Pressure.
type PressurePayload struct {
	Mode      thresholds.PressureMode
	Trials    int
	Stats     unit.Stats
	Tolerance float64
	Samples   []unitlink.Sample
}

// CurvePoint is one (angle, pressure) sample of a valve sweep.
type CurvePoint struct {
	Angle    int
	Pressure int
}

// ValveCalibrationPayload is produced by ValveCalibration. Peak angles are
// relative to the unit's stored valve home.
type ValveCalibrationPayload struct {
	Curve     []CurvePoint
	Filtered  []float64
	First     dsp.Peak
	Second    dsp.Peak
	Offset    int
	FullyOpen int
	Current   unit.Stats
	Written   bool
}

// ValveClosedPayload is produced by VerifyValveClosed.
type ValveClosedPayload struct {
	Angle    int
	Pressure unit.Stats
}

// FullyOpenPayload is produced by FullyOpen.
type FullyOpenPayload struct {
	Trials    int
	First     unit.Stats
	Second    unit.Stats
	Span      float64
	SigmaSpan float64
	Offset    int
}

// NozzlePoint is one sample of a recorded nozzle revolution.
type NozzlePoint struct {
	TimeMs   int64
	Position int
	Speed    int
}

// NozzleRotationPayload is produced by NozzleRotation and describes the last
// attempt.
type NozzleRotationPayload struct {
	Attempts       int
	Points         []NozzlePoint
	FrictionPoints int
	Speed          unit.Stats
	Current        unit.Stats
}

// VacuumPayload is produced by Vacuum.
type VacuumPayload struct {
	Failed int
}

// SolarPayload is produced by Solar.
type SolarPayload struct {
	Voltage float64
	Current float64
}

// CloudSavePayload is produced by CloudSave.
type CloudSavePayload struct {
	Saved bool
}

func (UnitNamePayload) Kind() Kind         { return KindUnitName }
func (BatteryPayload) Kind() Kind          { return KindBattery }
func (ExternalPowerPayload) Kind() Kind    { return KindExternalPower }
func (PumpPayload) Kind() Kind             { return KindPump }
func (NozzleHomePayload) Kind() Kind       { return KindNozzleHome }
func (PressurePayload) Kind() Kind         { return KindPressure }
func (ValveCalibrationPayload) Kind() Kind { return KindValveCalibration }
func (ValveClosedPayload) Kind() Kind      { return KindValveClosed }
func (FullyOpenPayload) Kind() Kind        { return KindFullyOpen }
func (NozzleRotationPayload) Kind() Kind   { return KindNozzleRotation }
func (VacuumPayload) Kind() Kind           { return KindVacuum }
func (SolarPayload) Kind() Kind            { return KindSolar }
func (CloudSavePayload) Kind() Kind        { return KindCloudSave }
