// Package unitlink talks to the OtO unit under test over its USB serial card.
// Two wire protocols exist in the field; Connect picks the one matching the
// unit's firmware and returns it behind the DeviceLink interface.
package unitlink

import (
	"context"

	"github.com/pkg/errors"
)

// Sentinel errors reported by every link.
var (
	// ErrTimeout is returned when the unit does not answer or does not finish a
	// command within its deadline.
	ErrTimeout = errors.New("unit command timed out")
	// ErrNotInitialized is returned when the requested value was never written
	// to the unit's persistent memory.
	ErrNotInitialized = errors.New("value not initialized on unit")
	// ErrPingFailed is returned by Connect when nothing answers on the port.
	ErrPingFailed = errors.New("no OtO found. Check that the grey ribbon cable is plugged into OtO")
	// ErrNoSerialCard is returned when no USB serial card is attached.
	ErrNoSerialCard = errors.New("no serial card found. Check that the USB communication serial card is plugged in")
	// ErrTooManySerialCards is returned when more than one USB serial card is attached.
	ErrTooManySerialCards = errors.New("too many USB cards attached for EOL test")
	// ErrClosed is returned for calls on a closed link.
	ErrClosed = errors.New("unit link is closed")
)

// Protocol names a wire protocol generation.
type Protocol string

// Supported protocols.
const (
	ProtocolStream Protocol = "stream"
	ProtocolLegacy Protocol = "legacy"
)

// Rate is a telemetry push rate in Hz. RateOff stops the stream.
type Rate int

// Subscription rates accepted by the unit.
const (
	RateOff   Rate = 0
	Rate10Hz  Rate = 10
	Rate100Hz Rate = 100
)

// Completion is the message a wait-for-complete command finishes with.
type Completion string

// CommandComplete is the only completion that means the move finished.
const CommandComplete Completion = "CTRL_OUT_COMMAND_COMPLETE"

// Complete reports whether c is CommandComplete.
func (c Completion) Complete() bool { return c == CommandComplete }

// PressureSensor is the sensor part number enum reported by the unit.
type PressureSensor int

// Known pressure sensor parts.
const (
	PressureSensorUnknown PressureSensor = iota
	PressureSensorMPRL15PSIGauge
	PressureSensorMPRL30PSIGauge
)

// Sample is one telemetry push. Angles are centidegrees, currents mA.
type Sample struct {
	TimeMs         int64
	ValvePosition  int
	NozzlePosition int
	NozzleSpeed    int
	PressureADC    int
	PumpCurrent    float64
	ValveCurrent   float64
	NozzleCurrent  float64
}

// Voltages are the unit's supply rails in volts.
type Voltages struct {
	Battery float64
	Solar   float64
}

// Currents are the unit's motor and charger currents in mA.
type Currents struct {
	Pump   float64
	Valve  float64
	Nozzle float64
	Charge float64
}

// A DeviceLink is an open connection to one unit. Calls are synchronous and
// bounded by the link's command deadline; a DeviceLink is owned by a single
// test run at a time.
type DeviceLink interface {
	Protocol() Protocol

	Firmware(ctx context.Context) (Firmware, error)
	MACAddress(ctx context.Context) (string, error)
	DeviceID(ctx context.Context) (string, error)
	SetDeviceID(ctx context.Context, id string) error
	HardwareID(ctx context.Context) (string, error)
	AccountID(ctx context.Context) (string, error)
	ResetFlashConstants(ctx context.Context) error
	PressureSensor(ctx context.Context) (PressureSensor, error)

	Voltages(ctx context.Context) (Voltages, error)
	Currents(ctx context.Context) (Currents, error)
	// BatteryCalibration is the stored 4.1 V battery calibration reading.
	BatteryCalibration(ctx context.Context) (float64, error)

	ValveHome(ctx context.Context) (int, error)
	SetValveHome(ctx context.Context, offset int) error
	NozzleHome(ctx context.Context) (int, error)
	SetNozzleHome(ctx context.Context, offset int) error

	Sensors(ctx context.Context) (Sample, error)

	SetPumpDuty(ctx context.Context, pump, duty int) error
	SetValveDuty(ctx context.Context, duty int) error
	SetNozzleDuty(ctx context.Context, duty int) error
	SetNozzleSpeed(ctx context.Context, centidegPerSec int) error
	SetValvePosition(ctx context.Context, position int, wait bool) (Completion, error)
	NozzleToHome(ctx context.Context, wait bool) (Completion, error)
	SetMovingAverage(ctx context.Context, on bool) error

	// Subscribe starts (or with RateOff stops) telemetry pushes.
	Subscribe(ctx context.Context, rate Rate) error
	// Telemetry consumes every sample queued since the last call.
	Telemetry(ctx context.Context) ([]Sample, error)
	// ClearTelemetry drops queued samples.
	ClearTelemetry()

	Close() error
}
