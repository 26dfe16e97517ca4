// Package inject provides a scriptable DeviceLink for tests.
package inject

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oto-labs/eol-station/unitlink"
)

// Link is a DeviceLink whose behavior is set per test. Every method records
// its call; a nil XFunc falls back to the plain state fields.
type Link struct {
	Proto        unitlink.Protocol
	FW           unitlink.Firmware
	MAC          string
	ID           string
	HWID         string
	Account      string
	Sensor       unitlink.PressureSensor
	Volts        unitlink.Voltages
	Amps         unitlink.Currents
	Cal4V1       float64
	ValveOffset  int
	NozzleOffset int

	FirmwareFunc           func(ctx context.Context) (unitlink.Firmware, error)
	DeviceIDFunc           func(ctx context.Context) (string, error)
	SetDeviceIDFunc        func(ctx context.Context, id string) error
	HardwareIDFunc         func(ctx context.Context) (string, error)
	AccountIDFunc          func(ctx context.Context) (string, error)
	PressureSensorFunc     func(ctx context.Context) (unitlink.PressureSensor, error)
	VoltagesFunc           func(ctx context.Context) (unitlink.Voltages, error)
	CurrentsFunc           func(ctx context.Context) (unitlink.Currents, error)
	BatteryCalibrationFunc func(ctx context.Context) (float64, error)
	ValveHomeFunc          func(ctx context.Context) (int, error)
	NozzleHomeFunc         func(ctx context.Context) (int, error)
	SensorsFunc            func(ctx context.Context) (unitlink.Sample, error)
	SetPumpDutyFunc        func(ctx context.Context, pump, duty int) error
	SetValveDutyFunc       func(ctx context.Context, duty int) error
	SetNozzleDutyFunc      func(ctx context.Context, duty int) error
	SetNozzleSpeedFunc     func(ctx context.Context, speed int) error
	SetValvePositionFunc   func(ctx context.Context, position int, wait bool) (unitlink.Completion, error)
	NozzleToHomeFunc       func(ctx context.Context, wait bool) (unitlink.Completion, error)
	SubscribeFunc          func(ctx context.Context, rate unitlink.Rate) error
	TelemetryFunc          func(ctx context.Context) ([]unitlink.Sample, error)

	mu    sync.Mutex
	calls []string
	rate  unitlink.Rate
}

var _ unitlink.DeviceLink = (*Link)(nil)

func (l *Link) record(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

// Calls returns every recorded call in order.
func (l *Link) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// CallsWithPrefix returns the recorded calls starting with prefix.
func (l *Link) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range l.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Rate returns the last subscribed telemetry rate.
func (l *Link) Rate() unitlink.Rate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

func (l *Link) Protocol() unitlink.Protocol {
	if l.Proto == "" {
		return unitlink.ProtocolStream
	}
	return l.Proto
}

func (l *Link) Firmware(ctx context.Context) (unitlink.Firmware, error) {
	l.record("Firmware")
	if l.FirmwareFunc != nil {
		return l.FirmwareFunc(ctx)
	}
	return l.FW, nil
}

func (l *Link) MACAddress(ctx context.Context) (string, error) {
	l.record("MACAddress")
	return l.MAC, nil
}

func (l *Link) DeviceID(ctx context.Context) (string, error) {
	l.record("DeviceID")
	if l.DeviceIDFunc != nil {
		return l.DeviceIDFunc(ctx)
	}
	return l.ID, nil
}

func (l *Link) SetDeviceID(ctx context.Context, id string) error {
	l.record("SetDeviceID %s", id)
	if l.SetDeviceIDFunc != nil {
		return l.SetDeviceIDFunc(ctx, id)
	}
	l.ID = id
	return nil
}

func (l *Link) HardwareID(ctx context.Context) (string, error) {
	l.record("HardwareID")
	if l.HardwareIDFunc != nil {
		return l.HardwareIDFunc(ctx)
	}
	return l.HWID, nil
}

func (l *Link) AccountID(ctx context.Context) (string, error) {
	l.record("AccountID")
	if l.AccountIDFunc != nil {
		return l.AccountIDFunc(ctx)
	}
	if l.Account == "" {
		return "", unitlink.ErrNotInitialized
	}
	return l.Account, nil
}

func (l *Link) ResetFlashConstants(ctx context.Context) error {
	l.record("ResetFlashConstants")
	l.Account = ""
	return nil
}

func (l *Link) PressureSensor(ctx context.Context) (unitlink.PressureSensor, error) {
	l.record("PressureSensor")
	if l.PressureSensorFunc != nil {
		return l.PressureSensorFunc(ctx)
	}
	return l.Sensor, nil
}

func (l *Link) Voltages(ctx context.Context) (unitlink.Voltages, error) {
	l.record("Voltages")
	if l.VoltagesFunc != nil {
		return l.VoltagesFunc(ctx)
	}
	return l.Volts, nil
}

func (l *Link) Currents(ctx context.Context) (unitlink.Currents, error) {
	l.record("Currents")
	if l.CurrentsFunc != nil {
		return l.CurrentsFunc(ctx)
	}
	return l.Amps, nil
}

func (l *Link) BatteryCalibration(ctx context.Context) (float64, error) {
	l.record("BatteryCalibration")
	if l.BatteryCalibrationFunc != nil {
		return l.BatteryCalibrationFunc(ctx)
	}
	return l.Cal4V1, nil
}

func (l *Link) ValveHome(ctx context.Context) (int, error) {
	l.record("ValveHome")
	if l.ValveHomeFunc != nil {
		return l.ValveHomeFunc(ctx)
	}
	return l.ValveOffset, nil
}

func (l *Link) SetValveHome(ctx context.Context, offset int) error {
	l.record("SetValveHome %d", offset)
	l.ValveOffset = offset
	return nil
}

func (l *Link) NozzleHome(ctx context.Context) (int, error) {
	l.record("NozzleHome")
	if l.NozzleHomeFunc != nil {
		return l.NozzleHomeFunc(ctx)
	}
	return l.NozzleOffset, nil
}

func (l *Link) SetNozzleHome(ctx context.Context, offset int) error {
	l.record("SetNozzleHome %d", offset)
	l.NozzleOffset = offset
	return nil
}

func (l *Link) Sensors(ctx context.Context) (unitlink.Sample, error) {
	l.record("Sensors")
	if l.SensorsFunc != nil {
		return l.SensorsFunc(ctx)
	}
	return unitlink.Sample{}, nil
}

func (l *Link) SetPumpDuty(ctx context.Context, pump, duty int) error {
	l.record("SetPumpDuty %d %d", pump, duty)
	if l.SetPumpDutyFunc != nil {
		return l.SetPumpDutyFunc(ctx, pump, duty)
	}
	return nil
}

func (l *Link) SetValveDuty(ctx context.Context, duty int) error {
	l.record("SetValveDuty %d", duty)
	if l.SetValveDutyFunc != nil {
		return l.SetValveDutyFunc(ctx, duty)
	}
	return nil
}

func (l *Link) SetNozzleDuty(ctx context.Context, duty int) error {
	l.record("SetNozzleDuty %d", duty)
	if l.SetNozzleDutyFunc != nil {
		return l.SetNozzleDutyFunc(ctx, duty)
	}
	return nil
}

func (l *Link) SetNozzleSpeed(ctx context.Context, speed int) error {
	l.record("SetNozzleSpeed %d", speed)
	if l.SetNozzleSpeedFunc != nil {
		return l.SetNozzleSpeedFunc(ctx, speed)
	}
	return nil
}

func (l *Link) SetValvePosition(ctx context.Context, position int, wait bool) (unitlink.Completion, error) {
	l.record("SetValvePosition %d %t", position, wait)
	if l.SetValvePositionFunc != nil {
		return l.SetValvePositionFunc(ctx, position, wait)
	}
	return unitlink.CommandComplete, nil
}

func (l *Link) NozzleToHome(ctx context.Context, wait bool) (unitlink.Completion, error) {
	l.record("NozzleToHome %t", wait)
	if l.NozzleToHomeFunc != nil {
		return l.NozzleToHomeFunc(ctx, wait)
	}
	return unitlink.CommandComplete, nil
}

func (l *Link) SetMovingAverage(ctx context.Context, on bool) error {
	l.record("SetMovingAverage %t", on)
	return nil
}

func (l *Link) Subscribe(ctx context.Context, rate unitlink.Rate) error {
	l.record("Subscribe %d", rate)
	if l.SubscribeFunc != nil {
		if err := l.SubscribeFunc(ctx, rate); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.rate = rate
	l.mu.Unlock()
	return nil
}

func (l *Link) Telemetry(ctx context.Context) ([]unitlink.Sample, error) {
	if l.TelemetryFunc != nil {
		return l.TelemetryFunc(ctx)
	}
	return nil, ctx.Err()
}

func (l *Link) ClearTelemetry() {
	l.record("ClearTelemetry")
}

func (l *Link) Close() error {
	l.record("Close")
	return nil
}

// Feed returns a TelemetryFunc that hands out batches in order and nothing
// once they run out.
func Feed(batches ...[]unitlink.Sample) func(ctx context.Context) ([]unitlink.Sample, error) {
	var mu sync.Mutex
	next := 0
	return func(ctx context.Context) ([]unitlink.Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(batches) {
			return nil, ctx.Err()
		}
		b := batches[next]
		next++
		return b, nil
	}
}
