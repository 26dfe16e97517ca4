package unitlink

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Default deadlines for unit commands.
const (
	DefaultCommandTimeout = 2 * time.Second
	DefaultMoveTimeout    = 30 * time.Second
)

// Options tune a link.
type Options struct {
	// CommandTimeout bounds every plain request/reply exchange.
	CommandTimeout time.Duration
	// MoveTimeout bounds commands that wait for a move to finish.
	MoveTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.MoveTimeout <= 0 {
		o.MoveTimeout = DefaultMoveTimeout
	}
	return o
}

// caller performs one command exchange and returns the reply's value fields.
type caller interface {
	call(ctx context.Context, timeout time.Duration, cmd string, args ...string) ([]string, error)
}

// base implements every command both protocols share on top of a caller.
type base struct {
	rpc    caller
	opts   Options
	logger logging.Logger
}

func (b *base) do(ctx context.Context, cmd string, args ...string) ([]string, error) {
	fields, err := b.rpc.call(ctx, b.opts.CommandTimeout, cmd, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error in %s from unit", cmd)
	}
	return fields, nil
}

func (b *base) str(ctx context.Context, cmd string) (string, error) {
	fields, err := b.do(ctx, cmd)
	if err != nil {
		return "", err
	}
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

func (b *base) floats(ctx context.Context, cmd string, n int) ([]float64, error) {
	fields, err := b.do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return parseFloats(cmd, fields, n)
}

func (b *base) integer(ctx context.Context, cmd string) (int, error) {
	fields, err := b.do(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, errors.Errorf("empty reply to %s", cmd)
	}
	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, errors.Wrapf(err, "bad reply to %s", cmd)
	}
	return v, nil
}

func (b *base) Firmware(ctx context.Context) (Firmware, error) {
	s, err := b.str(ctx, "get_firmware_version")
	return Firmware(s), err
}

func (b *base) MACAddress(ctx context.Context) (string, error) {
	return b.str(ctx, "get_mac_address")
}

func (b *base) DeviceID(ctx context.Context) (string, error) {
	return b.str(ctx, "get_device_id")
}

func (b *base) SetDeviceID(ctx context.Context, id string) error {
	_, err := b.do(ctx, "set_device_id", id)
	return err
}

func (b *base) HardwareID(ctx context.Context) (string, error) {
	return b.str(ctx, "get_hardware_id")
}

func (b *base) AccountID(ctx context.Context) (string, error) {
	return b.str(ctx, "get_account_id")
}

func (b *base) ResetFlashConstants(ctx context.Context) error {
	_, err := b.do(ctx, "reset_flash_constants")
	return err
}

func (b *base) PressureSensor(ctx context.Context) (PressureSensor, error) {
	v, err := b.integer(ctx, "get_pressure_sensor_version")
	return PressureSensor(v), err
}

func (b *base) Voltages(ctx context.Context) (Voltages, error) {
	vs, err := b.floats(ctx, "get_voltages", 2)
	if err != nil {
		return Voltages{}, err
	}
	return Voltages{Battery: vs[0], Solar: vs[1]}, nil
}

func (b *base) Currents(ctx context.Context) (Currents, error) {
	vs, err := b.floats(ctx, "get_currents", 4)
	if err != nil {
		return Currents{}, err
	}
	return Currents{Pump: vs[0], Valve: vs[1], Nozzle: vs[2], Charge: vs[3]}, nil
}

func (b *base) BatteryCalibration(ctx context.Context) (float64, error) {
	vs, err := b.floats(ctx, "get_calibration_4v1", 1)
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

func (b *base) ValveHome(ctx context.Context) (int, error) {
	return b.integer(ctx, "get_valve_home")
}

func (b *base) SetValveHome(ctx context.Context, offset int) error {
	_, err := b.do(ctx, "set_valve_home", strconv.Itoa(offset))
	return err
}

func (b *base) NozzleHome(ctx context.Context) (int, error) {
	return b.integer(ctx, "get_nozzle_home")
}

func (b *base) SetNozzleHome(ctx context.Context, offset int) error {
	_, err := b.do(ctx, "set_nozzle_home", strconv.Itoa(offset))
	return err
}

func (b *base) Sensors(ctx context.Context) (Sample, error) {
	fields, err := b.do(ctx, "get_sensors")
	if err != nil {
		return Sample{}, err
	}
	return parseSample(fields)
}

func (b *base) SetPumpDuty(ctx context.Context, pump, duty int) error {
	_, err := b.do(ctx, "set_pump_duty", strconv.Itoa(pump), strconv.Itoa(duty))
	return err
}

func (b *base) SetValveDuty(ctx context.Context, duty int) error {
	_, err := b.do(ctx, "set_valve_duty", strconv.Itoa(duty))
	return err
}

func (b *base) SetNozzleDuty(ctx context.Context, duty int) error {
	_, err := b.do(ctx, "set_nozzle_duty", strconv.Itoa(duty))
	return err
}

func (b *base) SetNozzleSpeed(ctx context.Context, centidegPerSec int) error {
	_, err := b.do(ctx, "set_nozzle_speed", strconv.Itoa(centidegPerSec))
	return err
}

func (b *base) move(ctx context.Context, wait bool, cmd string, args ...string) (Completion, error) {
	timeout := b.opts.CommandTimeout
	if wait {
		timeout = b.opts.MoveTimeout
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	fields, err := b.rpc.call(ctx, timeout, cmd, args...)
	if err != nil {
		return "", errors.Wrapf(err, "error in %s from unit", cmd)
	}
	if len(fields) == 0 {
		return "", nil
	}
	return Completion(fields[0]), nil
}

func (b *base) SetValvePosition(ctx context.Context, position int, wait bool) (Completion, error) {
	return b.move(ctx, wait, "set_valve_position", strconv.Itoa(position))
}

func (b *base) NozzleToHome(ctx context.Context, wait bool) (Completion, error) {
	return b.move(ctx, wait, "set_nozzle_home_position")
}

func (b *base) SetMovingAverage(ctx context.Context, on bool) error {
	arg := "0"
	if on {
		arg = "1"
	}
	_, err := b.do(ctx, "use_moving_average", arg)
	return err
}

func parseFloats(cmd string, fields []string, n int) ([]float64, error) {
	if len(fields) < n {
		return nil, errors.Errorf("reply to %s has %d values, want %d", cmd, len(fields), n)
	}
	out := make([]float64, n)
	for i := range out {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad value %d in reply to %s", i, cmd)
		}
		out[i] = v
	}
	return out, nil
}

// sampleFields is the field order of a sensor snapshot or telemetry push.
const sampleFields = 8

func parseSample(fields []string) (Sample, error) {
	vs, err := parseFloats("get_sensors", fields, sampleFields)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		TimeMs:         int64(vs[0]),
		ValvePosition:  int(vs[1]),
		NozzlePosition: int(vs[2]),
		NozzleSpeed:    int(vs[3]),
		PressureADC:    int(vs[4]),
		PumpCurrent:    vs[5],
		ValveCurrent:   vs[6],
		NozzleCurrent:  vs[7],
	}, nil
}
