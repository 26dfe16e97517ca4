//go:build linux

// Package ltc2945 reads the LTC2945 power monitor the jig uses to measure the
// charge current a unit draws from external power.
package ltc2945

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// Config describes where the monitor sits.
type Config struct {
	I2CBus    string  `json:"i2c_bus"`
	Address   int     `json:"i2c_address,omitempty"`
	SenseOhms float64 `json:"sense_ohms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.I2CBus == "" {
		return resource.NewConfigValidationFieldRequiredError(path, "i2c_bus")
	}
	if c.Address < 0 || c.Address > 0x7F {
		return errors.Errorf("i2c_address must be a 7 bit address, got %#x", c.Address)
	}
	if c.SenseOhms < 0 {
		return errors.New("sense_ohms must not be negative")
	}
	return nil
}

// LTC2945 values.
const (
	defaultAddress = 0x67 // ADR1 and ADR0 low
	defaultSense   = 0.02 // ohms, jig shunt

	senseLSB = 25e-6 // volts per count across the shunt
	vinLSB   = 25e-3 // volts per count on VDD/SENSE+
)

// LTC2945 registers.
const (
	control    = 0x00
	deltaSense = 0x14
	vin        = 0x1E
)

// continuous conversion, VIN measured at SENSE+.
const controlDefault = 0x05

// The monitor shares its bus with the controller's other I2C traffic.
var globalMu sync.Mutex

// Meter is one LTC2945.
type Meter struct {
	bus    buses.I2C
	addr   byte
	sense  float64
	logger logging.Logger
}

// New opens the monitor on its bus and starts continuous conversion.
func New(ctx context.Context, c Config, logger logging.Logger) (*Meter, error) {
	bus, err := buses.NewI2cBus(c.I2CBus)
	if err != nil {
		return nil, errors.Wrapf(err, "opening i2c bus %s", c.I2CBus)
	}
	return makeMeter(ctx, c, bus, logger)
}

// makeMeter is separate from New so a fake bus can be injected in tests.
func makeMeter(ctx context.Context, c Config, bus buses.I2C, logger logging.Logger) (*Meter, error) {
	if c.Address == 0 {
		logger.CWarnf(ctx, "i2c_address not set, using %#x", defaultAddress)
		c.Address = defaultAddress
	}
	if c.SenseOhms == 0 {
		logger.CWarnf(ctx, "sense_ohms not set, using %v", defaultSense)
		c.SenseOhms = defaultSense
	}
	m := &Meter{bus: bus, addr: byte(c.Address), sense: c.SenseOhms, logger: logger}
	if err := m.writeReg(ctx, control, controlDefault); err != nil {
		return nil, errors.Wrap(err, "configuring LTC2945")
	}
	return m, nil
}

func (m *Meter) writeReg(ctx context.Context, reg, value byte) error {
	handle, err := m.bus.OpenHandle(m.addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			m.logger.CError(ctx, err)
		}
	}()

	m.logger.Debugf("Write to 0x%x: 0x%x", reg, value)

	globalMu.Lock()
	defer globalMu.Unlock()
	return handle.WriteByteData(ctx, reg, value)
}

// read12 reads one of the 12 bit, left justified measurement registers.
func (m *Meter) read12(ctx context.Context, reg byte) (uint16, error) {
	handle, err := m.bus.OpenHandle(m.addr)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			m.logger.CError(ctx, err)
		}
	}()

	globalMu.Lock()
	defer globalMu.Unlock()

	buf, err := handle.ReadBlockData(ctx, reg, 2)
	if err != nil {
		return 0, err
	}
	if len(buf) != 2 {
		return 0, errors.Errorf("short read from 0x%x: %d bytes", reg, len(buf))
	}
	m.logger.Debugf("Read from 0x%x: %v", reg, buf)
	return uint16(buf[0])<<4 | uint16(buf[1])>>4, nil
}

// Current returns the current through the shunt in amps.
func (m *Meter) Current(ctx context.Context) (float64, error) {
	raw, err := m.read12(ctx, deltaSense)
	if err != nil {
		return 0, errors.Wrap(err, "reading LTC2945 current")
	}
	return float64(raw) * senseLSB / m.sense, nil
}

// Voltage returns the supply voltage in volts.
func (m *Meter) Voltage(ctx context.Context) (float64, error) {
	raw, err := m.read12(ctx, vin)
	if err != nil {
		return 0, errors.Wrap(err, "reading LTC2945 voltage")
	}
	return float64(raw) * vinLSB, nil
}
