//go:build linux

package ltc2945

import (
	"context"
	"testing"

	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type xfer struct {
	reg   byte
	write bool
	data  []byte
}

type fakeI2CHandle struct {
	expect []xfer
	i      int
	tb     testing.TB
}

func (h *fakeI2CHandle) next(reg byte, write bool) xfer {
	test.That(h.tb, h.i, test.ShouldBeLessThan, len(h.expect))
	x := h.expect[h.i]
	h.i++
	test.That(h.tb, reg, test.ShouldEqual, x.reg)
	test.That(h.tb, write, test.ShouldEqual, x.write)
	return x
}

func (h *fakeI2CHandle) Write(ctx context.Context, tx []byte) error { return nil }

func (h *fakeI2CHandle) Read(ctx context.Context, count int) ([]byte, error) {
	return make([]byte, count), nil
}

func (h *fakeI2CHandle) ReadByteData(ctx context.Context, register byte) (byte, error) {
	return h.next(register, false).data[0], nil
}

func (h *fakeI2CHandle) WriteByteData(ctx context.Context, register, data byte) error {
	x := h.next(register, true)
	test.That(h.tb, []byte{data}, test.ShouldResemble, x.data)
	return nil
}

func (h *fakeI2CHandle) ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
	x := h.next(register, false)
	test.That(h.tb, int(numBytes), test.ShouldEqual, len(x.data))
	return x.data, nil
}

func (h *fakeI2CHandle) WriteBlockData(ctx context.Context, register byte, data []byte) error {
	x := h.next(register, true)
	test.That(h.tb, data, test.ShouldResemble, x.data)
	return nil
}

func (h *fakeI2CHandle) Close() error { return nil }

func (h *fakeI2CHandle) ExpectDone() {
	test.That(h.tb, h.i, test.ShouldEqual, len(h.expect))
}

type fakeI2C struct {
	handle *fakeI2CHandle
	addrs  []byte
}

func (b *fakeI2C) OpenHandle(addr byte) (buses.I2CHandle, error) {
	b.addrs = append(b.addrs, addr)
	return b.handle, nil
}

func TestMeter(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	handle := &fakeI2CHandle{tb: t, expect: []xfer{
		{reg: control, write: true, data: []byte{controlDefault}},
		// 0x5A0 counts: 1440 * 25uV / 0.1 ohm = 0.36 A
		{reg: deltaSense, data: []byte{0x5A, 0x00}},
		// 0x1E0 counts: 480 * 25mV = 12 V
		{reg: vin, data: []byte{0x1E, 0x00}},
	}}
	bus := &fakeI2C{handle: handle}

	m, err := makeMeter(ctx, Config{I2CBus: "1", SenseOhms: 0.1}, bus, logger)
	test.That(t, err, test.ShouldBeNil)
	defer handle.ExpectDone()

	amps, err := m.Current(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, amps, test.ShouldAlmostEqual, 0.36, 1e-9)

	volts, err := m.Voltage(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, volts, test.ShouldAlmostEqual, 12.0, 1e-9)

	for _, a := range bus.addrs {
		test.That(t, a, test.ShouldEqual, byte(defaultAddress))
	}
}

func TestValidate(t *testing.T) {
	c := &Config{}
	err := c.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "i2c_bus")

	c.I2CBus = "1"
	test.That(t, c.Validate("path"), test.ShouldBeNil)

	c.Address = 0x80
	test.That(t, c.Validate("path"), test.ShouldNotBeNil)
}
