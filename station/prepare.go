package station

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// prepare fills in what the record needs from a freshly connected unit. A unit
// still bound to a customer account gets its flash constants reset; the reset
// drops the valve and nozzle offsets, so they are read first and written back
// over a new link. The returned link replaces link, which may have been closed.
func (s *Station) prepare(ctx context.Context, link unitlink.DeviceLink, fw unitlink.Firmware,
	u *unit.UnitUnderTest,
) (unitlink.DeviceLink, error) {
	u.Firmware = fw
	mac, err := link.MACAddress(ctx)
	if err != nil {
		return link, errors.Wrap(err, "reading MAC address")
	}
	u.MACAddress = mac
	if ps, err := link.PressureSensor(ctx); err != nil {
		s.logger.CWarnf(ctx, "reading pressure sensor version: %v", err)
	} else {
		u.Sensor = ps
	}
	if id, err := link.DeviceID(ctx); err == nil && unit.ValidDeviceID(id) {
		u.DeviceID = id
	}

	account, err := link.AccountID(ctx)
	switch {
	case errors.Is(err, unitlink.ErrNotInitialized):
		return link, nil
	case err != nil:
		return link, errors.Wrap(err, "reading account id")
	case account == "":
		return link, nil
	}

	s.logger.CInfof(ctx, "OtO is still linked to account %s, resetting flash constants", account)
	valve, err := link.ValveHome(ctx)
	if err != nil {
		return link, errors.Wrap(err, "reading valve offset before flash reset")
	}
	nozzle, err := link.NozzleHome(ctx)
	if err != nil {
		return link, errors.Wrap(err, "reading nozzle offset before flash reset")
	}
	if err := link.ResetFlashConstants(ctx); err != nil {
		return link, errors.Wrap(err, "resetting flash constants")
	}
	if err := link.Close(); err != nil {
		s.logger.CWarnf(ctx, "closing link before reconnect: %v", err)
	}

	link, _, err = s.connect(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reconnecting after flash reset")
	}
	if err := link.SetValveHome(ctx, valve); err != nil {
		return link, errors.Wrap(err, "restoring valve offset")
	}
	if err := link.SetNozzleHome(ctx, nozzle); err != nil {
		return link, errors.Wrap(err, "restoring nozzle offset")
	}
	s.logger.CInfof(ctx, "restored valve offset %d and nozzle offset %d", valve, nozzle)
	return link, nil
}
