package steps

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oto-labs/eol-station/cloud"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// UnitName makes sure the unit carries a valid name that matches the cloud
// record for its MAC address, issuing one if the unit has none.
type UnitName struct{}

// Name implements Step.
func (UnitName) Name() string { return "Unit Name" }

// Kind implements Step.
func (UnitName) Kind() Kind { return KindUnitName }

// Run implements Step.
func (s UnitName) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	u := env.Unit
	var payload UnitNamePayload

	bom, err := env.Link.HardwareID(ctx)
	switch {
	case errors.Is(err, unitlink.ErrNotInitialized):
		return Fail("OtO computer doesn't have a BOM, can't be tested."), payload, nil
	case err != nil:
		return Fail(err.Error()), payload, nil
	}
	u.BOM = bom
	payload.BOM = bom

	existing, err := env.Link.DeviceID(ctx)
	switch {
	case errors.Is(err, unitlink.ErrNotInitialized):
		return Fail("OtO doesn't have a unit name, won't check Firebase"), payload, nil
	case err != nil:
		return Fail(err.Error()), payload, nil
	}
	u.DeviceID = existing

	if env.Cloud == nil {
		env.Logger.CWarnf(ctx, "no cloud configured, keeping unit name %q", existing)
	} else {
		issued, msg, err := s.reconcile(ctx, env, existing)
		if err != nil {
			return Outcome{}, payload, err
		}
		if msg != "" {
			return Fail(msg), payload, nil
		}
		payload.Issued = issued
	}
	payload.DeviceID = u.DeviceID

	if u.DeviceID == "" {
		return Fail("OtO doesn't have a unit name, won't check Firebase"), payload, nil
	}
	if !unit.ValidDeviceID(u.DeviceID) {
		return Failf("Invalid unit name: %s", u.DeviceID), payload, nil
	}
	return Passf("%s, %s, %s", u.DeviceID, u.BOM, u.MACAddress), payload, nil
}

// reconcile asks the cloud for the unit's name and writes it to a unit that
// has none. A non-empty message is an operator facing failure.
func (UnitName) reconcile(ctx context.Context, env *Env, existing string) (bool, string, error) {
	u := env.Unit
	req := cloud.SerialRequest{
		BOMNumber:       u.BOM,
		BatchNumber:     u.Batch,
		MACAddress:      u.MACAddress,
		FactoryLocation: cloud.FactoryCode(env.Profile.FactoryLocation),
		UnitSerial:      existing,
	}
	serial, err := env.Cloud.IssueSerial(ctx, req)
	if err != nil {
		conflict, ok := cloud.ConflictingSerial(err)
		if !ok || existing != "" || !unit.ValidDeviceID(conflict) {
			return false, err.Error(), nil
		}
		env.Logger.CInfof(ctx, "Updated unit name to match the cloud record! %s, writing to OtO...", conflict)
		serial = conflict
	} else if existing == "" {
		env.Logger.CInfof(ctx, "Generated a new unit name: %s, writing to OtO...", serial)
	}
	u.DeviceID = serial

	if existing != "" {
		env.Logger.CInfof(ctx, "Matched unit name with the cloud: %s", serial)
		return false, "", nil
	}
	if err := env.Link.SetDeviceID(ctx, serial); err != nil {
		return false, "Unable to write unit name to OtO: " + serial + "\n" + err.Error(), nil
	}
	onUnit, err := env.Link.DeviceID(ctx)
	if err != nil {
		return false, "Didn't write unit name to OtO! " + serial, nil
	}
	u.DeviceID = onUnit
	if onUnit != serial {
		return false, "Unit names don't match! OtO: " + onUnit + ", Cloud: " + serial, nil
	}
	return true, "", nil
}

// CloudSave stores the tested unit's attributes in the cloud.
type CloudSave struct{}

// Name implements Step.
func (CloudSave) Name() string { return "Cloud Save" }

// Kind implements Step.
func (CloudSave) Kind() Kind { return KindCloudSave }

// Run implements Step.
func (CloudSave) Run(ctx context.Context, env *Env) (Outcome, Payload, error) {
	if env.Cloud == nil {
		return Pass("No cloud configured, attributes not saved"), CloudSavePayload{}, nil
	}
	if err := env.Cloud.SaveUnit(ctx, env.Unit); err != nil {
		return Failf("Unable to save unit attributes to the cloud: %v", err), CloudSavePayload{}, nil
	}
	env.Unit.CloudSaved = true
	return Passf("Saved %s", env.Unit.DeviceID), CloudSavePayload{Saved: true}, nil
}
