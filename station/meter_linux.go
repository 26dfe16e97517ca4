//go:build linux

package station

import (
	"context"

	"go.viam.com/rdk/logging"

	"github.com/oto-labs/eol-station/fixture"
	"github.com/oto-labs/eol-station/ltc2945"
)

func openMeter(ctx context.Context, c MeterConfig, logger logging.Logger) (fixture.Meter, error) {
	cfg := ltc2945.Config{I2CBus: c.I2CBus, Address: c.Address, SenseOhms: c.SenseOhms}
	if err := cfg.Validate("meter"); err != nil {
		return nil, err
	}
	return ltc2945.New(ctx, cfg, logger)
}
