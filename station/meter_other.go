//go:build !linux

package station

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/oto-labs/eol-station/fixture"
)

func openMeter(context.Context, MeterConfig, logging.Logger) (fixture.Meter, error) {
	return nil, errors.New("the LTC2945 charge meter is only supported on linux")
}
