package unitlink

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// A Dialer opens a fresh byte stream to the unit.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Connect dials the unit, asks for its firmware version over the stream
// protocol and, for firmware older than v3, redials and returns a legacy link
// instead. A unit that does not answer yields ErrPingFailed.
func Connect(ctx context.Context, dial Dialer, opts Options, logger logging.Logger) (DeviceLink, Firmware, error) {
	port, err := dial(ctx)
	if err != nil {
		return nil, "", err
	}
	stream := NewStreamLink(port, opts, logger)
	fw, err := stream.Firmware(ctx)
	if err == nil && !fw.Legacy() {
		logger.Infof("connected to unit with firmware %s over %s protocol", fw, ProtocolStream)
		return stream, fw, nil
	}
	if closeErr := stream.Close(); closeErr != nil {
		logger.Debugf("closing probe link: %v", closeErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", ctxErr
	}

	// Legacy firmware answers the probe with a text error, or not at all.
	port, err = dial(ctx)
	if err != nil {
		return nil, "", err
	}
	legacy := NewLegacyLink(port, opts, logger)
	lfw, lerr := legacy.Firmware(ctx)
	if lerr != nil {
		return nil, "", multierr.Combine(errors.Wrap(ErrPingFailed, lerr.Error()), legacy.Close())
	}
	if !lfw.Legacy() {
		logger.Warnf("firmware %s did not answer the stream protocol, using legacy protocol", lfw)
	}
	logger.Infof("connected to unit with firmware %s over %s protocol", lfw, ProtocolLegacy)
	return legacy, lfw, nil
}
