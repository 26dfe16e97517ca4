package unitlink

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// LegacyLink speaks the text line protocol of firmware before v3: one
// "command arg..." line per request answered by "OK value...", "NOTINIT",
// "TIMEOUT" or "ERR message". These units cannot push telemetry, so a
// subscription is emulated by polling the sensor snapshot at the requested rate.
type LegacyLink struct {
	base
	conn *lineConn
	now  func() time.Time

	mu       sync.Mutex
	rate     Rate
	lastPoll time.Time
}

// NewLegacyLink starts a legacy protocol link over port.
func NewLegacyLink(port io.ReadWriteCloser, opts Options, logger logging.Logger) *LegacyLink {
	l := &LegacyLink{now: time.Now}
	l.base = base{rpc: l, opts: opts.withDefaults(), logger: logger}
	l.conn = newLineConn(port, logger, nil)
	return l
}

func (l *LegacyLink) call(ctx context.Context, timeout time.Duration, cmd string, args ...string) ([]string, error) {
	req := strings.Join(append([]string{cmd}, args...), " ")
	reply, err := l.conn.exchange(ctx, timeout, []byte(req), nil)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(reply))
	if len(fields) == 0 {
		return nil, errors.Errorf("empty reply to %s", cmd)
	}
	switch fields[0] {
	case "OK":
		return fields[1:], nil
	case "NOTINIT":
		return nil, ErrNotInitialized
	case "TIMEOUT":
		return nil, ErrTimeout
	case "ERR":
		return nil, errors.Errorf("unit error: %s", strings.Join(fields[1:], " "))
	default:
		return nil, errors.Errorf("unexpected reply %q", reply)
	}
}

// Protocol returns ProtocolLegacy.
func (l *LegacyLink) Protocol() Protocol { return ProtocolLegacy }

// Subscribe records the polling rate used by Telemetry.
func (l *LegacyLink) Subscribe(ctx context.Context, rate Rate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	l.lastPoll = time.Time{}
	return nil
}

// Telemetry polls one sensor snapshot once per subscription period.
func (l *LegacyLink) Telemetry(ctx context.Context) ([]Sample, error) {
	l.mu.Lock()
	rate := l.rate
	due := rate != RateOff && l.now().Sub(l.lastPoll) >= time.Second/time.Duration(rate)
	l.mu.Unlock()
	if !due {
		return nil, ctx.Err()
	}
	s, err := l.Sensors(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.lastPoll = l.now()
	l.mu.Unlock()
	return []Sample{s}, nil
}

// ClearTelemetry restarts the polling period so no snapshot is due yet.
func (l *LegacyLink) ClearTelemetry() {
	l.mu.Lock()
	l.lastPoll = l.now()
	l.mu.Unlock()
}

// Close closes the port.
func (l *LegacyLink) Close() error {
	return l.conn.close()
}
