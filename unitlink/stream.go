package unitlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// maxQueuedSamples caps telemetry held between drains, about a minute at 100 Hz.
const maxQueuedSamples = 6000

type streamRequest struct {
	Seq  uint32   `json:"seq"`
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

type streamFrame struct {
	Seq       *uint32           `json:"seq,omitempty"`
	Status    string            `json:"status,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Telemetry []json.RawMessage `json:"telemetry,omitempty"`
}

// StreamLink speaks the JSON line protocol of firmware v3 and later. Replies
// carry the request's sequence number and telemetry is pushed by the unit.
type StreamLink struct {
	base
	conn *lineConn
	seq  atomic.Uint32

	mu         sync.Mutex
	queue      []Sample
	subscribed bool
}

// NewStreamLink starts a stream protocol link over port.
func NewStreamLink(port io.ReadWriteCloser, opts Options, logger logging.Logger) *StreamLink {
	l := &StreamLink{}
	l.base = base{rpc: l, opts: opts.withDefaults(), logger: logger}
	l.conn = newLineConn(port, logger, l.route)
	return l
}

// route queues telemetry and passes replies on to the waiting exchange.
func (l *StreamLink) route(line []byte) bool {
	var f streamFrame
	if err := json.Unmarshal(line, &f); err != nil {
		l.logger.Debugf("ignoring malformed frame %q: %v", line, err)
		return false
	}
	if f.Telemetry == nil {
		return true
	}
	fields, err := rawFields(f.Telemetry)
	if err != nil {
		l.logger.Debugf("ignoring telemetry %q: %v", line, err)
		return false
	}
	s, err := parseSample(fields)
	if err != nil {
		l.logger.Debugf("ignoring telemetry %q: %v", line, err)
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.subscribed {
		return false
	}
	if len(l.queue) >= maxQueuedSamples {
		l.queue = l.queue[1:]
	}
	l.queue = append(l.queue, s)
	return false
}

func (l *StreamLink) call(ctx context.Context, timeout time.Duration, cmd string, args ...string) ([]string, error) {
	seq := l.seq.Add(1)
	req, err := json.Marshal(streamRequest{Seq: seq, Cmd: cmd, Args: args})
	if err != nil {
		return nil, err
	}
	reply, err := l.conn.exchange(ctx, timeout, req, func(reply []byte) bool {
		var f streamFrame
		return json.Unmarshal(reply, &f) == nil && f.Seq != nil && *f.Seq == seq
	})
	if err != nil {
		return nil, err
	}
	var f streamFrame
	if err := json.Unmarshal(reply, &f); err != nil {
		return nil, errors.Wrap(err, "decoding reply")
	}
	switch f.Status {
	case "ok":
		return valueFields(f.Value)
	case "not_initialized":
		return nil, ErrNotInitialized
	case "timeout":
		return nil, ErrTimeout
	default:
		fields, _ := valueFields(f.Value)
		return nil, errors.Errorf("unit replied %s: %v", f.Status, fields)
	}
}

// valueFields flattens a reply value, a scalar or an array of scalars, to text.
func valueFields(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '[' {
		return rawFields([]json.RawMessage{raw})
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(err, "decoding reply value")
	}
	return rawFields(items)
}

func rawFields(items []json.RawMessage) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, errors.Wrap(err, "decoding value")
		}
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case json.Number:
			out = append(out, x.String())
		case bool:
			out = append(out, strconv.FormatBool(x))
		case nil:
			out = append(out, "")
		default:
			out = append(out, fmt.Sprint(x))
		}
	}
	return out, nil
}

// Protocol returns ProtocolStream.
func (l *StreamLink) Protocol() Protocol { return ProtocolStream }

// Subscribe sets the unit's telemetry push rate.
func (l *StreamLink) Subscribe(ctx context.Context, rate Rate) error {
	if _, err := l.do(ctx, "set_sensor_subscribe", strconv.Itoa(int(rate))); err != nil {
		return err
	}
	l.mu.Lock()
	l.subscribed = rate != RateOff
	l.mu.Unlock()
	return nil
}

// Telemetry returns and consumes every queued push.
func (l *StreamLink) Telemetry(ctx context.Context) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.conn.err(); err != nil {
		return nil, errors.Wrap(err, "unit link is down")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.queue
	l.queue = nil
	return out, nil
}

// ClearTelemetry drops every queued push.
func (l *StreamLink) ClearTelemetry() {
	l.mu.Lock()
	l.queue = nil
	l.mu.Unlock()
}

// Close closes the port.
func (l *StreamLink) Close() error {
	return l.conn.close()
}
