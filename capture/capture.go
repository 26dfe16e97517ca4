// Package capture runs timed telemetry acquisitions against a unit.
package capture

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/oto-labs/eol-station/dsp"
	"github.com/oto-labs/eol-station/unitlink"
)

// Visitor sees every sample in arrival order. keep adds the sample to the
// capture, stop ends the acquisition after this sample.
type Visitor func(s unitlink.Sample) (keep, stop bool)

// Tap feeds one field of every kept sample into an accumulator.
type Tap struct {
	Acc   *Accumulator
	Field func(s unitlink.Sample) float64
}

// Options describe one acquisition.
type Options struct {
	// Rate is the push rate requested from the unit. Zero means Rate100Hz.
	Rate unitlink.Rate
	// Duration is the wall clock budget. It must be positive.
	Duration time.Duration
	// Settle is waited out after subscribing; samples pushed meanwhile are
	// dropped along with anything queued before.
	Settle time.Duration
	// Visit decides which samples are kept and when to stop early. Nil keeps
	// everything until Duration elapses.
	Visit Visitor
	Taps  []Tap
	// Poll runs once per drain, before the queue is read. Steps use it to
	// sample values the stream does not carry at the rate they need.
	Poll func(ctx context.Context) error
}

// Result is a finished acquisition.
type Result struct {
	Samples []unitlink.Sample
	// Stopped is true when Visit ended the capture before the deadline.
	Stopped bool
	Elapsed time.Duration
}

// TimedOut reports whether the capture ran for its full duration.
func (r Result) TimedOut() bool { return !r.Stopped }

// Run subscribes to telemetry, drops anything already queued and drains the
// queue until the deadline or until Visit stops it. The subscription is always
// turned off and the queue cleared before Run returns. Errors from the link
// are returned unchanged in meaning; Run never retries.
func Run(ctx context.Context, link unitlink.DeviceLink, opts Options) (res Result, err error) {
	if opts.Duration <= 0 {
		return Result{}, errors.New("capture needs a positive duration")
	}
	rate := opts.Rate
	if rate == unitlink.RateOff {
		rate = unitlink.Rate100Hz
	}
	if err := link.Subscribe(ctx, rate); err != nil {
		return Result{}, errors.Wrap(err, "subscribing to telemetry")
	}
	defer func() {
		// the caller's context may be done; the unit still has to stop pushing
		cleanupCtx, cancel := context.WithTimeout(context.Background(), unitlink.DefaultCommandTimeout)
		defer cancel()
		err = multierr.Combine(err, link.Subscribe(cleanupCtx, unitlink.RateOff))
		link.ClearTelemetry()
	}()
	if opts.Settle > 0 && !utils.SelectContextOrWait(ctx, opts.Settle) {
		return res, ctx.Err()
	}
	link.ClearTelemetry()

	poll := time.Second / time.Duration(rate)
	start := time.Now()
	deadline := start.Add(opts.Duration)
	for time.Now().Before(deadline) {
		if opts.Poll != nil {
			if err := opts.Poll(ctx); err != nil {
				return res, err
			}
		}
		batch, err := link.Telemetry(ctx)
		if err != nil {
			return res, err
		}
		for _, s := range batch {
			keep, stop := true, false
			if opts.Visit != nil {
				keep, stop = opts.Visit(s)
			}
			if keep {
				res.Samples = append(res.Samples, s)
				for _, tap := range opts.Taps {
					tap.Acc.Add(tap.Field(s))
				}
			}
			if stop {
				res.Stopped = true
				res.Elapsed = time.Since(start)
				return res, nil
			}
		}
		if !utils.SelectContextOrWait(ctx, poll) {
			return res, ctx.Err()
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// Accumulator collects a running series and reports its population
// statistics. The zero value is ready to use.
type Accumulator struct {
	values []float64
}

// Add appends v.
func (a *Accumulator) Add(v float64) { a.values = append(a.values, v) }

// Len is the number of values added.
func (a *Accumulator) Len() int { return len(a.values) }

// Values returns the collected series.
func (a *Accumulator) Values() []float64 { return a.values }

// MeanStd returns the population mean and standard deviation.
func (a *Accumulator) MeanStd() (mean, std float64) { return dsp.MeanStd(a.values) }

// Reset empties the accumulator.
func (a *Accumulator) Reset() { a.values = a.values[:0] }

// Field selectors for common taps.
var (
	PressureADC   = func(s unitlink.Sample) float64 { return float64(s.PressureADC) }
	NozzleSpeed   = func(s unitlink.Sample) float64 { return float64(s.NozzleSpeed) }
	PumpCurrent   = func(s unitlink.Sample) float64 { return s.PumpCurrent }
	ValveCurrent  = func(s unitlink.Sample) float64 { return s.ValveCurrent }
	NozzleCurrent = func(s unitlink.Sample) float64 { return s.NozzleCurrent }
)
