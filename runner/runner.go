// Package runner sequences the test steps against one connected unit, keeps
// the jig safe between and after steps, and hands finished runs to the
// configured sinks.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/oto-labs/eol-station/fixture"
	"github.com/oto-labs/eol-station/steps"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

var (
	// ErrBusy is returned when a run or step is requested while one is active.
	ErrBusy = errors.New("a test is already running")
	// ErrNotStandalone is returned for steps that only make sense inside a run.
	ErrNotStandalone = errors.New("This test cannot be run by itself.")
	// ErrNoSuchStep is returned by RunStep for names the suite does not have.
	ErrNoSuchStep = errors.New("no such test step")
)

// Operator messages.
const (
	MessageAborted    = "Stop button pressed, no results saved."
	MessagePassed     = "Device PASSED"
	MessageFailed     = "Device FAILED"
	MessageUnexpected = "UNEXPECTED PROGRAM ERROR!"
)

// Report is a finished run.
type Report struct {
	Suite   string
	Fixture string
	Unit    *unit.UnitUnderTest
	Results []steps.Result
	Started time.Time
	Elapsed time.Duration
	Passed  bool
	Aborted bool
}

// Failures returns the failing results in run order.
func (r *Report) Failures() []steps.Result {
	var out []steps.Result
	for _, res := range r.Results {
		if !res.Passed() {
			out = append(out, res)
		}
	}
	return out
}

// Sink stores or forwards a finished run.
type Sink interface {
	Record(ctx context.Context, r *Report) error
}

// History counts earlier runs of a device.
type History interface {
	Count(deviceID string) (int, error)
}

// Summary is the operator facing state of the last run.
type Summary struct {
	DeviceID      string        `json:"device_id"`
	Suite         string        `json:"suite"`
	Passed        bool          `json:"passed"`
	Aborted       bool          `json:"aborted"`
	FailedStep    string        `json:"failed_step,omitempty"`
	FailedMessage string        `json:"failed_message,omitempty"`
	Message       string        `json:"message"`
	Started       time.Time     `json:"started"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Status is whether a test is running plus the last finished run, if any.
type Status struct {
	Running bool     `json:"running"`
	Step    string   `json:"step,omitempty"`
	Last    *Summary `json:"last,omitempty"`
}

// Config wires a Runner.
type Config struct {
	Suite   Suite
	Fixture string
	Sinks   []Sink
	History History
	Metrics *Metrics
	Logger  logging.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Runner executes suites and single steps. Only one test runs at a time.
type Runner struct {
	suite   Suite
	fixture string
	sinks   []Sink
	history History
	metrics *Metrics
	logger  logging.Logger
	now     func() time.Time

	running atomic.Bool
	abort   atomic.Bool

	mu   sync.Mutex
	step string
	last *Summary
}

// New returns a Runner for cfg.
func New(cfg Config) *Runner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		suite:   cfg.Suite,
		fixture: cfg.Fixture,
		sinks:   cfg.Sinks,
		history: cfg.History,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     now,
	}
}

// Suite returns the suite the runner executes.
func (r *Runner) Suite() Suite { return r.suite }

// Abort asks the active run to stop at the next step boundary.
func (r *Runner) Abort() {
	if r.running.Load() {
		r.abort.Store(true)
	}
}

// Running reports whether a test is active.
func (r *Runner) Running() bool { return r.running.Load() }

// Status returns the current status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Running: r.running.Load(), Step: r.step}
	if r.last != nil {
		last := *r.last
		st.Last = &last
	}
	return st
}

// Acquire claims the runner for one test. The returned release must be called
// once the test is over. Callers that connect the unit before running hold the
// claim across the connection so nothing else starts meanwhile.
func (r *Runner) Acquire() (release func(), err error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	r.abort.Store(false)
	if r.metrics != nil {
		r.metrics.running.Set(1)
	}
	return func() {
		r.setStep("")
		if r.metrics != nil {
			r.metrics.running.Set(0)
		}
		r.running.Store(false)
	}, nil
}

func (r *Runner) setStep(name string) {
	r.mu.Lock()
	r.step = name
	r.mu.Unlock()
}

// Run executes the whole suite against env. The caller must hold the claim
// from Acquire. Step failures are part of the Report. An error from a sink is
// returned with the finished Report; any other error means the run could not
// be carried out and nothing was recorded.
func (r *Runner) Run(ctx context.Context, env *steps.Env) (rep *Report, err error) {
	started := r.now()
	rep = &Report{Suite: r.suite.Name, Fixture: r.fixture, Unit: env.Unit, Started: started, Passed: true}
	finished := false
	defer func() {
		if resetErr := r.safetyReset(env.Fixture); resetErr != nil {
			r.logger.CErrorf(ctx, "resetting jig: %v", resetErr)
			err = multierr.Combine(err, resetErr)
		}
		if err != nil && !finished {
			r.logger.CError(ctx, OperatorMessage(err))
			r.remember(rep, OperatorMessage(err))
			if r.metrics != nil {
				r.metrics.runs.WithLabelValues(r.suite.Name, "error").Inc()
			}
		}
	}()

	if err := r.prepare(ctx, env); err != nil {
		return rep, err
	}
	if r.history != nil && env.Unit.DeviceID != "" {
		if n, herr := r.history.Count(env.Unit.DeviceID); herr != nil {
			r.logger.CWarnf(ctx, "reading test history of %s: %v", env.Unit.DeviceID, herr)
		} else if n > 0 {
			r.logger.CInfof(ctx, "%s has been tested %d times before", env.Unit.DeviceID, n)
		}
	}

	for _, st := range r.suite.Steps {
		if r.abort.Load() {
			rep.Aborted = true
			break
		}
		res, err := r.execute(ctx, env, st)
		if err != nil {
			return rep, err
		}
		rep.Results = append(rep.Results, res)
		if res.Passed() {
			if info := res.Outcome.Info(); info != "" {
				r.logger.CInfof(ctx, "%s: %s", res.Step, info)
			}
			continue
		}
		r.logger.CWarnf(ctx, "%s: %s", res.Step, res.Outcome.Reason())
		if rep.Passed {
			env.Unit.FailedStep = res.Step
			env.Unit.FailedMessage = res.Outcome.Reason()
		}
		rep.Passed = false
		if r.suite.StopOnFailure {
			break
		}
	}
	rep.Elapsed = r.now().Sub(started)

	if rep.Aborted {
		r.logger.CInfo(ctx, MessageAborted)
		r.logger.CInfo(ctx, "----------------------- Test was STOPPED -----------------------")
		r.remember(rep, MessageAborted)
		finished = true
		if r.metrics != nil {
			r.metrics.runs.WithLabelValues(r.suite.Name, "aborted").Inc()
		}
		return rep, nil
	}

	finished = true
	env.Unit.Passed = rep.Passed
	env.Unit.Elapsed = rep.Elapsed
	var sinkErr error
	for _, s := range r.sinks {
		sinkErr = multierr.Combine(sinkErr, s.Record(ctx, rep))
	}
	message := MessagePassed
	outcome := "passed"
	if !rep.Passed {
		message, outcome = MessageFailed, "failed"
	}
	r.logger.CInfof(ctx, "-------------------------- %s --------------------------", message)
	r.remember(rep, message)
	if r.metrics != nil {
		r.metrics.runs.WithLabelValues(r.suite.Name, outcome).Inc()
		r.metrics.runDuration.WithLabelValues(r.suite.Name).Observe(rep.Elapsed.Seconds())
	}
	if sinkErr != nil {
		return rep, errors.Wrap(sinkErr, "recording results")
	}
	return rep, nil
}

// Reject records a test that could not start, such as one whose unit did not
// answer, so Status reports it like a run that errored.
func (r *Runner) Reject(ctx context.Context, err error) {
	message := OperatorMessage(err)
	r.logger.CError(ctx, message)
	r.remember(&Report{Suite: r.suite.Name, Started: r.now()}, message)
	if r.metrics != nil {
		r.metrics.runs.WithLabelValues(r.suite.Name, "error").Inc()
	}
}

// RunStep runs a single named step, for debugging a unit on the jig. Nothing
// is recorded. The caller must hold the claim from Acquire.
func (r *Runner) RunStep(ctx context.Context, env *steps.Env, name string) (res steps.Result, err error) {
	st, ok := r.suite.Find(name)
	if !ok {
		return res, errors.Wrap(ErrNoSuchStep, name)
	}
	if st.Kind() == steps.KindVacuum {
		return res, ErrNotStandalone
	}
	defer func() {
		err = multierr.Combine(err, r.safetyReset(env.Fixture))
	}()
	if err := r.prepare(ctx, env); err != nil {
		return res, err
	}
	res, err = r.execute(ctx, env, st)
	if err != nil {
		return res, err
	}
	if res.Passed() {
		r.logger.CInfof(ctx, "%s: %s", res.Step, res.Outcome)
	} else {
		r.logger.CWarnf(ctx, "%s: %s", res.Step, res.Outcome)
	}
	return res, nil
}

// prepare de-energizes the jig and refuses to start with a bay already
// reading vacuum.
func (r *Runner) prepare(ctx context.Context, env *steps.Env) error {
	if err := env.Fixture.Reset(ctx); err != nil {
		return errors.Wrap(err, "resetting jig")
	}
	return fixture.CheckVacuumClear(ctx, env.Fixture)
}

func (r *Runner) execute(ctx context.Context, env *steps.Env, st steps.Step) (steps.Result, error) {
	r.setStep(st.Name())
	res, err := steps.Execute(ctx, env, st)
	if r.metrics != nil {
		outcome := "passed"
		switch {
		case err != nil:
			outcome = "error"
		case !res.Passed():
			outcome = "failed"
		}
		r.metrics.steps.WithLabelValues(st.Name(), outcome).Observe(res.Elapsed.Seconds())
	}
	return res, err
}

// safetyReset turns the jig outputs off even when the run's context is done.
func (r *Runner) safetyReset(io fixture.IO) error {
	ctx, cancel := context.WithTimeout(context.Background(), unitlink.DefaultCommandTimeout)
	defer cancel()
	return io.Reset(ctx)
}

func (r *Runner) remember(rep *Report, message string) {
	s := &Summary{
		Suite:   rep.Suite,
		Passed:  rep.Passed && !rep.Aborted,
		Aborted: rep.Aborted,
		Message: message,
		Started: rep.Started,
		Elapsed: rep.Elapsed,
	}
	if rep.Unit != nil {
		s.DeviceID = rep.Unit.DeviceID
		s.FailedStep = rep.Unit.FailedStep
		s.FailedMessage = rep.Unit.FailedMessage
	}
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()
}

// OperatorMessage turns an error that stopped a run into the text shown at
// the station, with a remediation hint where one is known.
func OperatorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, unitlink.ErrPingFailed):
		return "No OtO found. Check that the grey ribbon cable is plugged into OtO."
	case errors.Is(err, unitlink.ErrNoSerialCard):
		return "No serial card found. Check that the USB communication serial card is plugged in."
	case errors.Is(err, unitlink.ErrTooManySerialCards):
		return "Too many USB cards attached for EOL test"
	case errors.Is(err, fixture.ErrVacuumTripped):
		return fixture.ErrVacuumTripped.Error()
	case errors.Is(err, fixture.ErrControllerMissing):
		return "TEST CONTROLLER WASN'T FOUND. Is it plugged in?"
	case errors.Is(err, ErrNotStandalone), errors.Is(err, ErrBusy):
		return err.Error()
	default:
		return MessageUnexpected + " " + err.Error()
	}
}
