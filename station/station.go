// Package station is the end of line test station as a viam generic
// component. It owns the jig, connects each unit as it is tested, and runs
// the suites on request through DoCommand or the operator API.
package station

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/oto-labs/eol-station/cloud"
	"github.com/oto-labs/eol-station/fixture"
	"github.com/oto-labs/eol-station/history"
	"github.com/oto-labs/eol-station/operator"
	"github.com/oto-labs/eol-station/publish"
	"github.com/oto-labs/eol-station/resultlog"
	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/steps"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// Model is the station's model triplet.
var Model = resource.NewModel("oto", "eol", "station")

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newStation,
	})
}

// Connector opens a link to the unit on the jig.
type Connector func(ctx context.Context) (unitlink.DeviceLink, unitlink.Firmware, error)

// Station is the test station component.
type Station struct {
	resource.Named
	resource.AlwaysRebuild

	profile   StationProfile
	jig       fixture.IO
	connect   Connector
	limits    *thresholds.Table
	runner    *runner.Runner
	artifacts steps.Artifacts
	cloud     steps.Cloud
	history   *history.Store
	registry  *prometheus.Registry
	closers   []io.Closer
	logger    logging.Logger
	now       func() time.Time

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
}

var _ operator.Controller = (*Station)(nil)

// parts are the externally opened collaborators of a Station.
type parts struct {
	jig     fixture.IO
	connect Connector
	sinks   []runner.Sink
	closers []io.Closer
	history *history.Store
	now     func() time.Time
}

func newStation(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	env, err := loadEnv(conf.EnvFile)
	if err != nil {
		return nil, err
	}
	profile, err := conf.Profile.resolve(env)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, conf.Board)
	if err != nil {
		return nil, errors.Wrap(fixture.ErrControllerMissing, err.Error())
	}
	var meter fixture.Meter
	if conf.Meter != nil {
		if meter, err = openMeter(ctx, *conf.Meter, logger); err != nil {
			return nil, err
		}
	}
	jig, err := fixture.NewJig(b, conf.Pins, meter, logger)
	if err != nil {
		return nil, err
	}

	p := parts{jig: jig}
	opened := func() error { return closeAll(p.closers) }
	if err := os.MkdirAll(profile.LogRoot, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating log root %s", profile.LogRoot)
	}
	p.sinks = append(p.sinks, resultlog.NewLog(profile.LogRoot, profile.FixtureName, profile.Suite, logger))
	if p.history, err = history.Open(conf.historyFile(profile), logger); err != nil {
		return nil, err
	}
	p.sinks = append(p.sinks, p.history)
	p.closers = append(p.closers, p.history)
	if conf.MQTT != nil {
		m, err := publish.DialMQTT(*conf.MQTT, logger)
		if err != nil {
			return nil, multierr.Combine(err, opened())
		}
		p.sinks = append(p.sinks, m)
		p.closers = append(p.closers, m)
	}
	if conf.ClickHouse != nil {
		ch, err := publish.DialClickHouse(ctx, *conf.ClickHouse, logger)
		if err != nil {
			return nil, multierr.Combine(err, opened())
		}
		p.sinks = append(p.sinks, ch)
		p.closers = append(p.closers, ch)
	}

	dial := unitlink.SerialDialer(conf.Serial)
	p.connect = func(ctx context.Context) (unitlink.DeviceLink, unitlink.Firmware, error) {
		return unitlink.Connect(ctx, dial, unitlink.Options{}, logger)
	}

	s, err := makeStation(ctx, *conf, profile, c.ResourceName(), p, logger)
	if err != nil {
		return nil, multierr.Combine(err, opened())
	}
	return s, nil
}

// makeStation is separate from newStation so fakes for the jig, the unit and
// the sinks can be injected in tests.
func makeStation(ctx context.Context, conf Config, profile StationProfile, name resource.Name,
	p parts, logger logging.Logger,
) (*Station, error) {
	limits, err := profile.limits()
	if err != nil {
		return nil, err
	}
	suite, err := runner.ForName(profile.Suite, runner.Options{ValveReset: *profile.ValveReset})
	if err != nil {
		return nil, err
	}
	if profile.CurrentFactor == 0 {
		logger.CWarnf(ctx, "no current factor known for fixture %s, charge current tests will fail", profile.FixtureName)
	}
	now := p.now
	if now == nil {
		now = time.Now
	}

	registry := prometheus.NewRegistry()
	var hist runner.History
	if p.history != nil {
		hist = p.history
	}
	s := &Station{
		Named:     name.AsNamed(),
		profile:   profile,
		jig:       p.jig,
		connect:   p.connect,
		limits:    limits,
		artifacts: resultlog.NewArtifacts(profile.LogRoot),
		history:   p.history,
		registry:  registry,
		closers:   p.closers,
		logger:    logger,
		now:       now,
	}
	s.runner = runner.New(runner.Config{
		Suite:   suite,
		Fixture: profile.FixtureName,
		Sinks:   p.sinks,
		History: hist,
		Metrics: runner.NewMetrics(registry),
		Logger:  logger,
		Now:     now,
	})
	if conf.Cloud != nil {
		s.cloud = cloud.NewClient(*conf.Cloud, logger)
	}
	s.cancelCtx, s.cancelFunc = context.WithCancel(context.Background())
	logger.CInfof(ctx, "station %s ready: %s suite, thresholds %s", profile.FixtureName, suite.Name, limits)

	if conf.HTTPAddr != "" {
		srv := operator.NewServer(s, registry, logger)
		s.goBackground(func(ctx context.Context) {
			if err := srv.Listen(ctx, conf.HTTPAddr); err != nil {
				logger.Errorf("operator api: %v", err)
			}
		})
	}
	return s, nil
}

func (s *Station) goBackground(f func(ctx context.Context)) {
	s.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.workers.Done()
		f(s.cancelCtx)
	})
}

// session connects the unit on the jig and prepares the record for it. The
// returned close func must be called when the test is over.
func (s *Station) session(ctx context.Context) (*steps.Env, func(), error) {
	link, fw, err := s.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	u := unit.New(s.now())
	if link, err = s.prepare(ctx, link, fw, u); err != nil {
		if link != nil {
			err = multierr.Combine(err, link.Close())
		}
		return nil, nil, err
	}
	env := &steps.Env{
		Link:    link,
		Fixture: s.jig,
		Unit:    u,
		Limits:  s.limits,
		Profile: steps.Profile{
			FixtureName:        s.profile.FixtureName,
			FactoryLocation:    s.profile.FactoryLocation,
			CurrentFactor:      s.profile.CurrentFactor,
			FullyOpenWriteBack: s.profile.FullyOpenWriteBack,
		},
		Artifacts: s.artifacts,
		Cloud:     s.cloud,
		Logger:    s.logger,
		Now:       s.now,
	}
	return env, func() {
		if err := link.Close(); err != nil {
			s.logger.Warnf("closing unit link: %v", err)
		}
	}, nil
}

// Run tests the unit on the jig with the full suite and waits for the result.
func (s *Station) Run(ctx context.Context) (*runner.Report, error) {
	release, err := s.runner.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return s.run(ctx)
}

func (s *Station) run(ctx context.Context) (*runner.Report, error) {
	env, done, err := s.session(ctx)
	if err != nil {
		s.runner.Reject(ctx, err)
		return nil, err
	}
	defer done()
	return s.runner.Run(ctx, env)
}

// StartRun implements operator.Controller. The run outlives the request and
// stops only on Abort or Close.
func (s *Station) StartRun(context.Context) error {
	release, err := s.runner.Acquire()
	if err != nil {
		return err
	}
	s.goBackground(func(ctx context.Context) {
		defer release()
		//nolint:errcheck
		s.run(ctx)
	})
	return nil
}

// RunStep implements operator.Controller.
func (s *Station) RunStep(ctx context.Context, name string) (steps.Result, error) {
	st, ok := s.runner.Suite().Find(name)
	if !ok {
		return steps.Result{}, errors.Wrap(runner.ErrNoSuchStep, name)
	}
	if st.Kind() == steps.KindVacuum {
		return steps.Result{}, runner.ErrNotStandalone
	}
	release, err := s.runner.Acquire()
	if err != nil {
		return steps.Result{}, err
	}
	defer release()
	env, done, err := s.session(ctx)
	if err != nil {
		return steps.Result{}, err
	}
	defer done()
	return s.runner.RunStep(ctx, env, name)
}

// Abort implements operator.Controller.
func (s *Station) Abort() {
	s.runner.Abort()
}

// TurnValve90 implements operator.Controller.
func (s *Station) TurnValve90(ctx context.Context) (int, error) {
	release, err := s.runner.Acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	env, done, err := s.session(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return steps.TurnValve90(ctx, env.Link)
}

// Status implements operator.Controller.
func (s *Station) Status() runner.Status {
	return s.runner.Status()
}

// History implements operator.Controller.
func (s *Station) History(deviceID string, limit int) ([]history.Run, error) {
	if s.history == nil {
		return nil, errors.New("no test history configured")
	}
	return s.history.Runs(deviceID, limit)
}

// DoCommand() related constants.
const (
	Command        = "command"
	CmdRun         = "run"
	CmdRunStep     = "run_step"
	CmdAbort       = "abort"
	CmdTurnValve90 = "turn_valve_90"
	CmdStatus      = "status"
	CmdHistory     = "history"
	StepKey        = "step"
	DeviceIDKey    = "device_id"
	LimitKey       = "limit"
	defaultLimit   = 20
)

// DoCommand exposes the station's controls.
func (s *Station) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case CmdRun:
		if _, err := s.Run(ctx); err != nil {
			return nil, errors.New(runner.OperatorMessage(err))
		}
		return toMap(s.Status().Last)
	case CmdRunStep:
		step, ok := cmd[StepKey].(string)
		if !ok {
			return nil, errors.Errorf("need %s value for %s", StepKey, CmdRunStep)
		}
		res, err := s.RunStep(ctx, step)
		if err != nil {
			return nil, errors.New(runner.OperatorMessage(err))
		}
		return map[string]interface{}{
			"step":    res.Step,
			"passed":  res.Passed(),
			"result":  res.Outcome.String(),
			"seconds": res.Elapsed.Seconds(),
		}, nil
	case CmdAbort:
		s.Abort()
		return map[string]interface{}{"aborting": s.runner.Running()}, nil
	case CmdTurnValve90:
		pos, err := s.TurnValve90(ctx)
		if err != nil {
			return nil, errors.New(runner.OperatorMessage(err))
		}
		return map[string]interface{}{"valve_position": pos}, nil
	case CmdStatus:
		return toMap(s.Status())
	case CmdHistory:
		id, ok := cmd[DeviceIDKey].(string)
		if !ok || id == "" {
			return nil, errors.Errorf("need %s value for %s", DeviceIDKey, CmdHistory)
		}
		limit := defaultLimit
		if v, ok := cmd[LimitKey].(float64); ok {
			limit = int(v)
		}
		runs, err := s.History(id, limit)
		if err != nil {
			return nil, err
		}
		n, err := s.history.Count(id)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{"count": n}
		list := make([]interface{}, 0, len(runs))
		for _, r := range runs {
			m, err := toMap(r)
			if err != nil {
				return nil, err
			}
			list = append(list, m)
		}
		out["runs"] = list
		return out, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

// toMap converts v to the plain map form DoCommand results need.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops any background run, waits for it to reset the jig, and closes
// the sinks.
func (s *Station) Close(ctx context.Context) error {
	s.runner.Abort()
	s.cancelFunc()
	s.workers.Wait()
	return closeAll(s.closers)
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = multierr.Combine(err, c.Close())
	}
	return err
}
