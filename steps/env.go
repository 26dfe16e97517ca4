// Package steps implements the end of line test steps. Each step drives the
// unit and the jig through one physical check and reduces what it measured to
// an Outcome plus a typed payload.
package steps

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/oto-labs/eol-station/cloud"
	"github.com/oto-labs/eol-station/fixture"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
)

// Profile is the part of the station profile the steps read.
type Profile struct {
	FixtureName     string
	FactoryLocation string
	// CurrentFactor corrects the charge meter of this fixture. Zero means the
	// fixture was never calibrated.
	CurrentFactor float64
	// FullyOpenWriteBack makes the fully open test write each tentative valve
	// offset to the unit instead of only shifting its probe targets.
	FullyOpenWriteBack bool
}

// Series is one line or point set of a Plot.
type Series struct {
	Label  string
	X, Y   []float64
	Points bool
}

// Plot is a chart saved next to an artifact.
type Plot struct {
	Title  string
	XLabel string
	YLabel string
	Series []Series
}

// Artifact is the raw data of one step invocation.
type Artifact struct {
	// Folder groups artifacts of one step, e.g. "Zero P".
	Folder string
	// File overrides the timestamp file name.
	File    string
	Columns []string
	Rows    [][]string
	// Info lines fill an extra last column, one per row.
	InfoColumn string
	Info       []string
	Plot       *Plot
}

// Artifacts stores step artifacts for a device.
type Artifacts interface {
	Save(ctx context.Context, deviceID string, at time.Time, a Artifact) error
}

// Cloud is the part of the cloud client the steps use.
type Cloud interface {
	IssueSerial(ctx context.Context, req cloud.SerialRequest) (string, error)
	SaveUnit(ctx context.Context, u *unit.UnitUnderTest) error
}

var _ Cloud = (*cloud.Client)(nil)

// Env is what a step runs against. Link, Fixture, Unit, Limits and Logger are
// required; Artifacts and Cloud may be nil.
type Env struct {
	Link      unitlink.DeviceLink
	Fixture   fixture.IO
	Unit      *unit.UnitUnderTest
	Limits    *thresholds.Table
	Profile   Profile
	Artifacts Artifacts
	Cloud     Cloud
	Logger    logging.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) since(t time.Time) time.Duration { return e.now().Sub(t) }

// wait pauses for d and returns the context's error if it ends first.
func (e *Env) wait(ctx context.Context, d time.Duration) error {
	sleep := e.Sleep
	if sleep == nil {
		sleep = utils.SelectContextOrWait
	}
	if !sleep(ctx, d) {
		return ctx.Err()
	}
	return nil
}

// sensor reads the fitted pressure sensor and returns its threshold key.
func (e *Env) sensor(ctx context.Context) (thresholds.Sensor, error) {
	ps, err := e.Link.PressureSensor(ctx)
	if err != nil {
		return "", errors.Wrap(err, "reading pressure sensor version")
	}
	e.Unit.Sensor = ps
	return e.Unit.SensorKey()
}

// save stores an artifact when the unit has a name. Storage problems are
// logged, they never fail a step.
func (e *Env) save(ctx context.Context, a Artifact) {
	if e.Artifacts == nil || e.Unit.DeviceID == "" {
		return
	}
	if err := e.Artifacts.Save(ctx, e.Unit.DeviceID, e.now(), a); err != nil {
		e.Logger.CWarnf(ctx, "saving %s artifact: %v", a.Folder, err)
	}
}

// Step is one physical check.
type Step interface {
	Name() string
	Kind() Kind
	// Run performs the check. Measurements outside their limits are a failing
	// Outcome; an error means the step could not be carried out.
	Run(ctx context.Context, env *Env) (Outcome, Payload, error)
}

// Execute runs s, times it and logs the outcome.
func Execute(ctx context.Context, env *Env, s Step) (Result, error) {
	start := env.now()
	out, payload, err := s.Run(ctx, env)
	res := Result{
		Step:    s.Name(),
		Kind:    s.Kind(),
		Outcome: out,
		Elapsed: env.since(start),
		Payload: payload,
	}
	if err != nil {
		return res, errors.Wrap(err, s.Name())
	}
	if payload == nil || payload.Kind() != s.Kind() {
		return res, errors.Errorf("step %s (%s) returned payload %T", s.Name(), s.Kind(), payload)
	}
	env.Logger.CInfof(ctx, "%s %.3fs %s", s.Name(), res.Elapsed.Seconds(), out)
	return res, nil
}

const noHardwareID = "FIRMWARE DOESN'T HAVE HARDWARE IDENTIFIER -v?"

// num formats like the operator messages always have: shortest decimal form,
// never an exponent.
func num(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }

// deg formats a centidegree value in degrees.
func deg(centideg int) string { return num(float64(centideg) / 100) }

// commas formats x rounded to an integer with thousands separators.
func commas(x float64) string {
	s := strconv.FormatFloat(x, 'f', 0, 64)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
