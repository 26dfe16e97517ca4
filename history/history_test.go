package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
)

func report(deviceID string, passed bool, at time.Time) *runner.Report {
	u := unit.New(at)
	u.DeviceID = deviceID
	u.ValveOffset = 1200
	if !passed {
		u.FailedStep = "Pump 2"
		u.FailedMessage = "Pump 2 current too low"
	}
	return &runner.Report{
		Suite:   thresholds.EOL,
		Fixture: "OTOLab1",
		Unit:    u,
		Started: at,
		Elapsed: 90 * time.Second,
		Passed:  passed,
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	at := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	test.That(t, s.Record(ctx, report("oto1234567", false, at)), test.ShouldBeNil)
	test.That(t, s.Record(ctx, report("oto1234567", true, at.Add(time.Hour))), test.ShouldBeNil)
	test.That(t, s.Record(ctx, report("oto7654321", true, at)), test.ShouldBeNil)
	test.That(t, s.Record(ctx, report("", true, at)), test.ShouldBeNil)

	n, err := s.Count("oto1234567")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)
	n, err = s.Count("oto0000000")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)

	runs, err := s.Runs("oto1234567", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, runs, test.ShouldHaveLength, 2)
	test.That(t, runs[0].Seq, test.ShouldEqual, uint64(2))
	test.That(t, runs[0].Passed, test.ShouldBeTrue)
	test.That(t, runs[0].Started.Equal(at.Add(time.Hour)), test.ShouldBeTrue)
	test.That(t, runs[1].FailedStep, test.ShouldEqual, "Pump 2")
	test.That(t, runs[1].Unit.ValveOffset, test.ShouldEqual, 1200)
	test.That(t, runs[1].Fixture, test.ShouldEqual, "OTOLab1")

	runs, err = s.Runs("oto1234567", 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, runs, test.ShouldHaveLength, 1)
	test.That(t, runs[0].Seq, test.ShouldEqual, uint64(2))

	runs, err = s.Runs("oto0000000", 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, runs, test.ShouldBeEmpty)

	test.That(t, s.Close(), test.ShouldBeNil)

	s, err = Open(path, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()
	n, err = s.Count("oto7654321")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
}
