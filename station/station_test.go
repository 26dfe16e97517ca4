package station

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/oto-labs/eol-station/cloud"
	finject "github.com/oto-labs/eol-station/fixture/inject"
	"github.com/oto-labs/eol-station/history"
	"github.com/oto-labs/eol-station/publish"
	"github.com/oto-labs/eol-station/resultlog"
	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
	"github.com/oto-labs/eol-station/unitlink"
	linject "github.com/oto-labs/eol-station/unitlink/inject"
)

var testTime = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

func TestValidate(t *testing.T) {
	c := &Config{}
	_, _, err := c.Validate("station")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "board")

	c.Board = "jig-controller"
	deps, opt, err := c.Validate("station")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"jig-controller"})
	test.That(t, opt, test.ShouldBeEmpty)

	c.Profile.Suite = "burn-in"
	_, _, err = c.Validate("station")
	test.That(t, err, test.ShouldNotBeNil)
	c.Profile.Suite = thresholds.Returns

	c.Meter = &MeterConfig{}
	_, _, err = c.Validate("station")
	test.That(t, err, test.ShouldNotBeNil)
	c.Meter.I2CBus = "1"

	c.Cloud = &cloud.Config{SerialURL: "https://example.invalid/serial"}
	_, _, err = c.Validate("station")
	test.That(t, err, test.ShouldNotBeNil)
	c.Cloud.Key = "secret"

	c.MQTT = &publish.MQTTConfig{}
	_, _, err = c.Validate("station")
	test.That(t, err, test.ShouldNotBeNil)
	c.MQTT.Broker = "tcp://broker:1883"

	c.ClickHouse = &publish.ClickHouseConfig{Addr: "warehouse:9000"}
	_, _, err = c.Validate("station")
	test.That(t, err, test.ShouldBeNil)
}

func TestProfileResolve(t *testing.T) {
	p, err := StationProfile{FixtureName: "MecoChina2", LogRoot: "/data"}.resolve(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Suite, test.ShouldEqual, thresholds.EOL)
	test.That(t, p.Thresholds, test.ShouldEqual, thresholds.EOL)
	test.That(t, p.CurrentFactor, test.ShouldEqual, 0.955)
	test.That(t, *p.ValveReset, test.ShouldBeTrue)
	test.That(t, p.FullyOpenWriteBack, test.ShouldBeFalse)

	p, err = StationProfile{FixtureName: "MecoChina2", CurrentFactor: 0.9}.resolve(map[string]string{
		EnvFixtureName:        "OTOLab1",
		EnvLogRoot:            "/srv/eol",
		EnvSuite:              thresholds.Returns,
		EnvFullyOpenWriteBack: "true",
		EnvValveReset:         "false",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.FixtureName, test.ShouldEqual, "OTOLab1")
	test.That(t, p.LogRoot, test.ShouldEqual, "/srv/eol")
	test.That(t, p.Thresholds, test.ShouldEqual, thresholds.Returns)
	test.That(t, p.CurrentFactor, test.ShouldEqual, 0.9)
	test.That(t, p.FullyOpenWriteBack, test.ShouldBeTrue)
	test.That(t, *p.ValveReset, test.ShouldBeFalse)

	p, err = StationProfile{FixtureName: "Bench7", LogRoot: "/data"}.resolve(map[string]string{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.CurrentFactor, test.ShouldEqual, 0.0)

	_, err = StationProfile{LogRoot: "/data"}.resolve(nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, EnvFixtureName)
	_, err = StationProfile{FixtureName: "OTOLab1"}.resolve(nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = StationProfile{FixtureName: "OTOLab1", LogRoot: "/data"}.resolve(map[string]string{EnvCurrentFactor: "abc"})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = StationProfile{FixtureName: "OTOLab1", LogRoot: "/data"}.resolve(map[string]string{EnvSuite: "burn-in"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "station.env")
	err := os.WriteFile(file, []byte("EOL_FIXTURE_NAME=MecoChina4\nEOL_CURRENT_FACTOR=0.97\n"), 0o600)
	test.That(t, err, test.ShouldBeNil)
	t.Setenv(EnvCurrentFactor, "0.99")

	env, err := loadEnv(file)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, env[EnvFixtureName], test.ShouldEqual, "MecoChina4")
	test.That(t, env[EnvCurrentFactor], test.ShouldEqual, "0.99")

	_, err = loadEnv(filepath.Join(t.TempDir(), "missing.env"))
	test.That(t, err, test.ShouldNotBeNil)
}

type harness struct {
	station *Station
	io      *finject.IO
	links   []*linject.Link
	history *history.Store
	root    string
}

// newHarness builds a station whose connector hands out the given links in
// order.
func newHarness(t *testing.T, links ...*linject.Link) *harness {
	t.Helper()
	root := t.TempDir()
	logger := logging.NewTestLogger(t)
	profile, err := StationProfile{FixtureName: "OTOLab1", LogRoot: root}.resolve(nil)
	test.That(t, err, test.ShouldBeNil)
	store, err := history.Open(filepath.Join(root, "history.db"), logger)
	test.That(t, err, test.ShouldBeNil)

	h := &harness{io: &finject.IO{}, links: links, history: store, root: root}
	next := 0
	p := parts{
		jig: h.io,
		connect: func(ctx context.Context) (unitlink.DeviceLink, unitlink.Firmware, error) {
			if next >= len(h.links) {
				return nil, "", errors.Wrap(unitlink.ErrPingFailed, "no answer")
			}
			l := h.links[next]
			next++
			return l, l.FW, nil
		},
		sinks:   []runner.Sink{resultlog.NewLog(root, profile.FixtureName, profile.Suite, logger), store},
		closers: []io.Closer{store},
		history: store,
		now:     func() time.Time { return testTime },
	}
	s, err := makeStation(context.Background(), Config{}, profile, generic.Named("station"), p, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { test.That(t, s.Close(context.Background()), test.ShouldBeNil) })
	h.station = s
	return h
}

func TestPrepareKeepsOffsetsOverFlashReset(t *testing.T) {
	first := &linject.Link{
		FW:           "v3.6.2-v5",
		MAC:          "A4:CF:12:00:11:22",
		ID:           "oto1234567",
		Account:      "customer-42",
		Sensor:       unitlink.PressureSensorMPRL30PSIGauge,
		ValveOffset:  1234,
		NozzleOffset: 567,
	}
	second := &linject.Link{FW: "v3.6.2-v5"}
	h := newHarness(t, second)

	u := unit.New(testTime)
	link, err := h.station.prepare(context.Background(), first, first.FW, u)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, link, test.ShouldEqual, second)
	test.That(t, u.Firmware, test.ShouldEqual, unitlink.Firmware("v3.6.2-v5"))
	test.That(t, u.MACAddress, test.ShouldEqual, "A4:CF:12:00:11:22")
	test.That(t, u.DeviceID, test.ShouldEqual, "oto1234567")
	test.That(t, u.Sensor, test.ShouldEqual, unitlink.PressureSensorMPRL30PSIGauge)

	test.That(t, first.CallsWithPrefix("ResetFlashConstants"), test.ShouldHaveLength, 1)
	test.That(t, first.CallsWithPrefix("Close"), test.ShouldHaveLength, 1)
	test.That(t, second.Calls(), test.ShouldResemble, []string{"SetValveHome 1234", "SetNozzleHome 567"})
}

func TestPrepareWithoutAccount(t *testing.T) {
	link := &linject.Link{FW: "v2.9.0", MAC: "A4:CF:12:00:11:22", ID: "not-a-name"}
	h := newHarness(t)

	u := unit.New(testTime)
	got, err := h.station.prepare(context.Background(), link, link.FW, u)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, link)
	test.That(t, u.DeviceID, test.ShouldEqual, "")
	test.That(t, link.CallsWithPrefix("ResetFlashConstants"), test.ShouldBeEmpty)
	test.That(t, link.CallsWithPrefix("Close"), test.ShouldBeEmpty)

	link.AccountIDFunc = func(context.Context) (string, error) { return "", unitlink.ErrTimeout }
	_, err = h.station.prepare(context.Background(), link, link.FW, u)
	test.That(t, errors.Is(err, unitlink.ErrTimeout), test.ShouldBeTrue)
}

func TestDoCommandErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.station.DoCommand(ctx, map[string]interface{}{})
	test.That(t, err.Error(), test.ShouldEqual, "missing command value")
	_, err = h.station.DoCommand(ctx, map[string]interface{}{Command: "dance"})
	test.That(t, err.Error(), test.ShouldEqual, "no such command: dance")
	_, err = h.station.DoCommand(ctx, map[string]interface{}{Command: CmdRunStep})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = h.station.DoCommand(ctx, map[string]interface{}{Command: CmdRunStep, StepKey: "pump vacuum"})
	test.That(t, err.Error(), test.ShouldEqual, "This test cannot be run by itself.")
	_, err = h.station.DoCommand(ctx, map[string]interface{}{Command: CmdHistory})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = h.station.DoCommand(ctx, map[string]interface{}{Command: CmdRun})
	test.That(t, err.Error(), test.ShouldEqual, "No OtO found. Check that the grey ribbon cable is plugged into OtO.")
	out, err := h.station.DoCommand(ctx, map[string]interface{}{Command: CmdStatus})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["running"], test.ShouldEqual, false)
	//nolint:forcetypeassert
	last := out["last"].(map[string]interface{})
	test.That(t, last["passed"], test.ShouldEqual, false)
	test.That(t, last["message"], test.ShouldContainSubstring, "grey ribbon cable")
}

func TestDoCommandRun(t *testing.T) {
	link := &linject.Link{
		FW:  "v3.6.2-v5",
		MAC: "A4:CF:12:00:11:22",
		ID:  "oto1234567",
		HardwareIDFunc: func(context.Context) (string, error) {
			return "", unitlink.ErrNotInitialized
		},
	}
	h := newHarness(t, link)
	ctx := context.Background()

	out, err := h.station.DoCommand(ctx, map[string]interface{}{Command: CmdRun})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["device_id"], test.ShouldEqual, "oto1234567")
	test.That(t, out["passed"], test.ShouldEqual, false)
	test.That(t, out["failed_step"], test.ShouldEqual, "Unit Name")
	test.That(t, out["failed_message"], test.ShouldEqual, "OtO computer doesn't have a BOM, can't be tested.")
	test.That(t, out["message"], test.ShouldEqual, runner.MessageFailed)
	test.That(t, link.CallsWithPrefix("Close"), test.ShouldHaveLength, 1)
	test.That(t, h.io.Energized(), test.ShouldBeFalse)

	_, err = os.Stat(filepath.Join(h.root, "OTOLab1ProductionData2411.csv"))
	test.That(t, err, test.ShouldBeNil)

	out, err = h.station.DoCommand(ctx, map[string]interface{}{Command: CmdHistory, DeviceIDKey: "oto1234567"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["count"], test.ShouldEqual, 1)
	//nolint:forcetypeassert
	runs := out["runs"].([]interface{})
	test.That(t, runs, test.ShouldHaveLength, 1)
	//nolint:forcetypeassert
	test.That(t, runs[0].(map[string]interface{})["failed_step"], test.ShouldEqual, "Unit Name")
}

func TestDoCommandTurnValve(t *testing.T) {
	link := &linject.Link{
		FW: "v3.6.2-v5",
		SensorsFunc: func(context.Context) (unitlink.Sample, error) {
			return unitlink.Sample{ValvePosition: 30000}, nil
		},
	}
	h := newHarness(t, link)

	out, err := h.station.DoCommand(context.Background(), map[string]interface{}{Command: CmdTurnValve90})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["valve_position"], test.ShouldEqual, 3000)
	test.That(t, link.CallsWithPrefix("SetValvePosition"), test.ShouldResemble, []string{"SetValvePosition 3000 true"})
	test.That(t, link.CallsWithPrefix("Close"), test.ShouldHaveLength, 1)
	test.That(t, h.station.Status().Running, test.ShouldBeFalse)
}

func TestStartRunIsExclusive(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	h.station.connect = func(ctx context.Context) (unitlink.DeviceLink, unitlink.Firmware, error) {
		close(entered)
		<-ctx.Done()
		return nil, "", ctx.Err()
	}

	test.That(t, h.station.StartRun(context.Background()), test.ShouldBeNil)
	<-entered
	test.That(t, h.station.Status().Running, test.ShouldBeTrue)
	test.That(t, errors.Is(h.station.StartRun(context.Background()), runner.ErrBusy), test.ShouldBeTrue)
	_, err := h.station.TurnValve90(context.Background())
	test.That(t, errors.Is(err, runner.ErrBusy), test.ShouldBeTrue)

	// Close cancels the background run and waits for it.
	test.That(t, h.station.Close(context.Background()), test.ShouldBeNil)
	test.That(t, h.station.Status().Running, test.ShouldBeFalse)
}
