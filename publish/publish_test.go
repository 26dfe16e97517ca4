package publish

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/steps"
	"github.com/oto-labs/eol-station/thresholds"
	"github.com/oto-labs/eol-station/unit"
)

type token struct {
	err     error
	timeout bool
}

func (t *token) Wait() bool                     { return !t.timeout }
func (t *token) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *token) Error() error                   { return t.err }
func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mqtt.Client
	sent         []published
	tok          *token
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	//nolint:forcetypeassert
	c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if c.tok == nil {
		return &token{}
	}
	return c.tok
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

type fakeConn struct {
	driver.Conn
	queries []string
	args    [][]any
	execErr error
	closed  bool
}

func (c *fakeConn) Exec(_ context.Context, query string, args ...any) error {
	c.queries = append(c.queries, query)
	c.args = append(c.args, args)
	return c.execErr
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testReport(deviceID string) *runner.Report {
	at := time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)
	u := unit.New(at)
	u.DeviceID = deviceID
	u.BatteryVoltage = 4.01
	u.FailedStep = "Battery"
	u.FailedMessage = "Battery voltage too low"
	return &runner.Report{
		Suite:   thresholds.EOL,
		Fixture: "MecoChina2",
		Unit:    u,
		Started: at,
		Elapsed: 12500 * time.Millisecond,
		Results: []steps.Result{{
			Step:    "Battery",
			Kind:    steps.KindBattery,
			Outcome: steps.Fail("Battery voltage too low"),
			Elapsed: time.Second,
			Payload: steps.BatteryPayload{},
		}},
	}
}

func TestNewRecord(t *testing.T) {
	rec, err := NewRecord(testReport("oto1234567"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.DeviceID, test.ShouldEqual, "oto1234567")
	test.That(t, rec.ElapsedSeconds, test.ShouldEqual, 12.5)
	test.That(t, rec.FailedStep, test.ShouldEqual, "Battery")
	test.That(t, rec.Columns["Battery"], test.ShouldEqual, "4.01")
	test.That(t, rec.Columns["Passed"], test.ShouldEqual, "False")
	_, ok := rec.Columns["Solar Voltage"]
	test.That(t, ok, test.ShouldBeFalse)

	rec, err = NewRecord(testReport(""))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.DeviceID, test.ShouldEqual, "unnamed")

	test.That(t, formatTopic(DefaultTopic, rec), test.ShouldEqual, "oto/eol/MecoChina2/unnamed")
}

func TestMQTTRecord(t *testing.T) {
	client := &fakeClient{}
	m := NewMQTT(client, MQTTConfig{Topic: "plant/{fixture}/runs/{device_id}", QoS: 1}, logging.NewTestLogger(t))
	test.That(t, m.Record(context.Background(), testReport("oto1234567")), test.ShouldBeNil)

	test.That(t, client.sent, test.ShouldHaveLength, 1)
	test.That(t, client.sent[0].topic, test.ShouldEqual, "plant/MecoChina2/runs/oto1234567")
	test.That(t, client.sent[0].qos, test.ShouldEqual, byte(1))
	var rec Record
	test.That(t, json.Unmarshal(client.sent[0].payload, &rec), test.ShouldBeNil)
	test.That(t, rec.Suite, test.ShouldEqual, thresholds.EOL)
	test.That(t, rec.Columns["Device ID"], test.ShouldEqual, "oto1234567")

	test.That(t, m.Close(), test.ShouldBeNil)
	test.That(t, client.disconnected, test.ShouldBeTrue)
}

func TestMQTTRecordErrors(t *testing.T) {
	client := &fakeClient{tok: &token{err: errors.New("not connected")}}
	m := NewMQTT(client, MQTTConfig{}, logging.NewTestLogger(t))
	err := m.Record(context.Background(), testReport("oto1234567"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not connected")
	test.That(t, client.sent[0].topic, test.ShouldEqual, "oto/eol/MecoChina2/oto1234567")

	client.tok = &token{timeout: true}
	err = m.Record(context.Background(), testReport("oto1234567"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "timed out")

	err = m.Record(context.Background(), &runner.Report{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, client.sent, test.ShouldHaveLength, 2)
}

func TestConfigValidate(t *testing.T) {
	m := &MQTTConfig{}
	test.That(t, m.Validate("station.mqtt"), test.ShouldNotBeNil)
	m.Broker = "tcp://broker:1883"
	test.That(t, m.Validate("station.mqtt"), test.ShouldBeNil)
	m.QoS = 3
	test.That(t, m.Validate("station.mqtt"), test.ShouldNotBeNil)

	c := &ClickHouseConfig{}
	test.That(t, c.Validate("station.clickhouse"), test.ShouldNotBeNil)
	c.Addr = "warehouse:9000"
	test.That(t, c.Validate("station.clickhouse"), test.ShouldBeNil)
	c.Table = "runs; DROP TABLE x"
	test.That(t, c.Validate("station.clickhouse"), test.ShouldNotBeNil)
}

func TestClickHouse(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	c, err := NewClickHouse(ctx, conn, "", logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conn.queries, test.ShouldHaveLength, 1)
	test.That(t, conn.queries[0], test.ShouldStartWith, "CREATE TABLE IF NOT EXISTS eol_runs")

	test.That(t, c.Record(ctx, testReport("oto1234567")), test.ShouldBeNil)
	test.That(t, conn.queries, test.ShouldHaveLength, 2)
	test.That(t, strings.HasPrefix(conn.queries[1], "INSERT INTO eol_runs"), test.ShouldBeTrue)
	args := conn.args[1]
	test.That(t, args, test.ShouldHaveLength, 9)
	test.That(t, args[1], test.ShouldEqual, "MecoChina2")
	test.That(t, args[3], test.ShouldEqual, "oto1234567")
	test.That(t, args[4], test.ShouldEqual, uint8(0))
	test.That(t, args[5], test.ShouldEqual, "Battery")
	//nolint:forcetypeassert
	test.That(t, args[8].(string), test.ShouldContainSubstring, `"Battery":"4.01"`)

	conn.execErr = errors.New("table is read only")
	err = c.Record(ctx, testReport("oto1234567"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "read only")

	test.That(t, c.Close(), test.ShouldBeNil)
	test.That(t, conn.closed, test.ShouldBeTrue)

	_, err = NewClickHouse(ctx, &fakeConn{execErr: errors.New("denied")}, "runs", logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
