// Package publish forwards finished runs to the plant's MQTT broker and to the
// ClickHouse production warehouse.
package publish

import (
	"strings"
	"time"

	"github.com/oto-labs/eol-station/resultlog"
	"github.com/oto-labs/eol-station/runner"
)

// unnamed stands in for the device id of units that failed before getting one.
const unnamed = "unnamed"

// Record is the published form of a run: the production log row keyed by
// column plus the fields consumers filter on.
type Record struct {
	Fixture        string            `json:"fixture"`
	Suite          string            `json:"suite"`
	DeviceID       string            `json:"device_id"`
	Started        time.Time         `json:"started"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	Passed         bool              `json:"passed"`
	FailedStep     string            `json:"failed_step,omitempty"`
	FailedMessage  string            `json:"failed_message,omitempty"`
	Columns        map[string]string `json:"columns"`
}

// NewRecord builds the Record of rep. Empty log columns are left out.
func NewRecord(rep *runner.Report) (Record, error) {
	row, err := resultlog.BuildRow(rep)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Fixture:        rep.Fixture,
		Suite:          rep.Suite,
		DeviceID:       rep.Unit.DeviceID,
		Started:        rep.Started,
		ElapsedSeconds: rep.Elapsed.Seconds(),
		Passed:         rep.Passed,
		FailedStep:     rep.Unit.FailedStep,
		FailedMessage:  rep.Unit.FailedMessage,
		Columns:        make(map[string]string, len(row)),
	}
	if rec.DeviceID == "" {
		rec.DeviceID = unnamed
	}
	for i, v := range row {
		if v != "" {
			rec.Columns[resultlog.Columns[i]] = v
		}
	}
	return rec, nil
}

// formatTopic fills the {fixture} and {device_id} placeholders.
func formatTopic(pattern string, rec Record) string {
	return strings.NewReplacer("{fixture}", rec.Fixture, "{device_id}", rec.DeviceID).Replace(pattern)
}
