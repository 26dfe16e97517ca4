package resultlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/thresholds"
)

// Log appends run rows to the station's production file. EOL stations start a
// new file every ISO week; returns stations keep one file.
type Log struct {
	root    string
	fixture string
	suite   string
	logger  logging.Logger

	mu sync.Mutex
}

var _ runner.Sink = (*Log)(nil)

// NewLog returns a Log writing under root.
func NewLog(root, fixture, suite string, logger logging.Logger) *Log {
	return &Log{root: root, fixture: fixture, suite: suite, logger: logger}
}

// Path is the file a run started at t is logged to.
func (l *Log) Path(t time.Time) string {
	if l.suite == thresholds.Returns {
		return filepath.Join(l.root, l.fixture+"ReturnsData.csv")
	}
	_, week := t.ISOWeek()
	return filepath.Join(l.root, fmt.Sprintf("%sProductionData%s%02d.csv", l.fixture, t.Format("06"), week))
}

// Record implements runner.Sink.
func (l *Log) Record(ctx context.Context, rep *runner.Report) (err error) {
	r, err := BuildRow(rep)
	if err != nil {
		return err
	}
	path := l.Path(rep.Started)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrap(err, "creating log directory")
	}
	//nolint:gosec
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Columns); err != nil {
			return err
		}
	}
	if err := w.Write(r); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	l.logger.CInfof(ctx, "logged %s to %s", rep.Unit.DeviceID, path)
	return nil
}
