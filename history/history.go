// Package history keeps a per device record of every finished run in a local
// bbolt file so operators can see how often a unit has been on the jig.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.viam.com/rdk/logging"

	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/unit"
)

var runsBucket = []byte("runs")

// Run is one stored run of a device.
type Run struct {
	Seq           uint64             `json:"seq"`
	Suite         string             `json:"suite"`
	Fixture       string             `json:"fixture"`
	Started       time.Time          `json:"started"`
	Elapsed       time.Duration      `json:"elapsed"`
	Passed        bool               `json:"passed"`
	FailedStep    string             `json:"failed_step,omitempty"`
	FailedMessage string             `json:"failed_message,omitempty"`
	Unit          unit.UnitUnderTest `json:"unit"`
}

// Store is the run history database.
type Store struct {
	db     *bolt.DB
	logger logging.Logger
}

var (
	_ runner.Sink    = (*Store)(nil)
	_ runner.History = (*Store)(nil)
)

// Open opens or creates the history file at path.
func Open(path string, logger logging.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening history %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "creating runs bucket")
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record implements runner.Sink. Runs of units that never got a device id are
// not kept.
func (s *Store) Record(ctx context.Context, rep *runner.Report) error {
	if rep.Unit == nil || rep.Unit.DeviceID == "" {
		return nil
	}
	run := Run{
		Suite:         rep.Suite,
		Fixture:       rep.Fixture,
		Started:       rep.Started,
		Elapsed:       rep.Elapsed,
		Passed:        rep.Passed,
		FailedStep:    rep.Unit.FailedStep,
		FailedMessage: rep.Unit.FailedMessage,
		Unit:          *rep.Unit,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		dev, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte(rep.Unit.DeviceID))
		if err != nil {
			return err
		}
		seq, err := dev.NextSequence()
		if err != nil {
			return err
		}
		run.Seq = seq
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return dev.Put(key(seq), data)
	})
	if err != nil {
		return errors.Wrapf(err, "storing run of %s", rep.Unit.DeviceID)
	}
	s.logger.CDebugf(ctx, "stored run %d of %s", run.Seq, rep.Unit.DeviceID)
	return nil
}

// Count implements runner.History.
func (s *Store) Count(deviceID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		dev := tx.Bucket(runsBucket).Bucket([]byte(deviceID))
		if dev == nil {
			return nil
		}
		n = dev.Stats().KeyN
		return nil
	})
	return n, err
}

// Runs returns up to limit runs of deviceID, newest first. A limit of zero or
// less returns every run.
func (s *Store) Runs(deviceID string, limit int) ([]Run, error) {
	var out []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		dev := tx.Bucket(runsBucket).Bucket([]byte(deviceID))
		if dev == nil {
			return nil
		}
		c := dev.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return errors.Wrapf(err, "decoding run %d of %s", binary.BigEndian.Uint64(k), deviceID)
			}
			out = append(out, run)
		}
		return nil
	})
	return out, err
}

func key(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
