package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/oto-labs/eol-station/runner"
)

// DefaultTable is used when ClickHouseConfig.Table is empty.
const DefaultTable = "eol_runs"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseConfig configures the warehouse sink.
type ClickHouseConfig struct {
	Addr     string `json:"addr"`
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Table    string `json:"table,omitempty"`
}

// Validate checks the config.
func (c *ClickHouseConfig) Validate(path string) error {
	if c.Addr == "" {
		return resource.NewConfigValidationFieldRequiredError(path, "addr")
	}
	if c.Table != "" && !tableName.MatchString(c.Table) {
		return errors.Errorf("%s: invalid table name %q", path, c.Table)
	}
	return nil
}

// ClickHouse inserts one row per finished run.
type ClickHouse struct {
	conn   driver.Conn
	table  string
	logger logging.Logger
}

var _ runner.Sink = (*ClickHouse)(nil)

// DialClickHouse opens and pings the warehouse and makes sure the table exists.
func DialClickHouse(ctx context.Context, cfg ClickHouseConfig, logger logging.Logger) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening clickhouse %s", cfg.Addr)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, errors.Wrapf(err, "pinging clickhouse %s", cfg.Addr)
	}
	logger.Infof("connected to clickhouse at %s", cfg.Addr)
	return NewClickHouse(ctx, conn, cfg.Table, logger)
}

// NewClickHouse uses an open connection, creating the table if needed.
func NewClickHouse(ctx context.Context, conn driver.Conn, table string, logger logging.Logger) (*ClickHouse, error) {
	if table == "" {
		table = DefaultTable
	}
	c := &ClickHouse{conn: conn, table: table, logger: logger}
	if err := conn.Exec(ctx, c.schema()); err != nil {
		return nil, errors.Wrapf(err, "creating table %s", table)
	}
	return c, nil
}

func (c *ClickHouse) schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		started DateTime64(3),
		fixture LowCardinality(String),
		suite LowCardinality(String),
		device_id String,
		passed UInt8,
		failed_step String,
		failed_message String,
		elapsed_seconds Float64,
		columns String
	) ENGINE = MergeTree()
	ORDER BY (fixture, started)`, c.table)
}

// Record implements runner.Sink.
func (c *ClickHouse) Record(ctx context.Context, rep *runner.Report) error {
	rec, err := NewRecord(rep)
	if err != nil {
		return err
	}
	columns, err := json.Marshal(rec.Columns)
	if err != nil {
		return errors.Wrap(err, "encoding columns")
	}
	var passed uint8
	if rec.Passed {
		passed = 1
	}
	query := fmt.Sprintf(`INSERT INTO %s (started, fixture, suite, device_id, passed, failed_step,
		failed_message, elapsed_seconds, columns) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.table)
	if err := c.conn.Exec(ctx, query,
		rec.Started,
		rec.Fixture,
		rec.Suite,
		rec.DeviceID,
		passed,
		rec.FailedStep,
		rec.FailedMessage,
		rec.ElapsedSeconds,
		string(columns),
	); err != nil {
		return errors.Wrapf(err, "inserting run of %s", rec.DeviceID)
	}
	c.logger.CDebugf(ctx, "stored %s in %s", rec.DeviceID, c.table)
	return nil
}

// Close closes the connection.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
