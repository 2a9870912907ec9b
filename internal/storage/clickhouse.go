package storage

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"flight_monitor/internal/series"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseArchive keeps every completed flight in a long-format table so
// flights can be compared after the fact. It satisfies the same contract as
// the data file writer; the output path names the flight.
type ClickHouseArchive struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseArchive{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (a *ClickHouseArchive) Close() error {
	return a.conn.Close()
}

// CreateSchema creates the archive tables.
func (a *ClickHouseArchive) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS flight_samples (
			flight          LowCardinality(String),
			variable        LowCardinality(String),
			time            DateTime64(3),
			value           Float64
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(time)
		ORDER BY (flight, variable, time)`,

		`CREATE TABLE IF NOT EXISTS flight_headers (
			flight          String,
			header          String,
			recorded_at     DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(recorded_at)
		ORDER BY flight`,
	}

	for _, q := range queries {
		if err := a.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// FlightKey derives the archive key from an output path: the file name
// without directory or extension.
func FlightKey(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Write archives a flight's joined rows. Labels start with the time column.
// NaN values are skipped.
func (a *ClickHouseArchive) Write(ctx context.Context, path string, labels []string, rows []series.Row, header string) error {
	if len(labels) == 0 {
		return fmt.Errorf("archive %s: no labels", path)
	}
	vars := labels[1:]
	flight := FlightKey(path)

	batch, err := a.conn.PrepareBatch(ctx, `INSERT INTO flight_samples (flight, variable, time, value)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, row := range rows {
		if len(row.Values) != len(vars) {
			return fmt.Errorf("archive %s: %w", flight, series.ErrArity)
		}
		for i, v := range row.Values {
			if math.IsNaN(v) {
				continue
			}
			if err := batch.Append(flight, vars[i], row.Time, v); err != nil {
				return fmt.Errorf("append to batch: %w", err)
			}
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	if header != "" {
		if err := a.conn.Exec(ctx, `INSERT INTO flight_headers (flight, header) VALUES (?, ?)`, flight, header); err != nil {
			return fmt.Errorf("insert header: %w", err)
		}
	}
	return nil
}

// FlightVariable returns one archived variable of a flight in time order.
func (a *ClickHouseArchive) FlightVariable(ctx context.Context, flight, variable string) ([]series.Sample, error) {
	rows, err := a.conn.Query(ctx, `SELECT time, value FROM flight_samples
		WHERE flight = ? AND variable = ? ORDER BY time`, flight, strings.ToLower(variable))
	if err != nil {
		return nil, fmt.Errorf("query flight samples: %w", err)
	}
	defer rows.Close()

	var out []series.Sample
	for rows.Next() {
		var s series.Sample
		if err := rows.Scan(&s.Time, &s.Value); err != nil {
			return nil, fmt.Errorf("scan flight sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
