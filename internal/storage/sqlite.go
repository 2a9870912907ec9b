package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flight_monitor/internal/clock"
	"flight_monitor/internal/series"
	"flight_monitor/internal/telemetry"
)

// SQLiteConfig selects a recorded flight to replay.
type SQLiteConfig struct {
	Path  string
	Start time.Time // replay clock start; zero starts at the first sample
}

// SQLiteSource replays a flight recorded in the real-time schema. Time is
// simulated: Sleep advances the clock and only samples at or before the clock
// are visible, so a whole flight replays in seconds.
type SQLiteSource struct {
	*sqlSource
	db  *sql.DB
	sim *clock.Sim
}

// OpenSQLite opens a replay file.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, logger *slog.Logger) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &SQLiteSource{db: db}
	s.sqlSource = &sqlSource{
		query: s.queryRows,
		dialect: dialect{
			placeholder: func(int) string { return "?" },
			timeArg:     func(t time.Time) any { return t.Format(time.DateTime) },
			columnsSQL:  "SELECT name FROM pragma_table_info('" + samplesTable + "') ORDER BY cid",
		},
		bounded: true,
		logger:  logger.With("source", "sqlite", "path", cfg.Path),
	}

	start := cfg.Start
	if start.IsZero() {
		first, err := s.firstSampleTime(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		start = first
	}
	s.sim = clock.NewSim(start)
	s.clock = s.sim

	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSource) firstSampleTime(ctx context.Context) (time.Time, error) {
	return s.sampleBound(ctx, "MIN", "first sample")
}

// LastSampleTime returns the timestamp of the newest recorded sample, which
// is where a replay runs out of data.
func (s *SQLiteSource) LastSampleTime(ctx context.Context) (time.Time, error) {
	return s.sampleBound(ctx, "MAX", "last sample")
}

func (s *SQLiteSource) sampleBound(ctx context.Context, agg, op string) (time.Time, error) {
	rows, err := s.queryRows(ctx, "SELECT "+agg+"("+timeColumn+") FROM "+samplesTable)
	if err != nil {
		return time.Time{}, wrap(op, err)
	}
	if len(rows) == 0 {
		return time.Time{}, telemetry.ErrNoData
	}
	t, ok := asTime(rows[0][0])
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", op, telemetry.ErrNoData)
	}
	return t, nil
}

// Clock exposes the replay clock.
func (s *SQLiteSource) Clock() *clock.Sim { return s.sim }

// Reconnect is a no-op for a local file.
func (s *SQLiteSource) Reconnect(context.Context) error { return nil }

// Close closes the database connection.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

func (s *SQLiteSource) queryRows(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// DatabaseStructure returns the CREATE statements of the replay file.
func (s *SQLiteSource) DatabaseStructure(ctx context.Context) (string, error) {
	rows, err := s.queryRows(ctx, "SELECT sql FROM sqlite_master WHERE type = 'table' AND sql IS NOT NULL ORDER BY name")
	if err != nil {
		return "", wrap("describe tables", err)
	}
	stmts := make([]string, 0, len(rows))
	for _, r := range rows {
		stmts = append(stmts, strings.Join(strings.Fields(asString(r[0])), " "))
	}
	return strings.Join(stmts, "\n"), nil
}

// Recording writes flights in the real-time schema; replays and tests use it.
type Recording struct {
	db   *sql.DB
	vars []string
}

// CreateRecording creates (or truncates) a replay file for the given variables.
func CreateRecording(ctx context.Context, path string, vars []string, meta telemetry.Metadata, missing map[string]float64) (*Recording, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	vars = lowerAll(vars)
	cols := make([]string, 0, len(vars)+1)
	cols = append(cols, timeColumn+" TEXT PRIMARY KEY")
	for _, v := range vars {
		cols = append(cols, quoteIdent(v)+" REAL")
	}

	schema := []string{
		"DROP TABLE IF EXISTS " + samplesTable,
		"DROP TABLE IF EXISTS " + attributesTable,
		"DROP TABLE IF EXISTS " + variablesTable,
		"CREATE TABLE " + samplesTable + " (" + strings.Join(cols, ", ") + ")",
		"CREATE TABLE " + attributesTable + " (key TEXT PRIMARY KEY, value TEXT)",
		"CREATE TABLE " + variablesTable + " (name TEXT PRIMARY KEY, missing_value REAL)",
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	for k, v := range meta {
		if _, err := db.ExecContext(ctx, "INSERT INTO "+attributesTable+" (key, value) VALUES (?, ?)", k, v); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("insert attribute: %w", err)
		}
	}
	for name, v := range missing {
		if _, err := db.ExecContext(ctx, "INSERT INTO "+variablesTable+" (name, missing_value) VALUES (?, ?)", strings.ToUpper(name), v); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("insert missing value: %w", err)
		}
	}

	return &Recording{db: db, vars: vars}, nil
}

// Append stores rows in one transaction.
func (r *Recording) Append(ctx context.Context, rows []series.Row) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(r.vars)+1), ", ")
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+samplesTable+" ("+columnList(r.vars)+") VALUES ("+marks+")")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		if len(row.Values) != len(r.vars) {
			return fmt.Errorf("row at %s: %w", row.Time.Format(time.DateTime), series.ErrArity)
		}
		args := make([]any, 0, len(row.Values)+1)
		args = append(args, row.Time.UTC().Format(time.DateTime))
		for _, v := range row.Values {
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

func lowerAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}

// Close closes the recording.
func (r *Recording) Close() error {
	return r.db.Close()
}
