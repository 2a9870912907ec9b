package storage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"flight_monitor/internal/clock"
	"flight_monitor/internal/series"
	"flight_monitor/internal/telemetry"
)

// maxFailures is how many failed queries in a row force a reconnect.
const maxFailures = 10

// queryFunc runs a query and returns every row as generic column values.
type queryFunc func(ctx context.Context, query string, args ...any) ([][]any, error)

// dialect captures the differences between the SQL backends.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	columnsSQL  string
}

// sqlSource implements telemetry.Source over any SQL backend holding the
// real-time schema. PostgresSource and SQLiteSource embed it.
type sqlSource struct {
	query     queryFunc
	reconnect func(ctx context.Context) error
	dialect   dialect
	clock     clock.Clock
	bounded   bool // hide samples newer than the clock (replays)
	logger    *slog.Logger

	detector  telemetry.Detector
	variables []string
	known     map[string]bool
	missing   map[string]float64
	meta      telemetry.Metadata
	failures  int
}

// load reads the variable list, the missing-value table and the flight metadata.
func (s *sqlSource) load(ctx context.Context) error {
	rows, err := s.query(ctx, s.dialect.columnsSQL)
	if err != nil {
		return wrap("list variables", err)
	}
	s.variables = s.variables[:0]
	s.known = make(map[string]bool, len(rows))
	for _, r := range rows {
		name := strings.ToLower(asString(r[0]))
		if name == "" || name == timeColumn {
			continue
		}
		s.variables = append(s.variables, name)
		s.known[name] = true
	}

	rows, err = s.query(ctx, "SELECT name, missing_value FROM "+variablesTable)
	if err != nil {
		return wrap("missing values", err)
	}
	s.missing = make(map[string]float64, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		if v, ok := asFloat(r[1]); ok {
			s.missing[strings.ToLower(asString(r[0]))] = v
		}
	}

	return s.refreshMetadata(ctx)
}

func (s *sqlSource) refreshMetadata(ctx context.Context) error {
	rows, err := s.query(ctx, "SELECT * FROM "+attributesTable)
	if err != nil {
		return wrap("flight metadata", err)
	}
	meta := make(telemetry.Metadata, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		meta[asString(r[0])] = asString(r[1])
	}
	s.meta = meta
	return nil
}

// IsAirborne applies the airspeed rule and refreshes metadata on takeoff.
func (s *sqlSource) IsAirborne(ctx context.Context) (bool, error) {
	flying, tookOff, err := s.detector.Check(ctx, s.GetSamples, s.missingValue)
	if err != nil {
		return flying, err
	}
	if tookOff {
		if err := s.refreshMetadata(ctx); err != nil {
			s.logger.Warn("could not update flight metadata", "error", err)
		}
	}
	return flying, nil
}

// ForceAirborne pins the detector state; replays use it to fake a flight.
func (s *sqlSource) ForceAirborne(flying bool) { s.detector.Force(flying) }

// Sleep waits on the source clock; zero means one data-rate interval.
func (s *sqlSource) Sleep(ctx context.Context, d time.Duration) error {
	if d == 0 {
		d = s.meta.DataRate()
	}
	return s.clock.Sleep(ctx, d)
}

func (s *sqlSource) Now() time.Time { return s.clock.Now() }

func (s *sqlSource) Variables() []string { return slices.Clone(s.variables) }

func (s *sqlSource) Metadata() telemetry.Metadata { return s.meta.Clone() }

// MissingValue returns the variable's missing-value sentinel.
func (s *sqlSource) MissingValue(name string) (float64, error) {
	v, ok := s.missingValue(name)
	if !ok {
		return 0, fmt.Errorf("missing value for %q: %w", name, series.ErrUnknownVariable)
	}
	return v, nil
}

func (s *sqlSource) missingValue(name string) (float64, bool) {
	v, ok := s.missing[strings.ToLower(name)]
	return v, ok
}

// GetSamples builds and runs the sample query.
func (s *sqlSource) GetSamples(ctx context.Context, q telemetry.Query) ([]series.Row, error) {
	vars := make([]string, 0, len(q.Variables))
	for _, v := range q.Variables {
		v = strings.ToLower(v)
		if !s.known[v] {
			s.logger.Warn("could not add variable, does not exist", "variable", v)
			continue
		}
		vars = append(vars, v)
	}

	query, args := s.buildSampleQuery(vars, q)
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		s.failed(ctx, query, err)
		return nil, wrap("get samples", err)
	}
	s.failures = 0

	out := make([]series.Row, 0, len(rows))
	for _, r := range rows {
		tm, ok := asTime(r[0])
		if !ok {
			continue
		}
		vals := make([]float64, len(vars))
		for i := range vars {
			v, ok := asFloat(r[i+1])
			if !ok {
				v = math.NaN()
			}
			vals[i] = v
		}
		out = append(out, series.Row{Time: tm, Values: vals})
	}

	if newestFirst(q) {
		slices.Reverse(out)
	}
	return out, nil
}

func newestFirst(q telemetry.Query) bool {
	return q.Limit > 0 && q.After.IsZero() && q.Since == 0
}

func (s *sqlSource) buildSampleQuery(vars []string, q telemetry.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(t time.Time) string {
		args = append(args, s.dialect.timeArg(t.UTC()))
		return s.dialect.placeholder(len(args))
	}

	lower := q.After
	if q.Since > 0 {
		since := s.clock.Now().Add(-q.Since)
		if since.After(lower) {
			lower = since
		}
	}
	if !lower.IsZero() {
		conds = append(conds, timeColumn+" > "+arg(lower))
	}

	upper := q.Until
	if s.bounded {
		now := s.clock.Now()
		if upper.IsZero() || now.Before(upper) {
			upper = now
		}
	}
	if !upper.IsZero() {
		conds = append(conds, timeColumn+" <= "+arg(upper))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columnList(vars))
	b.WriteString(" FROM ")
	b.WriteString(samplesTable)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	if newestFirst(q) {
		b.WriteString(" ORDER BY " + timeColumn + " DESC")
	} else {
		b.WriteString(" ORDER BY " + timeColumn + " ASC")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return b.String(), args
}

func (s *sqlSource) failed(ctx context.Context, query string, err error) {
	s.failures++
	s.logger.Warn("sql command failed", "query", query, "error", err)
	if s.failures%maxFailures != 0 || s.reconnect == nil {
		return
	}
	s.logger.Warn("ten sql commands failed, reconnecting to the server")
	if err := s.reconnect(ctx); err != nil {
		s.logger.Error("reconnect failed", "error", err)
	}
}

// Conversions from driver values. pgx and the sqlite driver return different
// Go types for the same columns.

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.DateTime)
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case int16:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.DateTime,
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case int64:
		return time.Unix(t, 0).UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if tm, err := time.ParseInLocation(layout, t, time.UTC); err == nil {
				return tm, true
			}
		}
	case []byte:
		return asTime(string(t))
	}
	return time.Time{}, false
}
