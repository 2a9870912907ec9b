// Package main records a flight into an SQLite replay file that the monitor can
// run with -replay. The flight is copied from the real-time PostgreSQL server
// or rebuilt from a data file the monitor wrote.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"flight_monitor/internal/datafile"
	"flight_monitor/internal/series"
	"flight_monitor/internal/storage"
	"flight_monitor/internal/telemetry"
)

// defaultMissing is the sentinel recorded for data file variables.
const defaultMissing = -32767

// recording is everything written to a replay file.
type recording struct {
	vars    []string
	rows    []series.Row
	meta    telemetry.Metadata
	missing map[string]float64
}

func main() {
	// PostgreSQL connection flags.
	pgHost := flag.String("pg-host", "localhost", "PostgreSQL host")
	pgPort := flag.Int("pg-port", 5432, "PostgreSQL port")
	pgUser := flag.String("pg-user", "ads", "PostgreSQL user")
	pgPassword := flag.String("pg-password", "", "PostgreSQL password")
	pgDB := flag.String("pg-db", "real-time", "PostgreSQL database or aircraft (C130, GV)")

	input := flag.String("input", "", "Data file to convert instead of reading the server")
	output := flag.String("output", "", "SQLite replay file to create (required)")
	vars := flag.String("vars", "", "Comma-separated variables to record (default: all)")
	start := flag.String("start", "", "First sample time, 2006-01-02 15:04:05 UTC (server only)")
	end := flag.String("end", "", "Last sample time, 2006-01-02 15:04:05 UTC (server only)")
	meta := flag.String("meta", "", "Extra attributes as KEY=VALUE,KEY=VALUE")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if *output == "" {
		fmt.Fprintln(os.Stderr, "-output is required")
		os.Exit(2)
	}

	ctx := context.Background()

	var (
		rec *recording
		err error
	)
	if *input != "" {
		rec, err = fromDataFile(*input, splitList(*vars))
	} else {
		var window [2]time.Time
		for i, s := range []string{*start, *end} {
			if s == "" {
				continue
			}
			if window[i], err = time.ParseInLocation(time.DateTime, s, time.UTC); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid time %q: %v\n", s, err)
				os.Exit(2)
			}
		}
		rec, err = fromServer(ctx, storage.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			Database: *pgDB,
			User:     *pgUser,
			Password: *pgPassword,
		}, splitList(*vars), window[0], window[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading flight: %v\n", err)
		os.Exit(1)
	}

	extra, err := parseMeta(*meta)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	for k, v := range extra {
		rec.meta[k] = v
	}

	if err := rec.write(ctx, *output); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing replay: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "Wrote %d rows of %d variables to %s\n", len(rec.rows), len(rec.vars), *output)
	}
}

func fromDataFile(path string, only []string) (*recording, error) {
	data, err := datafile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set, err := data.Set()
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		members := make([]*series.TimeSeries, 0, len(only))
		for _, name := range only {
			ts, err := set.Series(name)
			if err != nil {
				return nil, err
			}
			members = append(members, ts)
		}
		set = series.NewSetFrom(members...)
	}

	rec := &recording{
		vars:    set.Names(),
		rows:    set.JoinedSlice(series.All()),
		meta:    telemetry.Metadata{},
		missing: make(map[string]float64),
	}
	for _, v := range rec.vars {
		rec.missing[v] = defaultMissing
	}
	return rec, nil
}

func fromServer(ctx context.Context, cfg storage.PostgresConfig, only []string, start, end time.Time) (*recording, error) {
	src, err := storage.OpenPostgres(ctx, cfg, nil, nil)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	vars := only
	if len(vars) == 0 {
		vars = src.Variables()
	}
	q := telemetry.Query{Variables: vars, Until: end}
	if !start.IsZero() {
		// After is exclusive.
		q.After = start.Add(-time.Nanosecond)
	}
	rows, err := src.GetSamples(ctx, q)
	if err != nil {
		return nil, err
	}

	rec := &recording{
		vars:    vars,
		rows:    rows,
		meta:    src.Metadata(),
		missing: make(map[string]float64, len(vars)),
	}
	for _, v := range vars {
		if m, err := src.MissingValue(v); err == nil {
			rec.missing[v] = m
		}
	}
	return rec, nil
}

func (r *recording) write(ctx context.Context, path string) error {
	if len(r.rows) == 0 {
		return telemetry.ErrNoData
	}
	out, err := storage.CreateRecording(ctx, path, r.vars, r.meta, r.missing)
	if err != nil {
		return err
	}
	if err := out.Append(ctx, r.rows); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func parseMeta(s string) (telemetry.Metadata, error) {
	meta := telemetry.Metadata{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q is not KEY=VALUE", pair)
		}
		meta[k] = v
	}
	return meta, nil
}
