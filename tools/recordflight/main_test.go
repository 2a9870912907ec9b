package main

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"flight_monitor/internal/datafile"
	"flight_monitor/internal/series"
	"flight_monitor/internal/storage"
	"flight_monitor/internal/telemetry"
)

var t0 = time.Date(2011, 7, 28, 14, 0, 0, 0, time.UTC)

func writeDataFile(t *testing.T) string {
	t.Helper()
	rows := make([]series.Row, 0, 30)
	for i := range 30 {
		rows = append(rows, series.Row{
			Time:   t0.Add(time.Duration(i) * time.Second),
			Values: []float64{120, -40 + float64(i), 700},
		})
	}
	path := filepath.Join(t.TempDir(), "ICE-T-rf01"+datafile.Extension)
	labels := []string{series.TimeLabel, "tasx", "atx", "psxc"}
	if err := (datafile.FileWriter{}).Write(context.Background(), path, labels, rows, ""); err != nil {
		t.Fatalf("write data file: %v", err)
	}
	return path
}

func TestDataFileToReplay(t *testing.T) {
	ctx := context.Background()
	rec, err := fromDataFile(writeDataFile(t), []string{"TASX", "atx"})
	if err != nil {
		t.Fatalf("fromDataFile: %v", err)
	}
	if !slices.Equal(rec.vars, []string{"tasx", "atx"}) {
		t.Errorf("unexpected variables %v", rec.vars)
	}
	if len(rec.rows) != 30 {
		t.Fatalf("expected 30 rows, got %d", len(rec.rows))
	}
	if !slices.Equal(rec.rows[0].Values, []float64{120, -40}) {
		t.Errorf("unexpected first row %v", rec.rows[0].Values)
	}

	rec.meta[telemetry.KeyProject] = "ICE-T"
	out := filepath.Join(t.TempDir(), "rf01.sqlite")
	if err := rec.write(ctx, out); err != nil {
		t.Fatalf("write recording: %v", err)
	}

	src, err := storage.OpenSQLite(ctx, storage.SQLiteConfig{Path: out}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer src.Close()

	if !src.Now().Equal(t0) {
		t.Errorf("expected the replay clock to start at the first sample, got %v", src.Now())
	}
	if got := src.Metadata().Project(); got != "ICE-T" {
		t.Errorf("expected project ICE-T, got %q", got)
	}
	if got := src.Variables(); !slices.Equal(got, []string{"tasx", "atx"}) {
		t.Errorf("unexpected replay variables %v", got)
	}

	missing, err := src.MissingValue("atx")
	if err != nil {
		t.Fatalf("MissingValue: %v", err)
	}
	if missing != defaultMissing {
		t.Errorf("expected missing value %d, got %v", defaultMissing, missing)
	}

	src.Clock().Advance(29 * time.Second)
	rows, err := src.GetSamples(ctx, telemetry.Query{Variables: []string{"atx"}})
	if err != nil {
		t.Fatalf("GetSamples: %v", err)
	}
	if len(rows) != 30 {
		t.Fatalf("expected 30 rows, got %d", len(rows))
	}
	if rows[29].Values[0] != -11 {
		t.Errorf("expected -11, got %v", rows[29].Values[0])
	}
}

func TestUnknownVariable(t *testing.T) {
	_, err := fromDataFile(writeDataFile(t), []string{"nope"})
	if !errors.Is(err, series.ErrUnknownVariable) {
		t.Errorf("expected ErrUnknownVariable, got %v", err)
	}
}

func TestEmptyRecording(t *testing.T) {
	rec := &recording{vars: []string{"atx"}, meta: telemetry.Metadata{}}
	err := rec.write(context.Background(), filepath.Join(t.TempDir(), "empty.sqlite"))
	if !errors.Is(err, telemetry.ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
}

func TestParseMeta(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    telemetry.Metadata
		wantErr bool
	}{
		{
			name:  "pairs with empty entries",
			input: "ProjectNumber=ICE-T, FlightNumber=rf01,,",
			want:  telemetry.Metadata{"ProjectNumber": "ICE-T", "FlightNumber": "rf01"},
		},
		{
			name:    "missing value",
			input:   "ProjectNumber",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMeta(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMeta: %v", err)
			}
			if !maps.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Errorf("expected nil for an empty list, got %v", got)
	}
	if got := splitList(" ATX, ,psxc"); !slices.Equal(got, []string{"atx", "psxc"}) {
		t.Errorf("unexpected list %v", got)
	}
}
