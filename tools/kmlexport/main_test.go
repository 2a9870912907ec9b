package main

import (
	"context"
	"encoding/xml"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flight_monitor/internal/datafile"
	"flight_monitor/internal/series"
)

var t0 = time.Date(2011, 7, 28, 14, 0, 0, 0, time.UTC)

func trackRows() []series.Row {
	rows := make([]series.Row, 0, 181)
	for i := range 181 {
		lat := 40.0 + float64(i)*0.001
		lon := -105.0 - float64(i)*0.001
		if i == 5 {
			lat = -32767
		}
		rows = append(rows, series.Row{
			Time:   t0.Add(time.Duration(i) * time.Second),
			Values: []float64{lat, lon, 1600 + float64(i)},
		})
	}
	return rows
}

func TestFixesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ICE-T-rf01"+datafile.Extension)
	labels := []string{series.TimeLabel, "gglat", "gglon", "ggalt"}
	if err := (datafile.FileWriter{}).Write(context.Background(), path, labels, trackRows(), ""); err != nil {
		t.Fatalf("write data file: %v", err)
	}

	fixes, err := fixesFromFile(path)
	if err != nil {
		t.Fatalf("fixesFromFile: %v", err)
	}
	if len(fixes) != 180 {
		t.Errorf("expected the sentinel fix to be dropped, got %d fixes", len(fixes))
	}
	if !fixes[0].Time.Equal(t0) {
		t.Errorf("expected first fix at %v, got %v", t0, fixes[0].Time)
	}
	if math.Abs(fixes[0].Alt-1600) > 1e-9 {
		t.Errorf("expected altitude 1600, got %v", fixes[0].Alt)
	}
}

func TestFixesNeedCoordinates(t *testing.T) {
	set := series.NewSet("gglat", "tasx")
	if _, err := fixesFromSet(set); !errors.Is(err, series.ErrUnknownVariable) {
		t.Errorf("expected ErrUnknownVariable, got %v", err)
	}
}

func TestJoinFixesWithoutAltitude(t *testing.T) {
	lat, lon := series.New("gglat"), series.New("gglon")
	if err := lat.Append(
		series.Sample{Time: t0, Value: 40},
		series.Sample{Time: t0.Add(time.Second), Value: 40.1},
	); err != nil {
		t.Fatal(err)
	}
	if err := lon.Append(series.Sample{Time: t0.Add(time.Second), Value: -105}); err != nil {
		t.Fatal(err)
	}

	fixes := joinFixes(lat, lon, nil)
	if len(fixes) != 1 {
		t.Fatalf("expected latitude without a matching longitude to be dropped, got %d fixes", len(fixes))
	}
	if !math.IsNaN(fixes[0].Alt) {
		t.Errorf("expected NaN altitude, got %v", fixes[0].Alt)
	}
	if got := coordinates(fixes[0]); got != "-105.000000,40.100000,0" {
		t.Errorf("unexpected coordinates %q", got)
	}
}

func TestGenerateKML(t *testing.T) {
	set := series.NewSet("gglat", "gglon", "ggalt")
	if err := set.AddData(trackRows()); err != nil {
		t.Fatal(err)
	}
	fixes, err := fixesFromSet(set)
	if err != nil {
		t.Fatalf("fixesFromSet: %v", err)
	}

	doc := generateKML("ICE-T-rf01", fixes, time.Minute)
	// Track plus a fix every minute from 0 to 180 s.
	if len(doc.Document.Placemarks) != 5 {
		t.Fatalf("expected 5 placemarks, got %d", len(doc.Document.Placemarks))
	}

	track := doc.Document.Placemarks[0]
	if track.LineString == nil || track.Point != nil {
		t.Fatalf("expected the first placemark to be the track, got %+v", track)
	}
	if n := len(strings.Fields(track.LineString.Coordinates)); n != 180 {
		t.Errorf("expected 180 track points, got %d", n)
	}

	for i, want := range []string{"14:00:00", "14:01:00"} {
		if got := doc.Document.Placemarks[i+1].Name; got != want {
			t.Errorf("placemark %d: expected %q, got %q", i+1, want, got)
		}
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{"<LineString>", `xmlns="http://www.opengis.net/kml/2.2"`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("expected output to contain %s", want)
		}
	}

	if n := len(generateKML("ICE-T-rf01", fixes, 0).Document.Placemarks); n != 1 {
		t.Errorf("expected only the track without an interval, got %d placemarks", n)
	}
}
