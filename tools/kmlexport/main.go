// Package main exports a flight's GPS track to KML. The track is read from a
// data file written by the monitor or from the ClickHouse flight archive.
// KML (Keyhole Markup Language) files can be viewed in Google Earth, Google
// Maps, and other mapping applications.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"flight_monitor/internal/datafile"
	"flight_monitor/internal/series"
	"flight_monitor/internal/storage"
	"flight_monitor/internal/telemetry"
)

// VarAltitude is the GPS altitude (m) used for the third coordinate.
const VarAltitude = "ggalt"

// KML structures for XML marshalling.
// These follow the KML 2.2 specification: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string     `xml:"id,attr"`
	IconStyle *IconStyle `xml:"IconStyle,omitempty"`
	LineStyle *LineStyle `xml:"LineStyle,omitempty"`
}

// IconStyle defines how icons are displayed.
type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

// Icon specifies the icon image.
type Icon struct {
	Href string `xml:"href"`
}

// LineStyle defines how the track line is drawn.
type LineStyle struct {
	Color string  `xml:"color"`
	Width float64 `xml:"width"`
}

// Placemark is either a track fix (Point) or the whole track (LineString).
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        *Point        `xml:"Point,omitempty"`
	LineString   *LineString   `xml:"LineString,omitempty"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// Point represents a geographic location.
type Point struct {
	Coordinates string `xml:"coordinates"` // Format: lon,lat,altitude
}

// LineString is a connected path.
type LineString struct {
	Tessellate   int    `xml:"tessellate"`
	AltitudeMode string `xml:"altitudeMode,omitempty"`
	Coordinates  string `xml:"coordinates"`
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// Fix is one usable GPS position.
type Fix struct {
	Time time.Time
	Lat  float64
	Lon  float64
	Alt  float64 // NaN when unknown
}

func main() {
	input := flag.String("input", "", "Data file written by the monitor")

	// ClickHouse archive flags.
	flight := flag.String("flight", "", "Archived flight key, e.g. ICE-T-rf01-2011_07_28-14_00_02")
	chHost := flag.String("ch-host", "localhost", "ClickHouse host")
	chPort := flag.Int("ch-port", 9000, "ClickHouse port")
	chDB := flag.String("ch-database", "flights", "ClickHouse database")
	chUser := flag.String("ch-user", "default", "ClickHouse user")
	chPassword := flag.String("ch-password", "", "ClickHouse password")

	output := flag.String("output", "", "Output KML file (default: stdout)")
	every := flag.Duration("every", time.Minute, "Interval between fix placemarks (0 for track only)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	var (
		fixes []Fix
		name  string
		err   error
	)
	switch {
	case *input != "":
		name = strings.TrimSuffix(*input, datafile.Extension)
		fixes, err = fixesFromFile(*input)
	case *flight != "":
		name = *flight
		fixes, err = fixesFromArchive(context.Background(), storage.ClickHouseConfig{
			Host:     *chHost,
			Port:     *chPort,
			Database: *chDB,
			User:     *chUser,
			Password: *chPassword,
		}, *flight)
	default:
		fmt.Fprintln(os.Stderr, "Either -input or -flight is required")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading track: %v\n", err)
		os.Exit(1)
	}

	if len(fixes) == 0 {
		fmt.Fprintf(os.Stderr, "No GPS fixes found\n")
		os.Exit(0)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d fixes to KML\n", len(fixes))
	}

	xmlData, err := xml.MarshalIndent(generateKML(name, fixes, *every), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating KML: %v\n", err)
		os.Exit(1)
	}
	xmlOutput := xml.Header + string(xmlData)

	if *output != "" {
		if err := os.WriteFile(*output, []byte(xmlOutput), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
		}
	} else {
		fmt.Println(xmlOutput)
	}
}

func fixesFromFile(path string) ([]Fix, error) {
	data, err := datafile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set, err := data.Set()
	if err != nil {
		return nil, err
	}
	return fixesFromSet(set)
}

func fixesFromSet(set *series.Set) ([]Fix, error) {
	lat, err := set.Series(telemetry.VarLatitude)
	if err != nil {
		return nil, err
	}
	lon, err := set.Series(telemetry.VarLongitude)
	if err != nil {
		return nil, err
	}
	alt, _ := set.Series(VarAltitude)
	return joinFixes(lat, lon, alt), nil
}

func fixesFromArchive(ctx context.Context, cfg storage.ClickHouseConfig, flight string) ([]Fix, error) {
	archive, err := storage.OpenClickHouse(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	load := func(name string) (*series.TimeSeries, error) {
		samples, err := archive.FlightVariable(ctx, flight, name)
		if err != nil {
			return nil, err
		}
		ts := series.New(name)
		if err := ts.Append(samples...); err != nil {
			return nil, err
		}
		return ts, nil
	}

	lat, err := load(telemetry.VarLatitude)
	if err != nil {
		return nil, err
	}
	lon, err := load(telemetry.VarLongitude)
	if err != nil {
		return nil, err
	}
	alt, err := load(VarAltitude)
	if err != nil {
		return nil, err
	}
	return joinFixes(lat, lon, alt), nil
}

// joinFixes pairs latitude and longitude by timestamp. Fixes with a missing
// coordinate are dropped. alt may be nil.
func joinFixes(lat, lon, alt *series.TimeSeries) []Fix {
	var fixes []Fix
	for t, la := range lat.Iter(series.All()) {
		lo, err := lon.ValueAt(t)
		if err != nil || !validCoordinate(la, 90) || !validCoordinate(lo, 180) {
			continue
		}
		f := Fix{Time: t, Lat: la, Lon: lo, Alt: math.NaN()}
		if alt != nil {
			if a, err := alt.ValueAt(t); err == nil {
				f.Alt = a
			}
		}
		fixes = append(fixes, f)
	}
	return fixes
}

// validCoordinate rejects NaN and the server's large missing-value sentinels.
func validCoordinate(v, limit float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= limit
}

func coordinates(f Fix) string {
	alt := f.Alt
	if math.IsNaN(alt) {
		alt = 0
	}
	// KML coordinates are in the format: longitude,latitude,altitude
	return fmt.Sprintf("%.6f,%.6f,%.0f", f.Lon, f.Lat, alt)
}

// generateKML creates a KML document with the whole track and a placemark
// every interval.
func generateKML(name string, fixes []Fix, every time.Duration) KML {
	coords := make([]string, len(fixes))
	for i, f := range fixes {
		coords[i] = coordinates(f)
	}

	placemarks := []Placemark{{
		Name:     name,
		StyleURL: "#trackStyle",
		LineString: &LineString{
			Tessellate:   1,
			AltitudeMode: "absolute",
			Coordinates:  strings.Join(coords, " "),
		},
	}}

	if every > 0 {
		var next time.Time
		for _, f := range fixes {
			if f.Time.Before(next) {
				continue
			}
			next = f.Time.Add(every)
			placemarks = append(placemarks, Placemark{
				Name:     f.Time.UTC().Format("15:04:05"),
				StyleURL: "#fixStyle",
				Point:    &Point{Coordinates: coordinates(f)},
				ExtendedData: &ExtendedData{
					Data: []Data{
						{Name: "time", Value: f.Time.UTC().Format(time.RFC3339)},
						{Name: "altitude", Value: fmt.Sprintf("%g", f.Alt)},
					},
				},
			})
		}
	}

	first, last := fixes[0].Time.UTC(), fixes[len(fixes)-1].Time.UTC()
	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name:        name,
			Description: fmt.Sprintf("Flight track from %s to %s.", first.Format("2006-01-02 15:04:05 UTC"), last.Format("2006-01-02 15:04:05 UTC")),
			Styles: []Style{
				{
					ID:        "trackStyle",
					LineStyle: &LineStyle{Color: "ff0000ff", Width: 2},
				},
				{
					ID: "fixStyle",
					IconStyle: &IconStyle{
						Scale: 0.6,
						Icon: Icon{
							Href: "http://maps.google.com/mapfiles/kml/shapes/airports.png",
						},
					},
				},
			},
			Placemarks: placemarks,
		},
	}
}
