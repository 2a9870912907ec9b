package telemetry

import (
	"context"
	"math"
	"time"

	"flight_monitor/internal/series"
)

// Variables used for airborne detection.
const (
	VarTrueAirspeed = "tasx"
	VarLatitude     = "gglat"
	VarLongitude    = "gglon"
)

// DefaultAirspeedThreshold is the speed (m/s) above which the aircraft counts as flying.
const DefaultAirspeedThreshold = 50.0

const earthRadiusKm = 6371.0

// SampleFunc fetches samples; both database sources pass their GetSamples.
type SampleFunc func(ctx context.Context, q Query) ([]series.Row, error)

// MissingFunc reports a variable's missing-value sentinel, false when unknown.
type MissingFunc func(name string) (float64, bool)

// Detector decides the airborne state from the latest true airspeed, falling
// back to the ground speed between the last two GPS fixes when the airspeed is
// missing. When neither is usable the previous state is kept.
type Detector struct {
	Threshold float64
	flying    bool
}

// Flying returns the last decided state.
func (d *Detector) Flying() bool { return d.flying }

// Force sets the state, used by replays that fake a flight.
func (d *Detector) Force(flying bool) { d.flying = flying }

// Check queries the newest samples and updates the state. tookOff is true on
// the ground to air edge.
func (d *Detector) Check(ctx context.Context, get SampleFunc, missing MissingFunc) (flying, tookOff bool, err error) {
	threshold := d.Threshold
	if threshold == 0 {
		threshold = DefaultAirspeedThreshold
	}

	rows, err := get(ctx, Query{Variables: []string{VarTrueAirspeed}, Limit: 1})
	if err != nil {
		return d.flying, false, err
	}
	if len(rows) == 0 || len(rows[0].Values) == 0 {
		return d.flying, false, nil
	}

	speed := rows[0].Values[0]
	if isMissing(missing, VarTrueAirspeed, speed) {
		var ok bool
		speed, ok, err = d.gpsSpeed(ctx, get, missing)
		if err != nil || !ok {
			return d.flying, false, err
		}
	}

	if speed > threshold {
		tookOff = !d.flying
		d.flying = true
		return true, tookOff, nil
	}
	d.flying = false
	return false, false, nil
}

func (d *Detector) gpsSpeed(ctx context.Context, get SampleFunc, missing MissingFunc) (float64, bool, error) {
	rows, err := get(ctx, Query{Variables: []string{VarLatitude, VarLongitude}, Limit: 2})
	if err != nil {
		return 0, false, err
	}
	if len(rows) < 2 || len(rows[0].Values) < 2 || len(rows[1].Values) < 2 {
		return 0, false, nil
	}
	for _, r := range rows {
		if isMissing(missing, VarLatitude, r.Values[0]) || isMissing(missing, VarLongitude, r.Values[1]) {
			return 0, false, nil
		}
	}
	speed, ok := GroundSpeed(rows[0].Time, rows[0].Values[0], rows[0].Values[1],
		rows[1].Time, rows[1].Values[0], rows[1].Values[1])
	return speed, ok, nil
}

// GroundSpeed returns the speed in m/s between two fixes (degrees) using the
// Vincenty great-circle distance on a spherical earth.
func GroundSpeed(t1 time.Time, lat1, lon1 float64, t2 time.Time, lat2, lon2 float64) (float64, bool) {
	dt := t2.Sub(t1).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return Distance(lat1, lon1, lat2, lon2) / dt, true
}

// Distance returns the great-circle distance in metres between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	sin1, cos1 := math.Sincos(phi1)
	sin2, cos2 := math.Sincos(phi2)
	sinD, cosD := math.Sincos(dLon)

	y := math.Hypot(cos2*sinD, cos1*sin2-sin1*cos2*cosD)
	x := sin1*sin2 + cos1*cos2*cosD
	return math.Atan2(y, x) * earthRadiusKm * 1000
}

func isMissing(missing MissingFunc, name string, v float64) bool {
	if missing == nil {
		return false
	}
	sentinel, ok := missing(name)
	return ok && v == sentinel
}
