package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flight_monitor/internal/series"
)

var base = time.Date(2011, 7, 28, 14, 0, 0, 0, time.UTC)

func TestMetadata(t *testing.T) {
	m := Metadata{KeyProject: "ICE-T", KeyFlight: "rf12", KeyDataRate: "1"}
	assert.Equal(t, "ICE-T", m.Project())
	assert.Equal(t, "rf12", m.Flight())
	assert.Equal(t, time.Second, m.DataRate())

	empty := Metadata{}
	assert.Equal(t, "unknown", empty.Project())
	assert.Equal(t, DefaultDataRate, empty.DataRate())
	assert.Equal(t, DefaultDataRate, Metadata{KeyDataRate: "fast"}.DataRate())

	clone := m.Clone()
	clone[KeyFlight] = "rf13"
	assert.Equal(t, "rf12", m.Flight())
}

func TestDistance(t *testing.T) {
	// One degree of longitude on the equator.
	d := Distance(0, 0, 0, 1)
	assert.InDelta(t, 111195, d, 1)

	assert.InDelta(t, 0, Distance(40, -105, 40, -105), 1e-6)
}

func TestGroundSpeed(t *testing.T) {
	speed, ok := GroundSpeed(base, 0, 0, base.Add(1000*time.Second), 0, 1)
	require.True(t, ok)
	assert.InDelta(t, 111.195, speed, 0.01)

	_, ok = GroundSpeed(base, 0, 0, base, 0, 1)
	assert.False(t, ok)
}

type fakeDB struct {
	tasx []series.Row
	gps  []series.Row
	err  error
}

func (f *fakeDB) get(_ context.Context, q Query) ([]series.Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	if q.Variables[0] == VarTrueAirspeed {
		return f.tasx, nil
	}
	return f.gps, nil
}

func missing(name string) (float64, bool) {
	return -32767, true
}

func row(sec int, vals ...float64) series.Row {
	return series.Row{Time: base.Add(time.Duration(sec) * time.Second), Values: vals}
}

func TestDetector(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{}
	var d Detector

	flying, tookOff, err := d.Check(ctx, db.get, missing)
	require.NoError(t, err)
	assert.False(t, flying, "no data keeps the initial ground state")
	assert.False(t, tookOff)

	db.tasx = []series.Row{row(0, 120)}
	flying, tookOff, err = d.Check(ctx, db.get, missing)
	require.NoError(t, err)
	assert.True(t, flying)
	assert.True(t, tookOff)

	flying, tookOff, _ = d.Check(ctx, db.get, missing)
	assert.True(t, flying)
	assert.False(t, tookOff, "edge fires once")

	// Airspeed missing, GPS shows ~111 m/s.
	db.tasx = []series.Row{row(10, -32767)}
	db.gps = []series.Row{row(0, 0, 0), row(1000, 0, 1)}
	flying, _, _ = d.Check(ctx, db.get, missing)
	assert.True(t, flying)

	// Both missing: keep previous state.
	db.gps = []series.Row{row(0, -32767, 0), row(3, 0, 0)}
	flying, _, _ = d.Check(ctx, db.get, missing)
	assert.True(t, flying)

	db.tasx = []series.Row{row(20, 10)}
	flying, _, _ = d.Check(ctx, db.get, missing)
	assert.False(t, flying)

	db.err = errors.New("connection reset")
	d.Force(true)
	flying, _, err = d.Check(ctx, db.get, missing)
	assert.Error(t, err)
	assert.True(t, flying, "errors keep the previous state")
}
