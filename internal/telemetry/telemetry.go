// Package telemetry defines the contract between the flight monitor and the
// aircraft's data-acquisition database.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"flight_monitor/internal/series"
)

// ErrNoData is returned when a query needed at least one sample and got none.
var ErrNoData = errors.New("no data")

// Source is the real-time telemetry database.
type Source interface {
	// IsAirborne reports whether the aircraft is flying right now. On the
	// ground to air edge the source refreshes its cached metadata.
	IsAirborne(ctx context.Context) (bool, error)

	// Reconnect replaces a possibly stale connection.
	Reconnect(ctx context.Context) error

	// Sleep waits for new data. A zero duration waits one data-rate interval.
	Sleep(ctx context.Context, d time.Duration) error

	// Now is the source's notion of the current time.
	Now() time.Time

	// Variables lists every variable the server records.
	Variables() []string

	// GetSamples returns rows ascending by time; each row carries one value
	// per requested variable, in request order.
	GetSamples(ctx context.Context, q Query) ([]series.Row, error)

	// Metadata returns the flight's global attributes.
	Metadata() Metadata

	// MissingValue returns the sentinel the server writes when a variable has no data.
	MissingValue(name string) (float64, error)

	// DatabaseStructure describes the server's tables for data file headers.
	DatabaseStructure(ctx context.Context) (string, error)
}

// Query selects samples. After and Since are lower bounds (exclusive); Until
// is an inclusive upper bound. With only Limit set the newest Limit rows are
// returned, still in ascending order.
type Query struct {
	Variables []string
	After     time.Time
	Since     time.Duration // relative to the source clock, e.g. 60 * time.Minute
	Until     time.Time
	Limit     int
}

// Metadata keys the monitor relies on.
const (
	KeyProject  = "ProjectNumber"
	KeyFlight   = "FlightNumber"
	KeyDataRate = "DataRate"
	KeyName     = "ProjectName"
)

// DefaultDataRate is used when the server does not publish one.
const DefaultDataRate = 3 * time.Second

// Metadata holds the flight's global attributes.
type Metadata map[string]string

// Project returns the project number, e.g. "ICE-T".
func (m Metadata) Project() string { return m.value(KeyProject, "unknown") }

// Flight returns the flight number, e.g. "rf12".
func (m Metadata) Flight() string { return m.value(KeyFlight, "unknown") }

// DataRate returns the sample interval, falling back to DefaultDataRate.
func (m Metadata) DataRate() time.Duration {
	s, ok := m[KeyDataRate]
	if !ok {
		return DefaultDataRate
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs <= 0 {
		return DefaultDataRate
	}
	return time.Duration(secs * float64(time.Second))
}

// Clone returns a copy that is safe to hand to other goroutines.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) value(key, def string) string {
	if v := m[key]; v != "" {
		return v
	}
	return def
}
