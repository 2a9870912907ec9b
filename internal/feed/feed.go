// Package feed pulls live rows from the telemetry source into a variable set.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flight_monitor/internal/series"
	"flight_monitor/internal/telemetry"
)

// Source is the part of telemetry.Source the feed needs.
type Source interface {
	GetSamples(ctx context.Context, q telemetry.Query) ([]series.Row, error)
	Sleep(ctx context.Context, d time.Duration) error
}

// Feed appends rows newer than the last ingested timestamp to a set.
type Feed struct {
	src        Source
	set        *series.Set
	lastUpdate time.Time
	fetchTook  time.Duration
}

// New binds a feed to a source and a set.
func New(src Source, set *series.Set) *Feed {
	return &Feed{src: src, set: set}
}

// NewFrom binds a feed whose first fetch takes every row after since, even
// when the set is empty. The monitor uses it to recover a failed backfill.
func NewFrom(src Source, set *series.Set, since time.Time) *Feed {
	return &Feed{src: src, set: set, lastUpdate: since}
}

// LastUpdate returns the newest timestamp ingested so far.
func (f *Feed) LastUpdate() time.Time { return f.lastUpdate }

// FetchDuration returns how long the last fetch took, excluding any wait.
func (f *Feed) FetchDuration() time.Duration { return f.fetchTook }

// start picks the first timestamp to pull after: the set's newest row, or the
// source's newest row when the set is empty.
func (f *Feed) start(ctx context.Context) error {
	if t, ok := f.set.LastTime(); ok {
		f.lastUpdate = t
		return nil
	}
	rows, err := f.src.GetSamples(ctx, telemetry.Query{Variables: f.set.Names(), Limit: 1})
	if err != nil {
		return fmt.Errorf("latest sample: %w", err)
	}
	if len(rows) > 0 {
		f.lastUpdate = rows[len(rows)-1].Time
	}
	return nil
}

// Fetch appends every row strictly newer than the last update and returns
// how many were added. It does not wait.
func (f *Feed) Fetch(ctx context.Context) (int, error) {
	began := time.Now()
	defer func() { f.fetchTook = time.Since(began) }()

	if f.set.Count() == 0 {
		return 0, nil
	}
	if f.lastUpdate.IsZero() {
		if err := f.start(ctx); err != nil {
			return 0, err
		}
	}

	rows, err := f.src.GetSamples(ctx, telemetry.Query{Variables: f.set.Names(), After: f.lastUpdate})
	if err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := f.set.AddData(rows); err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}
	f.lastUpdate = rows[len(rows)-1].Time
	return len(rows), nil
}

// Pull fetches new rows and then waits one data-rate interval on the source.
// The wait happens after a failed fetch too, so a failing source is still
// polled at the data rate.
func (f *Feed) Pull(ctx context.Context) (int, error) {
	n, err := f.Fetch(ctx)
	if serr := f.src.Sleep(ctx, 0); serr != nil {
		err = errors.Join(err, fmt.Errorf("sleep: %w", serr))
	}
	return n, err
}
