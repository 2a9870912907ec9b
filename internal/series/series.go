// Package series provides the ordered, append-only time-series containers that
// hold flight telemetry while an aircraft is airborne.
//
// A TimeSeries stores the samples of one variable. A Set groups several series
// that share one implicit time axis: every ingested row appends exactly one
// sample to every member series.
package series

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"
)

// Errors returned by TimeSeries and Set lookups.
var (
	ErrOutOfRange      = errors.New("index out of range")
	ErrNotFound        = errors.New("timestamp not found")
	ErrInvalidSample   = errors.New("invalid sample")
	ErrArity           = errors.New("row arity does not match series count")
	ErrUnknownVariable = errors.New("unknown variable")
)

// Sample is one (timestamp, value) observation of a variable.
type Sample struct {
	Time  time.Time
	Value float64
}

// Range selects a sub-sequence of a series. Negative positions count from the
// end and out-of-range bounds clamp.
// A time bound replaces the matching position bound when set; both time bounds
// are inclusive.
type Range struct {
	Start     *int
	Stop      *int
	StartTime time.Time
	StopTime  time.Time
}

// All selects the whole series.
func All() Range { return Range{} }

// Positions selects [start, stop) by position.
func Positions(start, stop int) Range {
	return Range{Start: &start, Stop: &stop}
}

// From selects everything from position start to the end.
func From(start int) Range {
	return Range{Start: &start}
}

// Between selects samples with start <= t <= stop. A zero time leaves that side open.
func Between(start, stop time.Time) Range {
	return Range{StartTime: start, StopTime: stop}
}

// TimeSeries is an append-only ordered sequence of samples for one variable.
type TimeSeries struct {
	name   string
	times  []time.Time
	values []float64
	byTime map[int64]int // UnixNano -> last position holding that timestamp
}

// New creates an empty series. The name is normalised to lower case.
func New(name string) *TimeSeries {
	return &TimeSeries{
		name:   strings.ToLower(name),
		byTime: make(map[int64]int),
	}
}

// Name returns the lower-cased variable name.
func (s *TimeSeries) Name() string { return s.name }

// Len returns the number of stored samples.
func (s *TimeSeries) Len() int { return len(s.values) }

// Append adds samples to the end of the series. Nothing is stored when any
// sample is invalid.
func (s *TimeSeries) Append(samples ...Sample) error {
	if len(samples) == 0 {
		return nil
	}
	for i, smp := range samples {
		if smp.Time.IsZero() {
			return fmt.Errorf("%s: sample %d: %w: missing timestamp", s.name, i, ErrInvalidSample)
		}
	}
	for _, smp := range samples {
		s.push(smp.Time, smp.Value)
	}
	return nil
}

func (s *TimeSeries) push(t time.Time, v float64) {
	s.byTime[t.UnixNano()] = len(s.values)
	s.times = append(s.times, t)
	s.values = append(s.values, v)
}

// resolve converts a possibly negative index into an absolute position.
func (s *TimeSeries) resolve(pos int) (int, error) {
	n := len(s.values)
	if pos < 0 {
		pos += n
	}
	if pos < 0 || pos >= n {
		return 0, fmt.Errorf("%s[%d]: %w (len %d)", s.name, pos, ErrOutOfRange, n)
	}
	return pos, nil
}

// At returns the value at a position; negative positions count from the end.
func (s *TimeSeries) At(pos int) (float64, error) {
	p, err := s.resolve(pos)
	if err != nil {
		return 0, err
	}
	return s.values[p], nil
}

// TimeAt returns the timestamp at a position; negative positions count from the end.
func (s *TimeSeries) TimeAt(pos int) (time.Time, error) {
	p, err := s.resolve(pos)
	if err != nil {
		return time.Time{}, err
	}
	return s.times[p], nil
}

// PositionAt returns the position of an exact timestamp. When the timestamp
// was stored more than once the latest position wins.
func (s *TimeSeries) PositionAt(t time.Time) (int, error) {
	p, ok := s.byTime[t.UnixNano()]
	if !ok {
		return 0, fmt.Errorf("%s at %s: %w", s.name, t.UTC().Format(time.RFC3339Nano), ErrNotFound)
	}
	return p, nil
}

// ValueAt returns the value stored at an exact timestamp. No interpolation is done.
func (s *TimeSeries) ValueAt(t time.Time) (float64, error) {
	p, err := s.PositionAt(t)
	if err != nil {
		return 0, err
	}
	return s.values[p], nil
}

// Last returns the most recent sample and false when the series is empty.
func (s *TimeSeries) Last() (Sample, bool) {
	n := len(s.values)
	if n == 0 {
		return Sample{}, false
	}
	return Sample{Time: s.times[n-1], Value: s.values[n-1]}, true
}

// After returns the first position whose timestamp is strictly after t, or
// Len when there is none.
func (s *TimeSeries) After(t time.Time) int {
	if p, ok := s.byTime[t.UnixNano()]; ok {
		// byTime holds the last occurrence, so the next position is strictly later.
		return p + 1
	}
	return sort.Search(len(s.times), func(i int) bool { return s.times[i].After(t) })
}

// bounds turns a Range into absolute [lo, hi) positions.
func (s *TimeSeries) bounds(r Range) (int, int) {
	return bounds(s.times, r)
}

// Slice copies the selected samples in order.
func (s *TimeSeries) Slice(r Range) []Sample {
	lo, hi := s.bounds(r)
	out := make([]Sample, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, Sample{Time: s.times[i], Value: s.values[i]})
	}
	return out
}

// Iter returns a restartable iterator over the selected samples. Bounds are
// resolved each time iteration starts.
func (s *TimeSeries) Iter(r Range) iter.Seq2[time.Time, float64] {
	return func(yield func(time.Time, float64) bool) {
		lo, hi := s.bounds(r)
		for i := lo; i < hi; i++ {
			if !yield(s.times[i], s.values[i]) {
				return
			}
		}
	}
}

// Clear drops every sample but keeps the name.
func (s *TimeSeries) Clear() {
	s.times = nil
	s.values = nil
	s.byTime = make(map[int64]int)
}

func (s *TimeSeries) String() string {
	return fmt.Sprintf("%s: (%d)", s.name, len(s.values))
}

// bounds resolves a Range against a non-decreasing time axis.
func bounds(times []time.Time, r Range) (int, int) {
	n := len(times)
	lo, hi := 0, n
	if r.Start != nil {
		lo = clamp(*r.Start, n)
	}
	if r.Stop != nil {
		hi = clamp(*r.Stop, n)
	}
	if !r.StartTime.IsZero() {
		lo = sort.Search(n, func(i int) bool { return !times[i].Before(r.StartTime) })
	}
	if !r.StopTime.IsZero() {
		hi = sort.Search(n, func(i int) bool { return times[i].After(r.StopTime) })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func clamp(pos, n int) int {
	if pos < 0 {
		pos += n
		if pos < 0 {
			return 0
		}
	}
	if pos > n {
		return n
	}
	return pos
}
