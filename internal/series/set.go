package series

import (
	"fmt"
	"iter"
	"strings"
	"time"
)

// TimeLabel is the label of the implicit time column.
const TimeLabel = "datetime"

// Row is one timestamp plus one value per series, in the set's declared order.
type Row struct {
	Time   time.Time
	Values []float64
}

// Set is an ordered collection of series sharing one time axis.
type Set struct {
	series []*TimeSeries
	index  map[string]int
}

// NewSet creates empty series for the given names. Names are lower-cased;
// a repeated name keeps its first position.
func NewSet(names ...string) *Set {
	vs := &Set{index: make(map[string]int, len(names))}
	for _, name := range names {
		vs.add(New(name))
	}
	return vs
}

// NewSetFrom builds a set over existing series. The series are shared, not copied.
func NewSetFrom(members ...*TimeSeries) *Set {
	vs := &Set{index: make(map[string]int, len(members))}
	for _, ts := range members {
		vs.add(ts)
	}
	return vs
}

func (vs *Set) add(ts *TimeSeries) {
	if _, ok := vs.index[ts.name]; ok {
		return
	}
	vs.index[ts.name] = len(vs.series)
	vs.series = append(vs.series, ts)
}

// Names returns the variable names in declared order.
func (vs *Set) Names() []string {
	out := make([]string, len(vs.series))
	for i, ts := range vs.series {
		out[i] = ts.name
	}
	return out
}

// Labels returns the time label followed by the variable names.
func (vs *Set) Labels() []string {
	return append([]string{TimeLabel}, vs.Names()...)
}

// Count returns the number of member series.
func (vs *Set) Count() int { return len(vs.series) }

// Len returns the number of rows held, which is the length of every member.
func (vs *Set) Len() int {
	if len(vs.series) == 0 {
		return 0
	}
	return vs.series[0].Len()
}

// Has reports whether a variable is a member.
func (vs *Set) Has(name string) bool {
	_, ok := vs.index[strings.ToLower(name)]
	return ok
}

// Series returns the member series for a name.
func (vs *Set) Series(name string) (*TimeSeries, error) {
	i, ok := vs.index[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownVariable)
	}
	return vs.series[i], nil
}

// Members returns the member series in declared order.
func (vs *Set) Members() []*TimeSeries {
	return append([]*TimeSeries(nil), vs.series...)
}

// LastTime returns the newest timestamp in the set.
func (vs *Set) LastTime() (time.Time, bool) {
	if len(vs.series) == 0 {
		return time.Time{}, false
	}
	last, ok := vs.series[0].Last()
	return last.Time, ok
}

// AddData appends rows. Every row must carry one value per member series and
// a valid timestamp; the whole batch is rejected otherwise so members stay in
// lockstep.
func (vs *Set) AddData(rows []Row) error {
	for i, row := range rows {
		if len(row.Values) != len(vs.series) {
			return fmt.Errorf("row %d: %w: got %d values, want %d", i, ErrArity, len(row.Values), len(vs.series))
		}
		if row.Time.IsZero() {
			return fmt.Errorf("row %d: %w: missing timestamp", i, ErrInvalidSample)
		}
	}
	for _, row := range rows {
		for j, ts := range vs.series {
			ts.push(row.Time, row.Values[j])
		}
	}
	return nil
}

// JoinedSlice returns one row per selected timestamp across all members.
func (vs *Set) JoinedSlice(r Range) []Row {
	lo, hi := vs.bounds(r)
	out := make([]Row, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, vs.row(i))
	}
	return out
}

// Iter returns a restartable iterator over joined rows.
func (vs *Set) Iter(r Range) iter.Seq[Row] {
	return func(yield func(Row) bool) {
		lo, hi := vs.bounds(r)
		for i := lo; i < hi; i++ {
			if !yield(vs.row(i)) {
				return
			}
		}
	}
}

// After returns the first row position strictly after t.
func (vs *Set) After(t time.Time) int {
	if len(vs.series) == 0 {
		return 0
	}
	return vs.series[0].After(t)
}

func (vs *Set) bounds(r Range) (int, int) {
	if len(vs.series) == 0 {
		return 0, 0
	}
	return vs.series[0].bounds(r)
}

func (vs *Set) row(i int) Row {
	vals := make([]float64, len(vs.series))
	for j, ts := range vs.series {
		vals[j] = ts.values[i]
	}
	return Row{Time: vs.series[0].times[i], Values: vals}
}

// Clear empties every member series.
func (vs *Set) Clear() {
	for _, ts := range vs.series {
		ts.Clear()
	}
}

// Reader is the read-only side of a TimeSeries.
type Reader interface {
	Name() string
	Len() int
	At(pos int) (float64, error)
	TimeAt(pos int) (time.Time, error)
	PositionAt(t time.Time) (int, error)
	ValueAt(t time.Time) (float64, error)
	Last() (Sample, bool)
	After(t time.Time) int
	Slice(r Range) []Sample
	Iter(r Range) iter.Seq2[time.Time, float64]
}

// View is a read-only window on a set. It sees rows appended to the set
// after it was taken.
type View struct {
	set *Set
}

// View returns a read-only view of the set.
func (vs *Set) View() View { return View{set: vs} }

func (v View) Names() []string { return v.set.Names() }
func (v View) Labels() []string { return v.set.Labels() }
func (v View) Count() int { return v.set.Count() }
func (v View) Len() int { return v.set.Len() }
func (v View) Has(name string) bool { return v.set.Has(name) }
func (v View) LastTime() (time.Time, bool) { return v.set.LastTime() }
func (v View) After(t time.Time) int { return v.set.After(t) }
func (v View) JoinedSlice(r Range) []Row { return v.set.JoinedSlice(r) }
func (v View) Iter(r Range) iter.Seq[Row] { return v.set.Iter(r) }

// Series returns a member series by name.
func (v View) Series(name string) (Reader, error) {
	ts, err := v.set.Series(name)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// Members returns the member series in declared order.
func (v View) Members() []Reader {
	out := make([]Reader, len(v.set.series))
	for i, ts := range v.set.series {
		out[i] = ts
	}
	return out
}
