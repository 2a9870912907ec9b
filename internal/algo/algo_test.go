package algo

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flight_monitor/internal/flightlog"
	"flight_monitor/internal/series"
)

var start = time.Date(2011, 7, 28, 14, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return start.Add(time.Duration(sec) * time.Second) }

// quietLog keeps messages without printing them.
func quietLog() *flightlog.Log {
	return flightlog.New(func(msg string, t time.Time) string { return flightlog.Format(msg, t) })
}

func newRegistry() *Registry {
	return NewRegistry(slog.New(slog.DiscardHandler))
}

// recorder is an algorithm that remembers every call.
type recorder struct {
	times  []time.Time
	values [][]float64
	fail   error
	panics bool
}

func (r *recorder) Setup(*Env) error { return nil }

func (r *recorder) Process(_ *Env, t time.Time, values []float64) error {
	if r.panics {
		panic("boom")
	}
	if r.fail != nil {
		return r.fail
	}
	r.times = append(r.times, t)
	r.values = append(r.values, values)
	return nil
}

func spec(rec *recorder, mode RunMode, vars ...string) Spec {
	return Spec{Variables: vars, New: func() Algorithm { return rec }, Mode: mode}
}

func add(t *testing.T, set *series.Set, sec int, vals ...float64) {
	t.Helper()
	require.NoError(t, set.AddData([]series.Row{{Time: at(sec), Values: vals}}))
}

func TestRegisterValidates(t *testing.T) {
	r := newRegistry()
	assert.ErrorIs(t, r.Register(Spec{New: func() Algorithm { return Func{} }}), ErrInvalidSpec)
	assert.ErrorIs(t, r.Register(Spec{Variables: []string{"a"}}), ErrInvalidSpec)

	require.NoError(t, r.Register(Spec{Variables: []string{"a"}, New: func() Algorithm { return Func{} }}))
	assert.Equal(t, DefaultDescription, r.Specs()[0].Description)
}

func TestProcessSeesEverySampleOnce(t *testing.T) {
	set := series.NewSet("a", "b")
	rec := &recorder{}
	r := newRegistry()
	require.NoError(t, r.Register(spec(rec, NewData, "b", "a")))
	r.Reset(set, start, quietLog())

	assert.Equal(t, 0, r.Tick(), "no data yet")
	add(t, set, 0, 1, 10)
	r.Tick() // first data: captured as seen
	assert.Empty(t, rec.times)

	add(t, set, 1, 2, 20)
	add(t, set, 2, 3, 30)
	r.Tick()
	r.Tick()
	add(t, set, 3, 4, 40)
	r.Tick()

	assert.Equal(t, []time.Time{at(1), at(2), at(3)}, rec.times)
	assert.Equal(t, [][]float64{{20, 2}, {30, 3}, {40, 4}}, rec.values, "values follow the spec's variable order")
}

func TestBackfillCountsAsSeen(t *testing.T) {
	set := series.NewSet("a")
	add(t, set, 0, 1)
	add(t, set, 1, 2)

	rec := &recorder{}
	r := newRegistry()
	require.NoError(t, r.Register(spec(rec, NewData, "a")))
	r.Reset(set, start, quietLog())

	seen, ok := r.Active()[0].LastSeen()
	require.True(t, ok)
	assert.Equal(t, at(1), seen)

	add(t, set, 2, 3)
	r.Tick()
	assert.Equal(t, []time.Time{at(2)}, rec.times)
}

func TestEnvVarsReadsHistory(t *testing.T) {
	set := series.NewSet("a", "b")
	add(t, set, 0, 1, 10)

	var means []float64
	r := newRegistry()
	require.NoError(t, r.Register(Spec{
		Variables: []string{"b"},
		New: func() Algorithm {
			return Func{ProcessFn: func(env *Env, _ time.Time, _ []float64) error {
				b, err := env.Vars.Series("b")
				if err != nil {
					return err
				}
				var sum float64
				for _, v := range b.Iter(series.All()) {
					sum += v
				}
				means = append(means, sum/float64(b.Len()))
				return nil
			}}
		},
	}))
	r.Reset(set, start, quietLog())

	env := r.Active()[0].env
	assert.Equal(t, []string{"b"}, env.Vars.Names())
	_, mutable := any(env.Vars).(interface{ AddData([]series.Row) error })
	assert.False(t, mutable, "algorithms cannot append to the flight's series")

	add(t, set, 1, 2, 30)
	r.Tick()
	assert.Equal(t, []float64{20}, means)
	assert.Equal(t, 2, env.Vars.Len())
}

func TestEveryUpdateWithoutNewData(t *testing.T) {
	set := series.NewSet("a")
	add(t, set, 0, 1)

	rec := &recorder{}
	r := newRegistry()
	require.NoError(t, r.Register(spec(rec, EveryUpdate, "a")))
	r.Reset(set, start, quietLog())

	for range 5 {
		r.Tick()
	}
	require.Len(t, rec.times, 5)
	for i := range rec.times {
		assert.Equal(t, at(0), rec.times[i])
		assert.Nil(t, rec.values[i])
	}
}

func TestFailureIsolation(t *testing.T) {
	set := series.NewSet("a")
	add(t, set, 0, 1)

	bad := &recorder{fail: errors.New("division by zero")}
	crash := &recorder{panics: true}
	good := &recorder{}

	var disabled []string
	r := newRegistry()
	r.OnFailure(func(in *Instance, err error) { disabled = append(disabled, in.Description()) })
	require.NoError(t, r.Register(Spec{Variables: []string{"a"}, New: func() Algorithm { return bad }, Description: "bad"}))
	require.NoError(t, r.Register(Spec{Variables: []string{"a"}, New: func() Algorithm { return crash }, Description: "crash"}))
	require.NoError(t, r.Register(Spec{Variables: []string{"a"}, New: func() Algorithm { return good }, Description: "good"}))
	r.Reset(set, start, quietLog())
	require.Len(t, r.Active(), 3)

	add(t, set, 1, 2)
	assert.Equal(t, 2, r.Tick())
	assert.Equal(t, []time.Time{at(1)}, good.times, "later algorithms still run on the failing tick")
	assert.Equal(t, []string{"bad", "crash"}, disabled)

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "good", active[0].Description())

	add(t, set, 2, 3)
	assert.Equal(t, 0, r.Tick())
	assert.Len(t, good.times, 2)

	// The next flight brings them back.
	r.Reset(set, start, quietLog())
	assert.Len(t, r.Active(), 3)
}

func TestResetSkipsUnknownVariables(t *testing.T) {
	set := series.NewSet("a", "b")
	r := newRegistry()
	require.NoError(t, r.Register(spec(&recorder{}, NewData, "a", "no_such_var")))
	require.NoError(t, r.Register(spec(&recorder{}, NewData, "b")))
	r.Reset(set, start, quietLog())

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, []string{"b"}, active[0].Variables())

	_, err := bind(r.Specs()[0], set, quietLog(), start)
	assert.ErrorIs(t, err, ErrUnknownVariables)
	assert.Contains(t, err.Error(), "no_such_var")
}

func TestResetIsIdempotent(t *testing.T) {
	set := series.NewSet("a", "b")
	add(t, set, 0, 1, 2)

	r := newRegistry()
	calls := 0
	require.NoError(t, r.Register(Spec{
		Variables: []string{"a", "b"},
		New: func() Algorithm {
			return Func{SetupFn: func(env *Env) error {
				calls++
				env.State["count"] = 0
				return nil
			}}
		},
	}))

	r.Reset(set, start, quietLog())
	first := r.Active()
	r.Reset(set, start, quietLog())
	second := r.Active()

	require.Len(t, second, len(first))
	assert.Equal(t, first[0].Variables(), second[0].Variables())
	assert.NotSame(t, first[0], second[0])
	assert.Equal(t, 0, second[0].env.State["count"])
	assert.Equal(t, 2, calls)
}

func TestSetupFailureLeavesLastSeenUnset(t *testing.T) {
	set := series.NewSet("a")
	add(t, set, 0, 1)

	rec := &recorder{}
	r := newRegistry()
	require.NoError(t, r.Register(Spec{
		Variables: []string{"a"},
		New: func() Algorithm {
			return Func{
				SetupFn:   func(*Env) error { return errors.New("no calibration table") },
				ProcessFn: rec.Process,
			}
		},
	}))
	r.Reset(set, start, quietLog())

	active := r.Active()
	require.Len(t, active, 1)
	_, ok := active[0].LastSeen()
	assert.False(t, ok)
	assert.Equal(t, Ready, active[0].State())

	r.Tick()
	assert.Empty(t, rec.times, "first tick only captures lastSeen")
	add(t, set, 1, 2)
	r.Tick()
	assert.Equal(t, []time.Time{at(1)}, rec.times)
}

func TestClear(t *testing.T) {
	set := series.NewSet("a")
	r := newRegistry()
	require.NoError(t, r.Register(BoundsCheck("a", 0, 1)))
	r.Reset(set, start, quietLog())
	require.Len(t, r.Active(), 1)

	r.Clear()
	assert.Empty(t, r.Active())
	assert.Empty(t, r.Specs())
}

func TestRunModeString(t *testing.T) {
	assert.Equal(t, "new data", NewData.String())
	assert.Equal(t, "every update", EveryUpdate.String())
	assert.Equal(t, "disabled", Disabled.String())
	assert.True(t, strings.HasPrefix(Uninitialized.String(), "un"))
}
