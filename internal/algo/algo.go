// Package algo runs small streaming checks over the variables collected
// during a flight.
//
// An Algorithm is registered once as a Spec and rebuilt from it at every
// flight start. Each tick it is handed the samples that arrived since its
// previous tick, strictly in time order and exactly once.
package algo

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"flight_monitor/internal/flightlog"
	"flight_monitor/internal/series"
)

var (
	// ErrUnknownVariables is returned when a spec names variables the flight does not track.
	ErrUnknownVariables = errors.New("unknown variables")
	// ErrInvalidSpec is returned for a spec without variables or constructor.
	ErrInvalidSpec = errors.New("invalid algorithm spec")
)

// DefaultDescription is used for specs registered without one.
const DefaultDescription = "No Description"

// RunMode decides when Process is called.
type RunMode int

const (
	// NewData calls Process once per new sample.
	NewData RunMode = iota
	// EveryUpdate also calls Process with nil values on ticks without new samples.
	EveryUpdate
)

func (m RunMode) String() string {
	if m == EveryUpdate {
		return "every update"
	}
	return "new data"
}

// Env is what an algorithm sees of the flight.
type Env struct {
	Log         *flightlog.Log
	FlightStart time.Time
	// Vars holds the bound series in the order the spec listed them.
	// Index 0 is the primary series that drives ticks. Only the flight
	// feed appends to them.
	Vars series.View
	// State is free-form memory kept across Process calls.
	State map[string]any
}

// Algorithm is one streaming check.
type Algorithm interface {
	// Setup runs once per flight before the first Process.
	Setup(env *Env) error
	// Process handles one sample. values has one entry per bound variable,
	// or is nil on an every-update tick without new data.
	Process(env *Env, t time.Time, values []float64) error
}

// Func adapts a pair of functions to Algorithm. Either may be nil.
type Func struct {
	SetupFn   func(env *Env) error
	ProcessFn func(env *Env, t time.Time, values []float64) error
}

func (f Func) Setup(env *Env) error {
	if f.SetupFn == nil {
		return nil
	}
	return f.SetupFn(env)
}

func (f Func) Process(env *Env, t time.Time, values []float64) error {
	if f.ProcessFn == nil {
		return nil
	}
	return f.ProcessFn(env, t, values)
}

// Spec describes how to build an algorithm for each flight.
type Spec struct {
	Variables   []string
	New         func() Algorithm
	Mode        RunMode
	Description string
}

func (s Spec) validate() error {
	if len(s.Variables) == 0 {
		return fmt.Errorf("%w: no variables", ErrInvalidSpec)
	}
	if s.New == nil {
		return fmt.Errorf("%w: no constructor", ErrInvalidSpec)
	}
	return nil
}

// State is an instance's lifecycle stage.
type State int

const (
	Uninitialized State = iota
	Ready
	Disabled
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Disabled:
		return "disabled"
	default:
		return "uninitialized"
	}
}

// Instance is a spec bound to one flight's variables.
type Instance struct {
	spec     Spec
	algo     Algorithm
	vars     *series.Set
	env      *Env
	state    State
	lastSeen time.Time
	seen     bool
}

// bind builds an instance over the named members of set.
func bind(spec Spec, set *series.Set, log *flightlog.Log, flightStart time.Time) (*Instance, error) {
	members := make([]*series.TimeSeries, 0, len(spec.Variables))
	var unknown []string
	for _, name := range spec.Variables {
		ts, err := set.Series(name)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		members = append(members, ts)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariables, strings.Join(unknown, ", "))
	}

	vars := series.NewSetFrom(members...)
	return &Instance{
		spec: spec,
		algo: spec.New(),
		vars: vars,
		env: &Env{
			Log:         log,
			FlightStart: flightStart,
			Vars:        vars.View(),
			State:       make(map[string]any),
		},
	}, nil
}

// Description returns the spec's description.
func (in *Instance) Description() string { return in.spec.Description }

// Variables returns the bound variable names.
func (in *Instance) Variables() []string { return in.vars.Names() }

// Mode returns the spec's run mode.
func (in *Instance) Mode() RunMode { return in.spec.Mode }

// State returns the lifecycle stage.
func (in *Instance) State() State { return in.state }

// LastSeen returns the newest timestamp already handed to Process.
func (in *Instance) LastSeen() (time.Time, bool) { return in.lastSeen, in.seen }

func (in *Instance) primary() *series.TimeSeries { return in.vars.Members()[0] }

// setup runs Setup and captures the primary series' newest timestamp, so
// anything already collected counts as seen. A failed setup leaves lastSeen
// unset and the first tick captures it instead.
func (in *Instance) setup() (err error) {
	defer recoverInto(&err)
	in.state = Ready
	if err := in.algo.Setup(in.env); err != nil {
		return err
	}
	if last, ok := in.primary().Last(); ok {
		in.lastSeen, in.seen = last.Time, true
	}
	return nil
}

// tick hands every sample newer than lastSeen to Process. Any error or panic
// disables the instance.
func (in *Instance) tick() (err error) {
	if in.state == Disabled {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
		if err != nil {
			in.state = Disabled
		}
	}()

	last, ok := in.primary().Last()
	if !ok {
		return nil
	}
	if !in.seen {
		in.lastSeen, in.seen = last.Time, true
	}

	if last.Time.After(in.lastSeen) {
		for row := range in.vars.Iter(series.From(in.vars.After(in.lastSeen))) {
			if err := in.algo.Process(in.env, row.Time, row.Values); err != nil {
				return err
			}
			in.lastSeen = row.Time
		}
		return nil
	}

	if in.spec.Mode == EveryUpdate {
		return in.algo.Process(in.env, last.Time, nil)
	}
	return nil
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = panicError(r)
	}
}

func panicError(r any) error {
	return fmt.Errorf("panic: %v\n%s", r, debug.Stack())
}
