package algo

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"flight_monitor/internal/flightlog"
	"flight_monitor/internal/series"
)

// FailureFunc is told about every instance disabled by a failure.
type FailureFunc func(in *Instance, err error)

// Registry keeps the registered specs and the instances live this flight.
// The live list only shrinks during a flight; Reset rebuilds it.
type Registry struct {
	specs     []Spec
	live      []*Instance
	logger    *slog.Logger
	onFailure FailureFunc
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// OnFailure sets a hook called for each disabled instance.
func (r *Registry) OnFailure(fn FailureFunc) { r.onFailure = fn }

// Register adds a spec. It takes effect at the next Reset.
func (r *Registry) Register(spec Spec) error {
	if err := spec.validate(); err != nil {
		return fmt.Errorf("register %q: %w", spec.Description, err)
	}
	if spec.Description == "" {
		spec.Description = DefaultDescription
	}
	spec.Variables = slices.Clone(spec.Variables)
	r.specs = append(r.specs, spec)
	return nil
}

// Specs returns the registered specs.
func (r *Registry) Specs() []Spec { return slices.Clone(r.specs) }

// Active returns the instances live this flight, in registration order.
func (r *Registry) Active() []*Instance { return slices.Clone(r.live) }

// Clear drops every spec and instance.
func (r *Registry) Clear() {
	r.specs = nil
	r.live = nil
}

// Reset rebuilds the live list for a new flight. Specs naming variables the
// set does not hold are skipped. A failed Setup is logged and the instance
// stays live.
func (r *Registry) Reset(set *series.Set, flightStart time.Time, log *flightlog.Log) {
	r.live = r.live[:0]
	for _, spec := range r.specs {
		in, err := bind(spec, set, log, flightStart)
		if err != nil {
			r.logger.Warn("could not run algorithm",
				"description", spec.Description, "variables", spec.Variables, "error", err)
			continue
		}
		if err := in.setup(); err != nil {
			r.logger.Warn("algorithm setup failed",
				"description", spec.Description, "variables", spec.Variables, "error", err)
		}
		r.live = append(r.live, in)
	}
}

// Tick runs every live instance once, in registration order. Failed instances
// are removed after the tick and the number removed is returned.
func (r *Registry) Tick() int {
	failed := 0
	for _, in := range r.live {
		if err := in.tick(); err != nil {
			failed++
			r.logger.Error("could not run algorithm",
				"description", in.Description(), "variables", in.Variables(), "error", err)
			if r.onFailure != nil {
				r.onFailure(in, err)
			}
		}
	}
	if failed > 0 {
		r.live = slices.DeleteFunc(r.live, func(in *Instance) bool { return in.state == Disabled })
	}
	return failed
}
