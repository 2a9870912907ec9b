package algo

import (
	"fmt"
	"math"
	"time"
)

// edgeCheck reports when a condition starts and stops holding for the
// primary variable. It only speaks on transitions.
type edgeCheck struct {
	name    string
	bad     func(v float64) bool
	onMsg   string
	offMsg  string
	tripped bool
}

func (c *edgeCheck) Setup(*Env) error {
	c.tripped = false
	return nil
}

func (c *edgeCheck) Process(env *Env, t time.Time, values []float64) error {
	if values == nil {
		return nil
	}
	bad := c.bad(values[0])
	switch {
	case bad && !c.tripped:
		env.Log.Print(fmt.Sprintf(c.onMsg, c.name), t)
		c.tripped = true
	case !bad && c.tripped:
		env.Log.Print(fmt.Sprintf(c.offMsg, c.name), t)
		c.tripped = false
	}
	return nil
}

// Default bounds used when a bounds check is configured without limits.
const (
	DefaultLowerBound = -32767
	DefaultUpperBound = 32767
)

// BoundsCheck reports when a variable leaves and re-enters [lower, upper].
func BoundsCheck(name string, lower, upper float64) Spec {
	return Spec{
		Variables: []string{name},
		New: func() Algorithm {
			return &edgeCheck{
				name:   name,
				bad:    func(v float64) bool { return !(lower <= v && v <= upper) },
				onMsg:  "%s out of bounds.",
				offMsg: "%s back in bounds.",
			}
		},
		Description: "Bounds check for " + name,
	}
}

// MissingDataCheck reports when a variable starts and stops carrying the
// server's missing-value sentinel.
func MissingDataCheck(name string, sentinel float64) Spec {
	return Spec{
		Variables: []string{name},
		New: func() Algorithm {
			return &edgeCheck{
				name:   name,
				bad:    func(v float64) bool { return v == sentinel || (math.IsNaN(v) && math.IsNaN(sentinel)) },
				onMsg:  "%s MISSING DATA",
				offMsg: "%s no longer has missing data",
			}
		},
		Description: "Bad data check for " + name,
	}
}

// CalibrationConfig describes an instrument that calibrates periodically by
// dropping its signal below a threshold.
type CalibrationConfig struct {
	Variable  string
	Label     string        // used in messages, e.g. "CO"
	Threshold float64       // at or below means calibrating
	Early     time.Duration // a cal sooner than this after the previous is early
	Late      time.Duration // no cal for this long is late
}

// Default calibration window: roughly hourly.
const (
	DefaultCalEarly = 3300 * time.Second
	DefaultCalLate  = 3900 * time.Second
)

type calibrationCheck struct {
	cfg     CalibrationConfig
	cal     bool
	late    bool
	lastCal time.Time
}

func (c *calibrationCheck) Setup(env *Env) error {
	c.cal, c.late = false, false
	c.lastCal = env.FlightStart
	return nil
}

func (c *calibrationCheck) Process(env *Env, t time.Time, values []float64) error {
	if values == nil {
		return nil
	}
	since := t.Sub(c.lastCal)

	switch {
	case since >= c.cfg.Late && !c.late:
		env.Log.Print(c.cfg.Label+" cal is late.", t)
		c.late = true
	case since < c.cfg.Late && c.late:
		c.late = false
	}

	calibrating := values[0] <= c.cfg.Threshold
	switch {
	case calibrating && !c.cal:
		env.Log.Print(c.cfg.Label+" cal occurring.", t)
		if since < c.cfg.Early {
			env.Log.Print(c.cfg.Label+" cal is early.", t)
		}
		c.lastCal = t
		c.cal = true
	case !calibrating && c.cal:
		c.cal = false
	}
	return nil
}

// CalibrationCheck reports calibrations and warns when one comes early or
// late relative to the previous one, counting from flight start.
func CalibrationCheck(cfg CalibrationConfig) Spec {
	if cfg.Label == "" {
		cfg.Label = cfg.Variable
	}
	if cfg.Early == 0 {
		cfg.Early = DefaultCalEarly
	}
	if cfg.Late == 0 {
		cfg.Late = DefaultCalLate
	}
	return Spec{
		Variables:   []string{cfg.Variable},
		New:         func() Algorithm { return &calibrationCheck{cfg: cfg} },
		Description: "Calibration check for " + cfg.Variable,
	}
}
