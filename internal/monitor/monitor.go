// Package monitor watches the aircraft's telemetry for takeoff and landing.
//
// While the aircraft is on the ground the monitor polls slowly. At takeoff it
// backfills the last hour of data, rebuilds the algorithms and starts pulling
// rows every data-rate interval. After landing it waits a grace period for
// trailing data, writes the flight to a data file and sends a notification.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flight_monitor/internal/algo"
	"flight_monitor/internal/datafile"
	"flight_monitor/internal/feed"
	"flight_monitor/internal/flightlog"
	"flight_monitor/internal/metrics"
	"flight_monitor/internal/notify"
	"flight_monitor/internal/series"
	"flight_monitor/internal/telemetry"
)

// State is the monitor's flight state.
type State int

const (
	Ground State = iota
	InFlight
)

func (s State) String() string {
	if s == InFlight {
		return "in_flight"
	}
	return "ground"
}

// Defaults for Config.
const (
	DefaultWaitInterval = 3 * time.Second
	DefaultGrace        = 2 * time.Minute
	DefaultBackfill     = 60 * time.Minute
	DefaultRecentRows   = 100
	landingTimeout      = 2 * time.Minute
)

// Config controls a Monitor.
type Config struct {
	// Variables to track; nil tracks every variable the server records.
	Variables []string
	// WaitInterval is the ground polling interval before the speed multiplier.
	WaitInterval time.Duration
	// Grace is how long to keep collecting after landing; negative disables it.
	Grace time.Duration
	// Backfill is how much history to load at takeoff.
	Backfill time.Duration
	// OutputPath forces the data file path. When empty a name is built from
	// the flight metadata inside OutputDir (the temp directory if empty).
	OutputPath string
	OutputDir  string
	// Header writes the database structure at the top of the data file.
	Header bool
	// RecentRows is how many of the newest rows Status carries.
	RecentRows int
}

func (c *Config) defaults() {
	if c.WaitInterval <= 0 {
		c.WaitInterval = DefaultWaitInterval
	}
	if c.Grace < 0 {
		c.Grace = 0
	} else if c.Grace == 0 {
		c.Grace = DefaultGrace
	}
	if c.Backfill <= 0 {
		c.Backfill = DefaultBackfill
	}
	if c.RecentRows <= 0 {
		c.RecentRows = DefaultRecentRows
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithWriter sets where finished flights are written. The default writes
// .asc files.
func WithWriter(w datafile.FlightWriter) Option {
	return func(m *Monitor) { m.writer = w }
}

// WithArchive adds stores that receive every finished flight after the data
// file. Archive failures are logged on their own and never affect the file.
func WithArchive(ws ...datafile.FlightWriter) Option {
	return func(m *Monitor) { m.archive = append(m.archive, ws...) }
}

// WithNotifier sets who is told about a landing. The default tells nobody.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithPrintFunc sets how flight-log messages are emitted.
func WithPrintFunc(fn flightlog.PrintFunc) Option {
	return func(m *Monitor) { m.print = fn }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithTakeoffHook is called at every takeoff with the flight id and metadata.
func WithTakeoffHook(fn func(id string, meta telemetry.Metadata)) Option {
	return func(m *Monitor) { m.onTakeoff = fn }
}

// Monitor is the flight state machine. Run is not safe for concurrent use;
// Status may be called from any goroutine.
type Monitor struct {
	src       telemetry.Source
	cfg       Config
	logger    *slog.Logger
	writer    datafile.FlightWriter
	archive   datafile.MultiWriter
	notifier  notify.Notifier
	print     flightlog.PrintFunc
	metrics   *metrics.Metrics
	onTakeoff func(id string, meta telemetry.Metadata)
	registry  *algo.Registry
	speed     float64

	state       State
	waiting     bool
	flights     int
	flightID    string
	flightStart time.Time
	log         *flightlog.Log
	set         *series.Set
	feed        *feed.Feed
	lastFile    string

	mu     sync.RWMutex
	status Status
}

// New creates a monitor in the Ground state and attaches a missing-data
// check to every tracked variable that has a missing-value sentinel.
func New(src telemetry.Source, cfg Config, opts ...Option) *Monitor {
	cfg.defaults()
	cfg.Variables = lower(cfg.Variables)

	m := &Monitor{
		src:    src,
		cfg:    cfg,
		writer: datafile.FileWriter{},
		speed:  1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.print == nil {
		m.print = flightlog.SlogPrinter(m.logger)
	}

	m.registry = algo.NewRegistry(m.logger)
	m.registry.OnFailure(func(in *algo.Instance, _ error) {
		m.metrics.AlgorithmFailed(in.Description())
	})

	tracked := cfg.Variables
	if tracked == nil {
		tracked = src.Variables()
	}
	for _, name := range tracked {
		sentinel, err := src.MissingValue(name)
		if err != nil {
			m.logger.Debug("no missing value for variable", "variable", name, "error", err)
			continue
		}
		if err := m.registry.Register(algo.MissingDataCheck(name, sentinel)); err != nil {
			m.logger.Warn("could not attach missing data check", "variable", name, "error", err)
		}
	}

	m.metrics.SetInFlight(false)
	m.publish()
	return m
}

// AttachAlgo registers an algorithm for every following flight.
func (m *Monitor) AttachAlgo(spec algo.Spec) error {
	if err := m.registry.Register(spec); err != nil {
		return err
	}
	m.publish()
	return nil
}

// AttachBoundsCheck reports when name leaves or re-enters [lower, upper].
func (m *Monitor) AttachBoundsCheck(name string, lower, upper float64) error {
	return m.AttachAlgo(algo.BoundsCheck(strings.ToLower(name), lower, upper))
}

// AttachCalibrationCheck reports an instrument's calibrations.
func (m *Monitor) AttachCalibrationCheck(cfg algo.CalibrationConfig) error {
	cfg.Variable = strings.ToLower(cfg.Variable)
	return m.AttachAlgo(algo.CalibrationCheck(cfg))
}

// RemoveAlgos detaches every algorithm, including the missing-data checks.
func (m *Monitor) RemoveAlgos() {
	m.registry.Clear()
	m.publish()
}

// SpeedWait multiplies the ground polling interval.
func (m *Monitor) SpeedWait(multiple float64) {
	if multiple > 0 {
		m.speed *= multiple
	}
}

// State returns the current flight state.
func (m *Monitor) State() State { return m.state }

// Flights returns how many flights have completed.
func (m *Monitor) Flights() int { return m.flights }

// Run performs one step of the state machine. Failures of the source, the
// algorithms, the writer and the notifier are logged and never returned; the
// only error is the context's.
func (m *Monitor) Run(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor step panicked", "panic", r, "stack", string(debug.Stack()))
		}
		m.publish()
		err = ctx.Err()
	}()

	flying, airErr := m.src.IsAirborne(ctx)
	if airErr != nil {
		m.logger.Warn("could not determine airborne state", "error", airErr)
		m.metrics.SourceError("airborne")
		flying = m.state == InFlight
	}

	switch {
	case !flying && m.state == Ground:
		m.waitOnGround(ctx)
	case !flying && m.state == InFlight:
		m.land(ctx)
	default:
		if m.state == Ground {
			m.takeOff(ctx)
		}
		m.update(ctx)
	}
	return nil
}

func (m *Monitor) waitOnGround(ctx context.Context) {
	if err := m.src.Reconnect(ctx); err != nil {
		m.logger.Warn("reconnect failed", "error", err)
		m.metrics.SourceError("reconnect")
	}
	if !m.waiting {
		m.logger.Info(flightlog.Format("Waiting for flight.", m.src.Now()))
		m.waiting = true
	}
	wait := time.Duration(float64(m.cfg.WaitInterval) * m.speed)
	if err := m.src.Sleep(ctx, wait); err != nil && ctx.Err() == nil {
		m.logger.Warn("sleep failed", "error", err)
	}
}

// trackedVariables resolves the configured variables against the server's
// list, dropping unknown names.
func (m *Monitor) trackedVariables() []string {
	available := m.src.Variables()
	if m.cfg.Variables == nil {
		return available
	}
	var vars, unknown []string
	for _, v := range m.cfg.Variables {
		if slices.Contains(available, v) {
			vars = append(vars, v)
		} else {
			unknown = append(unknown, v)
		}
	}
	if len(unknown) > 0 {
		m.logger.Warn("the following variables do not exist", "variables", unknown)
	}
	return vars
}

func (m *Monitor) takeOff(ctx context.Context) {
	now := m.src.Now()
	m.flightStart = now
	m.flightID = uuid.NewString()
	m.waiting = false

	emit := m.print
	m.log = flightlog.New(func(msg string, t time.Time) string {
		m.metrics.FlightLogMessage()
		return emit(msg, t)
	})

	m.set = series.NewSet(m.trackedVariables()...)
	m.feed = feed.New(m.src, m.set)
	if m.set.Count() > 0 {
		rows, err := m.src.GetSamples(ctx, telemetry.Query{Variables: m.set.Names(), Since: m.cfg.Backfill})
		if err == nil {
			err = m.set.AddData(rows)
		}
		if err != nil {
			// The first pull picks up the preflight window instead.
			m.logger.Warn("could not load preflight data", "error", err)
			m.metrics.SourceError("backfill")
			m.set.Clear()
			m.feed = feed.NewFrom(m.src, m.set, now.Add(-m.cfg.Backfill))
		}
	}
	m.registry.Reset(m.set, m.flightStart, m.log)

	meta := m.src.Metadata()
	if m.onTakeoff != nil {
		m.onTakeoff(m.flightID, meta)
	}
	m.logger.Info("flight started", "flight_id", m.flightID,
		"project", meta.Project(), "flight", meta.Flight(),
		"variables", m.set.Count(), "preflight_rows", m.set.Len(), "algorithms", len(m.registry.Active()))

	m.state = InFlight
	m.metrics.SetInFlight(true)
	m.metrics.SetActiveAlgorithms(len(m.registry.Active()))
	m.log.Print("In Flight.", now)
}

// update pulls new rows, waits one data-rate interval and ticks the algorithms.
func (m *Monitor) update(ctx context.Context) {
	if m.feed == nil {
		return
	}
	n, err := m.feed.Pull(ctx)
	m.ingested(ctx, n, err)
	if m.registry.Tick() > 0 {
		m.metrics.SetActiveAlgorithms(len(m.registry.Active()))
	}
}

func (m *Monitor) ingested(ctx context.Context, n int, err error) {
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("could not pull new data", "error", err)
		m.metrics.SourceError("pull")
	}
	if err == nil || n > 0 {
		m.metrics.RowsIngested(n, m.feed.LastUpdate(), m.feed.FetchDuration())
	}
}

// land finishes the flight. Every side channel is best effort; the monitor
// always ends up on the ground.
func (m *Monitor) land(ctx context.Context) {
	defer m.teardown()
	if m.set == nil {
		return
	}

	m.log.Print("Flight ending.", m.src.Now())
	if m.cfg.Grace > 0 {
		if err := m.src.Sleep(ctx, m.cfg.Grace); err != nil {
			m.logger.Warn("grace period cut short", "error", err)
		}
	}

	// Finish the landing even when the caller is shutting down.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), landingTimeout)
	defer cancel()

	n, err := m.feed.Fetch(lctx)
	m.ingested(lctx, n, err)

	meta := m.src.Metadata()
	path := m.cfg.OutputPath
	if path == "" {
		path = datafile.FileName(m.cfg.OutputDir, meta, m.src.Now())
	}
	m.logger.Info("writing flight data", "path", path, "rows", m.set.Len())

	var header string
	if m.cfg.Header {
		h, err := m.src.DatabaseStructure(lctx)
		if err != nil {
			m.logger.Warn("could not read database structure", "error", err)
		}
		header = h
	}

	labels, rows := m.set.Labels(), m.set.JoinedSlice(series.All())
	if err := m.writer.Write(lctx, path, labels, rows, header); err != nil {
		m.logger.Error("could not create data file", "path", path, "error", err)
		m.metrics.LandingError("write")
	} else {
		m.lastFile = path
	}
	if len(m.archive) > 0 {
		if err := m.archive.Write(lctx, path, labels, rows, header); err != nil {
			m.logger.Error("could not archive flight", "flight_id", m.flightID, "error", err)
			m.metrics.LandingError("archive")
		}
	}

	if m.notifier != nil {
		message := notify.DefaultMessage
		if msgs := m.log.Messages(); len(msgs) > 0 {
			message = strings.Join(msgs, "\n")
		}
		if err := m.notifier.Notify(lctx, meta, []string{path}, message); err != nil {
			m.logger.Error("could not send notification", "error", err)
			m.metrics.LandingError("notify")
		} else {
			m.logger.Info(flightlog.Format("Sent notification.", m.src.Now()))
		}
	}

	m.flights++
	m.metrics.FlightCompleted()
	m.logger.Info("flight ended", "flight_id", m.flightID, "flights", m.flights)
}

func (m *Monitor) teardown() {
	m.state = Ground
	m.log = nil
	m.set = nil
	m.feed = nil
	m.flightID = ""
	m.metrics.SetInFlight(false)
	m.metrics.SetActiveAlgorithms(0)
}

// Watch runs until ctx is done.
func (m *Monitor) Watch(ctx context.Context) error {
	for {
		if err := m.Run(ctx); err != nil {
			return err
		}
	}
}

// RunFlights runs until n more flights have completed.
func (m *Monitor) RunFlights(ctx context.Context, n int) error {
	target := m.flights + n
	for m.flights < target {
		if err := m.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunUntil runs until the source clock reaches deadline. A flight still in
// progress at the deadline is ended as if the aircraft had landed.
func (m *Monitor) RunUntil(ctx context.Context, deadline time.Time) error {
	for m.src.Now().Before(deadline) {
		if err := m.Run(ctx); err != nil {
			return err
		}
	}
	if m.state == InFlight {
		m.land(ctx)
		m.publish()
	}
	return ctx.Err()
}

// RunFor runs for d on the source clock.
func (m *Monitor) RunFor(ctx context.Context, d time.Duration) error {
	return m.RunUntil(ctx, m.src.Now().Add(d))
}

func lower(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}

func (m *Monitor) String() string {
	return fmt.Sprintf("monitor(%s, flights=%d)", m.state, m.flights)
}
