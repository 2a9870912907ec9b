// Package metrics exposes the monitor's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flightmonitor"

// Metrics holds the monitor's collectors.
type Metrics struct {
	registry *prometheus.Registry

	inFlight          prometheus.Gauge
	flightsTotal      prometheus.Counter
	samplesTotal      prometheus.Counter
	lastSample        prometheus.Gauge
	pullDuration      prometheus.Histogram
	sourceErrors      *prometheus.CounterVec
	algorithmFailures *prometheus.CounterVec
	activeAlgorithms  prometheus.Gauge
	outputErrors      *prometheus.CounterVec
	flightLogMessages prometheus.Counter
}

// New creates the collectors on a fresh registry, with the Go and process
// collectors included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "1 while the aircraft is airborne, 0 on the ground",
		}),
		flightsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flights_total",
			Help:      "Flights completed since start",
		}),
		samplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "rows_total",
			Help:      "Rows ingested from the telemetry source",
		}),
		lastSample: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "last_row_timestamp_seconds",
			Help:      "Timestamp of the newest ingested row",
		}),
		pullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "pull_duration_seconds",
			Help:      "Time spent fetching new rows, excluding the data-rate wait",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Telemetry source failures by operation",
		}, []string{"operation"}),
		algorithmFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "algorithm",
			Name:      "failures_total",
			Help:      "Algorithms disabled after a failure",
		}, []string{"description"}),
		activeAlgorithms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "algorithm",
			Name:      "active",
			Help:      "Algorithms live in the current flight",
		}),
		outputErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "landing",
			Name:      "errors_total",
			Help:      "Landing side-channel failures by stage",
		}, []string{"stage"}),
		flightLogMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flightlog",
			Name:      "messages_total",
			Help:      "Messages raised by algorithms",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlight,
		m.flightsTotal,
		m.samplesTotal,
		m.lastSample,
		m.pullDuration,
		m.sourceErrors,
		m.algorithmFailures,
		m.activeAlgorithms,
		m.outputErrors,
		m.flightLogMessages,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetInFlight(flying bool) {
	if m == nil {
		return
	}
	if flying {
		m.inFlight.Set(1)
	} else {
		m.inFlight.Set(0)
	}
}

func (m *Metrics) FlightCompleted() {
	if m == nil {
		return
	}
	m.flightsTotal.Inc()
}

// RowsIngested records a pull.
func (m *Metrics) RowsIngested(n int, last time.Time, took time.Duration) {
	if m == nil {
		return
	}
	m.pullDuration.Observe(took.Seconds())
	if n == 0 {
		return
	}
	m.samplesTotal.Add(float64(n))
	m.lastSample.Set(float64(last.UnixNano()) / 1e9)
}

func (m *Metrics) SourceError(op string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) AlgorithmFailed(description string) {
	if m == nil {
		return
	}
	m.algorithmFailures.WithLabelValues(description).Inc()
}

func (m *Metrics) SetActiveAlgorithms(n int) {
	if m == nil {
		return
	}
	m.activeAlgorithms.Set(float64(n))
}

// LandingError records a failed write or notify.
func (m *Metrics) LandingError(stage string) {
	if m == nil {
		return
	}
	m.outputErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) FlightLogMessage() {
	if m == nil {
		return
	}
	m.flightLogMessages.Inc()
}
