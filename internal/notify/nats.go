package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"flight_monitor/internal/flightlog"
	"flight_monitor/internal/telemetry"
)

// Subject prefixes. The project number is appended.
const (
	LandingSubject = "flightmonitor.landing"
	LogSubject     = "flightmonitor.log"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL        string
	ClientName string
}

// LandingEvent is published once per flight.
type LandingEvent struct {
	ID       string            `json:"id"`
	Project  string            `json:"project"`
	Flight   string            `json:"flight"`
	Files    []string          `json:"files"`
	Message  string            `json:"message"`
	Landed   time.Time         `json:"landed"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LogEntry is one flight-log line published live.
type LogEntry struct {
	Timestamp string `json:"timestamp"` // RFC3339, sample time when known
	Project   string `json:"project"`
	Message   string `json:"message"`
}

// NATS publishes landing events and mirrors the flight log, so chat bots and
// dashboards can follow a flight without polling.
type NATS struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu      sync.Mutex
	project string
}

// ConnectNATS connects to the server.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ClientName
	if name == "" {
		name = "flight_monitor"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATS(nc, logger), nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{nc: nc, logger: logger, project: "unknown"}
}

// Close drains the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}

// SetProject selects the subject suffix used by the log mirror.
func (n *NATS) SetProject(project string) {
	n.mu.Lock()
	n.project = project
	n.mu.Unlock()
}

func (n *NATS) currentProject() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.project
}

// Subject returns prefix.<project> with the project made subject safe.
func Subject(prefix, project string) string {
	project = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, project)
	if project == "" {
		project = "unknown"
	}
	return prefix + "." + project
}

// Notify publishes a LandingEvent and flushes.
func (n *NATS) Notify(ctx context.Context, meta telemetry.Metadata, paths []string, message string) error {
	files := make([]string, len(paths))
	for i, p := range paths {
		files[i] = filepath.Base(p)
	}
	event := LandingEvent{
		ID:       uuid.NewString(),
		Project:  meta.Project(),
		Flight:   meta.Flight(),
		Files:    files,
		Message:  message,
		Landed:   time.Now().UTC(),
		Metadata: meta.Clone(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal landing event: %w", err)
	}
	if err := n.nc.Publish(Subject(LandingSubject, event.Project), data); err != nil {
		return fmt.Errorf("publish landing event: %w", err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush landing event: %w", err)
	}
	return nil
}

// PrintFunc returns a flight-log printer that publishes every line. Publish
// failures are logged and never block the flight log.
func (n *NATS) PrintFunc() flightlog.PrintFunc {
	return func(msg string, t time.Time) string {
		line := flightlog.Format(msg, t)
		stamp := t
		if stamp.IsZero() {
			stamp = time.Now()
		}
		project := n.currentProject()
		entry := LogEntry{
			Timestamp: stamp.UTC().Format(time.RFC3339),
			Project:   project,
			Message:   msg,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			n.logger.Warn("could not marshal log entry", "error", err)
			return line
		}
		if err := n.nc.Publish(Subject(LogSubject, project), data); err != nil {
			n.logger.Warn("could not publish log entry", "error", err)
		}
		return line
	}
}
