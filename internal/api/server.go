// Package api provides a read-only REST API over the flight monitor's state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flight_monitor/internal/monitor"
	"flight_monitor/internal/series"
)

// StatusProvider is the part of the monitor the API reads.
type StatusProvider interface {
	Status() monitor.Status
}

// Config holds configuration for the status API server.
type Config struct {
	Addr        string
	AuthEnabled bool
	APIKeys     []string // list of valid API keys
}

// Server exposes the monitor status, the flight log and Prometheus metrics.
type Server struct {
	status      StatusProvider
	metrics     http.Handler
	addr        string
	authEnabled bool
	apiKeys     map[string]bool
	logger      *slog.Logger
}

// NewServer creates a status API server. A nil metrics handler leaves
// /metrics unrouted.
func NewServer(status StatusProvider, metrics http.Handler, cfg Config, logger *slog.Logger) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	return &Server{
		status:      status,
		metrics:     metrics,
		addr:        cfg.Addr,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
		logger:      logger,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required).
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.authEnabled {
				r.Use(s.authMiddleware)
			}
			r.Get("/status", s.handleStatus)
			r.Get("/recent", s.handleRecent)
			r.Get("/messages", s.handleMessages)
			r.Get("/algorithms", s.handleAlgorithms)
		})
	})
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("status api starting", "addr", s.addr, "auth", s.authEnabled)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	State       string              `json:"state"`
	Flights     int                 `json:"flights"`
	FlightID    string              `json:"flight_id,omitempty"`
	FlightStart string              `json:"flight_start,omitempty"`
	Project     string              `json:"project,omitempty"`
	Flight      string              `json:"flight,omitempty"`
	SourceTime  string              `json:"source_time"`
	Variables   []string            `json:"variables,omitempty"`
	Rows        int                 `json:"rows"`
	Latest      *RowResponse        `json:"latest,omitempty"`
	Algorithms  []AlgorithmResponse `json:"algorithms"`
	LastFile    string              `json:"last_file,omitempty"`
	UpdatedAt   string              `json:"updated_at"`
}

// RowResponse is one joined row. Missing values (NaN) are encoded as null.
type RowResponse struct {
	Time   string     `json:"time"`
	Values []*float64 `json:"values"`
}

// AlgorithmResponse describes one algorithm.
type AlgorithmResponse struct {
	Description string   `json:"description"`
	Variables   []string `json:"variables"`
	Mode        string   `json:"mode"`
	State       string   `json:"state"`
}

// RecentResponse is the JSON response for /recent.
type RecentResponse struct {
	Labels []string      `json:"labels"`
	Rows   []RowResponse `json:"rows"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func rowToResponse(row series.Row) RowResponse {
	vals := make([]*float64, len(row.Values))
	for i, v := range row.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		vals[i] = &v
	}
	return RowResponse{Time: formatTime(row.Time), Values: vals}
}

func statusToResponse(st monitor.Status) StatusResponse {
	resp := StatusResponse{
		State:       st.State.String(),
		Flights:     st.Flights,
		FlightID:    st.FlightID,
		FlightStart: formatTime(st.FlightStart),
		Project:     st.Project,
		Flight:      st.Flight,
		SourceTime:  formatTime(st.SourceTime),
		Variables:   st.Variables,
		Rows:        st.Rows,
		Algorithms:  make([]AlgorithmResponse, 0, len(st.Algorithms)),
		LastFile:    st.LastFile,
		UpdatedAt:   formatTime(st.UpdatedAt),
	}
	if n := len(st.Recent); n > 0 {
		latest := rowToResponse(st.Recent[n-1])
		resp.Latest = &latest
	}
	for _, a := range st.Algorithms {
		resp.Algorithms = append(resp.Algorithms, AlgorithmResponse{
			Description: a.Description,
			Variables:   a.Variables,
			Mode:        a.Mode,
			State:       a.State,
		})
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusToResponse(s.status.Status()))
}

// handleRecent returns the newest rows of the current flight. ?limit=N trims
// the window further.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	rows := st.Recent

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(rows) {
			rows = rows[len(rows)-n:]
		}
	}

	resp := RecentResponse{
		Labels: append([]string{series.TimeLabel}, st.Variables...),
		Rows:   make([]RowResponse, 0, len(rows)),
	}
	for _, row := range rows {
		resp.Rows = append(resp.Rows, rowToResponse(row))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.status.Status().Messages
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"messages": msgs})
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusToResponse(s.status.Status()).Algorithms)
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
