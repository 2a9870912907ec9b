package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"flight_monitor/internal/monitor"
	"flight_monitor/internal/series"
)

// staticStatus serves a fixed monitor status.
type staticStatus monitor.Status

func (s staticStatus) Status() monitor.Status { return monitor.Status(s) }

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func inFlight() staticStatus {
	t0 := time.Date(2011, 7, 28, 14, 0, 0, 0, time.UTC)
	return staticStatus{
		State:       monitor.InFlight,
		Flights:     2,
		FlightID:    "0d6f6c2a-8a36-4a87-9c77-2f1b1d6f0c11",
		FlightStart: t0,
		Project:     "ICE-T",
		Flight:      "rf03",
		SourceTime:  t0.Add(3 * time.Second),
		Variables:   []string{"atx", "psxc"},
		Rows:        3,
		Recent: []series.Row{
			{Time: t0.Add(time.Second), Values: []float64{20, 700}},
			{Time: t0.Add(2 * time.Second), Values: []float64{21, 701}},
			{Time: t0.Add(3 * time.Second), Values: []float64{math.NaN(), 702}},
		},
		Algorithms: []monitor.AlgorithmStatus{
			{Description: "Bounds check for atx", Variables: []string{"atx"}, Mode: "new data", State: "ready"},
		},
		Messages: []string{"[2011-07-28 14:00:00Z] In Flight."},
	}
}

func get(t *testing.T, srv *Server, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(inFlight(), nil, Config{}, quiet())
	rec := get(t, srv, "/api/v1/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]string
	decode(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := NewServer(inFlight(), nil, Config{
		AuthEnabled: true,
		APIKeys:     []string{"test-key-123", "another-key"},
	}, quiet())

	tests := []struct {
		name       string
		target     string
		header     map[string]string
		wantStatus int
	}{
		{
			name:       "no key",
			target:     "/api/v1/status",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid key",
			target:     "/api/v1/status",
			header:     map[string]string{"X-API-Key": "wrong-key"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "valid key via X-API-Key",
			target:     "/api/v1/status",
			header:     map[string]string{"X-API-Key": "test-key-123"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid key via Bearer",
			target:     "/api/v1/status",
			header:     map[string]string{"Authorization": "Bearer another-key"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid key via query",
			target:     "/api/v1/status?api_key=another-key",
			wantStatus: http.StatusOK,
		},
		{
			name:       "health is open",
			target:     "/api/v1/health",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, tt.target, tt.header)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := NewServer(inFlight(), nil, Config{}, quiet())
	rec := get(t, srv, "/api/v1/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var resp StatusResponse
	decode(t, rec, &resp)

	if resp.State != "in_flight" {
		t.Errorf("expected state in_flight, got %q", resp.State)
	}
	if resp.Flights != 2 {
		t.Errorf("expected 2 flights, got %d", resp.Flights)
	}
	if resp.Project != "ICE-T" {
		t.Errorf("expected project ICE-T, got %q", resp.Project)
	}
	if resp.FlightStart != "2011-07-28T14:00:00Z" {
		t.Errorf("unexpected flight start %q", resp.FlightStart)
	}
	if !slices.Equal(resp.Variables, []string{"atx", "psxc"}) {
		t.Errorf("unexpected variables %v", resp.Variables)
	}
	if len(resp.Algorithms) != 1 || resp.Algorithms[0].Description != "Bounds check for atx" {
		t.Errorf("unexpected algorithms %+v", resp.Algorithms)
	}

	if resp.Latest == nil {
		t.Fatal("expected a latest row")
	}
	if resp.Latest.Time != "2011-07-28T14:00:03Z" {
		t.Errorf("unexpected latest time %q", resp.Latest.Time)
	}
	if len(resp.Latest.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(resp.Latest.Values))
	}
	if resp.Latest.Values[0] != nil {
		t.Errorf("expected NaN to be encoded as null, got %v", *resp.Latest.Values[0])
	}
	if resp.Latest.Values[1] == nil || *resp.Latest.Values[1] != 702 {
		t.Errorf("expected 702, got %v", resp.Latest.Values[1])
	}
}

func TestStatusOnGround(t *testing.T) {
	srv := NewServer(staticStatus{State: monitor.Ground}, nil, Config{}, quiet())
	rec := get(t, srv, "/api/v1/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp StatusResponse
	decode(t, rec, &resp)
	if resp.State != "ground" {
		t.Errorf("expected state ground, got %q", resp.State)
	}
	if resp.Latest != nil {
		t.Errorf("expected no latest row, got %+v", resp.Latest)
	}
	if resp.FlightStart != "" {
		t.Errorf("expected no flight start, got %q", resp.FlightStart)
	}
	if resp.Algorithms == nil {
		t.Error("expected an empty algorithms list, got null")
	}
}

func TestRecentEndpoint(t *testing.T) {
	srv := NewServer(inFlight(), nil, Config{}, quiet())

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantRows   int
	}{
		{name: "all", target: "/api/v1/recent", wantStatus: http.StatusOK, wantRows: 3},
		{name: "limited", target: "/api/v1/recent?limit=2", wantStatus: http.StatusOK, wantRows: 2},
		{name: "limit above window", target: "/api/v1/recent?limit=50", wantStatus: http.StatusOK, wantRows: 3},
		{name: "bad limit", target: "/api/v1/recent?limit=abc", wantStatus: http.StatusBadRequest},
		{name: "negative limit", target: "/api/v1/recent?limit=-1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, tt.target, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp RecentResponse
			decode(t, rec, &resp)
			if !slices.Equal(resp.Labels, []string{"datetime", "atx", "psxc"}) {
				t.Errorf("unexpected labels %v", resp.Labels)
			}
			if len(resp.Rows) != tt.wantRows {
				t.Fatalf("expected %d rows, got %d", tt.wantRows, len(resp.Rows))
			}
			if last := resp.Rows[len(resp.Rows)-1].Time; last != "2011-07-28T14:00:03Z" {
				t.Errorf("expected the newest row last, got %q", last)
			}
		})
	}
}

func TestMessagesEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		status staticStatus
		want   []string
	}{
		{name: "on the ground", status: staticStatus{State: monitor.Ground}, want: []string{}},
		{name: "in flight", status: inFlight(), want: []string{"[2011-07-28 14:00:00Z] In Flight."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, NewServer(tt.status, nil, Config{}, quiet()), "/api/v1/messages", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}

			var resp struct {
				Messages []string `json:"messages"`
			}
			decode(t, rec, &resp)
			if resp.Messages == nil {
				t.Fatal("expected a messages list, got null")
			}
			if !slices.Equal(resp.Messages, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, resp.Messages)
			}
		})
	}
}

func TestAlgorithmsEndpoint(t *testing.T) {
	srv := NewServer(inFlight(), nil, Config{}, quiet())
	rec := get(t, srv, "/api/v1/algorithms", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp []AlgorithmResponse
	decode(t, rec, &resp)
	if len(resp) != 1 {
		t.Fatalf("expected 1 algorithm, got %d", len(resp))
	}
	got := resp[0]
	if got.Description != "Bounds check for atx" || got.Mode != "new data" || got.State != "ready" {
		t.Errorf("unexpected algorithm %+v", got)
	}
	if !slices.Equal(got.Variables, []string{"atx"}) {
		t.Errorf("unexpected variables %v", got.Variables)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv := NewServer(inFlight(), nil, Config{}, quiet())
	if code := get(t, srv, "/metrics", nil).Code; code != http.StatusNotFound {
		t.Errorf("expected 404 without a metrics handler, got %d", code)
	}

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("flightmonitor_in_flight 1\n"))
	})
	srv = NewServer(inFlight(), metrics, Config{AuthEnabled: true}, quiet())
	rec := get(t, srv, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "flightmonitor_in_flight") {
		t.Errorf("unexpected metrics body %q", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(inFlight(), nil, Config{AuthEnabled: true}, quiet())
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected origin *, got %q", origin)
	}
}
