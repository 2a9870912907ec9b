package monitor

import (
	"slices"
	"time"

	"flight_monitor/internal/series"
)

// AlgorithmStatus describes one registered or live algorithm.
type AlgorithmStatus struct {
	Description string
	Variables   []string
	Mode        string
	State       string
}

// Status is a point-in-time copy of the monitor for other goroutines.
type Status struct {
	State       State
	Flights     int
	FlightID    string
	FlightStart time.Time
	Project     string
	Flight      string
	SourceTime  time.Time
	Variables   []string
	Rows        int
	Recent      []series.Row // newest last
	Algorithms  []AlgorithmStatus
	Messages    []string
	LastFile    string
	UpdatedAt   time.Time
}

// Status returns the latest snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// publish refreshes the snapshot. Everything handed out is a copy.
func (m *Monitor) publish() {
	meta := m.src.Metadata()
	st := Status{
		State:       m.state,
		Flights:     m.flights,
		FlightID:    m.flightID,
		FlightStart: m.flightStart,
		Project:     meta.Project(),
		Flight:      meta.Flight(),
		SourceTime:  m.src.Now(),
		LastFile:    m.lastFile,
		UpdatedAt:   time.Now().UTC(),
	}

	if m.state == InFlight && m.set != nil {
		st.Variables = m.set.Names()
		st.Rows = m.set.Len()
		from := max(st.Rows-m.cfg.RecentRows, 0)
		st.Recent = m.set.JoinedSlice(series.From(from))
		st.Messages = m.log.Messages()
		for _, in := range m.registry.Active() {
			st.Algorithms = append(st.Algorithms, AlgorithmStatus{
				Description: in.Description(),
				Variables:   in.Variables(),
				Mode:        in.Mode().String(),
				State:       in.State().String(),
			})
		}
	} else {
		st.FlightStart = time.Time{}
		for _, spec := range m.registry.Specs() {
			st.Algorithms = append(st.Algorithms, AlgorithmStatus{
				Description: spec.Description,
				Variables:   slices.Clone(spec.Variables),
				Mode:        spec.Mode.String(),
				State:       "registered",
			})
		}
	}

	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
}
