package presence

import "time"

// Metrics aggregates presence counts for one snapshot in time.
type Metrics struct {
	ActiveSessions     int            `json:"active_sessions"`
	PeakConcurrent     int            `json:"peak_concurrent"`
	TotalJoined        int            `json:"total_joined"`
	ByRole             map[Role]int   `json:"by_role"`
	ByStatus           map[Status]int `json:"by_status"`
	ByActivity         map[string]int `json:"by_activity"`
	AvgSessionDuration time.Duration  `json:"avg_session_duration"`
}

// Metrics aggregates counts over every tracked context plus running
// session statistics. Average duration is computed over completed
// sessions.
func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		ActiveSessions: len(s.sessions),
		PeakConcurrent: s.stats.peakConcurrent,
		TotalJoined:    s.stats.totalJoined,
		ByRole:         make(map[Role]int),
		ByStatus:       make(map[Status]int),
		ByActivity:     make(map[string]int),
	}

	for _, chState := range s.remote {
		for _, rec := range chState {
			m.ByRole[rec.Role]++
			m.ByStatus[rec.Status]++
			if rec.Activity != "" {
				m.ByActivity[rec.Activity]++
			}
		}
	}

	if s.stats.leaveCount > 0 {
		m.AvgSessionDuration = s.stats.totalDuration / time.Duration(s.stats.leaveCount)
	}
	return m
}
