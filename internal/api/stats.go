package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /_internal/stats.
type statsResponse struct {
	TotalWorkers  int            `json:"total_workers"`
	LiveWorkers   int            `json:"live_workers"`
	ByStatus      map[string]int `json:"by_status"`
	ByKind        map[string]int `json:"by_kind"`
	EventsByKind  map[string]int `json:"events_by_kind"`
	AvgBootTimeMS float64        `json:"avg_boot_time_ms"`
	Subscribers   int            `json:"event_subscribers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get worker stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	live, err := s.pool.Workers(r.Context())
	if err != nil {
		s.writeWorkerError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		TotalWorkers:  stats.TotalWorkers,
		LiveWorkers:   len(live),
		ByStatus:      stats.CountByStatus,
		ByKind:        stats.CountByKind,
		EventsByKind:  stats.EventsByKind,
		AvgBootTimeMS: stats.AvgBootTimeMS,
		Subscribers:   s.broker.Subscribers(),
	})
}
