package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status  string   `json:"status"`
	Engines []string `json:"engines"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Engines: []string{}}
	for _, e := range s.engines.List() {
		resp.Engines = append(resp.Engines, e.Name)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
