package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/worker"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// workerErrorStatus maps a pool or worker error to a status code and the
// cause noted for request metrics.
func workerErrorStatus(err error) (int, string) {
	var (
		routeErr *pool.RoutingError
		termErr  *worker.TerminatedError
		bootErr  *worker.BootError
		trErr    *worker.TransportError
	)
	switch {
	case errors.As(err, &routeErr):
		return http.StatusNotFound, causeRouting
	case errors.As(err, &termErr):
		return http.StatusServiceUnavailable, causeTerminated
	case errors.Is(err, worker.ErrWorkerShutdown), errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable, causeShutdown
	case errors.As(err, &bootErr):
		return http.StatusInternalServerError, causeBoot
	case errors.As(err, &trErr):
		return http.StatusBadGateway, causeTransport
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, causeCanceled
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, causeCanceled
	}
	return http.StatusInternalServerError, causeOther
}

// writeWorkerError writes err as a JSON error, carrying the termination
// reason when a resource limit stopped the worker.
func (s *Server) writeWorkerError(w http.ResponseWriter, r *http.Request, err error) {
	status, cause := workerErrorStatus(err)
	noteCause(r, cause)

	resp := errorResponse{Error: err.Error()}
	var termErr *worker.TerminatedError
	if errors.As(err, &termErr) {
		resp.Reason = string(termErr.Reason)
	}
	if status >= http.StatusInternalServerError && cause != causeCanceled {
		s.logger.Warn("worker request failed", "error", err, "status", status)
	}
	s.writeJSON(w, status, resp)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
