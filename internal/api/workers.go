package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/worker"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createWorkerResponse is the JSON response for POST /_internal/workers.
type createWorkerResponse struct {
	Key model.WorkerKey `json:"key"`
}

// listWorkersResponse wraps the live worker list. Paginated listings of
// stored records use the same shape with Total, Limit and Offset set.
type listWorkersResponse struct {
	Workers []model.WorkerRecord `json:"workers"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit,omitempty"`
	Offset  int                  `json:"offset,omitempty"`
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	opts, err := pool.DecodeCreateOptions(data, s.pool.Defaults())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Kind != "" && opts.Kind != model.KindUser {
		s.writeError(w, http.StatusBadRequest, "only user workers can be created")
		return
	}
	opts.Kind = model.KindUser

	key, err := s.pool.CreateWorker(r.Context(), opts)
	var bootErr *worker.BootError
	if errors.As(err, &bootErr) {
		s.writeError(w, http.StatusUnprocessableEntity, bootErr.Error())
		return
	}
	if err != nil {
		s.writeWorkerError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createWorkerResponse{Key: key})
}

// handleListWorkers lists live workers, or stored records when
// ?history=true is given.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") != "true" {
		live, err := s.pool.Workers(r.Context())
		if err != nil {
			s.writeWorkerError(w, r, err)
			return
		}
		if live == nil {
			live = []model.WorkerRecord{}
		}
		s.writeJSON(w, http.StatusOK, listWorkersResponse{Workers: live, Total: len(live)})
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.ListWorkers(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list workers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}

	out := make([]model.WorkerRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec)
	}

	s.writeJSON(w, http.StatusOK, listWorkersResponse{
		Workers: out,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// workerKey returns the unescaped {key} parameter. Keys derived from service
// paths contain slashes and arrive percent-encoded.
func workerKey(r *http.Request) (model.WorkerKey, bool) {
	k, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || k == "" {
		return "", false
	}
	return model.WorkerKey(k), true
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	key, ok := workerKey(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid worker key")
		return
	}

	rec, err := s.store.GetWorker(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.logger.Error("get worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	key, ok := workerKey(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid worker key")
		return
	}

	if err := s.pool.ShutdownWorker(r.Context(), key); err != nil {
		s.writeWorkerError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
