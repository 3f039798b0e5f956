package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/jobline/internal/server/middleware"
	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
	"github.com/3leaps/jobline/pkg/queue"
	"github.com/3leaps/jobline/pkg/supervisor"
)

// JobList is the body of list endpoints.
type JobList struct {
	Jobs  []job.Record `json:"jobs"`
	Count int          `json:"count"`
}

// Jobs serves read-only job lookups.
type Jobs struct {
	Store jobstore.Store
}

// Get serves GET /v1/jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListByUser serves GET /v1/users/{userID}/jobs.
func (h *Jobs) ListByUser(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: nonNil(recs), Count: len(recs)})
}

// ListByStatus serves GET /v1/jobs?status=RUNNING.
func (h *Jobs) ListByStatus(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "status query parameter is required", nil)
		return
	}
	status, err := job.ParseStatus(raw)
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "status"})
		return
	}
	recs, err := h.Store.ListByStatus(r.Context(), status)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: nonNil(recs), Count: len(recs)})
}

func nonNil(recs []job.Record) []job.Record {
	if recs == nil {
		return []job.Record{}
	}
	return recs
}

// PoolReporter is satisfied by *supervisor.Pool.
type PoolReporter interface {
	Snapshot() []supervisor.Status
	Running() int
}

// StatsReporter is satisfied by *queue.Consumer.
type StatsReporter interface {
	Name() string
	Stats() queue.Stats
}

// WorkersResponse is the body of GET /v1/workers.
type WorkersResponse struct {
	Running int                 `json:"running"`
	Tasks   []supervisor.Status `json:"tasks"`
}

// Workers serves the local pool snapshot.
func Workers(pool PoolReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks := pool.Snapshot()
		if tasks == nil {
			tasks = []supervisor.Status{}
		}
		writeJSON(w, http.StatusOK, WorkersResponse{Running: pool.Running(), Tasks: tasks})
	}
}

// Consumers serves per-consumer counters keyed by name.
func Consumers(consumers ...StatsReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]queue.Stats, len(consumers))
		for _, c := range consumers {
			out[c.Name()] = c.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	}
}
