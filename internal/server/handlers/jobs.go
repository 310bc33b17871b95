package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/internal/server/middleware"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/scheduler"
)

// Submitter is the slice of the scheduler the HTTP layer needs.
type Submitter interface {
	Submit(kind registry.JobKind, name string, input registry.Input) (*registry.Job, error)
	Cancel(jobID string) error
}

// Jobs serves the /jobs endpoints.
type Jobs struct {
	sched  Submitter
	reg    *registry.Registry
	logger *zap.Logger
}

// NewJobs creates the jobs handler group.
func NewJobs(sched Submitter, reg *registry.Registry, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{sched: sched, reg: reg, logger: logger}
}

// SubmitRequest is the POST /jobs body.
type SubmitRequest struct {
	Kind  registry.JobKind `json:"kind"`
	Name  string           `json:"name,omitempty"`
	Input registry.Input   `json:"input"`
}

// ListResponse is the GET /jobs payload.
type ListResponse struct {
	Jobs  []*registry.Job `json:"jobs"`
	Count int             `json:"count"`
}

// Submit handles POST /jobs: admit a job and return 202 with its record.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.Kind == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_KIND", "kind is required")
		return
	}

	job, err := h.sched.Submit(req.Kind, req.Name, req.Input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Get handles GET /jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// List handles GET /jobs with optional state, kind, offset, and limit
// query parameters. state and kind accept comma-separated values.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	var filter registry.Filter
	for _, s := range splitParam(r.URL.Query().Get("state")) {
		filter.States = append(filter.States, registry.JobState(s))
	}
	for _, k := range splitParam(r.URL.Query().Get("kind")) {
		filter.Kinds = append(filter.Kinds, registry.JobKind(k))
	}
	filter.Offset = intParam(r, "offset")
	filter.Limit = intParam(r, "limit")

	jobs := h.reg.List(filter)
	writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs)})
}

// Cancel handles POST /jobs/{id}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sched.Cancel(id); err != nil {
		h.respondError(w, r, err)
		return
	}
	job, err := h.reg.Get(id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Delete handles DELETE /jobs/{id}. Only terminal jobs can be deleted.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.reg.Get(id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !job.State.Terminal() {
		middleware.WriteError(w, r, http.StatusConflict, "CONFLICT",
			"job is still active; cancel it before deleting")
		return
	}
	if err := h.reg.Delete(id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondError maps registry and scheduler errors to HTTP statuses.
func (h *Jobs) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case registry.IsNotFound(err):
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "job not found")
	case registry.IsConflict(err):
		middleware.WriteError(w, r, http.StatusConflict, "CONFLICT", "job is in a terminal state")
	case errors.Is(err, scheduler.ErrUnknownKind):
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_KIND", err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		middleware.WriteError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "engine is shutting down")
	default:
		h.logger.Error("request failed", zap.Error(err))
		middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intParam(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
