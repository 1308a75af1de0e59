package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/jobs"
	"github.com/perfectstorm-io/storm/internal/liveness"
	"github.com/perfectstorm-io/storm/internal/store"
)

// JobHandler groups the job routes: queue reads, restricted updates, and the
// claim/complete/fail transitions.
type JobHandler struct {
	store   *store.Store
	jobs    *jobs.Service
	sweeper *liveness.Sweeper
	logger  *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(st *store.Store, svc *jobs.Service, sweeper *liveness.Sweeper, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		store:   st,
		jobs:    svc,
		sweeper: sweeper,
		logger:  logger.Named("job_handler"),
	}
}

// List handles GET /v1/jobs. A sweep runs first so jobs owned by dead agents
// show up as requeued.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	h.sweeper.MaybeSweep(r.Context())

	opts, ok := listOptions(w, r, h.store.JobResolver(r.Context()))
	if !ok {
		return
	}
	list, err := h.store.ListJobs(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// Get handles GET /v1/jobs/{ref}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.sweeper.MaybeSweep(r.Context())

	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, job)
}

// jobUpdateRequest is the subset of a job clients may rewrite directly.
// Status and owner only move through handle/complete/fail and the requeue
// path.
type jobUpdateRequest struct {
	Options map[string]any `json:"options"`
	Params  map[string]any `json:"params"`
	Result  map[string]any `json:"result"`

	Status *string `json:"status"`
	Owner  *string `json:"owner"`
}

// Update handles PUT and PATCH /v1/jobs/{ref}. Attempts to set status or
// owner here are state-machine violations.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req jobUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != nil || req.Owner != nil {
		Detail(w, http.StatusConflict, "status and owner may only change through handle, complete, or fail")
		return
	}

	if req.Options != nil {
		job.Options = db.JSONMap(req.Options)
	}
	if req.Params != nil {
		job.Params = db.JSONMap(req.Params)
	}
	if req.Result != nil {
		job.Result = db.JSONMap(req.Result)
	}

	if err := h.store.SaveJob(r.Context(), job); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, job)
}

// Delete handles DELETE /v1/jobs/{ref}.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteJob(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// handleRequest names the agent claiming the job.
type handleRequest struct {
	Owner string `json:"owner"`
}

// Handle handles POST /v1/jobs/{ref}/handle: the atomic pending→running
// claim. Exactly one concurrent claimant gets 204; the rest get 409.
func (h *JobHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req handleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" {
		ValidationFailed(w, map[string][]string{"owner": {"this field is required"}})
		return
	}

	if _, err := h.jobs.Handle(r.Context(), chi.URLParam(r, "ref"), req.Owner); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// finishRequest carries the result payload for complete and fail.
type finishRequest struct {
	Result map[string]any `json:"result"`
}

// Complete handles POST /v1/jobs/{ref}/complete.
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.jobs.Complete(r.Context(), chi.URLParam(r, "ref"), req.Result); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// Fail handles POST /v1/jobs/{ref}/fail.
func (h *JobHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.jobs.Fail(r.Context(), chi.URLParam(r, "ref"), req.Result); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}
