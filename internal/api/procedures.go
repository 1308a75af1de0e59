package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/jobs"
	"github.com/perfectstorm-io/storm/internal/store"
)

// ProcedureHandler groups the procedure routes, including execution and
// subscription attachment.
type ProcedureHandler struct {
	store  *store.Store
	jobs   *jobs.Service
	logger *zap.Logger
}

// NewProcedureHandler creates a ProcedureHandler.
func NewProcedureHandler(st *store.Store, svc *jobs.Service, logger *zap.Logger) *ProcedureHandler {
	return &ProcedureHandler{
		store:  st,
		jobs:   svc,
		logger: logger.Named("procedure_handler"),
	}
}

// procedureRequest is the writable subset of a procedure.
type procedureRequest struct {
	Type    *string        `json:"type"`
	Name    *string        `json:"name"`
	Content *string        `json:"content"`
	Options map[string]any `json:"options"`
	Params  map[string]any `json:"params"`
}

func (req *procedureRequest) apply(p *db.Procedure) {
	if req.Type != nil {
		p.Type = *req.Type
	}
	if req.Name != nil {
		p.Name = req.Name
	}
	if req.Content != nil {
		p.Content = *req.Content
	}
	if req.Options != nil {
		p.Options = db.JSONMap(req.Options)
	}
	if req.Params != nil {
		p.Params = db.JSONMap(req.Params)
	}
}

// List handles GET /v1/procedures.
func (h *ProcedureHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptions(w, r, h.store.ProcedureResolver(r.Context()))
	if !ok {
		return
	}
	procs, err := h.store.ListProcedures(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, procs)
}

// Create handles POST /v1/procedures.
func (h *ProcedureHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req procedureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var proc db.Procedure
	req.apply(&proc)

	if err := h.store.CreateProcedure(r.Context(), &proc); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, proc)
}

// Get handles GET /v1/procedures/{ref}.
func (h *ProcedureHandler) Get(w http.ResponseWriter, r *http.Request) {
	proc, err := h.store.GetProcedure(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, proc)
}

// Update handles PUT and PATCH /v1/procedures/{ref}.
func (h *ProcedureHandler) Update(w http.ResponseWriter, r *http.Request) {
	proc, err := h.store.GetProcedure(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req procedureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.apply(proc)

	if err := h.store.SaveProcedure(r.Context(), proc); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, proc)
}

// Delete handles DELETE /v1/procedures/{ref}.
func (h *ProcedureHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProcedure(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// execRequest carries per-execution overrides of the procedure defaults.
type execRequest struct {
	Target  string         `json:"target"`
	Options map[string]any `json:"options"`
	Params  map[string]any `json:"params"`
}

// Exec handles POST /v1/procedures/{ref}/exec: submit one execution against
// a target resource and return the enqueued job.
func (h *ProcedureHandler) Exec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.jobs.Exec(r.Context(), jobs.ExecRequest{
		Procedure: chi.URLParam(r, "ref"),
		Target:    req.Target,
		Options:   req.Options,
		Params:    req.Params,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, job)
}

// attachRequest carries the standing-rule definition for a subscription.
type attachRequest struct {
	Group   string         `json:"group"`
	Target  string         `json:"target"`
	Options map[string]any `json:"options"`
	Params  map[string]any `json:"params"`
}

// Attach handles POST /v1/procedures/{ref}/attach: create a subscription
// binding this procedure to a group and target.
func (h *ProcedureHandler) Attach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sub := db.Subscription{
		Group:     req.Group,
		Procedure: chi.URLParam(r, "ref"),
		Target:    req.Target,
		Options:   db.JSONMap(req.Options),
		Params:    db.JSONMap(req.Params),
	}
	if err := h.store.CreateSubscription(r.Context(), &sub); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, sub)
}
