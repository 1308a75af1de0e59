package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/store"
)

// ApplicationHandler groups the application routes.
type ApplicationHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewApplicationHandler creates an ApplicationHandler.
func NewApplicationHandler(st *store.Store, logger *zap.Logger) *ApplicationHandler {
	return &ApplicationHandler{store: st, logger: logger.Named("application_handler")}
}

// applicationRequest is the writable subset of an application.
type applicationRequest struct {
	Name       *string        `json:"name"`
	Components []string       `json:"components"`
	Links      []db.AppLink   `json:"links"`
	Expose     []db.AppExpose `json:"expose"`
}

func (req *applicationRequest) apply(a *db.Application) {
	if req.Name != nil {
		a.Name = req.Name
	}
	if req.Components != nil {
		a.Components = db.StringList(req.Components)
	}
	if req.Links != nil {
		a.Links = db.LinkList(req.Links)
	}
	if req.Expose != nil {
		a.Expose = db.ExposeList(req.Expose)
	}
}

// List handles GET /v1/apps.
func (h *ApplicationHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptions(w, r, h.store.ApplicationResolver(r.Context()))
	if !ok {
		return
	}
	apps, err := h.store.ListApplications(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, apps)
}

// Create handles POST /v1/apps.
func (h *ApplicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var app db.Application
	req.apply(&app)

	if err := h.store.CreateApplication(r.Context(), &app); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, app)
}

// Get handles GET /v1/apps/{ref}.
func (h *ApplicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	app, err := h.store.GetApplication(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, app)
}

// Update handles PUT and PATCH /v1/apps/{ref}.
func (h *ApplicationHandler) Update(w http.ResponseWriter, r *http.Request) {
	app, err := h.store.GetApplication(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req applicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.apply(app)

	if err := h.store.SaveApplication(r.Context(), app); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, app)
}

// Delete handles DELETE /v1/apps/{ref}.
func (h *ApplicationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteApplication(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}
