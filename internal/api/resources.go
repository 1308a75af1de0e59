package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/store"
)

// ResourceHandler groups the resource routes.
type ResourceHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewResourceHandler creates a ResourceHandler.
func NewResourceHandler(st *store.Store, logger *zap.Logger) *ResourceHandler {
	return &ResourceHandler{store: st, logger: logger.Named("resource_handler")}
}

// resourceRequest is the writable subset of a resource.
type resourceRequest struct {
	Type     *string        `json:"type"`
	Names    []string       `json:"names"`
	Owner    *string        `json:"owner"`
	Parent   *string        `json:"parent"`
	Cluster  *string        `json:"cluster"`
	Host     *string        `json:"host"`
	Image    *string        `json:"image"`
	Status   *string        `json:"status"`
	Health   *string        `json:"health"`
	Snapshot map[string]any `json:"snapshot"`
}

func (req *resourceRequest) apply(res *db.Resource) {
	if req.Type != nil {
		res.Type = *req.Type
	}
	if req.Names != nil {
		res.Names = db.StringList(req.Names)
	}
	if req.Owner != nil {
		res.Owner = *req.Owner
	}
	if req.Parent != nil {
		res.Parent = req.Parent
	}
	if req.Cluster != nil {
		res.Cluster = req.Cluster
	}
	if req.Host != nil {
		res.Host = req.Host
	}
	if req.Image != nil {
		res.Image = req.Image
	}
	if req.Status != nil {
		res.Status = *req.Status
	}
	if req.Health != nil {
		res.Health = *req.Health
	}
	if req.Snapshot != nil {
		res.Snapshot = db.JSONMap(req.Snapshot)
	}
}

// List handles GET /v1/resources.
func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptions(w, r, h.store.ResourceResolver(r.Context()))
	if !ok {
		return
	}
	resources, err := h.store.ListResources(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, resources)
}

// Create handles POST /v1/resources.
func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var res db.Resource
	req.apply(&res)

	if err := h.store.CreateResource(r.Context(), &res); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// Get handles GET /v1/resources/{ref}.
func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.GetResource(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Update handles PUT and PATCH /v1/resources/{ref}.
func (h *ResourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.GetResource(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req resourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.apply(res)

	if err := h.store.SaveResource(r.Context(), res); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Delete handles DELETE /v1/resources/{ref}.
func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteResource(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}
