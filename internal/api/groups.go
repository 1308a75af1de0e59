package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/groups"
	"github.com/perfectstorm-io/storm/internal/store"
)

// GroupHandler groups the group routes, including membership evaluation.
type GroupHandler struct {
	store  *store.Store
	engine *groups.Engine
	logger *zap.Logger
}

// NewGroupHandler creates a GroupHandler.
func NewGroupHandler(st *store.Store, engine *groups.Engine, logger *zap.Logger) *GroupHandler {
	return &GroupHandler{
		store:  st,
		engine: engine,
		logger: logger.Named("group_handler"),
	}
}

// groupRequest is the writable subset of a group.
type groupRequest struct {
	Name     *string           `json:"name"`
	Services []db.GroupService `json:"services"`
	Query    map[string]any    `json:"query"`
	Include  []string          `json:"include"`
	Exclude  []string          `json:"exclude"`
}

func (req *groupRequest) apply(g *db.Group) {
	if req.Name != nil {
		g.Name = req.Name
	}
	if req.Services != nil {
		g.Services = db.ServiceList(req.Services)
	}
	if req.Query != nil {
		g.Query = db.JSONMap(req.Query)
	}
	if req.Include != nil {
		g.Include = db.StringList(req.Include)
	}
	if req.Exclude != nil {
		g.Exclude = db.StringList(req.Exclude)
	}
}

// List handles GET /v1/groups.
func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptions(w, r, h.store.GroupResolver(r.Context()))
	if !ok {
		return
	}
	list, err := h.store.ListGroups(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// Create handles POST /v1/groups.
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var g db.Group
	req.apply(&g)

	if err := h.store.CreateGroup(r.Context(), &g); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, g)
}

// Get handles GET /v1/groups/{ref}.
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGroup(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, g)
}

// Update handles PUT and PATCH /v1/groups/{ref}.
func (h *GroupHandler) Update(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGroup(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.apply(g)

	if err := h.store.SaveGroup(r.Context(), g); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, g)
}

// Delete handles DELETE /v1/groups/{ref}.
func (h *GroupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteGroup(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// Members handles GET /v1/groups/{ref}/members. The optional ?q= narrows
// the evaluated member set further.
func (h *GroupHandler) Members(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGroup(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	opts, ok := listOptions(w, r, h.store.ResourceResolver(r.Context()))
	if !ok {
		return
	}

	members, err := h.engine.Members(r.Context(), g)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if opts.Query != nil && !opts.Query.Empty() {
		filtered := make([]db.Resource, 0, len(members))
		for _, m := range members {
			if opts.Query.Match(store.DocOf(&m)) {
				filtered = append(filtered, m)
			}
		}
		members = filtered
	}
	JSON(w, http.StatusOK, members)
}

// adjustMembersRequest carries explicit membership overrides.
type adjustMembersRequest struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// AdjustMembers handles POST /v1/groups/{ref}/members: add or remove
// explicit members by resource id or name.
func (h *GroupHandler) AdjustMembers(w http.ResponseWriter, r *http.Request) {
	var req adjustMembersRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	g, err := h.store.AdjustGroupMembers(r.Context(), chi.URLParam(r, "ref"), req.Include, req.Exclude)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, g)
}
