package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/liveness"
	"github.com/perfectstorm-io/storm/internal/store"
)

// AgentHandler groups the agent routes. Reads trigger an opportunistic
// liveness sweep first so clients never observe an agent as online long
// after its heartbeats stopped.
type AgentHandler struct {
	store   *store.Store
	sweeper *liveness.Sweeper
	logger  *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(st *store.Store, sweeper *liveness.Sweeper, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		store:   st,
		sweeper: sweeper,
		logger:  logger.Named("agent_handler"),
	}
}

// agentRequest is the writable subset of an agent. Pointer fields
// distinguish "absent" from "set to zero" on update.
type agentRequest struct {
	Type    *string        `json:"type"`
	Name    *string        `json:"name"`
	Status  *string        `json:"status"`
	Options map[string]any `json:"options"`
}

func (req *agentRequest) apply(a *db.Agent) {
	if req.Type != nil {
		a.Type = *req.Type
	}
	if req.Name != nil {
		a.Name = req.Name
	}
	if req.Status != nil {
		a.Status = *req.Status
	}
	if req.Options != nil {
		a.Options = db.JSONMap(req.Options)
	}
}

// List handles GET /v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	h.sweeper.MaybeSweep(r.Context())

	opts, ok := listOptions(w, r, h.store.AgentResolver(r.Context()))
	if !ok {
		return
	}
	agents, err := h.store.ListAgents(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, agents)
}

// Create handles POST /v1/agents.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var agent db.Agent
	req.apply(&agent)

	if err := h.store.CreateAgent(r.Context(), &agent); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, agent)
}

// Get handles GET /v1/agents/{ref}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.sweeper.MaybeSweep(r.Context())

	agent, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, agent)
}

// Update handles PUT and PATCH /v1/agents/{ref}. Only supplied fields are
// applied.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	agent, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.apply(agent)

	if err := h.store.SaveAgent(r.Context(), agent); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, agent)
}

// Delete handles DELETE /v1/agents/{ref}.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAgent(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// heartbeatRequest optionally carries an explicit status transition.
type heartbeatRequest struct {
	Status *string `json:"status"`
}

// Heartbeat handles POST /v1/agents/{ref}/heartbeat. An empty body is a
// plain heartbeat; a body with a status also transitions the agent.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if _, err := h.store.TouchAgent(r.Context(), chi.URLParam(r, "ref"), req.Status); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}
