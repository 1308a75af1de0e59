package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/store"
)

// SubscriptionHandler groups the subscription routes. Creation happens via
// the procedure attach endpoint; this handler covers inspection and removal.
type SubscriptionHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(st *store.Store, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{store: st, logger: logger.Named("subscription_handler")}
}

// List handles GET /v1/subscriptions.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptions(w, r, h.store.SubscriptionResolver(r.Context()))
	if !ok {
		return
	}
	subs, err := h.store.ListSubscriptions(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, subs)
}

// Get handles GET /v1/subscriptions/{ref}.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, sub)
}

// subscriptionRequest is the writable subset of a subscription.
type subscriptionRequest struct {
	Group     *string        `json:"group"`
	Procedure *string        `json:"procedure"`
	Target    *string        `json:"target"`
	Options   map[string]any `json:"options"`
	Params    map[string]any `json:"params"`
}

// Update handles PUT and PATCH /v1/subscriptions/{ref}.
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req subscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Group != nil {
		sub.Group = *req.Group
	}
	if req.Procedure != nil {
		sub.Procedure = *req.Procedure
	}
	if req.Target != nil {
		sub.Target = *req.Target
	}
	if req.Options != nil {
		sub.Options = db.JSONMap(req.Options)
	}
	if req.Params != nil {
		sub.Params = db.JSONMap(req.Params)
	}

	if err := h.store.SaveSubscription(r.Context(), sub); err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, sub)
}

// Delete handles DELETE /v1/subscriptions/{ref}.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSubscription(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	NoContent(w)
}
