// Package groups evaluates dynamic group membership. A group's members are
// the resources matching its stored query, plus the include list, minus the
// exclude list. Membership is always computed fresh from the current state of
// the resource collection, never cached.
package groups

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/query"
	"github.com/perfectstorm-io/storm/internal/store"
)

// Engine computes group membership against the store.
type Engine struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates an Engine.
func New(st *store.Store, logger *zap.Logger) *Engine {
	return &Engine{store: st, logger: logger.Named("groups")}
}

// Members returns the current members of the group in resource creation
// order. A group with an empty query and an empty include list has no
// members: an empty query is "select nothing" here, not "select everything".
func (e *Engine) Members(ctx context.Context, g *db.Group) ([]db.Resource, error) {
	q, err := query.Parse(map[string]any(g.Query), e.store.ResourceResolver(ctx))
	if err != nil {
		// Stored queries are validated at write time; a parse failure here
		// means the dialect changed underneath a persisted group.
		return nil, fmt.Errorf("groups: parse query for %s: %w", g.ID, err)
	}

	if q.Empty() && len(g.Include) == 0 {
		return []db.Resource{}, nil
	}

	all, err := e.store.ListResources(ctx, store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("groups: list resources: %w", err)
	}

	members := make([]db.Resource, 0, len(all))
	for _, r := range all {
		if g.Exclude.Contains(r.ID) {
			continue
		}
		if g.Include.Contains(r.ID) || (!q.Empty() && q.Match(store.DocOf(&r))) {
			members = append(members, r)
		}
	}
	return members, nil
}

// Contains reports whether the resource id is currently a member of the
// group.
func (e *Engine) Contains(ctx context.Context, g *db.Group, resourceID string) (bool, error) {
	members, err := e.Members(ctx, g)
	if err != nil {
		return false, err
	}
	for _, r := range members {
		if r.ID == resourceID {
			return true, nil
		}
	}
	return false, nil
}
