package store

import (
	"context"
	"fmt"
	"time"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/ident"
)

const entityAgent = "agent"

// validateAgent checks the writable fields of an agent.
func (s *Store) validateAgent(ctx context.Context, a *db.Agent, excludeID string) error {
	verr := newValidationError()
	requireNonBlank(verr, "type", a.Type)
	if a.Status == "" {
		a.Status = db.AgentOffline
	}
	requireChoice(verr, "status", a.Status, []string{db.AgentOnline, db.AgentOffline})
	s.checkUniqueName(ctx, &db.Agent{}, a.Name, excludeID, verr)
	return verr.errOrNil()
}

// CreateAgent persists a new agent and emits a created event. A missing id
// is generated at first persistence.
func (s *Store) CreateAgent(ctx context.Context, a *db.Agent) error {
	if err := s.validateAgent(ctx, a, ""); err != nil {
		return err
	}
	if a.Options == nil {
		a.Options = db.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	s.record(ctx, db.EventCreated, entityAgent, a.ID, nameSlice(a.Name))
	return nil
}

// GetAgent retrieves an agent by id or unique name.
func (s *Store) GetAgent(ctx context.Context, ref string) (*db.Agent, error) {
	return getByIDOrName[db.Agent](ctx, s.db, ident.PrefixAgent, ref)
}

// ListAgents returns agents filtered by opts, ordered by creation time.
func (s *Store) ListAgents(ctx context.Context, opts ListOptions) ([]db.Agent, error) {
	var agents []db.Agent
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return filterPage(agents, opts), nil
}

// SaveAgent persists modified fields of an existing agent and emits an
// updated event. An agent written as offline may not keep running jobs, so
// its jobs are requeued; the sweep cannot repair this later because it only
// looks at online agents.
func (s *Store) SaveAgent(ctx context.Context, a *db.Agent) error {
	if err := s.validateAgent(ctx, a, a.ID); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(a)
	if res.Error != nil {
		return fmt.Errorf("agents: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventUpdated, entityAgent, a.ID, nameSlice(a.Name))

	if a.Status == db.AgentOffline {
		if _, err := s.RequeueJobs(ctx, a.ID); err != nil {
			return fmt.Errorf("agents: requeue for %s: %w", a.ID, err)
		}
	}
	return nil
}

// TouchAgent refreshes an agent's heartbeat. Status is only changed when the
// caller supplies one explicitly; a heartbeat announcing offline requeues
// the agent's jobs the same way an expiry would.
func (s *Store) TouchAgent(ctx context.Context, ref string, status *string) (*db.Agent, error) {
	a, err := s.GetAgent(ctx, ref)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"heartbeat": time.Now().UTC()}
	if status != nil {
		verr := newValidationError()
		requireChoice(verr, "status", *status, []string{db.AgentOnline, db.AgentOffline})
		if err := verr.errOrNil(); err != nil {
			return nil, err
		}
		updates["status"] = *status
	}

	if err := s.db.WithContext(ctx).Model(a).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("agents: heartbeat: %w", err)
	}
	s.record(ctx, db.EventUpdated, entityAgent, a.ID, nameSlice(a.Name))

	if status != nil && *status == db.AgentOffline {
		if _, err := s.RequeueJobs(ctx, a.ID); err != nil {
			return nil, fmt.Errorf("agents: requeue for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

// ExpireAgents flips every online agent whose heartbeat is older than cutoff
// to offline, requeues their jobs, and returns the agents that transitioned.
func (s *Store) ExpireAgents(ctx context.Context, cutoff time.Time) ([]db.Agent, error) {
	var stale []db.Agent
	err := s.db.WithContext(ctx).
		Where("status = ? AND heartbeat < ?", db.AgentOnline, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("agents: find stale: %w", err)
	}

	var expired []db.Agent
	for i := range stale {
		a := &stale[i]
		// The condition is re-checked in the update so a heartbeat landing
		// between the read and the write wins.
		res := s.db.WithContext(ctx).Model(&db.Agent{}).
			Where("id = ? AND status = ? AND heartbeat < ?", a.ID, db.AgentOnline, cutoff).
			Update("status", db.AgentOffline)
		if res.Error != nil {
			return expired, fmt.Errorf("agents: expire %s: %w", a.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		a.Status = db.AgentOffline
		s.record(ctx, db.EventUpdated, entityAgent, a.ID, nameSlice(a.Name))

		if _, err := s.RequeueJobs(ctx, a.ID); err != nil {
			return expired, fmt.Errorf("agents: requeue for %s: %w", a.ID, err)
		}
		expired = append(expired, *a)
	}
	return expired, nil
}

// DeleteAgent removes an agent. Its resources are cascade-deleted and every
// job it owns is requeued; each affected entity gets its own event.
func (s *Store) DeleteAgent(ctx context.Context, ref string) error {
	a, err := s.GetAgent(ctx, ref)
	if err != nil {
		return err
	}

	var owned []db.Resource
	if err := s.db.WithContext(ctx).Find(&owned, "owner = ?", a.ID).Error; err != nil {
		return fmt.Errorf("agents: list owned resources: %w", err)
	}
	for i := range owned {
		if err := s.deleteResource(ctx, &owned[i]); err != nil {
			return fmt.Errorf("agents: cascade resource %s: %w", owned[i].ID, err)
		}
	}

	if _, err := s.RequeueJobs(ctx, a.ID); err != nil {
		return fmt.Errorf("agents: requeue jobs: %w", err)
	}

	res := s.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", a.ID)
	if res.Error != nil {
		return fmt.Errorf("agents: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventDeleted, entityAgent, a.ID, nameSlice(a.Name))
	return nil
}
