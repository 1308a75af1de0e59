package store

import (
	"context"
	"fmt"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/ident"
)

const entityProcedure = "procedure"

// validateProcedure checks the writable fields of a procedure.
func (s *Store) validateProcedure(ctx context.Context, p *db.Procedure) error {
	verr := newValidationError()
	requireNonBlank(verr, "type", p.Type)
	if p.Content == "" {
		verr.Addf("content", "this field is required")
	}
	s.checkUniqueName(ctx, &db.Procedure{}, p.Name, p.ID, verr)
	return verr.errOrNil()
}

// CreateProcedure persists a new procedure and emits a created event.
func (s *Store) CreateProcedure(ctx context.Context, p *db.Procedure) error {
	if err := s.validateProcedure(ctx, p); err != nil {
		return err
	}
	if p.Options == nil {
		p.Options = db.JSONMap{}
	}
	if p.Params == nil {
		p.Params = db.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("procedures: create: %w", err)
	}
	s.record(ctx, db.EventCreated, entityProcedure, p.ID, nameSlice(p.Name))
	return nil
}

// GetProcedure retrieves a procedure by id or unique name.
func (s *Store) GetProcedure(ctx context.Context, ref string) (*db.Procedure, error) {
	return getByIDOrName[db.Procedure](ctx, s.db, ident.PrefixProcedure, ref)
}

// ListProcedures returns procedures filtered by opts, ordered by creation
// time.
func (s *Store) ListProcedures(ctx context.Context, opts ListOptions) ([]db.Procedure, error) {
	var procs []db.Procedure
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&procs).Error; err != nil {
		return nil, fmt.Errorf("procedures: list: %w", err)
	}
	return filterPage(procs, opts), nil
}

// SaveProcedure persists modified fields of an existing procedure and emits
// an updated event.
func (s *Store) SaveProcedure(ctx context.Context, p *db.Procedure) error {
	if err := s.validateProcedure(ctx, p); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(p)
	if res.Error != nil {
		return fmt.Errorf("procedures: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventUpdated, entityProcedure, p.ID, nameSlice(p.Name))
	return nil
}

// DeleteProcedure removes a procedure. Jobs created from it and
// subscriptions bound to it are cascade-deleted.
func (s *Store) DeleteProcedure(ctx context.Context, ref string) error {
	p, err := s.GetProcedure(ctx, ref)
	if err != nil {
		return err
	}

	var jobs []db.Job
	if err := s.db.WithContext(ctx).Find(&jobs, "procedure = ?", p.ID).Error; err != nil {
		return fmt.Errorf("procedures: list jobs: %w", err)
	}
	for i := range jobs {
		if err := s.deleteJob(ctx, &jobs[i]); err != nil {
			return fmt.Errorf("procedures: cascade job %s: %w", jobs[i].ID, err)
		}
	}

	var subs []db.Subscription
	if err := s.db.WithContext(ctx).Find(&subs, "procedure = ?", p.ID).Error; err != nil {
		return fmt.Errorf("procedures: list subscriptions: %w", err)
	}
	for i := range subs {
		if err := s.deleteSubscription(ctx, &subs[i]); err != nil {
			return fmt.Errorf("procedures: cascade subscription %s: %w", subs[i].ID, err)
		}
	}

	res := s.db.WithContext(ctx).Delete(&db.Procedure{}, "id = ?", p.ID)
	if res.Error != nil {
		return fmt.Errorf("procedures: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventDeleted, entityProcedure, p.ID, nameSlice(p.Name))
	return nil
}
