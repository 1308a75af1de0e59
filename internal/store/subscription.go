package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/ident"
)

const entitySubscription = "subscription"

// validateSubscription resolves the group, procedure, and target references.
// Unlike dispatch, which tolerates dangling references, creation requires all
// three to exist.
func (s *Store) validateSubscription(ctx context.Context, sub *db.Subscription) error {
	verr := newValidationError()

	resolve := func(field, kind, ref string) string {
		if ref == "" {
			verr.Addf(field, "this field is required")
			return ref
		}
		id, err := s.resolveRef(ctx, kind, ref)
		if err != nil {
			verr.Addf(field, "unknown %s %q", field, ref)
			return ref
		}
		return id
	}

	sub.Group = resolve("group", ident.PrefixGroup, sub.Group)
	sub.Procedure = resolve("procedure", ident.PrefixProcedure, sub.Procedure)
	sub.Target = resolve("target", ident.PrefixResource, sub.Target)

	return verr.errOrNil()
}

// CreateSubscription persists a new subscription and emits a created event.
func (s *Store) CreateSubscription(ctx context.Context, sub *db.Subscription) error {
	if err := s.validateSubscription(ctx, sub); err != nil {
		return err
	}
	if sub.Options == nil {
		sub.Options = db.JSONMap{}
	}
	if sub.Params == nil {
		sub.Params = db.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("subscriptions: create: %w", err)
	}
	s.record(ctx, db.EventCreated, entitySubscription, sub.ID, []string{})
	return nil
}

// GetSubscription retrieves a subscription by id. Subscriptions have no name.
func (s *Store) GetSubscription(ctx context.Context, ref string) (*db.Subscription, error) {
	if kind, ok := ident.Kind(ref); !ok || kind != ident.PrefixSubscription {
		return nil, ErrNotFound
	}
	var sub db.Subscription
	err := s.db.WithContext(ctx).First(&sub, "id = ?", ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("subscriptions: get: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns subscriptions filtered by opts, ordered by
// creation time.
func (s *Store) ListSubscriptions(ctx context.Context, opts ListOptions) ([]db.Subscription, error) {
	var subs []db.Subscription
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("subscriptions: list: %w", err)
	}
	return filterPage(subs, opts), nil
}

// SaveSubscription persists modified fields of an existing subscription and
// emits an updated event.
func (s *Store) SaveSubscription(ctx context.Context, sub *db.Subscription) error {
	if err := s.validateSubscription(ctx, sub); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(sub)
	if res.Error != nil {
		return fmt.Errorf("subscriptions: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventUpdated, entitySubscription, sub.ID, []string{})
	return nil
}

// DeleteSubscription removes a subscription by id.
func (s *Store) DeleteSubscription(ctx context.Context, ref string) error {
	sub, err := s.GetSubscription(ctx, ref)
	if err != nil {
		return err
	}
	return s.deleteSubscription(ctx, sub)
}

func (s *Store) deleteSubscription(ctx context.Context, sub *db.Subscription) error {
	res := s.db.WithContext(ctx).Delete(&db.Subscription{}, "id = ?", sub.ID)
	if res.Error != nil {
		return fmt.Errorf("subscriptions: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventDeleted, entitySubscription, sub.ID, []string{})
	return nil
}
