package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/ident"
)

const entityResource = "resource"

// validateResource checks the writable fields and resolves reference fields
// (owner, parent, cluster, host) to ids. Lookup values that do not resolve
// are validation errors — a resource may not be persisted with dangling
// strong references.
func (s *Store) validateResource(ctx context.Context, r *db.Resource) error {
	verr := newValidationError()
	requireNonBlank(verr, "type", r.Type)

	if r.Status == "" {
		r.Status = "unknown"
	}
	requireChoice(verr, "status", r.Status, db.ResourceStatuses)
	if r.Health == "" {
		r.Health = "unknown"
	}
	requireChoice(verr, "health", r.Health, db.ResourceHealths)

	seen := map[string]struct{}{}
	for _, name := range r.Names {
		if name == "" {
			verr.Addf("names", "names may not contain blank entries")
			continue
		}
		if _, dup := seen[name]; dup {
			verr.Addf("names", "duplicate name %q", name)
		}
		seen[name] = struct{}{}
	}

	if r.Owner == "" {
		verr.Addf("owner", "this field is required")
	} else if id, err := s.resolveRef(ctx, ident.PrefixAgent, r.Owner); err != nil {
		verr.Addf("owner", "unknown agent %q", r.Owner)
	} else {
		r.Owner = id
	}

	for field, ref := range map[string]**string{
		"parent": &r.Parent, "cluster": &r.Cluster, "host": &r.Host,
	} {
		if *ref == nil {
			continue
		}
		id, err := s.resolveRef(ctx, ident.PrefixResource, **ref)
		if err != nil {
			verr.Addf(field, "unknown resource %q", **ref)
			continue
		}
		**ref = id
	}

	return verr.errOrNil()
}

// syncResourceNames rebuilds the name lookup rows for a resource.
func (s *Store) syncResourceNames(ctx context.Context, r *db.Resource) error {
	if err := s.db.WithContext(ctx).
		Delete(&db.ResourceName{}, "resource_id = ?", r.ID).Error; err != nil {
		return fmt.Errorf("clear names: %w", err)
	}
	for _, name := range r.Names {
		row := db.ResourceName{ResourceID: r.ID, Name: name}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("index name %q: %w", name, err)
		}
	}
	return nil
}

// CreateResource persists a new resource, indexes its names, and emits a
// created event.
func (s *Store) CreateResource(ctx context.Context, r *db.Resource) error {
	if err := s.validateResource(ctx, r); err != nil {
		return err
	}
	if r.Snapshot == nil {
		r.Snapshot = db.JSONMap{}
	}
	if r.Names == nil {
		r.Names = db.StringList{}
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("resources: create: %w", err)
	}
	if err := s.syncResourceNames(ctx, r); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	s.record(ctx, db.EventCreated, entityResource, r.ID, r.Names)
	return nil
}

// GetResource retrieves a resource by id or by any element of its names
// list. A name shared by several resources is an ambiguous lookup.
func (s *Store) GetResource(ctx context.Context, ref string) (*db.Resource, error) {
	if kind, ok := ident.Kind(ref); ok {
		if kind != ident.PrefixResource {
			return nil, ErrNotFound
		}
		var r db.Resource
		err := s.db.WithContext(ctx).First(&r, "id = ?", ref).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("resources: get: %w", err)
		}
		return &r, nil
	}

	var rows []db.ResourceName
	if err := s.db.WithContext(ctx).Limit(2).Find(&rows, "name = ?", ref).Error; err != nil {
		return nil, fmt.Errorf("resources: lookup name: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return s.GetResource(ctx, rows[0].ResourceID)
	default:
		return nil, ErrAmbiguousLookup
	}
}

// ListResources returns resources filtered by opts, ordered by creation
// time.
func (s *Store) ListResources(ctx context.Context, opts ListOptions) ([]db.Resource, error) {
	var resources []db.Resource
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&resources).Error; err != nil {
		return nil, fmt.Errorf("resources: list: %w", err)
	}
	return filterPage(resources, opts), nil
}

// SaveResource persists modified fields of an existing resource, re-indexes
// names, and emits an updated event.
func (s *Store) SaveResource(ctx context.Context, r *db.Resource) error {
	if err := s.validateResource(ctx, r); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(r)
	if res.Error != nil {
		return fmt.Errorf("resources: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if err := s.syncResourceNames(ctx, r); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	s.record(ctx, db.EventUpdated, entityResource, r.ID, r.Names)
	return nil
}

// DeleteResource removes a resource by id or name and applies the cascade
// policy: occurrences in group include/exclude lists are pulled, jobs
// targeting the resource are deleted.
func (s *Store) DeleteResource(ctx context.Context, ref string) error {
	r, err := s.GetResource(ctx, ref)
	if err != nil {
		return err
	}
	return s.deleteResource(ctx, r)
}

func (s *Store) deleteResource(ctx context.Context, r *db.Resource) error {
	if err := s.pullResourceFromGroups(ctx, r.ID); err != nil {
		return err
	}

	var jobs []db.Job
	if err := s.db.WithContext(ctx).Find(&jobs, "target = ?", r.ID).Error; err != nil {
		return fmt.Errorf("resources: list targeting jobs: %w", err)
	}
	for i := range jobs {
		if err := s.deleteJob(ctx, &jobs[i]); err != nil {
			return fmt.Errorf("resources: cascade job %s: %w", jobs[i].ID, err)
		}
	}

	if err := s.db.WithContext(ctx).
		Delete(&db.ResourceName{}, "resource_id = ?", r.ID).Error; err != nil {
		return fmt.Errorf("resources: clear names: %w", err)
	}

	res := s.db.WithContext(ctx).Delete(&db.Resource{}, "id = ?", r.ID)
	if res.Error != nil {
		return fmt.Errorf("resources: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventDeleted, entityResource, r.ID, r.Names)
	return nil
}

// pullResourceFromGroups removes every occurrence of the resource id from
// group include/exclude lists. Groups referencing a deleted resource are
// updated, never deleted.
func (s *Store) pullResourceFromGroups(ctx context.Context, resourceID string) error {
	var groups []db.Group
	if err := s.db.WithContext(ctx).Find(&groups).Error; err != nil {
		return fmt.Errorf("resources: list groups: %w", err)
	}
	for i := range groups {
		g := &groups[i]
		include, removedInc := g.Include.Remove(resourceID)
		exclude, removedExc := g.Exclude.Remove(resourceID)
		if !removedInc && !removedExc {
			continue
		}
		err := s.db.WithContext(ctx).Model(g).
			Updates(map[string]any{"include": include, "exclude": exclude}).Error
		if err != nil {
			return fmt.Errorf("resources: pull from group %s: %w", g.ID, err)
		}
		s.record(ctx, db.EventUpdated, entityGroup, g.ID, nameSlice(g.Name))
	}
	return nil
}
