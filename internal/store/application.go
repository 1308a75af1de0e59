package store

import (
	"context"
	"fmt"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/ident"
)

const entityApplication = "application"

// validateApplication resolves the component list to group ids and verifies
// that every link and expose endpoint names a component group and one of its
// defined services.
func (s *Store) validateApplication(ctx context.Context, a *db.Application) error {
	verr := newValidationError()
	if a.Name == nil || *a.Name == "" {
		verr.Addf("name", "this field is required")
	}
	s.checkUniqueName(ctx, &db.Application{}, a.Name, a.ID, verr)

	componentSet := map[string]*db.Group{}
	components := make(db.StringList, 0, len(a.Components))
	for _, ref := range a.Components {
		g, err := s.GetGroup(ctx, ref)
		if err != nil {
			verr.Addf("components", "unknown group %q", ref)
			continue
		}
		if _, dup := componentSet[g.ID]; dup {
			continue
		}
		componentSet[g.ID] = g
		components = append(components, g.ID)
	}
	a.Components = components

	endpoint := func(field, groupRef, serviceName string, needService bool) string {
		id := groupRef
		if !ident.IsKind(groupRef, ident.PrefixGroup) {
			if g, err := s.GetGroup(ctx, groupRef); err == nil {
				id = g.ID
			}
		}
		g, inComponents := componentSet[id]
		if !inComponents {
			verr.Addf(field, "group %q is not a component of this application", groupRef)
			return id
		}
		if needService {
			found := false
			for _, svc := range g.Services {
				if svc.Name == serviceName {
					found = true
					break
				}
			}
			if !found {
				verr.Addf(field, "group %q does not define service %q", groupRef, serviceName)
			}
		}
		return id
	}

	for i := range a.Links {
		l := &a.Links[i]
		l.FromComponent = endpoint("links", l.FromComponent, "", false)
		l.ToService.Group = endpoint("links", l.ToService.Group, l.ToService.ServiceName, true)
	}
	for i := range a.Expose {
		e := &a.Expose[i]
		e.Group = endpoint("expose", e.Group, e.ServiceName, true)
	}

	return verr.errOrNil()
}

// CreateApplication persists a new application and emits a created event.
func (s *Store) CreateApplication(ctx context.Context, a *db.Application) error {
	if err := s.validateApplication(ctx, a); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("applications: create: %w", err)
	}
	s.record(ctx, db.EventCreated, entityApplication, a.ID, nameSlice(a.Name))
	return nil
}

// GetApplication retrieves an application by id or unique name.
func (s *Store) GetApplication(ctx context.Context, ref string) (*db.Application, error) {
	return getByIDOrName[db.Application](ctx, s.db, ident.PrefixApplication, ref)
}

// ListApplications returns applications filtered by opts, ordered by
// creation time.
func (s *Store) ListApplications(ctx context.Context, opts ListOptions) ([]db.Application, error) {
	var apps []db.Application
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&apps).Error; err != nil {
		return nil, fmt.Errorf("applications: list: %w", err)
	}
	return filterPage(apps, opts), nil
}

// SaveApplication persists modified fields of an existing application and
// emits an updated event.
func (s *Store) SaveApplication(ctx context.Context, a *db.Application) error {
	if err := s.validateApplication(ctx, a); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(a)
	if res.Error != nil {
		return fmt.Errorf("applications: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventUpdated, entityApplication, a.ID, nameSlice(a.Name))
	return nil
}

// DeleteApplication removes an application. Nothing references applications,
// so no cascade applies.
func (s *Store) DeleteApplication(ctx context.Context, ref string) error {
	a, err := s.GetApplication(ctx, ref)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Delete(&db.Application{}, "id = ?", a.ID)
	if res.Error != nil {
		return fmt.Errorf("applications: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventDeleted, entityApplication, a.ID, nameSlice(a.Name))
	return nil
}
