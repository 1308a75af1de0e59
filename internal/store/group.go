package store

import (
	"context"
	"fmt"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/ident"
	"github.com/perfectstorm-io/storm/internal/query"
)

const entityGroup = "group"

// validateGroup checks service definitions, parses the stored query against
// the resource schema, and resolves include/exclude references to ids.
func (s *Store) validateGroup(ctx context.Context, g *db.Group) error {
	verr := newValidationError()

	seen := map[string]struct{}{}
	for i, svc := range g.Services {
		if svc.Name == "" {
			verr.Addf("services", "service %d: name is required", i)
		} else if _, dup := seen[svc.Name]; dup {
			verr.Addf("services", "duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
		if svc.Protocol != "tcp" && svc.Protocol != "udp" {
			verr.Addf("services", "service %q: protocol must be tcp or udp", svc.Name)
		}
		if svc.Port < 1 || svc.Port > 65535 {
			verr.Addf("services", "service %q: port %d out of range", svc.Name, svc.Port)
		}
	}

	if _, err := query.Parse(map[string]any(g.Query), s.ResourceResolver(ctx)); err != nil {
		verr.Addf("query", "%s", err.Error())
	}

	g.Include = s.resolveResourceList(ctx, "include", g.Include, verr)
	g.Exclude = s.resolveResourceList(ctx, "exclude", g.Exclude, verr)

	s.checkUniqueName(ctx, &db.Group{}, g.Name, g.ID, verr)
	return verr.errOrNil()
}

// resolveResourceList maps each entry of a reference list to a resource id,
// recording a validation message for entries that do not resolve.
func (s *Store) resolveResourceList(ctx context.Context, field string, refs db.StringList, verr *ValidationError) db.StringList {
	out := make(db.StringList, 0, len(refs))
	for _, ref := range refs {
		id, err := s.resolveRef(ctx, ident.PrefixResource, ref)
		if err != nil {
			verr.Addf(field, "unknown resource %q", ref)
			continue
		}
		if !out.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// CreateGroup persists a new group and emits a created event.
func (s *Store) CreateGroup(ctx context.Context, g *db.Group) error {
	if err := s.validateGroup(ctx, g); err != nil {
		return err
	}
	if g.Query == nil {
		g.Query = db.JSONMap{}
	}
	if g.Services == nil {
		g.Services = db.ServiceList{}
	}
	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("groups: create: %w", err)
	}
	s.record(ctx, db.EventCreated, entityGroup, g.ID, nameSlice(g.Name))
	return nil
}

// GetGroup retrieves a group by id or unique name.
func (s *Store) GetGroup(ctx context.Context, ref string) (*db.Group, error) {
	return getByIDOrName[db.Group](ctx, s.db, ident.PrefixGroup, ref)
}

// ListGroups returns groups filtered by opts, ordered by creation time.
func (s *Store) ListGroups(ctx context.Context, opts ListOptions) ([]db.Group, error) {
	var groups []db.Group
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("groups: list: %w", err)
	}
	return filterPage(groups, opts), nil
}

// SaveGroup persists modified fields of an existing group and emits an
// updated event.
func (s *Store) SaveGroup(ctx context.Context, g *db.Group) error {
	if err := s.validateGroup(ctx, g); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(g)
	if res.Error != nil {
		return fmt.Errorf("groups: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventUpdated, entityGroup, g.ID, nameSlice(g.Name))
	return nil
}

// AdjustGroupMembers applies explicit include/exclude overrides from the
// members endpoint. Including a resource also clears it from exclude, and
// vice versa, so the two lists never contradict each other.
func (s *Store) AdjustGroupMembers(ctx context.Context, ref string, include, exclude []string) (*db.Group, error) {
	g, err := s.GetGroup(ctx, ref)
	if err != nil {
		return nil, err
	}

	verr := newValidationError()
	incIDs := s.resolveResourceList(ctx, "include", db.StringList(include), verr)
	excIDs := s.resolveResourceList(ctx, "exclude", db.StringList(exclude), verr)
	if err := verr.errOrNil(); err != nil {
		return nil, err
	}

	for _, id := range incIDs {
		g.Exclude, _ = g.Exclude.Remove(id)
		if !g.Include.Contains(id) {
			g.Include = append(g.Include, id)
		}
	}
	for _, id := range excIDs {
		g.Include, _ = g.Include.Remove(id)
		if !g.Exclude.Contains(id) {
			g.Exclude = append(g.Exclude, id)
		}
	}

	err = s.db.WithContext(ctx).Model(g).
		Updates(map[string]any{"include": g.Include, "exclude": g.Exclude}).Error
	if err != nil {
		return nil, fmt.Errorf("groups: adjust members: %w", err)
	}
	s.record(ctx, db.EventUpdated, entityGroup, g.ID, nameSlice(g.Name))
	return g, nil
}

// DeleteGroup removes a group. Subscriptions bound to it are cascade
// deleted; applications naming it as a component have it pulled, along with
// any links or expose entries that would dangle.
func (s *Store) DeleteGroup(ctx context.Context, ref string) error {
	g, err := s.GetGroup(ctx, ref)
	if err != nil {
		return err
	}

	var subs []db.Subscription
	if err := s.db.WithContext(ctx).Find(&subs, "group_id = ?", g.ID).Error; err != nil {
		return fmt.Errorf("groups: list subscriptions: %w", err)
	}
	for i := range subs {
		if err := s.deleteSubscription(ctx, &subs[i]); err != nil {
			return fmt.Errorf("groups: cascade subscription %s: %w", subs[i].ID, err)
		}
	}

	if err := s.pullGroupFromApplications(ctx, g.ID); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Delete(&db.Group{}, "id = ?", g.ID)
	if res.Error != nil {
		return fmt.Errorf("groups: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventDeleted, entityGroup, g.ID, nameSlice(g.Name))
	return nil
}

// pullGroupFromApplications removes the group from application component
// lists. Links and expose entries touching the group are dropped with it so
// the endpoint invariant keeps holding.
func (s *Store) pullGroupFromApplications(ctx context.Context, groupID string) error {
	var apps []db.Application
	if err := s.db.WithContext(ctx).Find(&apps).Error; err != nil {
		return fmt.Errorf("groups: list applications: %w", err)
	}
	for i := range apps {
		a := &apps[i]
		components, removed := a.Components.Remove(groupID)
		if !removed {
			continue
		}

		links := make(db.LinkList, 0, len(a.Links))
		for _, l := range a.Links {
			if l.FromComponent == groupID || l.ToService.Group == groupID {
				continue
			}
			links = append(links, l)
		}
		expose := make(db.ExposeList, 0, len(a.Expose))
		for _, e := range a.Expose {
			if e.Group == groupID {
				continue
			}
			expose = append(expose, e)
		}

		err := s.db.WithContext(ctx).Model(a).Updates(map[string]any{
			"components": components,
			"links":      links,
			"expose":     expose,
		}).Error
		if err != nil {
			return fmt.Errorf("groups: pull from application %s: %w", a.ID, err)
		}
		s.record(ctx, db.EventUpdated, entityApplication, a.ID, nameSlice(a.Name))
	}
	return nil
}
