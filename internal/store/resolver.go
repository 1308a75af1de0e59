package store

import (
	"context"

	"github.com/perfectstorm-io/storm/internal/ident"
	"github.com/perfectstorm-io/storm/internal/query"
)

// refResolver adapts the store's lookup machinery to query.Resolver. Each
// collection declares which of its fields hold references and what kind they
// point at; values that are already well-formed ids pass through, anything
// else goes through lookup-field resolution. Lookup failures resolve to ""
// so the translator drops the clause instead of failing the query.
type refResolver struct {
	ctx    context.Context
	store  *Store
	fields map[string]string // field name -> target kind prefix
}

// ResolveRef implements query.Resolver.
func (r *refResolver) ResolveRef(field, value string) (string, bool) {
	kind, isRef := r.fields[field]
	if !isRef {
		return "", false
	}
	if ident.IsKind(value, kind) {
		return value, true
	}
	id, err := r.store.resolveRef(r.ctx, kind, value)
	if err != nil {
		return "", true
	}
	return id, true
}

// resolveRef turns a lookup value into the id of an entity of the given
// kind.
func (s *Store) resolveRef(ctx context.Context, kind, value string) (string, error) {
	switch kind {
	case ident.PrefixAgent:
		a, err := s.GetAgent(ctx, value)
		if err != nil {
			return "", err
		}
		return a.ID, nil
	case ident.PrefixResource:
		r, err := s.GetResource(ctx, value)
		if err != nil {
			return "", err
		}
		return r.ID, nil
	case ident.PrefixGroup:
		g, err := s.GetGroup(ctx, value)
		if err != nil {
			return "", err
		}
		return g.ID, nil
	case ident.PrefixProcedure:
		p, err := s.GetProcedure(ctx, value)
		if err != nil {
			return "", err
		}
		return p.ID, nil
	default:
		return "", ErrNotFound
	}
}

// AgentResolver resolves the reference fields of the agent collection.
func (s *Store) AgentResolver(ctx context.Context) query.Resolver {
	return &refResolver{ctx: ctx, store: s, fields: map[string]string{
		"id": ident.PrefixAgent,
	}}
}

// ProcedureResolver resolves the reference fields of the procedure
// collection.
func (s *Store) ProcedureResolver(ctx context.Context) query.Resolver {
	return &refResolver{ctx: ctx, store: s, fields: map[string]string{
		"id": ident.PrefixProcedure,
	}}
}

// ApplicationResolver resolves the reference fields of the application
// collection.
func (s *Store) ApplicationResolver(ctx context.Context) query.Resolver {
	return &refResolver{ctx: ctx, store: s, fields: map[string]string{
		"id":         ident.PrefixApplication,
		"components": ident.PrefixGroup,
	}}
}

// ResourceResolver resolves the reference fields of the resource collection.
func (s *Store) ResourceResolver(ctx context.Context) query.Resolver {
	return &refResolver{ctx: ctx, store: s, fields: map[string]string{
		"id":      ident.PrefixResource,
		"owner":   ident.PrefixAgent,
		"parent":  ident.PrefixResource,
		"cluster": ident.PrefixResource,
		"host":    ident.PrefixResource,
	}}
}

// JobResolver resolves the reference fields of the job collection.
func (s *Store) JobResolver(ctx context.Context) query.Resolver {
	return &refResolver{ctx: ctx, store: s, fields: map[string]string{
		"id":        ident.PrefixJob,
		"owner":     ident.PrefixAgent,
		"target":    ident.PrefixResource,
		"procedure": ident.PrefixProcedure,
	}}
}

// GroupResolver resolves the reference fields of the group collection.
func (s *Store) GroupResolver(ctx context.Context) query.Resolver {
	return &refResolver{ctx: ctx, store: s, fields: map[string]string{
		"id":      ident.PrefixGroup,
		"include": ident.PrefixResource,
		"exclude": ident.PrefixResource,
	}}
}

// SubscriptionResolver resolves the reference fields of the subscription
// collection.
func (s *Store) SubscriptionResolver(ctx context.Context) query.Resolver {
	return &refResolver{ctx: ctx, store: s, fields: map[string]string{
		"id":        ident.PrefixSubscription,
		"group":     ident.PrefixGroup,
		"procedure": ident.PrefixProcedure,
		"target":    ident.PrefixResource,
	}}
}
