// Package store is the authoritative entity store of the coordinator. It
// persists agents, resources, groups, applications, procedures, jobs, and
// subscriptions; enforces type-aware validation, unique-name semantics and
// id-or-name lookup; applies the cascade policies that keep references
// consistent at delete time; and appends one event to the log for every
// successful mutation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/eventlog"
	"github.com/perfectstorm-io/storm/internal/ident"
	"github.com/perfectstorm-io/storm/internal/query"
)

// Store bundles the database handle with the event log. All cross-request
// state lives here; request handlers hold no state of their own.
type Store struct {
	db     *gorm.DB
	events *eventlog.Log
	logger *zap.Logger
}

// New creates a Store.
func New(gdb *gorm.DB, events *eventlog.Log, logger *zap.Logger) *Store {
	return &Store{
		db:     gdb,
		events: events,
		logger: logger.Named("store"),
	}
}

// DB exposes the underlying handle for collaborators (job state machine,
// liveness sweep) that need conditional updates of their own.
func (s *Store) DB() *gorm.DB { return s.db }

// Events exposes the event log for collaborators that tail it.
func (s *Store) Events() *eventlog.Log { return s.events }

// ListOptions carries the ?q= filter and pagination of list endpoints.
// A nil or empty Query keeps every row.
type ListOptions struct {
	Query  *query.Query
	Limit  int
	Offset int
}

// record appends one event for a successful mutation. Failures are logged
// and swallowed: the mutation itself is already durable and a dropped event
// is preferable to reporting the mutation as failed.
func (s *Store) record(ctx context.Context, eventType, entityType, entityID string, names []string) {
	if _, err := s.events.Append(ctx, eventType, entityType, entityID, names); err != nil {
		s.logger.Error("failed to append event",
			zap.String("event_type", eventType),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// RecordUpdated appends an updated event on behalf of collaborators (job
// state machine, liveness sweep) that mutate rows with conditional updates of
// their own.
func (s *Store) RecordUpdated(ctx context.Context, entityType, entityID string) {
	s.record(ctx, db.EventUpdated, entityType, entityID, []string{})
}

// nameSlice converts an optional name into the entity_names list recorded on
// events.
func nameSlice(name *string) []string {
	if name == nil || *name == "" {
		return []string{}
	}
	return []string{*name}
}

// DocOf converts an entity into the decoded-JSON document shape the query
// matcher evaluates against.
func DocOf(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// filterPage applies a parsed query and pagination to an already-ordered
// slice of entities. Collections are control-plane sized; matching decoded
// documents in process keeps the operator dialect portable across both
// backing databases.
func filterPage[T any](items []T, opts ListOptions) []T {
	out := items
	if opts.Query != nil && !opts.Query.Empty() {
		out = make([]T, 0, len(items))
		for _, item := range items {
			if opts.Query.Match(DocOf(item)) {
				out = append(out, item)
			}
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []T{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}

// getByIDOrName implements the uniform id-or-name lookup for entities with a
// unique nullable name column. A value shaped like an id of the right kind
// is looked up by primary key only; a well-formed id of a different kind is
// immediately NotFound; anything else is tried against the name column.
func getByIDOrName[T any](ctx context.Context, tx *gorm.DB, prefix, ref string) (*T, error) {
	var entity T

	if kind, ok := ident.Kind(ref); ok {
		if kind != prefix {
			return nil, ErrNotFound
		}
		err := tx.WithContext(ctx).First(&entity, "id = ?", ref).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get by id: %w", err)
		}
		return &entity, nil
	}

	var matches []T
	if err := tx.WithContext(ctx).Limit(2).Find(&matches, "name = ?", ref).Error; err != nil {
		return nil, fmt.Errorf("get by name: %w", err)
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &matches[0], nil
	default:
		return nil, ErrAmbiguousLookup
	}
}

// requireNonBlank validates a required string field.
func requireNonBlank(verr *ValidationError, field, value string) {
	if value == "" {
		verr.Addf(field, "this field is required")
	}
}

// requireChoice validates a constrained string field.
func requireChoice(verr *ValidationError, field, value string, choices []string) {
	for _, c := range choices {
		if value == c {
			return
		}
	}
	verr.Addf(field, "%q is not a valid choice", value)
}

// checkUniqueName verifies no other row of model uses name. The partial
// unique index backs this check; doing it here turns the race-free database
// error into a structured validation message in the common case.
func (s *Store) checkUniqueName(ctx context.Context, model any, name *string, excludeID string, verr *ValidationError) {
	if name == nil || *name == "" {
		return
	}
	var count int64
	q := s.db.WithContext(ctx).Model(model).Where("name = ?", *name)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		s.logger.Error("unique name check failed", zap.Error(err))
		return
	}
	if count > 0 {
		verr.Addf("name", "an entity with name %q already exists", *name)
	}
}
