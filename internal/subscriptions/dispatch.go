// Package subscriptions dispatches standing rules against the event log.
// Whenever a resource event lands, every subscription whose group currently
// contains that resource submits its procedure for execution.
package subscriptions

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/groups"
	"github.com/perfectstorm-io/storm/internal/jobs"
	"github.com/perfectstorm-io/storm/internal/store"
)

// Dispatcher reacts to events by executing matching subscriptions. It is
// registered as an event log listener and must never fail the mutation that
// produced the event: every error here is logged and dropped.
type Dispatcher struct {
	store  *store.Store
	groups *groups.Engine
	jobs   *jobs.Service
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(st *store.Store, engine *groups.Engine, svc *jobs.Service, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		groups: engine,
		jobs:   svc,
		logger: logger.Named("subscriptions"),
	}
}

// Handle is the event log listener. Only resource events can trigger
// subscriptions; dispatching on job events would let a subscription feed
// itself.
func (d *Dispatcher) Handle(ev db.Event) {
	if ev.EntityType != "resource" {
		return
	}
	ctx := context.Background()

	subs, err := d.store.ListSubscriptions(ctx, store.ListOptions{})
	if err != nil {
		d.logger.Error("list subscriptions", zap.Error(err))
		return
	}

	for i := range subs {
		d.dispatch(ctx, &subs[i], ev)
	}
}

// dispatch runs one subscription against one event. Dangling references —
// the group, procedure, or target deleted since the subscription was written
// — make the subscription a silent no-op.
func (d *Dispatcher) dispatch(ctx context.Context, sub *db.Subscription, ev db.Event) {
	g, err := d.store.GetGroup(ctx, sub.Group)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		d.logger.Error("load group",
			zap.String("subscription", sub.ID), zap.Error(err))
		return
	}

	member, err := d.groups.Contains(ctx, g, ev.EntityID)
	if err != nil {
		d.logger.Error("membership check",
			zap.String("subscription", sub.ID), zap.Error(err))
		return
	}
	if !member {
		return
	}

	params := map[string]any{}
	for k, v := range sub.Params {
		params[k] = v
	}
	params["event"] = map[string]any{
		"id":          ev.ID,
		"event_type":  ev.EventType,
		"entity_type": ev.EntityType,
		"entity_id":   ev.EntityID,
	}

	job, err := d.jobs.Exec(ctx, jobs.ExecRequest{
		Procedure: sub.Procedure,
		Target:    sub.Target,
		Options:   map[string]any(sub.Options),
		Params:    params,
	})
	if err != nil {
		// A deleted procedure surfaces as not-found, a deleted target as a
		// validation failure. Both mean the subscription dangles.
		var verr *store.ValidationError
		if errors.Is(err, store.ErrNotFound) || errors.As(err, &verr) {
			return
		}
		d.logger.Error("execute subscription",
			zap.String("subscription", sub.ID), zap.Error(err))
		return
	}
	d.logger.Info("subscription dispatched",
		zap.String("subscription", sub.ID),
		zap.String("job", job.ID),
		zap.Int64("event", ev.ID),
	)
}
