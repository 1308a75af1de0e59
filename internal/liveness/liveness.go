// Package liveness expires agents whose heartbeats went quiet. An agent that
// has not checked in within the TTL is flipped offline and its running jobs
// are returned to the pending pool.
package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/metrics"
	"github.com/perfectstorm-io/storm/internal/store"
)

const (
	// DefaultTTL is how long an agent may stay silent before it is
	// considered offline.
	DefaultTTL = 60 * time.Second

	// minSweepInterval throttles opportunistic sweeps: reads trigger a sweep
	// at most this often, so a burst of list requests does one scan.
	minSweepInterval = time.Second

	// defaultPeriod is the background sweep cadence, covering the case where
	// nobody reads the agent collection for a while.
	defaultPeriod = 10 * time.Second
)

// Sweeper expires stale agents, both on a background schedule and
// opportunistically before reads of agent state.
type Sweeper struct {
	store  *store.Store
	logger *zap.Logger
	ttl    time.Duration
	period time.Duration

	sched gocron.Scheduler

	mu        sync.Mutex
	lastSweep time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithTTL overrides the heartbeat TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Sweeper) { s.ttl = ttl }
}

// WithPeriod overrides the background sweep cadence.
func WithPeriod(period time.Duration) Option {
	return func(s *Sweeper) { s.period = period }
}

// New creates a Sweeper.
func New(st *store.Store, logger *zap.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:  st,
		logger: logger.Named("liveness"),
		ttl:    DefaultTTL,
		period: defaultPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background sweep schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("liveness: scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.period),
		gocron.NewTask(func() { s.MaybeSweep(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("liveness: schedule sweep: %w", err)
	}
	sched.Start()
	s.sched = sched
	s.logger.Info("sweeper started",
		zap.Duration("ttl", s.ttl),
		zap.Duration("period", s.period),
	)
	return nil
}

// Stop shuts down the background schedule.
func (s *Sweeper) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

// MaybeSweep runs a sweep unless one ran within the throttle interval.
// Callers invoke it before serving agent or job state so clients never see an
// agent as online long after its heartbeats stopped.
func (s *Sweeper) MaybeSweep(ctx context.Context) {
	s.mu.Lock()
	if time.Since(s.lastSweep) < minSweepInterval {
		s.mu.Unlock()
		return
	}
	s.lastSweep = time.Now()
	s.mu.Unlock()

	s.Sweep(ctx)
}

// Sweep expires every agent whose heartbeat is older than the TTL.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.SweepsTotal.Inc()
	cutoff := time.Now().UTC().Add(-s.ttl)
	expired, err := s.store.ExpireAgents(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	metrics.AgentsExpired.Add(float64(len(expired)))
	for _, a := range expired {
		s.logger.Info("agent expired",
			zap.String("agent", a.ID),
			zap.Time("heartbeat", a.Heartbeat),
		)
	}
}
