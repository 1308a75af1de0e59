// Package eventlog implements the coordinator's append-only event log.
//
// Every successful create/update/delete of a tracked entity appends exactly
// one record. Ids come from a single counter row incremented inside the
// append transaction, so they are strictly increasing and dense; the counter
// never resets, even after old records are evicted by the cap.
//
// The log is bounded two ways: a maximum record count and a byte budget.
// When either is exceeded the oldest records are evicted first.
//
// Consumers tail the log the way a tailable cursor would: read everything
// after the last seen id, then block on Wait until the next append.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/metrics"
)

const counterName = "events"

// Defaults for the log bounds, inherited from the original deployment.
const (
	DefaultCap      = 10000
	DefaultMaxBytes = 8 * 1024 * DefaultCap
)

// Listener receives each event after its transaction commits. Listeners run
// on the appending goroutine and must not block; anything slow belongs in a
// goroutine of the listener's own.
type Listener func(db.Event)

// Log is the capped, monotonically indexed event log.
type Log struct {
	db       *gorm.DB
	logger   *zap.Logger
	cap      int64
	maxBytes int64

	mu        sync.Mutex
	notify    chan struct{}
	listeners []Listener
}

// Option tweaks the log bounds.
type Option func(*Log)

// WithCap overrides the maximum number of retained records.
func WithCap(n int) Option {
	return func(l *Log) { l.cap = int64(n) }
}

// WithMaxBytes overrides the byte budget of retained records.
func WithMaxBytes(n int64) Option {
	return func(l *Log) { l.maxBytes = n }
}

// New creates a Log over the given database handle.
func New(gdb *gorm.DB, logger *zap.Logger, opts ...Option) *Log {
	l := &Log{
		db:       gdb,
		logger:   logger.Named("eventlog"),
		cap:      DefaultCap,
		maxBytes: DefaultMaxBytes,
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddListener registers a post-commit listener. Call during startup wiring,
// before the server starts appending.
func (l *Log) AddListener(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Wait returns a channel that is closed when the next event is appended.
// Callers re-arm by calling Wait again after draining the log.
func (l *Log) Wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

// Append records one event and returns it. The counter increment, the
// insert, and cap enforcement share one transaction so concurrent appends
// serialize at the counter row and ids reflect commit order.
func (l *Log) Append(ctx context.Context, eventType, entityType, entityID string, names []string) (*db.Event, error) {
	if names == nil {
		names = []string{}
	}
	evt := db.Event{
		Date:        time.Now().UTC(),
		EventType:   eventType,
		EntityType:  entityType,
		EntityID:    entityID,
		EntityNames: db.StringList(names),
	}
	if b, err := json.Marshal(evt); err == nil {
		evt.Size = int64(len(b))
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := nextID(tx)
		if err != nil {
			return err
		}
		evt.ID = id

		if err := tx.Create(&evt).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return l.trim(tx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: append: %w", err)
	}
	metrics.EventsAppended.Inc()

	l.mu.Lock()
	close(l.notify)
	l.notify = make(chan struct{})
	listeners := l.listeners
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(evt)
	}
	return &evt, nil
}

// nextID bumps the counter row and returns the new value. The first append
// creates the row.
func nextID(tx *gorm.DB) (int64, error) {
	res := tx.Model(&db.Counter{}).
		Where("name = ?", counterName).
		Update("value", gorm.Expr("value + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("increment counter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := tx.Create(&db.Counter{Name: counterName, Value: 1}).Error; err != nil {
			return 0, fmt.Errorf("seed counter: %w", err)
		}
		return 1, nil
	}

	var c db.Counter
	if err := tx.First(&c, "name = ?", counterName).Error; err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return c.Value, nil
}

// trim enforces the record cap and the byte budget, oldest first.
func (l *Log) trim(tx *gorm.DB, newest int64) error {
	res := tx.Where("id <= ?", newest-l.cap).Delete(&db.Event{})
	if res.Error != nil {
		return fmt.Errorf("trim by count: %w", res.Error)
	}
	metrics.EventsEvicted.Add(float64(res.RowsAffected))

	for {
		var total int64
		if err := tx.Model(&db.Event{}).
			Select("COALESCE(SUM(size), 0)").
			Scan(&total).Error; err != nil {
			return fmt.Errorf("sum sizes: %w", err)
		}
		if total <= l.maxBytes {
			return nil
		}
		// The newest record always survives, even when it alone blows the
		// budget.
		res := tx.Exec(
			`DELETE FROM events WHERE id IN (SELECT id FROM events WHERE id < ? ORDER BY id ASC LIMIT 64)`,
			newest)
		if res.Error != nil {
			return fmt.Errorf("trim by bytes: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		metrics.EventsEvicted.Add(float64(res.RowsAffected))
	}
}

// Range returns the events with start <= id < start+count in ascending order.
func (l *Log) Range(ctx context.Context, start int64, count int) ([]db.Event, error) {
	var events []db.Event
	err := l.db.WithContext(ctx).
		Where("id >= ? AND id < ?", start, start+int64(count)).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: range: %w", err)
	}
	return events, nil
}

// Tail returns the most recent count events in ascending order.
func (l *Log) Tail(ctx context.Context, count int) ([]db.Event, error) {
	var events []db.Event
	err := l.db.WithContext(ctx).
		Order("id DESC").
		Limit(count).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: tail: %w", err)
	}
	// Reverse into ascending order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// After returns up to limit events with id > lastSeen, ascending. This is
// the polling half of the tailable cursor.
func (l *Log) After(ctx context.Context, lastSeen int64, limit int) ([]db.Event, error) {
	var events []db.Event
	err := l.db.WithContext(ctx).
		Where("id > ?", lastSeen).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: after: %w", err)
	}
	return events, nil
}

// LastID returns the id of the newest event, or 0 when the log is empty.
// The counter is consulted rather than the events table so eviction does not
// move the cursor backwards.
func (l *Log) LastID(ctx context.Context) (int64, error) {
	var c db.Counter
	err := l.db.WithContext(ctx).First(&c, "name = ?", counterName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventlog: last id: %w", err)
	}
	return c.Value, nil
}
