package liveness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/eventlog"
	"github.com/perfectstorm-io/storm/internal/store"
)

func newFixture(t *testing.T) (*store.Store, *Sweeper) {
	t.Helper()
	logger := zap.NewNop()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	st := store.New(database, eventlog.New(database, logger), logger)
	return st, New(st, logger)
}

func TestSweepExpiresStaleAgents(t *testing.T) {
	st, sweeper := newFixture(t)
	ctx := context.Background()

	stale := &db.Agent{Type: "test", Status: db.AgentOnline}
	require.NoError(t, st.CreateAgent(ctx, stale))
	fresh := &db.Agent{Type: "test", Status: db.AgentOnline}
	require.NoError(t, st.CreateAgent(ctx, fresh))

	require.NoError(t, st.DB().Model(&db.Agent{}).
		Where("id = ?", stale.ID).
		Update("heartbeat", time.Now().UTC().Add(-2*DefaultTTL)).Error)

	res := &db.Resource{Type: "container", Owner: stale.ID}
	require.NoError(t, st.CreateResource(ctx, res))
	job := &db.Job{Type: "shell", Target: res.ID, Content: "x"}
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, st.DB().Model(&db.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"status": db.JobRunning, "owner": stale.ID}).Error)

	sweeper.Sweep(ctx)

	got, err := st.GetAgent(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AgentOffline, got.Status)

	still, err := st.GetAgent(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AgentOnline, still.Status)

	j, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPending, j.Status)
	assert.Nil(t, j.Owner)
}

func TestMaybeSweepThrottles(t *testing.T) {
	_, sweeper := newFixture(t)
	ctx := context.Background()

	sweeper.MaybeSweep(ctx)
	first := sweeper.lastSweep
	require.False(t, first.IsZero())

	// A second call inside the throttle window must not run another sweep.
	sweeper.MaybeSweep(ctx)
	assert.Equal(t, first, sweeper.lastSweep)
}
