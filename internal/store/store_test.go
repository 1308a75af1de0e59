package store

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/eventlog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := zap.NewNop()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return New(database, eventlog.New(database, logger), logger)
}

func strPtr(s string) *string { return &s }

func createAgent(t *testing.T, s *Store, name string) *db.Agent {
	t.Helper()
	a := &db.Agent{Type: "test", Name: strPtr(name)}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func createResource(t *testing.T, s *Store, owner string, names ...string) *db.Resource {
	t.Helper()
	r := &db.Resource{Type: "container", Owner: owner, Names: db.StringList(names)}
	require.NoError(t, s.CreateResource(context.Background(), r))
	return r
}

func TestCreateAgentAssignsPrefixedID(t *testing.T) {
	s := newTestStore(t)
	a := &db.Agent{Type: "test"}
	require.NoError(t, s.CreateAgent(context.Background(), a))

	assert.Regexp(t, regexp.MustCompile(`^agt-[0-9A-Za-z]{22}$`), a.ID)
	assert.Equal(t, db.AgentOffline, a.Status)
	assert.False(t, a.Heartbeat.IsZero())
}

func TestCreateAgentRequiresType(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateAgent(context.Background(), &db.Agent{})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "type")
}

func TestAgentUniqueName(t *testing.T) {
	s := newTestStore(t)
	createAgent(t, s, "worker-1")

	err := s.CreateAgent(context.Background(), &db.Agent{Type: "test", Name: strPtr("worker-1")})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "name")
}

func TestGetAgentByIDAndName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")

	byID, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byID.ID)

	byName, err := s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byName.ID)

	_, err = s.GetAgent(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// A well-formed id of the wrong kind never falls back to name lookup.
	_, err = s.GetAgent(ctx, "res-0000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResourceOwnerResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")

	r := &db.Resource{Type: "container", Owner: "worker-1"}
	require.NoError(t, s.CreateResource(ctx, r))
	assert.Equal(t, a.ID, r.Owner)

	err := s.CreateResource(ctx, &db.Resource{Type: "container", Owner: "ghost"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "owner")
}

func TestResourceNameLookupAmbiguity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")

	createResource(t, s, a.ID, "web", "web-1")
	createResource(t, s, a.ID, "web", "web-2")

	_, err := s.GetResource(ctx, "web")
	assert.ErrorIs(t, err, ErrAmbiguousLookup)

	r, err := s.GetResource(ctx, "web-1")
	require.NoError(t, err)
	assert.Contains(t, []string(r.Names), "web")
}

func TestResourceStatusChoice(t *testing.T) {
	s := newTestStore(t)
	a := createAgent(t, s, "worker-1")

	err := s.CreateResource(context.Background(), &db.Resource{
		Type: "container", Owner: a.ID, Status: "exploded",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "status")
}

func TestDeleteResourcePullsFromGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	r := createResource(t, s, a.ID, "web-1")

	g := &db.Group{Name: strPtr("web"), Include: db.StringList{r.ID}}
	require.NoError(t, s.CreateGroup(ctx, g))

	require.NoError(t, s.DeleteResource(ctx, r.ID))

	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.NotContains(t, []string(got.Include), r.ID)
}

func TestDeleteAgentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	r := createResource(t, s, a.ID, "web-1")

	proc := &db.Procedure{Type: "shell", Content: "restart"}
	require.NoError(t, s.CreateProcedure(ctx, proc))
	job := &db.Job{Type: "shell", Target: r.ID, Content: "restart", Procedure: &proc.ID}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.DeleteAgent(ctx, a.ID))

	_, err := s.GetResource(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteGroupCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	r := createResource(t, s, a.ID, "web-1")

	g := &db.Group{Name: strPtr("web"), Include: db.StringList{r.ID}}
	require.NoError(t, s.CreateGroup(ctx, g))

	proc := &db.Procedure{Type: "shell", Content: "restart"}
	require.NoError(t, s.CreateProcedure(ctx, proc))

	sub := &db.Subscription{Group: g.ID, Procedure: proc.ID, Target: r.ID}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	app := &db.Application{Name: strPtr("shop"), Components: db.StringList{g.ID}}
	require.NoError(t, s.CreateApplication(ctx, app))

	require.NoError(t, s.DeleteGroup(ctx, g.ID))

	_, err := s.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.NotContains(t, []string(got.Components), g.ID)
}

func TestGroupServiceValidation(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateGroup(context.Background(), &db.Group{
		Services: db.ServiceList{
			{Name: "http", Protocol: "icmp", Port: 80},
			{Name: "http", Protocol: "tcp", Port: 70000},
		},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "services")
}

func TestGroupQueryValidation(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateGroup(context.Background(), &db.Group{
		Query: db.JSONMap{"type": map[string]any{"$bogus": 1}},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "query")
}

func TestAdjustGroupMembersCrossRemoval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	r := createResource(t, s, a.ID, "web-1")

	g := &db.Group{Name: strPtr("web"), Exclude: db.StringList{r.ID}}
	require.NoError(t, s.CreateGroup(ctx, g))

	got, err := s.AdjustGroupMembers(ctx, g.ID, []string{"web-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, []string(got.Include), r.ID)
	assert.NotContains(t, []string(got.Exclude), r.ID)
}

func TestApplicationLinkValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &db.Group{Name: strPtr("web"), Services: db.ServiceList{
		{Name: "http", Protocol: "tcp", Port: 80},
	}}
	require.NoError(t, s.CreateGroup(ctx, g))
	other := &db.Group{Name: strPtr("db")}
	require.NoError(t, s.CreateGroup(ctx, other))

	// Link to a service the target group does not define.
	err := s.CreateApplication(ctx, &db.Application{
		Name:       strPtr("shop"),
		Components: db.StringList{g.ID},
		Links: db.LinkList{{
			FromComponent: g.ID,
			ToService:     db.AppLinkService{Group: g.ID, ServiceName: "grpc"},
		}},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "links")

	// Expose on a group that is not a component.
	err = s.CreateApplication(ctx, &db.Application{
		Name:       strPtr("shop"),
		Components: db.StringList{g.ID},
		Expose:     db.ExposeList{{Group: other.ID, ServiceName: "http"}},
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "expose")

	// A valid composition passes.
	require.NoError(t, s.CreateApplication(ctx, &db.Application{
		Name:       strPtr("shop"),
		Components: db.StringList{g.ID},
		Links: db.LinkList{{
			FromComponent: g.ID,
			ToService:     db.AppLinkService{Group: g.ID, ServiceName: "http"},
		}},
		Expose: db.ExposeList{{Group: g.ID, ServiceName: "http"}},
	}))
}

func TestRequeueJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	r := createResource(t, s, a.ID, "web-1")

	job := &db.Job{Type: "shell", Target: r.ID, Content: "restart"}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.db.Model(&db.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"status": db.JobRunning, "owner": a.ID}).Error)

	requeued, err := s.RequeueJobs(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, requeued, 1)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPending, got.Status)
	assert.Nil(t, got.Owner)
}

// runningJob creates a job and forces it into the running state under the
// given owner, bypassing the claim path.
func runningJob(t *testing.T, s *Store, target, owner string) *db.Job {
	t.Helper()
	ctx := context.Background()
	job := &db.Job{Type: "shell", Target: target, Content: "restart"}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.db.Model(&db.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{"status": db.JobRunning, "owner": owner}).Error)
	return job
}

func TestSaveAgentOfflineRequeuesJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	a.Status = db.AgentOnline
	require.NoError(t, s.SaveAgent(ctx, a))

	r := createResource(t, s, a.ID, "web-1")
	job := runningJob(t, s, r.ID, a.ID)

	a.Status = db.AgentOffline
	require.NoError(t, s.SaveAgent(ctx, a))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPending, got.Status)
	assert.Nil(t, got.Owner)
}

func TestHeartbeatOfflineRequeuesJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	_, err := s.TouchAgent(ctx, "worker-1", strPtr(db.AgentOnline))
	require.NoError(t, err)

	r := createResource(t, s, a.ID, "web-1")
	job := runningJob(t, s, r.ID, a.ID)

	_, err = s.TouchAgent(ctx, "worker-1", strPtr(db.AgentOffline))
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPending, got.Status)
	assert.Nil(t, got.Owner)

	// A plain heartbeat with no status never touches the queue.
	job2 := runningJob(t, s, r.ID, a.ID)
	_, err = s.TouchAgent(ctx, "worker-1", nil)
	require.NoError(t, err)
	got2, err := s.GetJob(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunning, got2.Status)
}

func TestListFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, s, "worker-1")
	for i := 0; i < 5; i++ {
		createResource(t, s, a.ID)
	}

	all, err := s.ListResources(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	page, err := s.ListResources(ctx, ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}
