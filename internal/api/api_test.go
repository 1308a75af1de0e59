package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/eventlog"
	"github.com/perfectstorm-io/storm/internal/groups"
	"github.com/perfectstorm-io/storm/internal/jobs"
	"github.com/perfectstorm-io/storm/internal/liveness"
	"github.com/perfectstorm-io/storm/internal/render"
	"github.com/perfectstorm-io/storm/internal/store"
	"github.com/perfectstorm-io/storm/internal/websocket"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	events := eventlog.New(database, logger)
	st := store.New(database, events, logger)
	engine := groups.New(st, logger)
	jobSvc := jobs.New(st, render.Template{}, logger)
	sweeper := liveness.New(st, logger)

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	events.AddListener(hub.Broadcast)

	return NewRouter(RouterConfig{
		Store:    st,
		Database: database,
		Events:   events,
		Groups:   engine,
		Jobs:     jobSvc,
		Sweeper:  sweeper,
		Hub:      hub,
		Logger:   logger,
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestCreateAgentReturnsPrefixedID(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/agents", map[string]any{"type": "test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var agent struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, rec, &agent)
	assert.Regexp(t, `^agt-[0-9A-Za-z]{22}$`, agent.ID)
	assert.Equal(t, "offline", agent.Status)
}

func TestValidationErrorBody(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/agents", map[string]any{"name": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string][]string
	decode(t, rec, &body)
	assert.Contains(t, body, "type")
}

func TestNotFoundBody(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/v1/agents/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body, "detail")
}

func TestMalformedQueryParam(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/v1/agents?q="+url.QueryEscape("{nope"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string][]string
	decode(t, rec, &body)
	require.Contains(t, body, "q")
	assert.NotEmpty(t, body["q"])

	rec = do(t, h, http.MethodGet, "/v1/agents?q="+url.QueryEscape(`{"type":{"$bogus":1}}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decode(t, rec, &body)
	assert.Contains(t, body, "q")
}

func TestHeartbeat(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/agents", map[string]any{"type": "test", "name": "w1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/agents/w1/heartbeat", map[string]any{"status": "online"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/agents/w1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agent struct {
		Status    string    `json:"status"`
		Heartbeat time.Time `json:"heartbeat"`
	}
	decode(t, rec, &agent)
	assert.Equal(t, "online", agent.Status)
	assert.WithinDuration(t, time.Now(), agent.Heartbeat, time.Minute)
}

func createEntity(t *testing.T, h http.Handler, path string, body map[string]any) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, path, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		ID string `json:"id"`
	}
	decode(t, rec, &out)
	return out.ID
}

func TestGroupMembersEndpoint(t *testing.T) {
	h := newTestRouter(t)

	agentID := createEntity(t, h, "/v1/agents", map[string]any{"type": "test"})
	alpha := createEntity(t, h, "/v1/resources", map[string]any{"type": "alpha", "owner": agentID})
	alpha2 := createEntity(t, h, "/v1/resources", map[string]any{"type": "alpha", "owner": agentID})
	beta := createEntity(t, h, "/v1/resources", map[string]any{"type": "beta", "owner": agentID})

	groupID := createEntity(t, h, "/v1/groups", map[string]any{
		"query":   map[string]any{"type": "alpha"},
		"include": []string{beta},
		"exclude": []string{alpha2},
	})

	rec := do(t, h, http.MethodGet, "/v1/groups/"+groupID+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var members []struct {
		ID string `json:"id"`
	}
	decode(t, rec, &members)
	got := make([]string, len(members))
	for i, m := range members {
		got[i] = m.ID
	}
	assert.ElementsMatch(t, []string{alpha, beta}, got)
}

func TestJobClaimOverHTTP(t *testing.T) {
	h := newTestRouter(t)

	agentID := createEntity(t, h, "/v1/agents", map[string]any{"type": "test"})
	other := createEntity(t, h, "/v1/agents", map[string]any{"type": "test"})
	resID := createEntity(t, h, "/v1/resources", map[string]any{"type": "container", "owner": agentID})
	procID := createEntity(t, h, "/v1/procedures", map[string]any{
		"type": "shell", "content": "restart {{ service }}",
		"params": map[string]any{"service": "web"},
	})

	rec := do(t, h, http.MethodPost, "/v1/procedures/"+procID+"/exec", map[string]any{"target": resID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Content string `json:"content"`
	}
	decode(t, rec, &job)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, "restart web", job.Content)

	rec = do(t, h, http.MethodPost, "/v1/jobs/"+job.ID+"/handle", map[string]any{"owner": agentID})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/jobs/"+job.ID+"/handle", map[string]any{"owner": other})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Status string  `json:"status"`
		Owner  *string `json:"owner"`
	}
	decode(t, rec, &got)
	assert.Equal(t, "running", got.Status)
	require.NotNil(t, got.Owner)
	assert.Equal(t, agentID, *got.Owner)

	rec = do(t, h, http.MethodPost, "/v1/jobs/"+job.ID+"/complete", map[string]any{"result": map[string]any{"ok": true}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/jobs/"+job.ID+"/complete", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobUpdateRejectsStatusChange(t *testing.T) {
	h := newTestRouter(t)

	agentID := createEntity(t, h, "/v1/agents", map[string]any{"type": "test"})
	resID := createEntity(t, h, "/v1/resources", map[string]any{"type": "container", "owner": agentID})
	procID := createEntity(t, h, "/v1/procedures", map[string]any{"type": "shell", "content": "x"})

	rec := do(t, h, http.MethodPost, "/v1/procedures/"+procID+"/exec", map[string]any{"target": resID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job struct {
		ID string `json:"id"`
	}
	decode(t, rec, &job)

	rec = do(t, h, http.MethodPut, "/v1/jobs/"+job.ID, map[string]any{"status": "done"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPut, "/v1/jobs/"+job.ID, map[string]any{"params": map[string]any{"k": "v"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	h := newTestRouter(t)

	for i := 0; i < 3; i++ {
		createEntity(t, h, "/v1/agents", map[string]any{"type": "test", "name": fmt.Sprintf("w%d", i)})
	}

	rec := do(t, h, http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []struct {
		ID         int64  `json:"id"`
		EventType  string `json:"event_type"`
		EntityType string `json:"entity_type"`
	}
	decode(t, rec, &events)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, "created", events[0].EventType)
	assert.Equal(t, "agent", events[0].EntityType)

	rec = do(t, h, http.MethodGet, "/v1/events?start=2&count=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].ID)
}

func TestAttachCreatesSubscription(t *testing.T) {
	h := newTestRouter(t)

	agentID := createEntity(t, h, "/v1/agents", map[string]any{"type": "test"})
	resID := createEntity(t, h, "/v1/resources", map[string]any{"type": "container", "owner": agentID})
	groupID := createEntity(t, h, "/v1/groups", map[string]any{"include": []string{resID}})
	procID := createEntity(t, h, "/v1/procedures", map[string]any{"type": "shell", "content": "x"})

	rec := do(t, h, http.MethodPost, "/v1/procedures/"+procID+"/attach", map[string]any{
		"group": groupID, "target": resID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sub struct {
		ID        string `json:"id"`
		Group     string `json:"group"`
		Procedure string `json:"procedure"`
	}
	decode(t, rec, &sub)
	assert.Regexp(t, `^sub-[0-9A-Za-z]{22}$`, sub.ID)
	assert.Equal(t, groupID, sub.Group)
	assert.Equal(t, procID, sub.Procedure)

	rec = do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
