package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/agentclient"
	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/db"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/observability"
	"github.com/devharbor/devharbor/internal/orchestrator"
	"github.com/devharbor/devharbor/internal/session"
)

type startCall struct {
	taskID    string
	projectID string
	userID    string
	cfg       orchestrator.TaskConfig
}

type advanceCall struct {
	workspaceID  string
	status       string
	errorMessage string
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	started  []startCall
	advanced []advanceCall
}

func (f *fakeOrchestrator) StartTask(taskID, projectID, userID string, cfg orchestrator.TaskConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startCall{taskID, projectID, userID, cfg})
	return nil
}

func (f *fakeOrchestrator) AdvanceWorkspaceReady(workspaceID, status, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, advanceCall{workspaceID, status, errorMessage})
	return nil
}

func (f *fakeOrchestrator) GetStatus(string) (*orchestrator.RunnerState, error) {
	return nil, nil
}

type gatewayEnv struct {
	router *gin.Engine
	store  *metastore.Store
	obs    *observability.Store
	orch   *fakeOrchestrator
	secret string
}

func newTestGateway(t *testing.T) *gatewayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.NewSQLitePool(filepath.Join(t.TempDir(), "cms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := metastore.NewStore(pool)
	require.NoError(t, err)
	obs, err := observability.NewStore(pool)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	sessionCfg := config.SessionConfig{
		MaxSessionsPerProject:   10,
		MaxMessagesPerSession:   100,
		SummarySyncDebounceMs:   10,
		IdleTimeoutMinutes:      1,
		IdleCleanupRetryDelayMs: 50,
		IdleCleanupMaxRetries:   1,
	}
	sessions, err := session.NewManager(t.TempDir(), store, nil, sessionCfg, log)
	require.NoError(t, err)
	t.Cleanup(sessions.Stop)

	orch := &fakeOrchestrator{}
	agentCfg := config.AgentConfig{CallbackSecret: "test-secret", MaxErrorBodyBytes: 4096}

	router := gin.New()
	RegisterRoutes(router, NewHandlers(store, obs, orch, sessions, agentCfg, log))
	return &gatewayEnv{router: router, store: store, obs: obs, orch: orch, secret: agentCfg.CallbackSecret}
}

func (e *gatewayEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateTaskStartsRunner(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"projectId": "p1",
		"userId":    "u1",
		"title":     "add dark mode",
		"config": map[string]interface{}{
			"vmSize":     "medium",
			"vmLocation": "nbg1",
			"branch":     "main",
			"repository": "acme/app",
		},
	}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	body := decodeBody(t, w)
	taskID, _ := body["taskId"].(string)
	require.NotEmpty(t, taskID)
	assert.Equal(t, metastore.TaskStatusQueued, body["status"])

	task, err := env.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, metastore.TaskStatusQueued, task.Status)

	require.Len(t, env.orch.started, 1)
	call := env.orch.started[0]
	assert.Equal(t, taskID, call.taskID)
	assert.Equal(t, "p1", call.projectID)
	assert.Equal(t, "acme/app", call.cfg.Repository)
	assert.Equal(t, "add dark mode", call.cfg.TaskTitle)
}

func TestCreateTaskValidatesBody(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"projectId": "p1",
		"userId":    "u1",
		// missing title and config
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.orch.started)
}

func TestWorkspaceReadyCallbackAuth(t *testing.T) {
	env := newTestGateway(t)
	body := map[string]interface{}{"status": "ready"}

	w := env.do(t, http.MethodPost, "/workspaces/ws1/ready", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A token minted for another workspace must not pass.
	foreign, err := agentclient.IssueCallbackToken(env.secret, "ws-other", "t1")
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/workspaces/ws1/ready", body, map[string]string{
		"Authorization": "Bearer " + foreign,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, env.orch.advanced)

	token, err := agentclient.IssueCallbackToken(env.secret, "ws1", "t1")
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/workspaces/ws1/ready", map[string]interface{}{
		"status": "error", "errorMessage": "clone failed",
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, env.orch.advanced, 1)
	assert.Equal(t, "ws1", env.orch.advanced[0].workspaceID)
	assert.Equal(t, "error", env.orch.advanced[0].status)
	assert.Equal(t, "clone failed", env.orch.advanced[0].errorMessage)
}

func TestNodeHeartbeatRecordsMetrics(t *testing.T) {
	env := newTestGateway(t)
	ctx := context.Background()

	node := &metastore.Node{UserID: "u1", Status: metastore.NodeStatusRunning}
	require.NoError(t, env.store.CreateNode(ctx, node))

	w := env.do(t, http.MethodPost, "/nodes/"+node.ID+"/heartbeat", map[string]interface{}{
		"cpuLoadAvg1": 1.5, "memoryPercent": 40.0, "diskPercent": 20.0,
	}, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	got, err := env.store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastHeartbeatAt)
}

func TestNodeErrorsIngestAndBodyCap(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodPost, "/nodes/n1/errors", map[string]interface{}{
		"entries": []map[string]interface{}{
			{"level": "error", "message": "agent crashed"},
			{"level": "warn", "message": "slow disk"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["stored"])

	records, err := env.obs.ListNodeErrors(context.Background(), "n1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// A body past the configured cap is rejected before parsing completes.
	w = env.do(t, http.MethodPost, "/nodes/n1/errors", map[string]interface{}{
		"entries": []map[string]interface{}{
			{"level": "error", "message": strings.Repeat("x", 8192)},
		},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionRoutes(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions", map[string]interface{}{
		"topic": "",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	sessionID, _ := decodeBody(t, w)["id"].(string)
	require.NotEmpty(t, sessionID)

	w = env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions/"+sessionID+"/messages", map[string]interface{}{
		"role": "user", "content": "please add dark mode",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Topic is captured from the first user message.
	w = env.do(t, http.MethodGet, "/api/v1/projects/p1/sessions/"+sessionID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "please add dark mode", decodeBody(t, w)["topic"])

	batch := map[string]interface{}{
		"messages": []map[string]interface{}{
			{"messageId": "m1", "role": "assistant", "content": "working on it", "timestamp": time.Now().UTC().Format(time.RFC3339)},
			{"messageId": "m2", "role": "assistant", "content": "done", "timestamp": time.Now().UTC().Format(time.RFC3339)},
		},
	}
	w = env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions/"+sessionID+"/messages/batch", batch, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["persisted"])
	assert.Equal(t, float64(0), body["duplicates"])

	// Replaying the same chunk only reports duplicates.
	w = env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions/"+sessionID+"/messages/batch", batch, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, float64(0), body["persisted"])
	assert.Equal(t, float64(2), body["duplicates"])

	w = env.do(t, http.MethodGet, "/api/v1/projects/p1/sessions/"+sessionID+"/messages?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Len(t, body["messages"], 3)
	assert.Equal(t, false, body["hasMore"])

	w = env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions/"+sessionID+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/projects/p1/sessions/"+sessionID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decodeBody(t, w)["status"])
}

func TestSessionRoutesUnknownSession(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions/missing/messages/batch", map[string]interface{}{
		"messages": []map[string]interface{}{
			{"messageId": "m1", "role": "user", "content": "hi"},
		},
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentCompletedArmsIdleCleanup(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions", map[string]interface{}{
		"workspaceId": "ws1", "taskId": "t1",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	sessionID, _ := decodeBody(t, w)["id"].(string)

	w = env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions/"+sessionID+"/agent-completed", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/projects/p1/sessions/"+sessionID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decodeBody(t, w)["agentCompletedAt"])
}

func TestActivityFeedOverHTTP(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodPost, "/api/v1/projects/p1/sessions", map[string]interface{}{}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/projects/p1/activity?eventType=session.started", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Len(t, body["events"], 1)
}

func TestProjectSocket(t *testing.T) {
	env := newTestGateway(t)

	w := env.do(t, http.MethodGet, "/ws", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	server := httptest.NewServer(env.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?project=p1"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, "pong", envelope.Type)
}
