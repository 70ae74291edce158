package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/agentclient"
	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/db"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/nodes"
	"github.com/devharbor/devharbor/internal/orchestrator/statestore"
	"github.com/devharbor/devharbor/internal/provider"
)

// fakeProvider simulates the cloud provider: instances start provisioning
// and become running after pollsUntilRunning status checks.
type fakeProvider struct {
	mu                sync.Mutex
	pollsUntilRunning int
	created           []*provider.Instance
	polls             int
}

func (f *fakeProvider) CreateInstance(ctx context.Context, req *provider.CreateInstanceRequest) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instance := &provider.Instance{
		ID:        "inst-" + req.Name,
		Status:    provider.InstanceStatusProvisioning,
		IPAddress: "10.0.0.5",
		Size:      req.Size,
		Location:  req.Location,
	}
	if f.pollsUntilRunning == 0 {
		instance.Status = provider.InstanceStatusRunning
	}
	f.created = append(f.created, instance)
	return instance, nil
}

func (f *fakeProvider) GetInstance(ctx context.Context, id string) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	status := provider.InstanceStatusProvisioning
	if f.polls >= f.pollsUntilRunning {
		status = provider.InstanceStatusRunning
	}
	return &provider.Instance{ID: id, Status: status, IPAddress: "10.0.0.5"}, nil
}

func (f *fakeProvider) DeleteInstance(ctx context.Context, id string) error { return nil }

// fakeAgent simulates the in-VM agent. Health fails healthFailures times
// before succeeding; workspace and session creation are recorded.
type fakeAgent struct {
	mu              sync.Mutex
	healthFailures  int
	healthCalls     int
	workspacesMade  []string
	sessionsMade    []string
	onCreateWS      func(req *agentclient.CreateWorkspaceRequest)
}

func (f *fakeAgent) Health(ctx context.Context, nodeIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	if f.healthCalls <= f.healthFailures {
		return &agentclient.AgentError{StatusCode: 503, Body: "starting"}
	}
	return nil
}

func (f *fakeAgent) CreateWorkspace(ctx context.Context, nodeIP string, req *agentclient.CreateWorkspaceRequest) error {
	f.mu.Lock()
	f.workspacesMade = append(f.workspacesMade, req.WorkspaceID)
	hook := f.onCreateWS
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *fakeAgent) StopWorkspace(ctx context.Context, nodeIP, workspaceID string) error { return nil }

func (f *fakeAgent) CreateSession(ctx context.Context, nodeIP string, req *agentclient.CreateSessionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionsMade = append(f.sessionsMade, req.SessionID)
	return nil
}

func (f *fakeAgent) workspaceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workspacesMade)
}

type testEnv struct {
	store    *metastore.Store
	states   *statestore.Store
	provider *fakeProvider
	agent    *fakeAgent
	manager  *Manager
}

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{
		StepMaxRetries:          3,
		RetryBaseDelayMs:        10,
		RetryMaxDelayMs:         100,
		AgentPollIntervalMs:     10,
		AgentReadyTimeoutMs:     5000,
		WorkspaceReadyTimeoutMs: 5000,
		ProvisionPollIntervalMs: 10,
		MaxNodesPerUser:         10,
		MaxWorkspacesPerNode:    10,
		NodeCPUThresholdPercent: 80,
		NodeMemThresholdPercent: 85,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	pool, err := db.NewSQLitePool(filepath.Join(dir, "metastore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := metastore.NewStore(pool)
	require.NoError(t, err)

	states, err := statestore.Open(filepath.Join(dir, "runners.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	env := &testEnv{
		store:    store,
		states:   states,
		provider: &fakeProvider{},
		agent:    &fakeAgent{},
	}
	env.manager = NewManager(&Deps{
		Store:    store,
		States:   states,
		Provider: env.provider,
		Agent:    env.agent,
		Nodes:    nodes.NewManager(store, nil, log),
		Config:   testRunnerConfig(),
		Logger:   log,
	})
	t.Cleanup(env.manager.Stop)
	return env
}

func (e *testEnv) seedTask(t *testing.T, status string) *metastore.Task {
	t.Helper()
	task := &metastore.Task{
		ID: "t1", ProjectID: "p1", UserID: "u1", Status: status, Title: "add dark mode",
	}
	require.NoError(t, e.store.CreateTask(context.Background(), task))
	return task
}

func (e *testEnv) seedWarmNode(t *testing.T, size, location string) *metastore.Node {
	t.Helper()
	warm := time.Now().UTC().Add(-time.Hour)
	ip := "10.0.0.1"
	node := &metastore.Node{
		UserID: "u1", VMSize: size, VMLocation: location,
		Status: metastore.NodeStatusRunning, WarmSince: &warm, IPAddress: &ip,
	}
	require.NoError(t, e.store.CreateNode(context.Background(), node))
	return node
}

func waitForTaskStatus(t *testing.T, store *metastore.Store, taskID, want string) *metastore.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (now %s)", taskID, want, task.Status)
	return nil
}

func waitForRunnerDone(t *testing.T, m *Manager, taskID string) *RunnerState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := m.GetStatus(taskID)
		require.NoError(t, err)
		if state != nil && state.Terminal() {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("runner for task %s never finished", taskID)
	return nil
}

func basicConfig() TaskConfig {
	return TaskConfig{
		VMSize:     "medium",
		VMLocation: "nbg1",
		Branch:     "main",
		TaskTitle:  "add dark mode",
		Repository: "acme/app",
	}
}

func TestWarmNodeHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	node := env.seedWarmNode(t, "medium", "nbg1")
	env.seedTask(t, metastore.TaskStatusQueued)

	// The agent reports the workspace ready shortly after creation.
	env.agent.onCreateWS = func(req *agentclient.CreateWorkspaceRequest) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = env.store.UpdateWorkspaceStatus(ctx, req.WorkspaceID, metastore.WorkspaceStatusRunning)
			_ = env.manager.AdvanceWorkspaceReady(req.WorkspaceID, metastore.WorkspaceStatusRunning, "")
		}()
	}

	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", basicConfig()))

	task := waitForTaskStatus(t, env.store, "t1", metastore.TaskStatusInProgress)
	state := waitForRunnerDone(t, env.manager, "t1")

	assert.Equal(t, StepRunning, state.CurrentStep)
	assert.Equal(t, node.ID, state.StepResults.NodeID)
	assert.False(t, state.StepResults.AutoProvisioned)
	require.NotNil(t, task.WorkspaceID)
	require.NotNil(t, task.StartedAt)

	// The claimed node is no longer warm.
	claimed, err := env.store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Nil(t, claimed.WarmSince)

	// Exactly two transitions: queued->delegated, delegated->in_progress.
	events, err := env.store.ListTaskStatusEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, metastore.TaskStatusDelegated, events[0].ToStatus)
	assert.Equal(t, metastore.TaskStatusInProgress, events[1].ToStatus)

	assert.Equal(t, 1, env.agent.workspaceCount())
}

func TestColdProvisioningWithSlowAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No nodes exist; the instance comes up after one poll and the agent
	// fails four health checks before answering.
	env.provider.pollsUntilRunning = 1
	env.agent.healthFailures = 4

	env.seedTask(t, metastore.TaskStatusQueued)
	env.agent.onCreateWS = func(req *agentclient.CreateWorkspaceRequest) {
		go func() {
			_ = env.store.UpdateWorkspaceStatus(ctx, req.WorkspaceID, metastore.WorkspaceStatusRunning)
			_ = env.manager.AdvanceWorkspaceReady(req.WorkspaceID, metastore.WorkspaceStatusRunning, "")
		}()
	}

	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", basicConfig()))

	task := waitForTaskStatus(t, env.store, "t1", metastore.TaskStatusInProgress)
	state := waitForRunnerDone(t, env.manager, "t1")

	assert.True(t, state.StepResults.AutoProvisioned)
	require.NotNil(t, task.AutoProvisionedNodeID)
	assert.Equal(t, state.StepResults.NodeID, *task.AutoProvisionedNodeID)
	assert.Equal(t, 5, env.agent.healthCalls, "four failures then one success")

	node, err := env.store.GetNode(ctx, state.StepResults.NodeID)
	require.NoError(t, err)
	assert.Equal(t, metastore.NodeStatusRunning, node.Status)
}

func TestCallbackBeforeWorkspaceReadyStep(t *testing.T) {
	env := newTestEnv(t)

	node := env.seedWarmNode(t, "medium", "nbg1")
	task := env.seedTask(t, metastore.TaskStatusDelegated)
	wsID := "ws-early"
	require.NoError(t, env.store.CreateWorkspace(context.Background(), &metastore.Workspace{
		ID: wsID, UserID: "u1", ProjectID: "p1", NodeID: &node.ID,
		Status: metastore.WorkspaceStatusCreating,
	}))
	require.NoError(t, env.store.SetTaskWorkspace(context.Background(), task.ID, wsID, "task/t1"))

	// Runner paused in workspace_creation with the workspace already made.
	state := newRunnerState(task.ID, "p1", "u1", basicConfig())
	state.CurrentStep = StepWorkspaceCreation
	state.StepResults.NodeID = node.ID
	state.StepResults.WorkspaceID = wsID
	data, err := encodeState(state)
	require.NoError(t, err)
	require.NoError(t, env.states.Put(task.ID, data))
	require.NoError(t, env.states.IndexWorkspace(wsID, task.ID))

	// The callback arrives strictly before the runner resumes.
	require.NoError(t, env.manager.AdvanceWorkspaceReady(wsID, metastore.WorkspaceStatusRunning, ""))

	stored, err := env.manager.GetStatus(task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.WorkspaceReadyReceived, "signal persisted before the step is reached")
	assert.Equal(t, StepWorkspaceCreation, stored.CurrentStep)

	// On resume the stored signal advances workspace_ready without polling.
	require.NoError(t, env.manager.Restore())
	waitForTaskStatus(t, env.store, task.ID, metastore.TaskStatusInProgress)
	final := waitForRunnerDone(t, env.manager, task.ID)
	assert.Equal(t, StepRunning, final.CurrentStep)
}

func TestCrashRecoveryAdoptsWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	node := env.seedWarmNode(t, "medium", "nbg1")
	task := env.seedTask(t, metastore.TaskStatusDelegated)

	// The crash happened after the workspace insert but before the runner
	// persisted the workspace id.
	wsID := "ws-orphan"
	require.NoError(t, env.store.CreateWorkspace(ctx, &metastore.Workspace{
		ID: wsID, UserID: "u1", ProjectID: "p1", NodeID: &node.ID,
		Status: metastore.WorkspaceStatusRunning,
	}))
	require.NoError(t, env.store.SetTaskWorkspace(ctx, task.ID, wsID, "task/t1"))

	state := newRunnerState(task.ID, "p1", "u1", basicConfig())
	state.CurrentStep = StepWorkspaceCreation
	state.StepResults.NodeID = node.ID
	data, err := encodeState(state)
	require.NoError(t, err)
	require.NoError(t, env.states.Put(task.ID, data))

	require.NoError(t, env.manager.Restore())
	waitForTaskStatus(t, env.store, task.ID, metastore.TaskStatusInProgress)
	final := waitForRunnerDone(t, env.manager, task.ID)

	assert.Equal(t, wsID, final.StepResults.WorkspaceID, "existing workspace adopted from the task row")
	assert.Equal(t, 0, env.agent.workspaceCount(), "no duplicate workspace created")
}

func TestSweeperPreemptionAbortsSilently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	node := env.seedWarmNode(t, "medium", "nbg1")
	task := env.seedTask(t, metastore.TaskStatusFailed) // swept before the runner resumed

	wsID := "ws-swept"
	require.NoError(t, env.store.CreateWorkspace(ctx, &metastore.Workspace{
		ID: wsID, UserID: "u1", ProjectID: "p1", NodeID: &node.ID,
		Status: metastore.WorkspaceStatusRunning,
	}))

	state := newRunnerState(task.ID, "p1", "u1", basicConfig())
	state.CurrentStep = StepAgentSession
	state.StepResults.NodeID = node.ID
	state.StepResults.WorkspaceID = wsID
	data, err := encodeState(state)
	require.NoError(t, err)
	require.NoError(t, env.states.Put(task.ID, data))

	require.NoError(t, env.manager.Restore())
	final := waitForRunnerDone(t, env.manager, task.ID)

	assert.True(t, final.Completed)
	assert.NotEqual(t, StepRunning, final.CurrentStep, "runner must not claim success")

	// No cleanup ran: the sweeper owns the outcome.
	ws, err := env.store.GetWorkspace(ctx, wsID)
	require.NoError(t, err)
	assert.Equal(t, metastore.WorkspaceStatusRunning, ws.Status)
	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, metastore.TaskStatusFailed, got.Status)
}

func TestPermanentFailureCleansUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedTask(t, metastore.TaskStatusQueued)
	cfg := basicConfig()
	cfg.PreferredNodeID = "missing-node"

	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", cfg))
	final := waitForRunnerDone(t, env.manager, "t1")

	assert.Equal(t, StepFailed, final.CurrentStep)
	task, err := env.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, metastore.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	require.NotNil(t, task.CompletedAt)
	assert.Nil(t, task.ExecutionStep)
}

func TestStartIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedWarmNode(t, "medium", "nbg1")
	env.seedTask(t, metastore.TaskStatusQueued)
	env.agent.onCreateWS = func(req *agentclient.CreateWorkspaceRequest) {
		go func() {
			_ = env.store.UpdateWorkspaceStatus(ctx, req.WorkspaceID, metastore.WorkspaceStatusRunning)
			_ = env.manager.AdvanceWorkspaceReady(req.WorkspaceID, metastore.WorkspaceStatusRunning, "")
		}()
	}

	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", basicConfig()))
	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", basicConfig()))
	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", basicConfig()))

	waitForTaskStatus(t, env.store, "t1", metastore.TaskStatusInProgress)
	assert.Equal(t, 1, env.agent.workspaceCount())
}

func TestCapacitySearchSkipsFullAndHotNodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ip := "10.0.0.1"
	full := &metastore.Node{UserID: "u1", VMSize: "medium", VMLocation: "nbg1", Status: metastore.NodeStatusRunning, IPAddress: &ip}
	require.NoError(t, env.store.CreateNode(ctx, full))
	hotMetrics := `{"cpuLoadAvg1":95,"memoryPercent":50,"diskPercent":10}`
	hot := &metastore.Node{UserID: "u1", VMSize: "medium", VMLocation: "nbg1", Status: metastore.NodeStatusRunning, IPAddress: &ip, LastMetrics: &hotMetrics}
	require.NoError(t, env.store.CreateNode(ctx, hot))
	okMetrics := `{"cpuLoadAvg1":10,"memoryPercent":20,"diskPercent":10}`
	good := &metastore.Node{UserID: "u1", VMSize: "medium", VMLocation: "nbg1", Status: metastore.NodeStatusRunning, IPAddress: &ip, LastMetrics: &okMetrics}
	require.NoError(t, env.store.CreateNode(ctx, good))

	// Fill the first node to capacity.
	for i := 0; i < testRunnerConfig().MaxWorkspacesPerNode; i++ {
		require.NoError(t, env.store.CreateWorkspace(ctx, &metastore.Workspace{
			UserID: "u1", ProjectID: "p1", NodeID: &full.ID, Status: metastore.WorkspaceStatusRunning,
		}))
	}

	env.seedTask(t, metastore.TaskStatusQueued)
	env.agent.onCreateWS = func(req *agentclient.CreateWorkspaceRequest) {
		go func() {
			_ = env.store.UpdateWorkspaceStatus(ctx, req.WorkspaceID, metastore.WorkspaceStatusRunning)
			_ = env.manager.AdvanceWorkspaceReady(req.WorkspaceID, metastore.WorkspaceStatusRunning, "")
		}()
	}

	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", basicConfig()))
	final := waitForRunnerDone(t, env.manager, "t1")

	assert.Equal(t, good.ID, final.StepResults.NodeID, "full and overloaded nodes excluded")
}

func TestWorkspaceErrorCallbackFailsPermanently(t *testing.T) {
	env := newTestEnv(t)

	env.seedWarmNode(t, "medium", "nbg1")
	env.seedTask(t, metastore.TaskStatusQueued)
	env.agent.onCreateWS = func(req *agentclient.CreateWorkspaceRequest) {
		go func() {
			_ = env.manager.AdvanceWorkspaceReady(req.WorkspaceID, metastore.WorkspaceStatusError, "clone failed")
		}()
	}

	require.NoError(t, env.manager.StartTask("t1", "p1", "u1", basicConfig()))
	final := waitForRunnerDone(t, env.manager, "t1")

	assert.Equal(t, StepFailed, final.CurrentStep)
	task, err := env.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, metastore.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "clone failed")
}
