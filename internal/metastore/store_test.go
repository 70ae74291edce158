package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.NewSQLitePool(filepath.Join(t.TempDir(), "metastore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func seedTask(t *testing.T, s *Store, status string) *Task {
	t.Helper()
	task := &Task{
		ProjectID: "p1",
		UserID:    "u1",
		Status:    status,
		Title:     "add dark mode",
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func TestTransitionTaskStatus_OptimisticLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, TaskStatusQueued)

	ok, err := s.TransitionTaskStatus(ctx, task.ID, TaskStatusQueued, TaskStatusDelegated, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second transition from queued must miss: the row is now delegated.
	ok, err = s.TransitionTaskStatus(ctx, task.ID, TaskStatusQueued, TaskStatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusDelegated, got.Status)
}

func TestTransitionTaskStatus_MutatorsApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, TaskStatusDelegated)

	step := "running"
	ok, err := s.TransitionTaskStatus(ctx, task.ID, TaskStatusDelegated, TaskStatusInProgress, func(u *TaskUpdate) {
		u.StampStartedAt()
		u.SetExecutionStep(&step)
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.ExecutionStep)
	assert.Equal(t, "running", *got.ExecutionStep)
}

func TestClaimWarmNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	warm := time.Now().UTC().Add(-time.Hour)
	node := &Node{UserID: "u1", VMSize: "medium", VMLocation: "nbg1", Status: NodeStatusRunning, WarmSince: &warm}
	require.NoError(t, s.CreateNode(ctx, node))

	claimed, err := s.ClaimWarmNode(ctx, node.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim races against the first and must lose.
	claimed, err = s.ClaimWarmNode(ctx, node.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WarmSince)
}

func TestListWarmNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	warm := time.Now().UTC()
	require.NoError(t, s.CreateNode(ctx, &Node{UserID: "u1", Status: NodeStatusRunning, WarmSince: &warm}))
	require.NoError(t, s.CreateNode(ctx, &Node{UserID: "u1", Status: NodeStatusRunning}))
	require.NoError(t, s.CreateNode(ctx, &Node{UserID: "u2", Status: NodeStatusRunning, WarmSince: &warm}))
	require.NoError(t, s.CreateNode(ctx, &Node{UserID: "u1", Status: NodeStatusStopped, WarmSince: &warm}))

	nodes, err := s.ListWarmNodes(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestCountLiveWorkspacesOnNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := &Node{UserID: "u1", Status: NodeStatusRunning}
	require.NoError(t, s.CreateNode(ctx, node))

	for _, status := range []string{WorkspaceStatusRunning, WorkspaceStatusCreating, WorkspaceStatusStopped} {
		require.NoError(t, s.CreateWorkspace(ctx, &Workspace{
			UserID: "u1", ProjectID: "p1", NodeID: &node.ID, Status: status,
		}))
	}

	count, err := s.CountLiveWorkspacesOnNode(ctx, node.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "stopped workspaces do not count against capacity")
}

func TestTransitionWorkspaceStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ws := &Workspace{UserID: "u1", ProjectID: "p1", Status: WorkspaceStatusRunning}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	ok, err := s.TransitionWorkspaceStatus(ctx, ws.ID, []string{WorkspaceStatusRunning, WorkspaceStatusRecovery}, WorkspaceStatusStopped)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionWorkspaceStatus(ctx, ws.ID, []string{WorkspaceStatusRunning, WorkspaceStatusRecovery}, WorkspaceStatusStopped)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListStuckTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := seedTask(t, s, TaskStatusDelegated)
	fresh := seedTask(t, s, TaskStatusDelegated)
	seedTask(t, s, TaskStatusCompleted)

	// Age the stale task directly.
	old := time.Now().UTC().Add(-time.Hour)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET updated_at = ? WHERE id = ?`), old, stale.ID)
	require.NoError(t, err)

	tasks, err := s.ListStuckTasks(ctx, []string{TaskStatusQueued, TaskStatusDelegated}, time.Now().UTC().Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, stale.ID, tasks[0].ID)
	assert.NotEqual(t, fresh.ID, tasks[0].ID)
}

func TestProjectRepoUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repoID := int64(42)
	require.NoError(t, s.CreateProject(ctx, &Project{UserID: "u1", GithubRepoID: &repoID, Repository: "acme/app"}))
	err := s.CreateProject(ctx, &Project{UserID: "u1", GithubRepoID: &repoID, Repository: "acme/app"})
	assert.Error(t, err, "duplicate (user_id, github_repo_id) must be rejected")

	// A different user may bind the same repository.
	require.NoError(t, s.CreateProject(ctx, &Project{UserID: "u2", GithubRepoID: &repoID, Repository: "acme/app"}))

	// Projects without a repo id are not constrained.
	require.NoError(t, s.CreateProject(ctx, &Project{UserID: "u1", Repository: "scratch"}))
	require.NoError(t, s.CreateProject(ctx, &Project{UserID: "u1", Repository: "scratch2"}))
}

func TestUpdateNodeHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := &Node{UserID: "u1", Status: NodeStatusRunning}
	require.NoError(t, s.CreateNode(ctx, node))

	require.NoError(t, s.UpdateNodeHeartbeat(ctx, node.ID, &NodeMetrics{
		CPULoadAvg1: 0.5, MemoryPercent: 42.0, DiskPercent: 10.0,
	}))

	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	metrics := got.Metrics()
	require.NotNil(t, metrics)
	assert.Equal(t, 42.0, metrics.MemoryPercent)
}

func TestAppendTaskStatusEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, TaskStatusQueued)

	require.NoError(t, s.AppendTaskStatusEvent(ctx, &TaskStatusEvent{
		TaskID: task.ID, FromStatus: TaskStatusQueued, ToStatus: TaskStatusDelegated, ActorType: ActorTypeSystem,
	}))
	require.NoError(t, s.AppendTaskStatusEvent(ctx, &TaskStatusEvent{
		TaskID: task.ID, FromStatus: TaskStatusDelegated, ToStatus: TaskStatusInProgress, ActorType: ActorTypeSystem,
	}))

	events, err := s.ListTaskStatusEvents(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TaskStatusDelegated, events[0].ToStatus)
	assert.Equal(t, TaskStatusInProgress, events[1].ToStatus)
}

func TestIsLegalTransition(t *testing.T) {
	assert.True(t, IsLegalTransition(TaskStatusQueued, TaskStatusDelegated))
	assert.True(t, IsLegalTransition(TaskStatusInProgress, TaskStatusAwaitingFollowup))
	assert.False(t, IsLegalTransition(TaskStatusQueued, TaskStatusInProgress))
	assert.False(t, IsLegalTransition(TaskStatusCompleted, TaskStatusQueued))
}
