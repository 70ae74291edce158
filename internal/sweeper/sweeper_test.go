package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/db"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/nodes"
)

type sweeperEnv struct {
	sweeper *Sweeper
	store   *metastore.Store
	pool    *db.Pool
}

func newTestSweeper(t *testing.T) *sweeperEnv {
	t.Helper()
	pool, err := db.NewSQLitePool(filepath.Join(t.TempDir(), "cms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := metastore.NewStore(pool)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := config.SweeperConfig{
		IntervalMs:               60_000,
		StuckQueuedTimeoutMs:     900_000,
		StuckInProgressTimeoutMs: 86_400_000,
	}
	return &sweeperEnv{
		sweeper: New(store, nodes.NewManager(store, nil, log), nil, cfg, log),
		store:   store,
		pool:    pool,
	}
}

func (e *sweeperEnv) backdateTask(t *testing.T, taskID string, age time.Duration) {
	t.Helper()
	_, err := e.pool.Writer().Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-age), taskID)
	require.NoError(t, err)
}

func (e *sweeperEnv) backdateNode(t *testing.T, nodeID string, age time.Duration) {
	t.Helper()
	_, err := e.pool.Writer().Exec(`UPDATE nodes SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-age), nodeID)
	require.NoError(t, err)
}

func TestSweepFailsStuckQueuedAndDelegated(t *testing.T) {
	env := newTestSweeper(t)
	s, store := env.sweeper, env.store
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, &metastore.Task{
		ID: "stale-queued", ProjectID: "p1", UserID: "u1", Status: metastore.TaskStatusQueued, Title: "a",
	}))
	require.NoError(t, store.CreateTask(ctx, &metastore.Task{
		ID: "stale-delegated", ProjectID: "p1", UserID: "u1", Status: metastore.TaskStatusDelegated, Title: "b",
	}))
	require.NoError(t, store.CreateTask(ctx, &metastore.Task{
		ID: "fresh-queued", ProjectID: "p1", UserID: "u1", Status: metastore.TaskStatusQueued, Title: "c",
	}))
	env.backdateTask(t, "stale-queued", time.Hour)
	env.backdateTask(t, "stale-delegated", time.Hour)

	s.Sweep(ctx)

	for _, id := range []string{"stale-queued", "stale-delegated"} {
		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, metastore.TaskStatusFailed, task.Status)
		require.NotNil(t, task.ErrorMessage)
		assert.Contains(t, *task.ErrorMessage, "stuck")
		require.NotNil(t, task.CompletedAt)

		events, err := store.ListTaskStatusEvents(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, metastore.TaskStatusFailed, events[0].ToStatus)
		assert.Equal(t, metastore.ActorTypeSystem, events[0].ActorType)
	}

	fresh, err := store.GetTask(ctx, "fresh-queued")
	require.NoError(t, err)
	assert.Equal(t, metastore.TaskStatusQueued, fresh.Status)
}

func TestSweepInProgressUsesLongerTimeout(t *testing.T) {
	env := newTestSweeper(t)
	s, store := env.sweeper, env.store
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, &metastore.Task{
		ID: "old-run", ProjectID: "p1", UserID: "u1", Status: metastore.TaskStatusInProgress, Title: "a",
	}))
	require.NoError(t, store.CreateTask(ctx, &metastore.Task{
		ID: "recent-run", ProjectID: "p1", UserID: "u1", Status: metastore.TaskStatusInProgress, Title: "b",
	}))
	env.backdateTask(t, "old-run", 25*time.Hour)
	env.backdateTask(t, "recent-run", time.Hour) // past queued timeout, within in_progress

	s.Sweep(ctx)

	old, err := store.GetTask(ctx, "old-run")
	require.NoError(t, err)
	assert.Equal(t, metastore.TaskStatusFailed, old.Status)

	recent, err := store.GetTask(ctx, "recent-run")
	require.NoError(t, err)
	assert.Equal(t, metastore.TaskStatusInProgress, recent.Status)
}

func TestSweepReclaimsOrphanedNodes(t *testing.T) {
	env := newTestSweeper(t)
	s, store := env.sweeper, env.store
	ctx := context.Background()

	orphan := &metastore.Node{UserID: "u1", Status: metastore.NodeStatusRunning}
	require.NoError(t, store.CreateNode(ctx, orphan))
	busy := &metastore.Node{UserID: "u1", Status: metastore.NodeStatusRunning}
	require.NoError(t, store.CreateNode(ctx, busy))
	require.NoError(t, store.CreateWorkspace(ctx, &metastore.Workspace{
		UserID: "u1", ProjectID: "p1", NodeID: &busy.ID, Status: metastore.WorkspaceStatusRunning,
	}))
	env.backdateNode(t, orphan.ID, time.Hour)
	env.backdateNode(t, busy.ID, time.Hour)

	s.Sweep(ctx)

	reclaimed, err := store.GetNode(ctx, orphan.ID)
	require.NoError(t, err)
	assert.NotNil(t, reclaimed.WarmSince)

	stillBusy, err := store.GetNode(ctx, busy.ID)
	require.NoError(t, err)
	assert.Nil(t, stillBusy.WarmSince)
}

func TestStartStop(t *testing.T) {
	env := newTestSweeper(t)
	env.sweeper.Start()
	env.sweeper.Stop()
	// Stop is idempotent.
	env.sweeper.Stop()
}
