package nodes

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/db"
	"github.com/devharbor/devharbor/internal/metastore"
)

func newTestManager(t *testing.T) (*Manager, *metastore.Store) {
	t.Helper()
	pool, err := db.NewSQLitePool(filepath.Join(t.TempDir(), "metastore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := metastore.NewStore(pool)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	return NewManager(store, nil, log), store
}

func seedWarmNode(t *testing.T, store *metastore.Store) *metastore.Node {
	t.Helper()
	warm := time.Now().UTC().Add(-time.Hour)
	node := &metastore.Node{
		UserID: "u1", VMSize: "medium", VMLocation: "nbg1",
		Status: metastore.NodeStatusRunning, WarmSince: &warm,
	}
	require.NoError(t, store.CreateNode(context.Background(), node))
	return node
}

func TestTryClaim_OnlyOneWinner(t *testing.T) {
	m, store := newTestManager(t)
	node := seedWarmNode(t, store)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			claimed, err := m.TryClaim(context.Background(), node.ID, taskID)
			assert.NoError(t, err)
			if claimed {
				wins.Add(1)
			}
		}("task")
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent claimer may win")
}

func TestTryClaim_RejectsNodeWithLiveWorkspace(t *testing.T) {
	m, store := newTestManager(t)
	node := seedWarmNode(t, store)

	require.NoError(t, store.CreateWorkspace(context.Background(), &metastore.Workspace{
		UserID: "u1", ProjectID: "p1", NodeID: &node.ID, Status: metastore.WorkspaceStatusRunning,
	}))

	claimed, err := m.TryClaim(context.Background(), node.ID, "t1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMarkIdle(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	node := &metastore.Node{UserID: "u1", Status: metastore.NodeStatusRunning}
	require.NoError(t, store.CreateNode(ctx, node))

	require.NoError(t, m.MarkIdle(ctx, node.ID, "u1"))

	got, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.WarmSince)
}

func TestMarkIdle_RejectsBusyNode(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	node := &metastore.Node{UserID: "u1", Status: metastore.NodeStatusRunning}
	require.NoError(t, store.CreateNode(ctx, node))
	require.NoError(t, store.CreateWorkspace(ctx, &metastore.Workspace{
		UserID: "u1", ProjectID: "p1", NodeID: &node.ID, Status: metastore.WorkspaceStatusCreating,
	}))

	err := m.MarkIdle(ctx, node.ID, "u1")
	assert.Error(t, err)

	got, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WarmSince)
}
