// Package nodes implements the node lifecycle manager. It serializes the
// racy warm/claim/idle transitions for each node so that concurrent
// orchestrators cannot double-claim a warm node or mark a busy node idle.
package nodes

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/events/bus"
	"github.com/devharbor/devharbor/internal/metastore"
)

// Manager serializes node lifecycle transitions. All transitions for a given
// node run under that node's lock; transitions on distinct nodes proceed in
// parallel.
type Manager struct {
	store  *metastore.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a node lifecycle manager.
func NewManager(store *metastore.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		bus:    eventBus,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) nodeLock(nodeID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[nodeID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[nodeID] = lock
	}
	return lock
}

// TryClaim attempts to claim a warm node for a task. It returns false when
// the node is not claimable: not running, not warm, or still holding live
// workspaces.
func (m *Manager) TryClaim(ctx context.Context, nodeID, taskID string) (bool, error) {
	lock := m.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	liveCount, err := m.store.CountLiveWorkspacesOnNode(ctx, nodeID, "")
	if err != nil {
		return false, fmt.Errorf("failed to count workspaces on node %s: %w", nodeID, err)
	}
	if liveCount > 0 {
		m.logger.Debug("Node claim rejected, live workspaces present",
			zap.String("node_id", nodeID),
			zap.String("task_id", taskID),
			zap.Int("live_workspaces", liveCount))
		return false, nil
	}

	claimed, err := m.store.ClaimWarmNode(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	m.logger.Info("Claimed warm node",
		zap.String("node_id", nodeID),
		zap.String("task_id", taskID))
	m.publish(ctx, events.NodeClaimed, map[string]interface{}{
		"node_id": nodeID,
		"task_id": taskID,
	})
	return true, nil
}

// MarkIdle marks a node warm once its last live workspace is gone. It is a
// no-op error when live workspaces still exist.
func (m *Manager) MarkIdle(ctx context.Context, nodeID, userID string) error {
	lock := m.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	liveCount, err := m.store.CountLiveWorkspacesOnNode(ctx, nodeID, "")
	if err != nil {
		return fmt.Errorf("failed to count workspaces on node %s: %w", nodeID, err)
	}
	if liveCount > 0 {
		return fmt.Errorf("node %s still has %d live workspaces", nodeID, liveCount)
	}

	if err := m.store.MarkNodeWarm(ctx, nodeID); err != nil {
		return err
	}

	m.logger.Info("Marked node warm",
		zap.String("node_id", nodeID),
		zap.String("user_id", userID))
	m.publish(ctx, events.NodeMarkedWarm, map[string]interface{}{
		"node_id": nodeID,
		"user_id": userID,
	})
	return nil
}

// Release is the inverse of TryClaim, restoring the warm marker after a
// claim whose task never placed a workspace. Unused on the happy path.
func (m *Manager) Release(ctx context.Context, nodeID string) error {
	lock := m.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	liveCount, err := m.store.CountLiveWorkspacesOnNode(ctx, nodeID, "")
	if err != nil {
		return fmt.Errorf("failed to count workspaces on node %s: %w", nodeID, err)
	}
	if liveCount > 0 {
		return fmt.Errorf("node %s still has %d live workspaces", nodeID, liveCount)
	}
	return m.store.MarkNodeWarm(ctx, nodeID)
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	subject := events.SubjectNodes + "." + eventType
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "nodes", data)); err != nil {
		m.logger.Warn("Failed to publish node event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
