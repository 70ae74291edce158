// Package sweeper fails tasks that stopped making progress and returns
// abandoned nodes to the warm pool. It is purely authoritative: it never
// contacts the orchestrator, whose optimistic-lock misses make it exit
// silently after a sweep claimed its task.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/events/bus"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/nodes"
)

// Sweeper periodically fails stuck tasks and reclaims orphaned nodes.
type Sweeper struct {
	store  *metastore.Store
	nodes  *nodes.Manager
	bus    bus.EventBus
	cfg    config.SweeperConfig
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a sweeper.
func New(store *metastore.Store, nodeManager *nodes.Manager, eventBus bus.EventBus, cfg config.SweeperConfig, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		nodes:  nodeManager,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "sweeper")),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Sweeper started", zap.Duration("interval", s.cfg.Interval()))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one pass: fail stale queued/delegated tasks, fail ancient
// in_progress tasks, and reclaim orphaned nodes. The three passes touch
// disjoint rows and run concurrently.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sweepStuck(ctx, []string{metastore.TaskStatusQueued, metastore.TaskStatusDelegated},
			now.Add(-s.cfg.StuckQueuedTimeout()), s.cfg.StuckQueuedTimeout())
	})
	g.Go(func() error {
		return s.sweepStuck(ctx, []string{metastore.TaskStatusInProgress},
			now.Add(-s.cfg.StuckInProgressTimeout()), s.cfg.StuckInProgressTimeout())
	})
	g.Go(func() error {
		return s.reapOrphanedNodes(ctx, now.Add(-s.cfg.StuckQueuedTimeout()))
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("Sweep pass failed", zap.Error(err))
	}
}

// sweepStuck fails every task in the given statuses that has not been
// touched since the cutoff. Transitions are conditional, so a task the
// orchestrator advanced in the meantime is skipped.
func (s *Sweeper) sweepStuck(ctx context.Context, statuses []string, cutoff time.Time, age time.Duration) error {
	stuck, err := s.store.ListStuckTasks(ctx, statuses, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stuck tasks: %w", err)
	}

	for _, task := range stuck {
		reason := fmt.Sprintf("task stuck in %s for more than %s", task.Status, age)
		moved, err := s.store.TransitionTaskStatus(ctx, task.ID, task.Status, metastore.TaskStatusFailed,
			func(u *metastore.TaskUpdate) {
				u.SetErrorMessage(reason)
				u.StampCompletedAt()
				u.SetExecutionStep(nil)
			})
		if err != nil {
			s.logger.Error("Failed to sweep task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		if !moved {
			continue
		}

		s.logger.Warn("Swept stuck task",
			zap.String("task_id", task.ID),
			zap.String("status", task.Status),
			zap.Time("last_update", task.UpdatedAt))

		if err := s.store.AppendTaskStatusEvent(ctx, &metastore.TaskStatusEvent{
			TaskID:     task.ID,
			FromStatus: task.Status,
			ToStatus:   metastore.TaskStatusFailed,
			ActorType:  metastore.ActorTypeSystem,
			Reason:     reason,
		}); err != nil {
			s.logger.Warn("Failed to append status event", zap.Error(err))
		}

		s.publishTaskFailed(ctx, task, reason)
	}
	return nil
}

// reapOrphanedNodes finds running nodes that are neither warm nor hosting
// live workspaces and returns them to the warm pool. The node lifecycle
// manager re-checks the workspace invariant under the node's lock.
func (s *Sweeper) reapOrphanedNodes(ctx context.Context, staleBefore time.Time) error {
	orphaned, err := s.store.ListOrphanedNodes(ctx, staleBefore)
	if err != nil {
		return fmt.Errorf("failed to list orphaned nodes: %w", err)
	}

	for _, node := range orphaned {
		if err := s.nodes.MarkIdle(ctx, node.ID, node.UserID); err != nil {
			s.logger.Warn("Failed to reclaim orphaned node",
				zap.String("node_id", node.ID),
				zap.Error(err))
			continue
		}
		s.logger.Info("Reclaimed orphaned node", zap.String("node_id", node.ID))
	}
	return nil
}

func (s *Sweeper) publishTaskFailed(ctx context.Context, task *metastore.Task, reason string) {
	if s.bus == nil {
		return
	}
	subject := events.SubjectTasks + "." + events.TaskFailed
	event := bus.NewEvent(events.TaskFailed, "sweeper", map[string]interface{}{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"error":      reason,
	})
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("Failed to publish task event", zap.Error(err))
	}
}
