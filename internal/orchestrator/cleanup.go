package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/events/bus"
	"github.com/devharbor/devharbor/internal/metastore"
)

// failTask marks the task failed, records the error, and performs
// best-effort cleanup of the resources this runner created. Idempotent: an
// already-terminal task is left untouched.
func (r *Runner) failTask(ctx context.Context, errorMessage string) {
	task, err := r.deps.Store.GetTask(ctx, r.taskID)
	if err != nil {
		r.logger.Error("Failed to read task during failure handling", zap.Error(err))
		r.state.CurrentStep = StepFailed
		r.state.Completed = true
		r.saveState()
		return
	}

	if metastore.IsTerminalTaskStatus(task.Status) {
		r.logger.Info("Task already terminal, skipping failure handling",
			zap.String("status", task.Status))
		r.state.CurrentStep = StepFailed
		r.state.Completed = true
		r.saveState()
		return
	}

	moved, err := r.deps.Store.TransitionTaskStatus(ctx, r.taskID, task.Status, metastore.TaskStatusFailed,
		func(u *metastore.TaskUpdate) {
			u.SetErrorMessage(errorMessage)
			u.StampCompletedAt()
			u.SetExecutionStep(nil)
		})
	if err != nil {
		r.logger.Error("Failed to mark task failed", zap.Error(err))
	} else if moved {
		r.appendStatusEvent(ctx, task.Status, metastore.TaskStatusFailed, errorMessage)
	}

	if r.deps.Observability != nil {
		if err := r.deps.Observability.RecordTaskError(ctx, r.taskID, errorMessage, nil); err != nil {
			r.logger.Warn("Failed to record task error", zap.Error(err))
		}
	}

	r.cleanupOnFailure(ctx)

	r.state.CurrentStep = StepFailed
	r.state.Completed = true
	r.saveState()

	r.logger.Error("Task failed", zap.String("error", errorMessage))
	r.publishTaskEvent(ctx, events.TaskFailed, map[string]interface{}{
		"error": errorMessage,
	})
}

// cleanupOnFailure releases the resources the runner created: it stops the
// workspace and, for auto-provisioned nodes, returns the node to the warm
// pool. Every action is best-effort.
func (r *Runner) cleanupOnFailure(ctx context.Context) {
	results := r.state.StepResults

	if results.WorkspaceID != "" {
		if nodeIP, err := r.nodeIP(ctx); err == nil {
			if err := r.deps.Agent.StopWorkspace(ctx, nodeIP, results.WorkspaceID); err != nil {
				r.logger.Warn("Failed to stop workspace on node", zap.Error(err))
			}
		}
		stopped, err := r.deps.Store.TransitionWorkspaceStatus(ctx, results.WorkspaceID,
			metastore.LiveWorkspaceStatuses, metastore.WorkspaceStatusStopped)
		if err != nil {
			r.logger.Warn("Failed to mark workspace stopped", zap.Error(err))
		} else if stopped {
			r.publishEvent(ctx, events.SubjectWorkspaces, events.WorkspaceStopped, map[string]interface{}{
				"workspace_id": results.WorkspaceID,
			})
		}
	}

	if !results.AutoProvisioned || results.NodeID == "" {
		return
	}

	// With a workspace the shared cleanup applies: the node returns to the
	// warm pool only when no sibling workspaces remain. Without one, the
	// node never hosted anything and is marked warm directly. MarkIdle
	// enforces the live-workspace check in both cases.
	if err := r.deps.Nodes.MarkIdle(ctx, results.NodeID, r.state.UserID); err != nil {
		r.logger.Warn("Failed to mark auto-provisioned node idle", zap.Error(err))
	}
}

// publishTaskEvent publishes on the task subject; failures are logged only.
func (r *Runner) publishTaskEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	r.publishEvent(ctx, events.SubjectTasks, eventType, data)
}

func (r *Runner) publishEvent(ctx context.Context, subjectPrefix, eventType string, data map[string]interface{}) {
	if r.deps.Bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_id"] = r.taskID
	data["project_id"] = r.state.ProjectID
	subject := subjectPrefix + "." + eventType
	if err := r.deps.Bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		r.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
