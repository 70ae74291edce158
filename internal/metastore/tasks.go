package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const taskColumns = `id, project_id, user_id, status, priority, execution_step, workspace_id,
	auto_provisioned_node_id, output_branch, output_pr_url, title, description, error_message,
	finalized_at, started_at, completed_at, created_at, updated_at`

// CreateTask creates a new task row.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskStatusDraft
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.ProjectID, task.UserID, task.Status, task.Priority, task.ExecutionStep,
		task.WorkspaceID, task.AutoProvisionedNodeID, task.OutputBranch, task.OutputPRURL,
		task.Title, task.Description, task.ErrorMessage, task.FinalizedAt, task.StartedAt,
		task.CompletedAt, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task := &Task{}
	err := s.ro.GetContext(ctx, task, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// TransitionTaskStatus performs an optimistic-locked status transition.
// It returns false when the conditional UPDATE changed no rows, meaning a
// concurrent actor already moved the task out of the expected status.
func (s *Store) TransitionTaskStatus(ctx context.Context, id, from, to string, mutate func(*TaskUpdate)) (bool, error) {
	upd := &TaskUpdate{now: time.Now().UTC()}
	if mutate != nil {
		mutate(upd)
	}

	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []interface{}{to, upd.now}
	if upd.setStartedAt {
		query += `, started_at = ?`
		args = append(args, upd.now)
	}
	if upd.setCompletedAt {
		query += `, completed_at = ?`
		args = append(args, upd.now)
	}
	if upd.setFinalizedAt {
		query += `, finalized_at = ?`
		args = append(args, upd.now)
	}
	if upd.setExecutionStep {
		query += `, execution_step = ?`
		args = append(args, upd.executionStep)
	}
	if upd.setErrorMessage {
		query += `, error_message = ?`
		args = append(args, upd.errorMessage)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// TaskUpdate accumulates optional column changes for TransitionTaskStatus.
type TaskUpdate struct {
	now              time.Time
	setStartedAt     bool
	setCompletedAt   bool
	setFinalizedAt   bool
	setExecutionStep bool
	executionStep    *string
	setErrorMessage  bool
	errorMessage     *string
}

// StampStartedAt sets started_at to the transition time.
func (u *TaskUpdate) StampStartedAt() { u.setStartedAt = true }

// StampCompletedAt sets completed_at to the transition time.
func (u *TaskUpdate) StampCompletedAt() { u.setCompletedAt = true }

// StampFinalizedAt sets finalized_at to the transition time.
func (u *TaskUpdate) StampFinalizedAt() { u.setFinalizedAt = true }

// SetExecutionStep sets execution_step; pass nil to clear it.
func (u *TaskUpdate) SetExecutionStep(step *string) {
	u.setExecutionStep = true
	u.executionStep = step
}

// SetErrorMessage sets error_message.
func (u *TaskUpdate) SetErrorMessage(msg string) {
	u.setErrorMessage = true
	u.errorMessage = &msg
}

// SetTaskWorkspace atomically records the workspace and output branch on a task.
func (s *Store) SetTaskWorkspace(ctx context.Context, taskID, workspaceID, outputBranch string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET workspace_id = ?, output_branch = ?, updated_at = ? WHERE id = ?
	`), workspaceID, outputBranch, time.Now().UTC(), taskID)
	return err
}

// SetTaskAutoProvisionedNode links a task to the node the orchestrator created for it.
func (s *Store) SetTaskAutoProvisionedNode(ctx context.Context, taskID, nodeID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET auto_provisioned_node_id = ?, updated_at = ? WHERE id = ?
	`), nodeID, time.Now().UTC(), taskID)
	return err
}

// SetTaskExecutionStep updates the advisory execution_step column; pass nil to clear.
func (s *Store) SetTaskExecutionStep(ctx context.Context, taskID string, step *string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET execution_step = ?, updated_at = ? WHERE id = ?
	`), step, time.Now().UTC(), taskID)
	return err
}

// AppendTaskStatusEvent appends an audit record of a status transition.
func (s *Store) AppendTaskStatusEvent(ctx context.Context, event *TaskStatusEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_status_events (id, task_id, from_status, to_status, actor_type, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), event.ID, event.TaskID, event.FromStatus, event.ToStatus, event.ActorType, event.Reason, event.CreatedAt)
	return err
}

// ListTaskStatusEvents returns the audit trail for a task, oldest first.
func (s *Store) ListTaskStatusEvents(ctx context.Context, taskID string) ([]*TaskStatusEvent, error) {
	events := []*TaskStatusEvent{}
	err := s.ro.SelectContext(ctx, &events, s.ro.Rebind(`
		SELECT id, task_id, from_status, to_status, actor_type, reason, created_at
		FROM task_status_events WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListStuckTasks finds tasks in the given statuses whose updated_at is older
// than the cutoff. Used by the sweeper.
func (s *Store) ListStuckTasks(ctx context.Context, statuses []string, cutoff time.Time) ([]*Task, error) {
	query, args, err := buildInQuery(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (%s) AND updated_at < ?
		ORDER BY updated_at ASC
	`, statuses, cutoff)
	if err != nil {
		return nil, err
	}
	tasks := []*Task{}
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// buildInQuery expands an IN clause placeholder list into the query template.
func buildInQuery(template string, values []string, trailing ...interface{}) (string, []interface{}, error) {
	if len(values) == 0 {
		return "", nil, errors.New("empty IN clause")
	}
	placeholders := ""
	args := make([]interface{}, 0, len(values)+len(trailing))
	for i, v := range values {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, v)
	}
	args = append(args, trailing...)
	return fmt.Sprintf(template, placeholders), args, nil
}
