package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAgentSession creates a new agent session row.
func (s *Store) CreateAgentSession(ctx context.Context, as *AgentSession) error {
	if as.ID == "" {
		as.ID = uuid.New().String()
	}
	if as.Status == "" {
		as.Status = AgentSessionStatusRunning
	}
	if as.StartedAt.IsZero() {
		as.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_sessions (id, task_id, workspace_id, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), as.ID, as.TaskID, as.WorkspaceID, as.Status, as.StartedAt, as.EndedAt)
	return err
}

// GetAgentSession retrieves an agent session by ID.
func (s *Store) GetAgentSession(ctx context.Context, id string) (*AgentSession, error) {
	as := &AgentSession{}
	err := s.ro.GetContext(ctx, as, s.ro.Rebind(`
		SELECT id, task_id, workspace_id, status, started_at, ended_at
		FROM agent_sessions WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return as, nil
}

// StopAgentSession marks an agent session stopped if it is still running.
func (s *Store) StopAgentSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?
	`), AgentSessionStatusStopped, time.Now().UTC(), id, AgentSessionStatusRunning)
	return err
}
