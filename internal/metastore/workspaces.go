package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const workspaceColumns = `id, user_id, project_id, node_id, repository, branch, status,
	chat_session_id, display_name, normalized_display_name, created_at, updated_at`

// CreateWorkspace creates a new workspace row.
func (s *Store) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.Status == "" {
		ws.Status = WorkspaceStatusCreating
	}
	if ws.NormalizedDisplayName == "" {
		ws.NormalizedDisplayName = strings.ToLower(strings.TrimSpace(ws.DisplayName))
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspaces (`+workspaceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ws.ID, ws.UserID, ws.ProjectID, ws.NodeID, ws.Repository, ws.Branch, ws.Status,
		ws.ChatSessionID, ws.DisplayName, ws.NormalizedDisplayName, ws.CreatedAt, ws.UpdatedAt)
	return err
}

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.ro.GetContext(ctx, ws, s.ro.Rebind(`
		SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// UpdateWorkspaceStatus unconditionally sets the workspace status.
func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	return err
}

// TransitionWorkspaceStatus sets the status only if the workspace is currently
// in one of the expected states. Returns false on an optimistic-lock miss.
func (s *Store) TransitionWorkspaceStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	query, args, err := buildInQuery(`
		UPDATE workspaces SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (%s)
	`, from)
	if err != nil {
		return false, err
	}
	args = append([]interface{}{to, time.Now().UTC(), id}, args...)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// SetWorkspaceChatSession records the chat session back-reference. Best-effort
// callers ignore the error.
func (s *Store) SetWorkspaceChatSession(ctx context.Context, workspaceID, chatSessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET chat_session_id = ?, updated_at = ? WHERE id = ?
	`), chatSessionID, time.Now().UTC(), workspaceID)
	return err
}

// DetachWorkspaceNode nulls the node back-reference when a workspace is stopped.
func (s *Store) DetachWorkspaceNode(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET node_id = NULL, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), workspaceID)
	return err
}
