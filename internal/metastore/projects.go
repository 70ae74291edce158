package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const projectColumns = `id, user_id, github_repo_id, repository, status,
	last_activity_at, active_session_count, created_at, updated_at`

// CreateProject creates a new project row. The unique index on
// (user_id, github_repo_id) rejects duplicates when github_repo_id is set.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.UserID, p.GithubRepoID, p.Repository, p.Status,
		p.LastActivityAt, p.ActiveSessionCount, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	err := s.ro.GetContext(ctx, p, s.ro.Rebind(`
		SELECT `+projectColumns+` FROM projects WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindProjectByRepo looks up a project by owner and GitHub repository ID.
func (s *Store) FindProjectByRepo(ctx context.Context, userID string, githubRepoID int64) (*Project, error) {
	p := &Project{}
	err := s.ro.GetContext(ctx, p, s.ro.Rebind(`
		SELECT `+projectColumns+` FROM projects WHERE user_id = ? AND github_repo_id = ?
	`), userID, githubRepoID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProjectSummary writes the activity summary synced back from the
// project's session store. Best-effort callers ignore the error.
func (s *Store) UpdateProjectSummary(ctx context.Context, projectID string, lastActivityAt *time.Time, activeSessionCount int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE projects SET last_activity_at = ?, active_session_count = ?, updated_at = ?
		WHERE id = ?
	`), lastActivityAt, activeSessionCount, time.Now().UTC(), projectID)
	return err
}
