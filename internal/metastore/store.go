package metastore

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/devharbor/devharbor/internal/db"
)

// Store provides metadata storage operations over a writer/reader pool.
// It works against both embedded SQLite and PostgreSQL.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates a Store and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize metastore schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'user',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			github_repo_id BIGINT,
			repository TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			last_activity_at TIMESTAMP,
			active_session_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_user_repo
			ON projects(user_id, github_repo_id) WHERE github_repo_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			vm_size TEXT NOT NULL DEFAULT '',
			vm_location TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			health_status TEXT NOT NULL DEFAULT 'healthy',
			last_heartbeat_at TIMESTAMP,
			warm_since TIMESTAMP,
			last_metrics TEXT,
			provider_instance_id TEXT,
			ip_address TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_user_status ON nodes(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			node_id TEXT,
			repository TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'creating',
			chat_session_id TEXT,
			display_name TEXT NOT NULL DEFAULT '',
			normalized_display_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_node ON workspaces(node_id, status)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			priority INTEGER NOT NULL DEFAULT 0,
			execution_step TEXT,
			workspace_id TEXT,
			auto_provisioned_node_id TEXT,
			output_branch TEXT,
			output_pr_url TEXT,
			title TEXT NOT NULL DEFAULT '',
			description TEXT,
			error_message TEXT,
			finalized_at TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
		`CREATE TABLE IF NOT EXISTS task_status_events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_status_events_task ON task_status_events(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
