// Package observability provides the best-effort error record store. Task
// failures and VM-agent error batches land here for later inspection;
// writes must never fail the primary action, so callers log and proceed on
// error.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/devharbor/devharbor/internal/db"
)

// Ingestion caps for VM-agent error batches.
const (
	MaxBatchEntries = 10
	MaxEntryBytes   = 32 * 1024
)

// ErrorRecord is a stored error report.
type ErrorRecord struct {
	ID        string    `db:"id"`
	Source    string    `db:"source"` // orchestrator, vm_agent, sweeper
	TaskID    *string   `db:"task_id"`
	NodeID    *string   `db:"node_id"`
	Level     string    `db:"level"`
	Message   string    `db:"message"`
	Context   *string   `db:"context"` // opaque JSON
	CreatedAt time.Time `db:"created_at"`
}

// AgentErrorEntry is one entry of a VM-agent error batch.
type AgentErrorEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Context   string `json:"context,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Store persists error records.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates a Store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize observability schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS error_records (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			task_id TEXT,
			node_id TEXT,
			level TEXT NOT NULL DEFAULT 'error',
			message TEXT NOT NULL,
			context TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_error_records_task ON error_records(task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_error_records_node ON error_records(node_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordTaskError stores an error report for a failed task.
func (s *Store) RecordTaskError(ctx context.Context, taskID, message string, contextJSON *string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO error_records (id, source, task_id, level, message, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), uuid.New().String(), "orchestrator", taskID, "error", message, contextJSON, time.Now().UTC())
	return err
}

// RecordAgentErrors stores a batch of VM-agent error entries, enforcing the
// per-batch and per-entry caps. Oversized entries are truncated, extra
// entries dropped. Returns the number of entries stored.
func (s *Store) RecordAgentErrors(ctx context.Context, nodeID string, entries []AgentErrorEntry) (int, error) {
	if len(entries) > MaxBatchEntries {
		entries = entries[:MaxBatchEntries]
	}

	stored := 0
	now := time.Now().UTC()
	for _, entry := range entries {
		message := entry.Message
		if len(message) > MaxEntryBytes {
			message = message[:MaxEntryBytes]
		}
		level := entry.Level
		if level == "" {
			level = "error"
		}
		var contextJSON *string
		if entry.Context != "" {
			c := entry.Context
			if len(c) > MaxEntryBytes {
				c = c[:MaxEntryBytes]
			}
			contextJSON = &c
		}

		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO error_records (id, source, node_id, level, message, context, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), uuid.New().String(), "vm_agent", nodeID, level, message, contextJSON, now)
		if err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// ListTaskErrors returns error records for a task, newest first.
func (s *Store) ListTaskErrors(ctx context.Context, taskID string, limit int) ([]*ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	records := []*ErrorRecord{}
	err := s.ro.SelectContext(ctx, &records, s.ro.Rebind(`
		SELECT id, source, task_id, node_id, level, message, context, created_at
		FROM error_records WHERE task_id = ? ORDER BY created_at DESC LIMIT ?
	`), taskID, limit)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListNodeErrors returns error records for a node, newest first.
func (s *Store) ListNodeErrors(ctx context.Context, nodeID string, limit int) ([]*ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	records := []*ErrorRecord{}
	err := s.ro.SelectContext(ctx, &records, s.ro.Rebind(`
		SELECT id, source, task_id, node_id, level, message, context, created_at
		FROM error_records WHERE node_id = ? ORDER BY created_at DESC LIMIT ?
	`), nodeID, limit)
	if err != nil {
		return nil, err
	}
	return records, nil
}
