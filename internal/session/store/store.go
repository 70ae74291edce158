package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devharbor/devharbor/internal/db"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("session store: not found")

// Store is the storage for one project's sessions. The owning instance is
// the only writer; the migration ledger is applied once at open.
type Store struct {
	pool *db.Pool
}

// Open opens (creating if needed) the project database at the given path
// and applies pending migrations inside a single transaction.
func Open(path string) (*Store, error) {
	pool, err := db.NewSQLitePool(path)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool}
	if err := s.migrate(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// migrate creates the ledger if absent and applies every migration not yet
// recorded, in list order, within one transaction.
func (s *Store) migrate() error {
	w := s.pool.Writer()
	if _, err := w.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	tx, err := w.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied := make(map[string]bool)
	var names []string
	if err := tx.Select(&names, `SELECT name FROM schema_migrations`); err != nil {
		return err
	}
	for _, name := range names {
		applied[name] = true
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		if err := m.run(tx); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := tx.Exec(tx.Rebind(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`),
			m.name, time.Now().UTC()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AppliedMigrations returns the ledger contents in application order.
func (s *Store) AppliedMigrations() ([]string, error) {
	var names []string
	err := s.pool.Reader().Select(&names, `SELECT name FROM schema_migrations ORDER BY applied_at, name`)
	return names, err
}

// SetMeta writes a key into the instance metadata, overwriting any value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO do_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`), key, value)
	return err
}

// GetMeta reads an instance metadata key; empty string when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	ro := s.pool.Reader()
	err := ro.GetContext(ctx, &value, ro.Rebind(`SELECT value FROM do_meta WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// CountSessions returns the number of sessions in this project.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count, `SELECT COUNT(*) FROM chat_sessions`)
	return count, err
}

// CountActiveSessions returns the number of active sessions.
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count, `SELECT COUNT(*) FROM chat_sessions WHERE status = 'active'`)
	return count, err
}

// InsertSession creates a session row.
func (s *Store) InsertSession(ctx context.Context, sess *ChatSession) error {
	if sess.ID == "" {
		sess.ID = "sess-" + uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO chat_sessions (id, workspace_id, task_id, topic, status, message_count,
			agent_completed_at, suspended_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.WorkspaceID, sess.TaskID, sess.Topic, sess.Status, sess.MessageCount,
		sess.AgentCompletedAt, sess.SuspendedAt, sess.StartedAt, sess.EndedAt)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	sess := &ChatSession{}
	ro := s.pool.Reader()
	err := ro.GetContext(ctx, sess, ro.Rebind(`SELECT * FROM chat_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// StopSession marks a session stopped only if it is currently active.
func (s *Store) StopSession(ctx context.Context, id string) (bool, error) {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE chat_sessions SET status = 'stopped', ended_at = ?
		WHERE id = ? AND status = 'active'
	`), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListSessions lists sessions newest first, optionally filtered by status
// and/or task id.
func (s *Store) ListSessions(ctx context.Context, status, taskID string, limit, offset int) ([]*ChatSession, error) {
	query := `SELECT * FROM chat_sessions WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	sessions := []*ChatSession{}
	ro := s.pool.Reader()
	if err := ro.SelectContext(ctx, &sessions, ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SetSessionTopic sets the topic only if it is still empty.
func (s *Store) SetSessionTopic(ctx context.Context, id, topic string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE chat_sessions SET topic = ? WHERE id = ? AND topic = ''
	`), topic, id)
	return err
}

// SetSessionWorkspace records the workspace back-reference on a session.
func (s *Store) SetSessionWorkspace(ctx context.Context, id, workspaceID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE chat_sessions SET workspace_id = ? WHERE id = ?
	`), workspaceID, id)
	return err
}

// MarkAgentCompleted stamps agent_completed_at only if not already set.
func (s *Store) MarkAgentCompleted(ctx context.Context, id string) (bool, error) {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE chat_sessions SET agent_completed_at = ?
		WHERE id = ? AND agent_completed_at IS NULL
	`), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MessageExists reports whether a client message id was already persisted
// in the session.
func (s *Store) MessageExists(ctx context.Context, sessionID, messageID string) (bool, error) {
	var count int
	ro := s.pool.Reader()
	err := ro.GetContext(ctx, &count, ro.Rebind(`
		SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND id = ?
	`), sessionID, messageID)
	return count > 0, err
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	ro := s.pool.Reader()
	err := ro.GetContext(ctx, &count, ro.Rebind(`
		SELECT COUNT(*) FROM chat_messages WHERE session_id = ?
	`), sessionID)
	return count, err
}

// NextSeq returns the next sequence number for a session.
func (s *Store) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	var max sql.NullInt64
	ro := s.pool.Reader()
	err := ro.GetContext(ctx, &max, ro.Rebind(`
		SELECT MAX(seq) FROM chat_messages WHERE session_id = ?
	`), sessionID)
	if err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

// InsertMessage appends a message and bumps the session's message_count.
func (s *Store) InsertMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO chat_messages (id, session_id, role, content, tool_metadata, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Role, msg.Content, msg.ToolMetadata, msg.Seq, msg.CreatedAt)
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, w.Rebind(`
		UPDATE chat_sessions SET message_count = message_count + 1 WHERE id = ?
	`), msg.SessionID)
	return err
}

// ListMessages returns up to limit messages in seq order, ending strictly
// before the given timestamp when set. hasMore reports whether older
// messages remain beyond the page.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int, before *time.Time) ([]*ChatMessage, bool, error) {
	query := `SELECT * FROM chat_messages WHERE session_id = ?`
	args := []interface{}{sessionID}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit+1)

	page := []*ChatMessage{}
	ro := s.pool.Reader()
	if err := ro.SelectContext(ctx, &page, ro.Rebind(query), args...); err != nil {
		return nil, false, err
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}
	// Oldest first within the page.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, hasMore, nil
}

// PruneMessages deletes all but the newest keep messages of a session.
func (s *Store) PruneMessages(ctx context.Context, sessionID string, keep int) (int, error) {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM chat_messages WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)
	`), sessionID, sessionID, keep)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// InsertActivity appends an activity event.
func (s *Store) InsertActivity(ctx context.Context, ev *ActivityEvent) error {
	if ev.ID == "" {
		ev.ID = "act-" + uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO activity_events (id, event_type, actor_type, actor_id, workspace_id,
			session_id, task_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.EventType, ev.ActorType, ev.ActorID, ev.WorkspaceID,
		ev.SessionID, ev.TaskID, ev.Payload, ev.CreatedAt)
	return err
}

// ListActivity returns up to limit events newest first, optionally filtered
// by type and bounded by an exclusive before timestamp. hasMore reports
// whether older events remain.
func (s *Store) ListActivity(ctx context.Context, eventType string, limit int, before *time.Time) ([]*ActivityEvent, bool, error) {
	query := `SELECT * FROM activity_events WHERE 1=1`
	args := []interface{}{}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit+1)

	page := []*ActivityEvent{}
	ro := s.pool.Reader()
	if err := ro.SelectContext(ctx, &page, ro.Rebind(query), args...); err != nil {
		return nil, false, err
	}
	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}
	return page, hasMore, nil
}

// LastActivityAt returns the timestamp of the newest activity event, or nil.
func (s *Store) LastActivityAt(ctx context.Context) (*time.Time, error) {
	var last sql.NullTime
	err := s.pool.Reader().GetContext(ctx, &last, `SELECT MAX(created_at) FROM activity_events`)
	if err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time.UTC()
	return &t, nil
}

// UpsertSchedule creates or replaces the idle-cleanup schedule for a session.
func (s *Store) UpsertSchedule(ctx context.Context, sched *IdleCleanupSchedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO idle_cleanup_schedules (session_id, workspace_id, task_id, cleanup_at, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			task_id = excluded.task_id,
			cleanup_at = excluded.cleanup_at,
			retry_count = excluded.retry_count
	`), sched.SessionID, sched.WorkspaceID, sched.TaskID, sched.CleanupAt, sched.RetryCount, sched.CreatedAt)
	return err
}

// TouchSchedule resets an existing schedule's deadline and retry counter.
// Returns false when no schedule exists.
func (s *Store) TouchSchedule(ctx context.Context, sessionID string, cleanupAt int64) (bool, error) {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE idle_cleanup_schedules SET cleanup_at = ?, retry_count = 0 WHERE session_id = ?
	`), cleanupAt, sessionID)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// SetScheduleRetry records a failed cleanup attempt and its next deadline.
func (s *Store) SetScheduleRetry(ctx context.Context, sessionID string, retryCount int, cleanupAt int64) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE idle_cleanup_schedules SET retry_count = ?, cleanup_at = ? WHERE session_id = ?
	`), retryCount, cleanupAt, sessionID)
	return err
}

// DeleteSchedule removes the schedule for a session.
func (s *Store) DeleteSchedule(ctx context.Context, sessionID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM idle_cleanup_schedules WHERE session_id = ?
	`), sessionID)
	return err
}

// GetSchedule retrieves a session's schedule.
func (s *Store) GetSchedule(ctx context.Context, sessionID string) (*IdleCleanupSchedule, error) {
	sched := &IdleCleanupSchedule{}
	ro := s.pool.Reader()
	err := ro.GetContext(ctx, sched, ro.Rebind(`
		SELECT * FROM idle_cleanup_schedules WHERE session_id = ?
	`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// ListExpiredSchedules returns all schedules with cleanup_at at or before
// the given epoch-millisecond instant.
func (s *Store) ListExpiredSchedules(ctx context.Context, nowMs int64) ([]*IdleCleanupSchedule, error) {
	schedules := []*IdleCleanupSchedule{}
	ro := s.pool.Reader()
	err := ro.SelectContext(ctx, &schedules, ro.Rebind(`
		SELECT * FROM idle_cleanup_schedules WHERE cleanup_at <= ? ORDER BY cleanup_at
	`), nowMs)
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

// NextCleanupAt returns the earliest pending cleanup deadline, or nil when
// no schedules remain.
func (s *Store) NextCleanupAt(ctx context.Context) (*int64, error) {
	var next sql.NullInt64
	err := s.pool.Reader().GetContext(ctx, &next, `SELECT MIN(cleanup_at) FROM idle_cleanup_schedules`)
	if err != nil {
		return nil, err
	}
	if !next.Valid {
		return nil, nil
	}
	v := next.Int64
	return &v, nil
}
