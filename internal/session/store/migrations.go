package store

import "github.com/jmoiron/sqlx"

// migration is one schema step. Migrations run in list order, each exactly
// once; the ledger records applied names. Never reorder or edit an entry
// that has shipped; append a new one instead.
type migration struct {
	name string
	run  func(tx *sqlx.Tx) error
}

func execAll(tx *sqlx.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []migration{
	{
		name: "001_initial",
		run: func(tx *sqlx.Tx) error {
			return execAll(tx,
				`CREATE TABLE do_meta (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				)`,
				`CREATE TABLE chat_sessions (
					id TEXT PRIMARY KEY,
					workspace_id TEXT,
					task_id TEXT,
					topic TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'active',
					message_count INTEGER NOT NULL DEFAULT 0,
					agent_completed_at TIMESTAMP,
					suspended_at TIMESTAMP,
					started_at TIMESTAMP NOT NULL,
					ended_at TIMESTAMP
				)`,
				`CREATE INDEX idx_chat_sessions_status ON chat_sessions(status, started_at)`,
				`CREATE INDEX idx_chat_sessions_task ON chat_sessions(task_id)`,
				`CREATE TABLE chat_messages (
					id TEXT NOT NULL,
					session_id TEXT NOT NULL,
					role TEXT NOT NULL,
					content TEXT NOT NULL,
					tool_metadata TEXT,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (session_id, id)
				)`,
				`CREATE INDEX idx_chat_messages_session_time ON chat_messages(session_id, created_at)`,
				`CREATE TABLE activity_events (
					id TEXT PRIMARY KEY,
					event_type TEXT NOT NULL,
					actor_type TEXT NOT NULL,
					actor_id TEXT,
					workspace_id TEXT,
					session_id TEXT,
					task_id TEXT,
					payload TEXT,
					created_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX idx_activity_events_time ON activity_events(created_at)`,
				`CREATE TABLE idle_cleanup_schedules (
					session_id TEXT PRIMARY KEY,
					workspace_id TEXT NOT NULL,
					task_id TEXT,
					cleanup_at BIGINT NOT NULL,
					retry_count INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL
				)`,
			)
		},
	},
	{
		// Durable per-session ordering: seq is assigned by the instance
		// executor and backfilled here from insertion order.
		name: "002_message_seq",
		run: func(tx *sqlx.Tx) error {
			return execAll(tx,
				`ALTER TABLE chat_messages ADD COLUMN seq INTEGER NOT NULL DEFAULT 0`,
				`UPDATE chat_messages SET seq = rowid`,
				`CREATE INDEX idx_chat_messages_session_seq ON chat_messages(session_id, seq)`,
			)
		},
	},
}
