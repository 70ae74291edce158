// Package store is the per-project session storage layer: an embedded
// sqlite database per project holding chat sessions, messages, activity
// events, and idle-cleanup schedules, with an ordered migration ledger.
package store

import "time"

// Chat session statuses.
const (
	SessionStatusActive  = "active"
	SessionStatusStopped = "stopped"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ChatSession is a browser-facing conversation record.
type ChatSession struct {
	ID               string     `db:"id"`
	WorkspaceID      *string    `db:"workspace_id"`
	TaskID           *string    `db:"task_id"`
	Topic            string     `db:"topic"`
	Status           string     `db:"status"`
	MessageCount     int        `db:"message_count"`
	AgentCompletedAt *time.Time `db:"agent_completed_at"`
	SuspendedAt      *time.Time `db:"suspended_at"`
	StartedAt        time.Time  `db:"started_at"`
	EndedAt          *time.Time `db:"ended_at"`
}

// ChatMessage is an append-only chat record. The id is client-supplied and
// acts as the idempotency key within a session; seq is assigned by the
// instance executor and makes the persistence order durable.
type ChatMessage struct {
	ID           string    `db:"id"`
	SessionID    string    `db:"session_id"`
	Role         string    `db:"role"`
	Content      string    `db:"content"`
	ToolMetadata *string   `db:"tool_metadata"`
	Seq          int64     `db:"seq"`
	CreatedAt    time.Time `db:"created_at"`
}

// ActivityEvent is an append-only project activity record.
type ActivityEvent struct {
	ID          string    `db:"id"`
	EventType   string    `db:"event_type"`
	ActorType   string    `db:"actor_type"`
	ActorID     *string   `db:"actor_id"`
	WorkspaceID *string   `db:"workspace_id"`
	SessionID   *string   `db:"session_id"`
	TaskID      *string   `db:"task_id"`
	Payload     *string   `db:"payload"` // pre-serialised JSON
	CreatedAt   time.Time `db:"created_at"`
}

// IdleCleanupSchedule drives the per-project idle-cleanup alarm. At most one
// row per session; cleanup_at is epoch milliseconds.
type IdleCleanupSchedule struct {
	SessionID   string    `db:"session_id"`
	WorkspaceID string    `db:"workspace_id"`
	TaskID      *string   `db:"task_id"`
	CleanupAt   int64     `db:"cleanup_at"`
	RetryCount  int       `db:"retry_count"`
	CreatedAt   time.Time `db:"created_at"`
}
