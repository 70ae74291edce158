// Package metastore provides the central metadata store: durable relational
// storage of users, projects, nodes, workspaces, tasks, and their audit trail.
// It is the source of truth for cross-project queries and the substrate for
// the orchestrator's optimistic-lock transitions.
package metastore

import "time"

// Task statuses.
const (
	TaskStatusDraft             = "draft"
	TaskStatusQueued            = "queued"
	TaskStatusDelegated         = "delegated"
	TaskStatusInProgress        = "in_progress"
	TaskStatusCompleted         = "completed"
	TaskStatusFailed            = "failed"
	TaskStatusCancelled         = "cancelled"
	TaskStatusAwaitingFollowup  = "awaiting_followup"
)

// Node statuses.
const (
	NodeStatusPending = "pending"
	NodeStatusRunning = "running"
	NodeStatusError   = "error"
	NodeStatusStopped = "stopped"
)

// Node health statuses.
const (
	NodeHealthHealthy   = "healthy"
	NodeHealthDegraded  = "degraded"
	NodeHealthUnhealthy = "unhealthy"
)

// Workspace statuses.
const (
	WorkspaceStatusCreating = "creating"
	WorkspaceStatusRunning  = "running"
	WorkspaceStatusRecovery = "recovery"
	WorkspaceStatusError    = "error"
	WorkspaceStatusStopped  = "stopped"
)

// Status-event actor types.
const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
	ActorTypeAgent  = "agent"
)

// Agent session statuses.
const (
	AgentSessionStatusRunning = "running"
	AgentSessionStatusStopped = "stopped"
)

// LiveWorkspaceStatuses are the workspace states that count against node
// capacity and keep a node's warm_since cleared.
var LiveWorkspaceStatuses = []string{WorkspaceStatusRunning, WorkspaceStatusCreating, WorkspaceStatusRecovery}

// IsTerminalTaskStatus reports whether a task status admits no further transitions.
func IsTerminalTaskStatus(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed || status == TaskStatusCancelled
}

// User is a platform account.
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`   // user, admin
	Status    string    `db:"status"` // active, suspended
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Project groups tasks and sessions around a single repository.
type Project struct {
	ID                 string     `db:"id"`
	UserID             string     `db:"user_id"`
	GithubRepoID       *int64     `db:"github_repo_id"`
	Repository         string     `db:"repository"`
	Status             string     `db:"status"` // active, detached
	LastActivityAt     *time.Time `db:"last_activity_at"`
	ActiveSessionCount int        `db:"active_session_count"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// NodeMetrics is the most recent resource sample reported by a node agent.
type NodeMetrics struct {
	CPULoadAvg1   float64 `json:"cpuLoadAvg1"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
}

// Node is a VM on the external cloud provider.
type Node struct {
	ID                 string     `db:"id"`
	UserID             string     `db:"user_id"`
	VMSize             string     `db:"vm_size"`
	VMLocation         string     `db:"vm_location"`
	Status             string     `db:"status"`
	HealthStatus       string     `db:"health_status"`
	LastHeartbeatAt    *time.Time `db:"last_heartbeat_at"`
	WarmSince          *time.Time `db:"warm_since"`
	LastMetrics        *string    `db:"last_metrics"` // JSON NodeMetrics
	ProviderInstanceID *string    `db:"provider_instance_id"`
	IPAddress          *string    `db:"ip_address"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// Workspace is an ephemeral development environment on a node.
type Workspace struct {
	ID                    string     `db:"id"`
	UserID                string     `db:"user_id"`
	ProjectID             string     `db:"project_id"`
	NodeID                *string    `db:"node_id"`
	Repository            string     `db:"repository"`
	Branch                string     `db:"branch"`
	Status                string     `db:"status"`
	ChatSessionID         *string    `db:"chat_session_id"`
	DisplayName           string     `db:"display_name"`
	NormalizedDisplayName string     `db:"normalized_display_name"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// Task is a user-submitted unit of work on a project.
type Task struct {
	ID                    string     `db:"id"`
	ProjectID             string     `db:"project_id"`
	UserID                string     `db:"user_id"`
	Status                string     `db:"status"`
	Priority              int        `db:"priority"`
	ExecutionStep         *string    `db:"execution_step"`
	WorkspaceID           *string    `db:"workspace_id"`
	AutoProvisionedNodeID *string    `db:"auto_provisioned_node_id"`
	OutputBranch          *string    `db:"output_branch"`
	OutputPRURL           *string    `db:"output_pr_url"`
	Title                 string     `db:"title"`
	Description           *string    `db:"description"`
	ErrorMessage          *string    `db:"error_message"`
	FinalizedAt           *time.Time `db:"finalized_at"`
	StartedAt             *time.Time `db:"started_at"`
	CompletedAt           *time.Time `db:"completed_at"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// TaskStatusEvent is an append-only audit record of a task status transition.
type TaskStatusEvent struct {
	ID         string    `db:"id"`
	TaskID     string    `db:"task_id"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	ActorType  string    `db:"actor_type"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}

// AgentSession is a running AI coding-agent process inside a workspace.
type AgentSession struct {
	ID          string     `db:"id"`
	TaskID      string     `db:"task_id"`
	WorkspaceID string     `db:"workspace_id"`
	Status      string     `db:"status"`
	StartedAt   time.Time  `db:"started_at"`
	EndedAt     *time.Time `db:"ended_at"`
}

// legalTransitions is the set of allowed task status transitions.
var legalTransitions = map[string][]string{
	TaskStatusDraft:            {TaskStatusQueued},
	TaskStatusQueued:           {TaskStatusDelegated, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusDelegated:        {TaskStatusInProgress, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusInProgress:       {TaskStatusAwaitingFollowup, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusAwaitingFollowup: {TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// IsLegalTransition reports whether a task may move from one status to another.
func IsLegalTransition(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
