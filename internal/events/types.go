// Package events provides event types and utilities for the Devharbor event system.
package events

// Event types for tasks
const (
	TaskStatusChanged = "task.status_changed"
	TaskFailed        = "task.failed"
)

// Event types for nodes
const (
	NodeProvisioned = "node.provisioned"
	NodeClaimed     = "node.claimed"
	NodeMarkedWarm  = "node.marked_warm"
)

// Event types for workspaces
const (
	WorkspaceCreated = "workspace.created"
	WorkspaceReady   = "workspace.ready"
	WorkspaceStopped = "workspace.stopped"
)

// Subjects the event types are published on.
const (
	SubjectTasks      = "devharbor.tasks"
	SubjectNodes      = "devharbor.nodes"
	SubjectWorkspaces = "devharbor.workspaces"
)
