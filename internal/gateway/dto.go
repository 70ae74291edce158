package gateway

import (
	"time"

	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/session/store"
)

// TaskDTO is the wire form of a task, combined with the live runner step
// when the orchestrator still holds one.
type TaskDTO struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	UserID        string     `json:"userId"`
	Status        string     `json:"status"`
	ExecutionStep *string    `json:"executionStep,omitempty"`
	WorkspaceID   *string    `json:"workspaceId,omitempty"`
	OutputBranch  *string    `json:"outputBranch,omitempty"`
	OutputPRURL   *string    `json:"outputPrUrl,omitempty"`
	Title         string     `json:"title"`
	Description   *string    `json:"description,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func fromTask(t *metastore.Task) TaskDTO {
	return TaskDTO{
		ID:            t.ID,
		ProjectID:     t.ProjectID,
		UserID:        t.UserID,
		Status:        t.Status,
		ExecutionStep: t.ExecutionStep,
		WorkspaceID:   t.WorkspaceID,
		OutputBranch:  t.OutputBranch,
		OutputPRURL:   t.OutputPRURL,
		Title:         t.Title,
		Description:   t.Description,
		ErrorMessage:  t.ErrorMessage,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// TaskStatusEventDTO is one audit entry of a task status transition.
type TaskStatusEventDTO struct {
	FromStatus string    `json:"fromStatus"`
	ToStatus   string    `json:"toStatus"`
	ActorType  string    `json:"actorType"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func fromTaskStatusEvent(e *metastore.TaskStatusEvent) TaskStatusEventDTO {
	return TaskStatusEventDTO{
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		ActorType:  e.ActorType,
		Reason:     e.Reason,
		CreatedAt:  e.CreatedAt,
	}
}

// SessionDTO is the wire form of a chat session.
type SessionDTO struct {
	ID               string     `json:"id"`
	WorkspaceID      *string    `json:"workspaceId,omitempty"`
	TaskID           *string    `json:"taskId,omitempty"`
	Topic            string     `json:"topic"`
	Status           string     `json:"status"`
	MessageCount     int        `json:"messageCount"`
	AgentCompletedAt *time.Time `json:"agentCompletedAt,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
}

func fromSession(s *store.ChatSession) SessionDTO {
	return SessionDTO{
		ID:               s.ID,
		WorkspaceID:      s.WorkspaceID,
		TaskID:           s.TaskID,
		Topic:            s.Topic,
		Status:           s.Status,
		MessageCount:     s.MessageCount,
		AgentCompletedAt: s.AgentCompletedAt,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
	}
}

// MessageDTO is the wire form of a chat message.
type MessageDTO struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	ToolMetadata *string   `json:"toolMetadata,omitempty"`
	Seq          int64     `json:"seq"`
	CreatedAt    time.Time `json:"createdAt"`
}

func fromMessage(m *store.ChatMessage) MessageDTO {
	return MessageDTO{
		ID:           m.ID,
		SessionID:    m.SessionID,
		Role:         m.Role,
		Content:      m.Content,
		ToolMetadata: m.ToolMetadata,
		Seq:          m.Seq,
		CreatedAt:    m.CreatedAt,
	}
}

// ActivityDTO is the wire form of an activity feed entry.
type ActivityDTO struct {
	ID          string    `json:"id"`
	EventType   string    `json:"eventType"`
	ActorType   string    `json:"actorType"`
	ActorID     *string   `json:"actorId,omitempty"`
	WorkspaceID *string   `json:"workspaceId,omitempty"`
	SessionID   *string   `json:"sessionId,omitempty"`
	TaskID      *string   `json:"taskId,omitempty"`
	Payload     *string   `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func fromActivity(e *store.ActivityEvent) ActivityDTO {
	return ActivityDTO{
		ID:          e.ID,
		EventType:   e.EventType,
		ActorType:   e.ActorType,
		ActorID:     e.ActorID,
		WorkspaceID: e.WorkspaceID,
		SessionID:   e.SessionID,
		TaskID:      e.TaskID,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}
}
