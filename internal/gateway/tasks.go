package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/orchestrator"
)

type taskConfigBody struct {
	VMSize          string `json:"vmSize" binding:"required"`
	VMLocation      string `json:"vmLocation" binding:"required"`
	Branch          string `json:"branch" binding:"required"`
	Repository      string `json:"repository" binding:"required"`
	PreferredNodeID string `json:"preferredNodeId"`
	InstallationID  string `json:"installationId"`
	OutputBranch    string `json:"outputBranch"`
	ChatSessionID   string `json:"chatSessionId"`
}

type createTaskRequest struct {
	ProjectID   string         `json:"projectId" binding:"required"`
	UserID      string         `json:"userId" binding:"required"`
	Title       string         `json:"title" binding:"required"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	Config      taskConfigBody `json:"config" binding:"required"`
}

// httpCreateTask creates a queued task and hands it to the orchestrator.
func (h *Handlers) httpCreateTask(c *gin.Context) {
	var body createTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	task := &metastore.Task{
		ProjectID: body.ProjectID,
		UserID:    body.UserID,
		Status:    metastore.TaskStatusQueued,
		Priority:  body.Priority,
		Title:     body.Title,
	}
	if body.Description != "" {
		task.Description = &body.Description
	}
	if err := h.store.CreateTask(c.Request.Context(), task); err != nil {
		respondError(c, h.logger, err, "task not created")
		return
	}

	cfg := orchestrator.TaskConfig{
		VMSize:          body.Config.VMSize,
		VMLocation:      body.Config.VMLocation,
		Branch:          body.Config.Branch,
		PreferredNodeID: body.Config.PreferredNodeID,
		TaskTitle:       body.Title,
		TaskDescription: body.Description,
		Repository:      body.Config.Repository,
		InstallationID:  body.Config.InstallationID,
		OutputBranch:    body.Config.OutputBranch,
		ChatSessionID:   body.Config.ChatSessionID,
	}
	if err := h.orch.StartTask(task.ID, body.ProjectID, body.UserID, cfg); err != nil {
		h.logger.Error("failed to start task runner",
			zap.String("task_id", task.ID),
			zap.Error(err))
		respondError(c, h.logger, err, "task not started")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": task.ID, "status": task.Status})
}

func (h *Handlers) httpGetTask(c *gin.Context) {
	task, err := h.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}

	dto := fromTask(task)
	// The runner's in-memory step is fresher than the persisted column while
	// the task is live.
	if state, err := h.orch.GetStatus(task.ID); err == nil && state != nil && !state.Terminal() {
		step := state.CurrentStep
		dto.ExecutionStep = &step
	}
	c.JSON(http.StatusOK, dto)
}

func (h *Handlers) httpListTaskEvents(c *gin.Context) {
	events, err := h.store.ListTaskStatusEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "task events not found")
		return
	}
	dtos := make([]TaskStatusEventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, fromTaskStatusEvent(e))
	}
	c.JSON(http.StatusOK, gin.H{"events": dtos, "total": len(dtos)})
}
