package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devharbor/devharbor/internal/session"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (h *Handlers) instance(c *gin.Context) (*session.Instance, bool) {
	inst, err := h.sessions.Instance(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "project not found")
		return nil, false
	}
	return inst, true
}

func pageLimit(c *gin.Context) int {
	limit := defaultPageSize
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}
	return limit
}

func beforeCursor(c *gin.Context) (*time.Time, error) {
	raw := c.Query("before")
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

type createSessionRequest struct {
	WorkspaceID string `json:"workspaceId"`
	TaskID      string `json:"taskId"`
	Topic       string `json:"topic"`
}

func (h *Handlers) httpCreateSession(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	sess, err := inst.CreateSession(c.Request.Context(), body.WorkspaceID, body.Topic, body.TaskID)
	if err != nil {
		respondError(c, h.logger, err, "session not created")
		return
	}
	c.JSON(http.StatusCreated, fromSession(sess))
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	sessions, err := inst.ListSessions(c.Request.Context(), c.Query("status"), c.Query("taskId"), pageLimit(c), offset)
	if err != nil {
		respondError(c, h.logger, err, "sessions not found")
		return
	}
	dtos := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		dtos = append(dtos, fromSession(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": dtos, "total": len(dtos)})
}

func (h *Handlers) httpGetSession(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	sess, err := inst.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, fromSession(sess))
}

func (h *Handlers) httpStopSession(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	if err := inst.StopSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *Handlers) httpListMessages(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	before, err := beforeCursor(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	messages, hasMore, err := inst.GetMessages(c.Request.Context(), c.Param("sessionId"), pageLimit(c), before)
	if err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	dtos := make([]MessageDTO, 0, len(messages))
	for _, m := range messages {
		dtos = append(dtos, fromMessage(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": dtos, "hasMore": hasMore})
}

type postMessageRequest struct {
	Role         string  `json:"role" binding:"required"`
	Content      string  `json:"content" binding:"required"`
	ToolMetadata *string `json:"toolMetadata"`
}

func (h *Handlers) httpPostMessage(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	msg, err := inst.PersistMessage(c.Request.Context(), c.Param("sessionId"), body.Role, body.Content, body.ToolMetadata)
	if err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusCreated, fromMessage(msg))
}

type postMessageBatchRequest struct {
	Messages []session.IncomingMessage `json:"messages" binding:"required"`
}

// httpPostMessageBatch ingests an agent transcript chunk. Replays are safe:
// messages already persisted under their client id count as duplicates.
func (h *Handlers) httpPostMessageBatch(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var body postMessageBatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	result, err := inst.PersistMessageBatch(c.Request.Context(), c.Param("sessionId"), body.Messages)
	if err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"persisted": result.Persisted, "duplicates": result.Duplicates})
}

// httpAgentCompleted marks the coding agent done and arms idle cleanup for
// the session's workspace.
func (h *Handlers) httpAgentCompleted(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	sessionID := c.Param("sessionId")

	sess, err := inst.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}
	if err := inst.MarkAgentCompleted(c.Request.Context(), sessionID); err != nil {
		respondError(c, h.logger, err, "session not found")
		return
	}

	if sess.WorkspaceID != nil {
		taskID := ""
		if sess.TaskID != nil {
			taskID = *sess.TaskID
		}
		if err := inst.ScheduleIdleCleanup(c.Request.Context(), sessionID, *sess.WorkspaceID, taskID); err != nil {
			respondError(c, h.logger, err, "session not found")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) httpListActivity(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	before, err := beforeCursor(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	events, hasMore, err := inst.ListActivityEvents(c.Request.Context(), c.Query("eventType"), pageLimit(c), before)
	if err != nil {
		respondError(c, h.logger, err, "activity not found")
		return
	}
	dtos := make([]ActivityDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, fromActivity(e))
	}
	c.JSON(http.StatusOK, gin.H{"events": dtos, "hasMore": hasMore})
}
