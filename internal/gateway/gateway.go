// Package gateway exposes the HTTP surface: the task API, per-project
// session routes, node agent callbacks, and the project WebSocket feed.
package gateway

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/observability"
	"github.com/devharbor/devharbor/internal/orchestrator"
	"github.com/devharbor/devharbor/internal/session"
)

// TaskOrchestrator is the slice of the orchestrator manager the gateway
// drives.
type TaskOrchestrator interface {
	StartTask(taskID, projectID, userID string, cfg orchestrator.TaskConfig) error
	AdvanceWorkspaceReady(workspaceID, status, errorMessage string) error
	GetStatus(taskID string) (*orchestrator.RunnerState, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	store    *metastore.Store
	obs      *observability.Store
	orch     TaskOrchestrator
	sessions *session.Manager
	agentCfg config.AgentConfig
	logger   *logger.Logger
}

// NewHandlers creates the gateway handlers.
func NewHandlers(store *metastore.Store, obs *observability.Store, orch TaskOrchestrator, sessions *session.Manager, agentCfg config.AgentConfig, log *logger.Logger) *Handlers {
	return &Handlers{
		store:    store,
		obs:      obs,
		orch:     orch,
		sessions: sessions,
		agentCfg: agentCfg,
		logger:   log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes registers all HTTP routes.
//
// Agent callback routes live at the root because the callback URL handed to
// each node agent is built as <base>/workspaces/<id>/ready.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/healthz", h.httpHealth)
	router.GET("/ws", h.httpProjectSocket)

	router.POST("/workspaces/:id/ready", h.httpWorkspaceReady)
	router.POST("/nodes/:id/heartbeat", h.httpNodeHeartbeat)
	router.POST("/nodes/:id/errors", h.httpNodeErrors)

	api := router.Group("/api/v1")
	api.POST("/tasks", h.httpCreateTask)
	api.GET("/tasks/:id", h.httpGetTask)
	api.GET("/tasks/:id/events", h.httpListTaskEvents)

	projects := api.Group("/projects/:id")
	projects.POST("/sessions", h.httpCreateSession)
	projects.GET("/sessions", h.httpListSessions)
	projects.GET("/sessions/:sessionId", h.httpGetSession)
	projects.POST("/sessions/:sessionId/stop", h.httpStopSession)
	projects.GET("/sessions/:sessionId/messages", h.httpListMessages)
	projects.POST("/sessions/:sessionId/messages", h.httpPostMessage)
	projects.POST("/sessions/:sessionId/messages/batch", h.httpPostMessageBatch)
	projects.POST("/sessions/:sessionId/agent-completed", h.httpAgentCompleted)
	projects.GET("/activity", h.httpListActivity)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "service": "devharbor"})
}
