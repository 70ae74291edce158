package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/agentclient"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/observability"
)

type workspaceReadyRequest struct {
	Status       string `json:"status" binding:"required"`
	ErrorMessage string `json:"errorMessage"`
}

// httpWorkspaceReady receives the node agent's workspace readiness callback.
// The bearer token was signed when the workspace was requested and is only
// valid for this workspace.
func (h *Handlers) httpWorkspaceReady(c *gin.Context) {
	workspaceID := c.Param("id")

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing callback token"})
		return
	}
	if _, err := agentclient.VerifyCallbackToken(h.agentCfg.CallbackSecret, token, workspaceID); err != nil {
		h.logger.Warn("rejected workspace callback",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
		return
	}

	var body workspaceReadyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.orch.AdvanceWorkspaceReady(workspaceID, body.Status, body.ErrorMessage); err != nil {
		respondError(c, h.logger, err, "workspace not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// httpNodeHeartbeat records a node's liveness ping and metrics sample.
func (h *Handlers) httpNodeHeartbeat(c *gin.Context) {
	var metrics metastore.NodeMetrics
	if err := c.ShouldBindJSON(&metrics); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.UpdateNodeHeartbeat(c.Request.Context(), c.Param("id"), &metrics); err != nil {
		respondError(c, h.logger, err, "node not found")
		return
	}
	c.Status(http.StatusNoContent)
}

type nodeErrorsRequest struct {
	Entries []observability.AgentErrorEntry `json:"entries"`
}

// httpNodeErrors ingests an error report batch from a node agent. The body
// is size-capped before parsing.
func (h *Handlers) httpNodeErrors(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.agentCfg.MaxErrorBodyBytes))

	var body nodeErrorsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body too large or malformed"})
		return
	}

	stored, err := h.obs.RecordAgentErrors(c.Request.Context(), c.Param("id"), body.Entries)
	if err != nil {
		respondError(c, h.logger, err, "node not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": stored})
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return auth
}
