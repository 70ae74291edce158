package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/session"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin against the configured frontend host
		return true
	},
}

// httpProjectSocket upgrades the connection and attaches the viewer to the
// project's broadcast hub.
func (h *Handlers) httpProjectSocket(c *gin.Context) {
	projectID := c.Query("project")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project query parameter is required"})
		return
	}

	hub, err := h.sessions.Hub(projectID)
	if err != nil {
		respondError(c, h.logger, err, "project not found")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("project_id", projectID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := session.NewClient(clientID, conn, hub, h.logger)
	hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
