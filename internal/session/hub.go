package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/logger"
)

// Envelope is the wire frame sent to viewers.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub fans project broadcasts out to the attached viewer connections. One
// hub per project instance.
type Hub struct {
	projectID string

	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool

	logger *logger.Logger
}

// NewHub creates a viewer hub for a project.
func NewHub(projectID string, log *logger.Logger) *Hub {
	return &Hub{
		projectID: projectID,
		clients:   make(map[*Client]bool),
		logger:    log.WithFields(zap.String("component", "session_hub"), zap.String("project_id", projectID)),
	}
}

// Register attaches a viewer.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.send)
		return
	}
	h.clients[client] = true
	h.logger.Debug("Viewer attached", zap.String("client_id", client.ID))
}

// Unregister detaches a viewer and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("Viewer detached", zap.String("client_id", client.ID))
	}
}

// Broadcast sends an envelope to every attached viewer. Viewers with full
// buffers are skipped; their write pump cleans them up.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: eventType, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of attached viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
