package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/events/bus"
	"github.com/devharbor/devharbor/internal/session/store"
)

// Manager owns one instance per live project, each with its own database
// file and viewer hub. Instances are created on first use and live until
// shutdown.
type Manager struct {
	dataDir string
	cms     CentralStore
	bus     bus.EventBus
	cfg     config.SessionConfig
	logger  *logger.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	hubs      map[string]*Hub
	closed    bool

	subscription bus.Subscription
}

// NewManager creates the per-project instance registry. Project databases
// live under dataDir/sessions.
func NewManager(dataDir string, cms CentralStore, eventBus bus.EventBus, cfg config.SessionConfig, log *logger.Logger) (*Manager, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session data dir: %w", err)
	}

	m := &Manager{
		dataDir:   dir,
		cms:       cms,
		bus:       eventBus,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "session_manager")),
		instances: make(map[string]*Instance),
		hubs:      make(map[string]*Hub),
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.SubjectTasks+".>", m.onTaskEvent)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to task events: %w", err)
		}
		m.subscription = sub
	}
	return m, nil
}

// Instance returns the actor for a project, creating it on first use.
func (m *Manager) Instance(projectID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("session manager is shut down")
	}
	if inst, ok := m.instances[projectID]; ok {
		return inst, nil
	}

	st, err := store.Open(filepath.Join(m.dataDir, projectID+".db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open project store for %s: %w", projectID, err)
	}
	hub := NewHub(projectID, m.logger)
	inst, err := newInstance(projectID, st, m.cms, hub, m.cfg, m.logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	m.instances[projectID] = inst
	m.hubs[projectID] = hub
	return inst, nil
}

// Hub returns the viewer hub for a project, creating the instance if needed.
func (m *Manager) Hub(projectID string) (*Hub, error) {
	if _, err := m.Instance(projectID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[projectID], nil
}

// LinkSessionWorkspace records a workspace back-reference on a chat
// session. Used by the orchestrator when it creates a workspace for a task
// that already has a conversation.
func (m *Manager) LinkSessionWorkspace(ctx context.Context, projectID, sessionID, workspaceID string) error {
	inst, err := m.Instance(projectID)
	if err != nil {
		return err
	}
	return inst.LinkWorkspace(ctx, sessionID, workspaceID)
}

// onTaskEvent mirrors task lifecycle events into the owning project's
// activity feed.
func (m *Manager) onTaskEvent(ctx context.Context, event *bus.Event) error {
	projectID, _ := event.Data["project_id"].(string)
	if projectID == "" {
		return nil
	}

	// Only materialize an instance for projects already seen; a task event
	// for a cold project should not create its database.
	m.mu.Lock()
	inst, ok := m.instances[projectID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// Event types arrive already qualified (task.failed, task.status_changed).
	ev := &store.ActivityEvent{
		EventType: event.Type,
		ActorType: "system",
	}
	if taskID, ok := event.Data["task_id"].(string); ok && taskID != "" {
		ev.TaskID = &taskID
	}
	if data, err := marshalPayload(event.Data); err == nil {
		ev.Payload = &data
	}
	return inst.RecordActivityEvent(ctx, ev)
}

func marshalPayload(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Stop closes every instance and hub. Project databases stay on disk.
func (m *Manager) Stop() {
	if m.subscription != nil {
		_ = m.subscription.Unsubscribe()
	}

	m.mu.Lock()
	m.closed = true
	instances := make([]*Instance, 0, len(m.instances))
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	for _, hub := range m.hubs {
		hubs = append(hubs, hub)
	}
	m.mu.Unlock()

	for _, hub := range hubs {
		hub.Close()
	}
	for _, inst := range instances {
		inst.stop()
	}
	m.logger.Info("Session manager stopped", zap.Int("instances", len(instances)))
}
