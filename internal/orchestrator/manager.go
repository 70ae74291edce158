package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/orchestrator/statestore"
)

// Manager owns the live runner registry: one runner per task, created on
// demand and restored from persisted state at boot.
type Manager struct {
	deps *Deps

	mu      sync.Mutex
	runners map[string]*Runner
	closed  bool
}

// NewManager creates a runner manager.
func NewManager(deps *Deps) *Manager {
	return &Manager{
		deps:    deps,
		runners: make(map[string]*Runner),
	}
}

// runner returns the live runner for a task, creating one with the given
// restored state when absent.
func (m *Manager) runner(taskID string, restored *RunnerState) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("orchestrator is shut down")
	}
	if r, ok := m.runners[taskID]; ok {
		return r, nil
	}
	r := newRunner(taskID, restored, m.deps)
	m.runners[taskID] = r
	return r, nil
}

// StartTask wakes the runner for a task. Idempotent.
func (m *Manager) StartTask(taskID, projectID, userID string, cfg TaskConfig) error {
	r, err := m.runner(taskID, nil)
	if err != nil {
		return err
	}
	r.Start(taskID, projectID, userID, cfg)
	return nil
}

// AdvanceWorkspaceReady routes a workspace-ready callback to the task runner
// that created the workspace.
func (m *Manager) AdvanceWorkspaceReady(workspaceID, status, errorMessage string) error {
	taskID, err := m.deps.States.LookupWorkspace(workspaceID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("no task found for workspace %s", workspaceID)
		}
		return err
	}

	r, err := m.resumeRunner(taskID)
	if err != nil {
		return err
	}
	if r == nil {
		// Runner state is gone; the task finished or was swept.
		return nil
	}
	r.AdvanceWorkspaceReady(status, errorMessage)
	return nil
}

// GetStatus returns the persisted runner state for a task, or nil.
func (m *Manager) GetStatus(taskID string) (*RunnerState, error) {
	m.mu.Lock()
	r, live := m.runners[taskID]
	m.mu.Unlock()
	if live {
		return r.GetStatus(), nil
	}

	data, err := m.deps.States.Get(taskID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeState(data)
}

// resumeRunner loads persisted state for a task and brings its runner back
// to life. Returns nil when no state exists.
func (m *Manager) resumeRunner(taskID string) (*Runner, error) {
	m.mu.Lock()
	if r, ok := m.runners[taskID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	data, err := m.deps.States.Get(taskID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	state, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt runner state for task %s: %w", taskID, err)
	}

	r, err := m.runner(taskID, state)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Restore brings back all incomplete runners after a restart. Each resumed
// runner re-enters its persisted step on an immediate alarm.
func (m *Manager) Restore() error {
	states, err := m.deps.States.List()
	if err != nil {
		return fmt.Errorf("failed to list persisted runner states: %w", err)
	}

	resumed := 0
	for taskID, data := range states {
		state, err := decodeState(data)
		if err != nil {
			m.deps.Logger.Error("Skipping corrupt runner state",
				zap.String("task_id", taskID),
				zap.Error(err))
			continue
		}
		if state.Terminal() {
			continue
		}
		r, err := m.runner(taskID, state)
		if err != nil {
			return err
		}
		r.resume()
		resumed++
	}

	if resumed > 0 {
		m.deps.Logger.Info("Resumed task runners", zap.Int("count", resumed))
	}
	return nil
}

// Stop shuts down all live runners. Persisted state is left intact so a
// later Restore can resume interrupted tasks.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
}
