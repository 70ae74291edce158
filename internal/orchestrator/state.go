// Package orchestrator drives each task through its multi-step lifecycle:
// selecting or provisioning a node, creating a workspace on it, waiting for
// readiness, and starting the agent session. Each task has a dedicated
// runner whose state survives process restarts.
package orchestrator

import (
	"encoding/json"
	"time"
)

// stateVersion identifies the persisted state layout.
const stateVersion = 1

// Runner steps, in advancement order.
const (
	StepNodeSelection     = "node_selection"
	StepNodeProvisioning  = "node_provisioning"
	StepNodeAgentReady    = "node_agent_ready"
	StepWorkspaceCreation = "workspace_creation"
	StepWorkspaceReady    = "workspace_ready"
	StepAgentSession      = "agent_session"
	StepRunning           = "running"
	StepFailed            = "failed"
)

// GitUser identifies the git author used for workspace commits.
type GitUser struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	ID    string `json:"id,omitempty"`
}

// TaskConfig is the immutable task configuration captured at Start.
type TaskConfig struct {
	VMSize          string   `json:"vmSize"`
	VMLocation      string   `json:"vmLocation"`
	Branch          string   `json:"branch"`
	PreferredNodeID string   `json:"preferredNodeId,omitempty"`
	TaskTitle       string   `json:"taskTitle"`
	TaskDescription string   `json:"taskDescription,omitempty"`
	Repository      string   `json:"repository"`
	InstallationID  string   `json:"installationId,omitempty"`
	OutputBranch    string   `json:"outputBranch,omitempty"`
	ChatSessionID   string   `json:"chatSessionId,omitempty"`
	GitUser         *GitUser `json:"gitUser,omitempty"`
}

// StepResults accumulates the durable outputs of completed steps.
type StepResults struct {
	NodeID          string `json:"nodeId,omitempty"`
	AutoProvisioned bool   `json:"autoProvisioned"`
	WorkspaceID     string `json:"workspaceId,omitempty"`
	ChatSessionID   string `json:"chatSessionId,omitempty"`
	AgentSessionID  string `json:"agentSessionId,omitempty"`
}

// RunnerState is the persisted record of one task runner. It is written
// after every mutation so that an alarm tick after a crash resumes the same
// step with the accumulated results intact.
type RunnerState struct {
	Version     int         `json:"version"`
	TaskID      string      `json:"taskId"`
	ProjectID   string      `json:"projectId"`
	UserID      string      `json:"userId"`
	CurrentStep string      `json:"currentStep"`
	RetryCount  int         `json:"retryCount"`
	StepResults StepResults `json:"stepResults"`
	Config      TaskConfig  `json:"config"`

	WorkspaceReadyReceived bool   `json:"workspaceReadyReceived"`
	WorkspaceReadyStatus   string `json:"workspaceReadyStatus,omitempty"`
	WorkspaceErrorMessage  string `json:"workspaceErrorMessage,omitempty"`

	AgentReadyStartedAt     *time.Time `json:"agentReadyStartedAt,omitempty"`
	WorkspaceReadyStartedAt *time.Time `json:"workspaceReadyStartedAt,omitempty"`

	Completed  bool      `json:"completed"`
	CreatedAt  time.Time `json:"createdAt"`
	LastStepAt time.Time `json:"lastStepAt"`
}

// newRunnerState builds the initial state for a task.
func newRunnerState(taskID, projectID, userID string, config TaskConfig) *RunnerState {
	now := time.Now().UTC()
	return &RunnerState{
		Version:     stateVersion,
		TaskID:      taskID,
		ProjectID:   projectID,
		UserID:      userID,
		CurrentStep: StepNodeSelection,
		Config:      config,
		CreatedAt:   now,
		LastStepAt:  now,
	}
}

// Terminal reports whether the runner has finished, successfully or not.
func (s *RunnerState) Terminal() bool {
	return s.Completed || s.CurrentStep == StepRunning || s.CurrentStep == StepFailed
}

// advance moves to the next step and resets the per-step retry counter.
func (s *RunnerState) advance(step string) {
	s.CurrentStep = step
	s.RetryCount = 0
	s.LastStepAt = time.Now().UTC()
}

func encodeState(state *RunnerState) ([]byte, error) {
	return json.Marshal(state)
}

func decodeState(data []byte) (*RunnerState, error) {
	state := &RunnerState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}
