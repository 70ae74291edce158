package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/agentclient"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/provider"
)

// Placement scoring weights. Memory pressure weighs heavier than CPU since
// workspaces are memory-bound.
const (
	scoreWeightCPU = 0.4
	scoreWeightMem = 0.6
)

// stepNodeSelection picks a node for the task: preferred node, then warm
// claim, then capacity search. Finding nothing is not an error; the task
// moves on to provisioning.
func (r *Runner) stepNodeSelection(ctx context.Context) (time.Duration, error) {
	cfg := r.state.Config

	if cfg.PreferredNodeID != "" {
		node, err := r.deps.Store.GetNode(ctx, cfg.PreferredNodeID)
		if err != nil {
			return 0, permanent("preferred node not found", err)
		}
		if node.Status != metastore.NodeStatusRunning {
			return 0, permanentf("preferred node %s is %s, not running", node.ID, node.Status)
		}
		r.state.StepResults.NodeID = node.ID
		r.state.advance(StepWorkspaceCreation)
		r.saveState()
		return 0, nil
	}

	nodeID, err := r.tryWarmClaim(ctx)
	if err != nil {
		return 0, err
	}
	if nodeID == "" {
		nodeID, err = r.capacitySearch(ctx)
		if err != nil {
			return 0, err
		}
	}

	if nodeID == "" {
		r.logger.Info("No node available, provisioning")
		r.state.advance(StepNodeProvisioning)
		r.saveState()
		return 0, nil
	}

	r.logger.Info("Node selected", zap.String("node_id", nodeID))
	r.state.StepResults.NodeID = nodeID
	r.state.advance(StepWorkspaceCreation)
	r.saveState()
	return 0, nil
}

// tryWarmClaim attempts to claim one of the user's warm nodes, preferring
// exact (vm_size, vm_location) matches. Returns empty when no claim lands.
func (r *Runner) tryWarmClaim(ctx context.Context) (string, error) {
	warm, err := r.deps.Store.ListWarmNodes(ctx, r.state.UserID)
	if err != nil {
		return "", err
	}
	if len(warm) == 0 {
		return "", nil
	}

	cfg := r.state.Config
	sort.SliceStable(warm, func(i, j int) bool {
		return warmNodeRank(warm[i], cfg) < warmNodeRank(warm[j], cfg)
	})

	for _, node := range warm {
		claimed, err := r.deps.Nodes.TryClaim(ctx, node.ID, r.taskID)
		if err != nil {
			return "", err
		}
		if claimed {
			return node.ID, nil
		}
	}
	return "", nil
}

// warmNodeRank orders warm candidates: full match first, then size match,
// then location match, then the rest.
func warmNodeRank(node *metastore.Node, cfg TaskConfig) int {
	sizeMatch := node.VMSize == cfg.VMSize
	locMatch := node.VMLocation == cfg.VMLocation
	switch {
	case sizeMatch && locMatch:
		return 0
	case sizeMatch:
		return 1
	case locMatch:
		return 2
	default:
		return 3
	}
}

// capacitySearch picks the best running node with spare workspace capacity
// and acceptable resource pressure.
func (r *Runner) capacitySearch(ctx context.Context) (string, error) {
	candidates, err := r.deps.Store.ListCandidateNodes(ctx, r.state.UserID)
	if err != nil {
		return "", err
	}

	cfg := r.state.Config
	type scored struct {
		node      *metastore.Node
		locMatch  bool
		sizeMatch bool
		score     float64
	}
	best := (*scored)(nil)

	for _, node := range candidates {
		count, err := r.deps.Store.CountLiveWorkspacesOnNode(ctx, node.ID, r.state.UserID)
		if err != nil {
			return "", err
		}
		if count >= r.deps.Config.MaxWorkspacesPerNode {
			continue
		}

		score := 0.0
		if metrics := node.Metrics(); metrics != nil {
			if metrics.CPULoadAvg1 >= float64(r.deps.Config.NodeCPUThresholdPercent) ||
				metrics.MemoryPercent >= float64(r.deps.Config.NodeMemThresholdPercent) {
				continue
			}
			score = scoreWeightCPU*metrics.CPULoadAvg1 + scoreWeightMem*metrics.MemoryPercent
		}

		candidate := &scored{
			node:      node,
			locMatch:  node.VMLocation == cfg.VMLocation,
			sizeMatch: node.VMSize == cfg.VMSize,
			score:     score,
		}
		if best == nil || betterPlacement(candidate.locMatch, candidate.sizeMatch, candidate.score, best.locMatch, best.sizeMatch, best.score) {
			best = candidate
		}
	}

	if best == nil {
		return "", nil
	}
	return best.node.ID, nil
}

// betterPlacement prefers location match, then size match, then lowest score.
func betterPlacement(aLoc, aSize bool, aScore float64, bLoc, bSize bool, bScore float64) bool {
	if aLoc != bLoc {
		return aLoc
	}
	if aSize != bSize {
		return aSize
	}
	return aScore < bScore
}

// stepNodeProvisioning creates a node through the cloud provider, or polls
// an already-created node until it is running.
func (r *Runner) stepNodeProvisioning(ctx context.Context) (time.Duration, error) {
	if r.state.StepResults.NodeID != "" {
		return r.pollProvisionedNode(ctx)
	}

	count, err := r.deps.Store.CountUserNodes(ctx, r.state.UserID)
	if err != nil {
		return 0, err
	}
	if count >= r.deps.Config.MaxNodesPerUser {
		return 0, permanentf("limit_exceeded: user has %d of %d allowed nodes", count, r.deps.Config.MaxNodesPerUser)
	}

	node := &metastore.Node{
		UserID:     r.state.UserID,
		VMSize:     r.state.Config.VMSize,
		VMLocation: r.state.Config.VMLocation,
		Status:     metastore.NodeStatusPending,
	}
	if err := r.deps.Store.CreateNode(ctx, node); err != nil {
		return 0, err
	}

	// Persist the node id before the provider call so a crash mid-call
	// resumes by polling instead of creating a second instance.
	r.state.StepResults.NodeID = node.ID
	r.state.StepResults.AutoProvisioned = true
	r.saveState()

	if err := r.deps.Store.SetTaskAutoProvisionedNode(ctx, r.taskID, node.ID); err != nil {
		return 0, err
	}

	instance, err := r.deps.Provider.CreateInstance(ctx, &provider.CreateInstanceRequest{
		Name:     "devharbor-" + node.ID,
		Size:     r.state.Config.VMSize,
		Location: r.state.Config.VMLocation,
	})
	if err != nil {
		return 0, err
	}

	status := metastore.NodeStatusPending
	if instance.Status == provider.InstanceStatusRunning {
		status = metastore.NodeStatusRunning
	}
	if err := r.deps.Store.UpdateNodeProvisioned(ctx, node.ID, instance.ID, instance.IPAddress, status); err != nil {
		return 0, err
	}

	if status == metastore.NodeStatusRunning {
		r.state.advance(StepNodeAgentReady)
		r.saveState()
		return 0, nil
	}
	return r.deps.Config.ProvisionPollInterval(), nil
}

// pollProvisionedNode checks whether the node created earlier has come up.
func (r *Runner) pollProvisionedNode(ctx context.Context) (time.Duration, error) {
	node, err := r.deps.Store.GetNode(ctx, r.state.StepResults.NodeID)
	if err != nil {
		return 0, err
	}

	// Refresh from the provider while the node row is still pending.
	if node.Status == metastore.NodeStatusPending && node.ProviderInstanceID != nil {
		instance, err := r.deps.Provider.GetInstance(ctx, *node.ProviderInstanceID)
		if err != nil {
			return 0, err
		}
		switch instance.Status {
		case provider.InstanceStatusRunning:
			if err := r.deps.Store.UpdateNodeProvisioned(ctx, node.ID, instance.ID, instance.IPAddress, metastore.NodeStatusRunning); err != nil {
				return 0, err
			}
			node.Status = metastore.NodeStatusRunning
			r.publishEvent(ctx, events.SubjectNodes, events.NodeProvisioned, map[string]interface{}{
				"node_id":     node.ID,
				"instance_id": instance.ID,
			})
		case provider.InstanceStatusError, provider.InstanceStatusDeleted:
			_ = r.deps.Store.UpdateNodeStatus(ctx, node.ID, metastore.NodeStatusError)
			return 0, permanentf("provisioned node %s entered %s state", node.ID, instance.Status)
		}
	}

	switch node.Status {
	case metastore.NodeStatusRunning:
		r.state.advance(StepNodeAgentReady)
		r.saveState()
		return 0, nil
	case metastore.NodeStatusError, metastore.NodeStatusStopped:
		return 0, permanentf("provisioned node %s entered %s state", node.ID, node.Status)
	default:
		return r.deps.Config.ProvisionPollInterval(), nil
	}
}

// stepNodeAgentReady polls the in-VM agent's health endpoint until it
// answers, bounded by the agent-ready timeout.
func (r *Runner) stepNodeAgentReady(ctx context.Context) (time.Duration, error) {
	if r.state.AgentReadyStartedAt == nil {
		now := time.Now().UTC()
		r.state.AgentReadyStartedAt = &now
		r.saveState()
	}
	if time.Since(*r.state.AgentReadyStartedAt) > r.deps.Config.AgentReadyTimeout() {
		return 0, permanentf("agent on node %s not ready within %s", r.state.StepResults.NodeID, r.deps.Config.AgentReadyTimeout())
	}

	nodeIP, err := r.nodeIP(ctx)
	if err != nil {
		return 0, err
	}

	if err := r.deps.Agent.Health(ctx, nodeIP); err != nil {
		// Not ready yet; poll again. Health probe failures do not count
		// against the step retry budget.
		r.logger.Debug("Agent not ready", zap.Error(err))
		return r.deps.Config.AgentPollInterval(), nil
	}

	r.state.advance(StepWorkspaceCreation)
	r.saveState()
	return 0, nil
}

// stepWorkspaceCreation creates the workspace on the node, with crash
// recovery through the task row's workspace_id, and moves the task to
// delegated under an optimistic lock.
func (r *Runner) stepWorkspaceCreation(ctx context.Context) (time.Duration, error) {
	task, err := r.deps.Store.GetTask(ctx, r.taskID)
	if err != nil {
		return 0, err
	}

	// Crash recovery: adopt a workspace created before the state persisted.
	if r.state.StepResults.WorkspaceID == "" && task.WorkspaceID != nil && *task.WorkspaceID != "" {
		r.logger.Info("Adopting existing workspace from task row",
			zap.String("workspace_id", *task.WorkspaceID))
		r.state.StepResults.WorkspaceID = *task.WorkspaceID
		r.saveState()
	}

	if r.state.StepResults.WorkspaceID != "" && task.Status == metastore.TaskStatusDelegated {
		r.state.advance(StepWorkspaceReady)
		r.saveState()
		return 0, nil
	}

	if r.state.StepResults.NodeID == "" {
		return 0, permanentf("corrupt state: no node selected before workspace creation")
	}

	if r.state.StepResults.WorkspaceID == "" {
		if err := r.createWorkspace(ctx); err != nil {
			return 0, err
		}
	}

	r.linkChatSession(ctx)

	moved, err := r.deps.Store.TransitionTaskStatus(ctx, r.taskID, metastore.TaskStatusQueued, metastore.TaskStatusDelegated, nil)
	if err != nil {
		return 0, err
	}
	if !moved {
		// Fresh reads may race the transition we just made ourselves after a
		// crash replay; only a genuinely foreign status means pre-emption.
		current, err := r.deps.Store.GetTask(ctx, r.taskID)
		if err != nil || current.Status != metastore.TaskStatusDelegated {
			r.abortPreempted("delegated transition")
			return 0, nil
		}
	} else {
		r.appendStatusEvent(ctx, metastore.TaskStatusQueued, metastore.TaskStatusDelegated, "workspace created")
	}

	r.state.advance(StepWorkspaceReady)
	r.saveState()
	return 0, nil
}

// createWorkspace inserts the workspace row, binds it to the task, and asks
// the node agent to build it.
func (r *Runner) createWorkspace(ctx context.Context) error {
	ws := &metastore.Workspace{
		UserID:      r.state.UserID,
		ProjectID:   r.state.ProjectID,
		NodeID:      &r.state.StepResults.NodeID,
		Repository:  r.state.Config.Repository,
		Branch:      r.state.Config.Branch,
		Status:      metastore.WorkspaceStatusCreating,
		DisplayName: r.state.Config.TaskTitle,
	}
	if err := r.deps.Store.CreateWorkspace(ctx, ws); err != nil {
		return err
	}

	outputBranch := r.state.Config.OutputBranch
	if outputBranch == "" {
		outputBranch = "task/" + r.taskID
	}
	if err := r.deps.Store.SetTaskWorkspace(ctx, r.taskID, ws.ID, outputBranch); err != nil {
		return err
	}

	r.state.StepResults.WorkspaceID = ws.ID
	r.saveState()
	if err := r.deps.States.IndexWorkspace(ws.ID, r.taskID); err != nil {
		r.logger.Warn("Failed to index workspace", zap.Error(err))
	}

	nodeIP, err := r.nodeIP(ctx)
	if err != nil {
		return err
	}

	req := &agentclient.CreateWorkspaceRequest{
		WorkspaceID:    ws.ID,
		TaskID:         r.taskID,
		Repository:     r.state.Config.Repository,
		Branch:         r.state.Config.Branch,
		InstallationID: r.state.Config.InstallationID,
	}
	if r.state.Config.GitUser != nil {
		req.GitUserName = r.state.Config.GitUser.Name
		req.GitUserEmail = r.state.Config.GitUser.Email
	}
	if err := r.deps.Agent.CreateWorkspace(ctx, nodeIP, req); err != nil {
		return err
	}

	r.publishEvent(ctx, events.SubjectWorkspaces, events.WorkspaceCreated, map[string]interface{}{
		"workspace_id": ws.ID,
		"node_id":      r.state.StepResults.NodeID,
	})
	return nil
}

// linkChatSession records the workspace on the chat session in CMS and in
// the project's session store. Both links are best-effort.
func (r *Runner) linkChatSession(ctx context.Context) {
	sessionID := r.state.Config.ChatSessionID
	if sessionID == "" {
		return
	}
	workspaceID := r.state.StepResults.WorkspaceID
	if err := r.deps.Store.SetWorkspaceChatSession(ctx, workspaceID, sessionID); err != nil {
		r.logger.Warn("Failed to link chat session in metadata store", zap.Error(err))
	}
	if r.deps.Sessions != nil {
		if err := r.deps.Sessions.LinkSessionWorkspace(ctx, r.state.ProjectID, sessionID, workspaceID); err != nil {
			r.logger.Warn("Failed to link workspace in session store", zap.Error(err))
		}
	}
}

// stepWorkspaceReady waits for the agent's readiness callback, falling back
// to the workspace row in CMS, bounded by the workspace-ready timeout.
func (r *Runner) stepWorkspaceReady(ctx context.Context) (time.Duration, error) {
	if r.state.WorkspaceReadyStartedAt == nil {
		now := time.Now().UTC()
		r.state.WorkspaceReadyStartedAt = &now
		r.saveState()
	}

	if r.state.WorkspaceReadyReceived {
		switch r.state.WorkspaceReadyStatus {
		case metastore.WorkspaceStatusRunning, metastore.WorkspaceStatusRecovery:
			r.state.advance(StepAgentSession)
			r.saveState()
			r.publishEvent(ctx, events.SubjectWorkspaces, events.WorkspaceReady, map[string]interface{}{
				"workspace_id": r.state.StepResults.WorkspaceID,
				"status":       r.state.WorkspaceReadyStatus,
			})
			return 0, nil
		case metastore.WorkspaceStatusError:
			msg := r.state.WorkspaceErrorMessage
			if msg == "" {
				msg = "workspace setup failed"
			}
			return 0, permanentf("workspace error: %s", msg)
		}
	}

	// Fallback: the callback may have been lost; the workspace row is
	// authoritative.
	ws, err := r.deps.Store.GetWorkspace(ctx, r.state.StepResults.WorkspaceID)
	if err == nil {
		switch ws.Status {
		case metastore.WorkspaceStatusRunning, metastore.WorkspaceStatusRecovery:
			r.state.advance(StepAgentSession)
			r.saveState()
			r.publishEvent(ctx, events.SubjectWorkspaces, events.WorkspaceReady, map[string]interface{}{
				"workspace_id": ws.ID,
				"status":       ws.Status,
			})
			return 0, nil
		case metastore.WorkspaceStatusError:
			return 0, permanentf("workspace error: setup failed")
		case metastore.WorkspaceStatusStopped:
			return 0, permanentf("workspace stopped before becoming ready")
		}
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return 0, err
	}

	if time.Since(*r.state.WorkspaceReadyStartedAt) > r.deps.Config.WorkspaceReadyTimeout() {
		return 0, permanentf("workspace %s not ready within %s", r.state.StepResults.WorkspaceID, r.deps.Config.WorkspaceReadyTimeout())
	}
	return r.deps.Config.AgentPollInterval(), nil
}

// stepAgentSession creates the agent session row and spawns the in-VM
// session, then moves the task to in_progress.
func (r *Runner) stepAgentSession(ctx context.Context) (time.Duration, error) {
	if r.state.StepResults.AgentSessionID != "" {
		if _, err := r.deps.Store.GetAgentSession(ctx, r.state.StepResults.AgentSessionID); err == nil {
			return 0, r.transitionToInProgress(ctx)
		} else if !errors.Is(err, metastore.ErrNotFound) {
			return 0, err
		}
	}

	session := &metastore.AgentSession{
		TaskID:      r.taskID,
		WorkspaceID: r.state.StepResults.WorkspaceID,
		Status:      metastore.AgentSessionStatusRunning,
	}
	if err := r.deps.Store.CreateAgentSession(ctx, session); err != nil {
		return 0, err
	}

	r.state.StepResults.AgentSessionID = session.ID
	r.saveState()

	nodeIP, err := r.nodeIP(ctx)
	if err != nil {
		return 0, err
	}
	err = r.deps.Agent.CreateSession(ctx, nodeIP, &agentclient.CreateSessionRequest{
		SessionID:   session.ID,
		WorkspaceID: r.state.StepResults.WorkspaceID,
		TaskTitle:   r.state.Config.TaskTitle,
		TaskPrompt:  r.state.Config.TaskDescription,
	})
	if err != nil {
		return 0, err
	}

	return 0, r.transitionToInProgress(ctx)
}

// transitionToInProgress moves the task to in_progress under an optimistic
// lock and completes the runner. A lock miss means the sweeper failed the
// task first; the runner exits silently and leaves the outcome to it.
func (r *Runner) transitionToInProgress(ctx context.Context) error {
	step := "running"
	moved, err := r.deps.Store.TransitionTaskStatus(ctx, r.taskID, metastore.TaskStatusDelegated, metastore.TaskStatusInProgress,
		func(u *metastore.TaskUpdate) {
			u.StampStartedAt()
			u.SetExecutionStep(&step)
		})
	if err != nil {
		return err
	}
	if !moved {
		r.abortPreempted("in_progress transition")
		return nil
	}

	r.appendStatusEvent(ctx, metastore.TaskStatusDelegated, metastore.TaskStatusInProgress, "agent session started")

	r.state.advance(StepRunning)
	r.state.Completed = true
	r.saveState()
	r.logger.Info("Task is now in progress",
		zap.String("node_id", r.state.StepResults.NodeID),
		zap.String("workspace_id", r.state.StepResults.WorkspaceID))
	r.publishTaskEvent(ctx, events.TaskStatusChanged, map[string]interface{}{
		"status": metastore.TaskStatusInProgress,
	})
	return nil
}

// abortPreempted records that another actor owns the task's outcome and
// silently completes the runner without cleanup.
func (r *Runner) abortPreempted(where string) {
	r.logger.Warn("aborted_by_recovery: optimistic lock miss, another actor owns this task",
		zap.String("at", where))
	r.state.Completed = true
	r.saveState()
}

// nodeIP resolves the selected node's IP address.
func (r *Runner) nodeIP(ctx context.Context) (string, error) {
	node, err := r.deps.Store.GetNode(ctx, r.state.StepResults.NodeID)
	if err != nil {
		return "", err
	}
	if node.IPAddress == nil || *node.IPAddress == "" {
		return "", fmt.Errorf("node %s has no ip address yet", node.ID)
	}
	return *node.IPAddress, nil
}

// appendStatusEvent appends an audit record; failures are logged only.
func (r *Runner) appendStatusEvent(ctx context.Context, from, to, reason string) {
	err := r.deps.Store.AppendTaskStatusEvent(ctx, &metastore.TaskStatusEvent{
		TaskID:     r.taskID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  metastore.ActorTypeSystem,
		Reason:     reason,
	})
	if err != nil {
		r.logger.Warn("Failed to append task status event", zap.Error(err))
	}
}
