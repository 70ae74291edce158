package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/agentclient"
	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/events/bus"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/orchestrator/statestore"
	"github.com/devharbor/devharbor/internal/provider"
)

// ProviderAPI is the cloud-provider surface the runner needs.
type ProviderAPI interface {
	CreateInstance(ctx context.Context, req *provider.CreateInstanceRequest) (*provider.Instance, error)
	GetInstance(ctx context.Context, id string) (*provider.Instance, error)
	DeleteInstance(ctx context.Context, id string) error
}

// AgentAPI is the VM-agent surface the runner needs.
type AgentAPI interface {
	Health(ctx context.Context, nodeIP string) error
	CreateWorkspace(ctx context.Context, nodeIP string, req *agentclient.CreateWorkspaceRequest) error
	StopWorkspace(ctx context.Context, nodeIP, workspaceID string) error
	CreateSession(ctx context.Context, nodeIP string, req *agentclient.CreateSessionRequest) error
}

// NodeLifecycle serializes warm/claim/idle transitions per node.
type NodeLifecycle interface {
	TryClaim(ctx context.Context, nodeID, taskID string) (bool, error)
	MarkIdle(ctx context.Context, nodeID, userID string) error
}

// ErrorRecorder stores best-effort error records.
type ErrorRecorder interface {
	RecordTaskError(ctx context.Context, taskID, message string, contextJSON *string) error
}

// SessionLinker links a chat session to its workspace in the project's
// session store. Best-effort.
type SessionLinker interface {
	LinkSessionWorkspace(ctx context.Context, projectID, sessionID, workspaceID string) error
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Store         *metastore.Store
	States        *statestore.Store
	Provider      ProviderAPI
	Agent         AgentAPI
	Nodes         NodeLifecycle
	Observability ErrorRecorder
	Sessions      SessionLinker
	Bus           bus.EventBus
	Config        config.RunnerConfig
	Logger        *logger.Logger
}

// Runner is the per-task actor. All state access happens on the runner's
// own goroutine: public methods enqueue work into the mailbox and the loop
// executes calls and alarm ticks one at a time, in arrival order.
type Runner struct {
	taskID string
	deps   *Deps
	logger *logger.Logger

	mailbox chan func()
	stopCh  chan struct{}
	done    sync.WaitGroup

	// Owned by the actor goroutine.
	state  *RunnerState
	timer  *time.Timer
	timerC <-chan time.Time
}

const runnerMailboxSize = 16

// newRunner creates a runner for a task, optionally adopting restored state.
func newRunner(taskID string, state *RunnerState, deps *Deps) *Runner {
	r := &Runner{
		taskID:  taskID,
		deps:    deps,
		logger:  deps.Logger.WithTaskID(taskID),
		mailbox: make(chan func(), runnerMailboxSize),
		stopCh:  make(chan struct{}),
		state:   state,
	}
	r.done.Add(1)
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer r.done.Done()
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-r.timerC:
			r.timer = nil
			r.timerC = nil
			r.onAlarm()
		case <-r.stopCh:
			if r.timer != nil {
				r.timer.Stop()
			}
			return
		}
	}
}

// enqueue submits work to the actor, waiting for the loop to finish it.
func (r *Runner) enqueue(fn func()) {
	doneCh := make(chan struct{})
	select {
	case r.mailbox <- func() { fn(); close(doneCh) }:
	case <-r.stopCh:
		return
	}
	select {
	case <-doneCh:
	case <-r.stopCh:
	}
}

// scheduleAlarm arms the single alarm; a new alarm replaces the old one.
// Must be called from the actor goroutine.
func (r *Runner) scheduleAlarm(delay time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	r.timer = time.NewTimer(delay)
	r.timerC = r.timer.C
}

// Start initializes the runner for a task. Idempotent: an already
// initialized runner logs and returns.
func (r *Runner) Start(taskID, projectID, userID string, cfg TaskConfig) {
	r.enqueue(func() {
		if r.state != nil {
			r.logger.Info("Task runner already initialized, ignoring start")
			return
		}
		r.state = newRunnerState(taskID, projectID, userID, cfg)
		r.saveState()
		r.scheduleAlarm(0)
		r.logger.Info("Task runner started",
			zap.String("project_id", projectID),
			zap.String("user_id", userID))
	})
}

// AdvanceWorkspaceReady records the workspace-ready callback. If the runner
// is currently waiting in the workspace_ready step, it fires the alarm
// immediately; otherwise the signal is stored and honoured on arrival.
func (r *Runner) AdvanceWorkspaceReady(status, errorMessage string) {
	r.enqueue(func() {
		if r.state == nil || r.state.Terminal() {
			return
		}
		r.state.WorkspaceReadyReceived = true
		r.state.WorkspaceReadyStatus = status
		r.state.WorkspaceErrorMessage = errorMessage
		r.saveState()
		r.logger.Info("Workspace ready signal received",
			zap.String("status", status),
			zap.String("current_step", r.state.CurrentStep))
		if r.state.CurrentStep == StepWorkspaceReady {
			r.scheduleAlarm(0)
		}
	})
}

// GetStatus returns a copy of the persisted state, or nil if uninitialized.
func (r *Runner) GetStatus() *RunnerState {
	var snapshot *RunnerState
	r.enqueue(func() {
		if r.state == nil {
			return
		}
		copied := *r.state
		snapshot = &copied
	})
	return snapshot
}

// resume arms an immediate alarm so a restored runner continues its step.
func (r *Runner) resume() {
	r.enqueue(func() {
		if r.state == nil || r.state.Terminal() {
			return
		}
		r.scheduleAlarm(0)
	})
}

// stop shuts down the actor goroutine without touching persisted state.
func (r *Runner) stop() {
	close(r.stopCh)
	r.done.Wait()
}

// onAlarm advances at most one step. All errors are caught and classified
// here; step handlers never handle their own retries.
func (r *Runner) onAlarm() {
	if r.state == nil || r.state.Terminal() {
		return
	}

	ctx := context.Background()
	delay, err := r.executeStep(ctx)
	if err != nil {
		r.handleStepError(ctx, err)
		return
	}
	if r.state.Terminal() {
		return
	}
	r.scheduleAlarm(delay)
}

// executeStep dispatches the current step. It returns the delay before the
// next alarm; zero means continue immediately.
func (r *Runner) executeStep(ctx context.Context) (time.Duration, error) {
	r.logger.Debug("Executing step",
		zap.String("step", r.state.CurrentStep),
		zap.Int("retry_count", r.state.RetryCount))

	switch r.state.CurrentStep {
	case StepNodeSelection:
		return r.stepNodeSelection(ctx)
	case StepNodeProvisioning:
		return r.stepNodeProvisioning(ctx)
	case StepNodeAgentReady:
		return r.stepNodeAgentReady(ctx)
	case StepWorkspaceCreation:
		return r.stepWorkspaceCreation(ctx)
	case StepWorkspaceReady:
		return r.stepWorkspaceReady(ctx)
	case StepAgentSession:
		return r.stepAgentSession(ctx)
	default:
		return 0, permanentf("corrupt state: unknown step %q", r.state.CurrentStep)
	}
}

// handleStepError classifies a step failure and either re-arms with backoff
// or fails the task permanently.
func (r *Runner) handleStepError(ctx context.Context, err error) {
	if !IsPermanent(err) {
		r.state.RetryCount++
		if r.state.RetryCount <= r.deps.Config.StepMaxRetries {
			delay := retryDelay(r.state.RetryCount, r.deps.Config.StepRetryBaseDelay(), r.deps.Config.StepRetryMaxDelay())
			r.saveState()
			r.scheduleAlarm(delay)
			r.logger.Warn("Transient step failure, retrying",
				zap.String("step", r.state.CurrentStep),
				zap.Int("retry_count", r.state.RetryCount),
				zap.Duration("delay", delay),
				zap.Error(err))
			return
		}
		r.logger.Error("Retries exhausted",
			zap.String("step", r.state.CurrentStep),
			zap.Int("retry_count", r.state.RetryCount),
			zap.Error(err))
	}
	r.failTask(ctx, err.Error())
}

// saveState persists the runner state; persistence failures are logged and
// the in-memory state remains authoritative until the next write.
func (r *Runner) saveState() {
	data, err := encodeState(r.state)
	if err != nil {
		r.logger.Error("Failed to encode runner state", zap.Error(err))
		return
	}
	if err := r.deps.States.Put(r.taskID, data); err != nil {
		r.logger.Error("Failed to persist runner state", zap.Error(err))
	}
}
