// Package session implements the per-project session store: one actor per
// project owning an embedded database of chat sessions, messages, and
// activity events, an idle-cleanup alarm, viewer WebSocket fan-out, and a
// debounced summary syncback to the central metadata store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/session/store"
)

// Broadcast types sent to attached viewers.
const (
	BroadcastSessionCreated        = "session.created"
	BroadcastSessionStopped        = "session.stopped"
	BroadcastSessionAgentCompleted = "session.agent_completed"
	BroadcastSessionIdleCleanup    = "session.idle_cleanup"
	BroadcastMessageNew            = "message.new"
	BroadcastMessagesBatch         = "messages.batch"
	BroadcastActivityNew           = "activity.new"
)

// Activity event types recorded by the instance.
const (
	ActivitySessionStarted           = "session.started"
	ActivitySessionStopped           = "session.stopped"
	ActivitySessionIdleCleanup       = "session.idle_cleanup"
	ActivitySessionIdleCleanupFailed = "session.idle_cleanup_failed"
)

// ErrLimitExceeded is returned when a per-project or per-session cap is hit.
var ErrLimitExceeded = errors.New("limit exceeded")

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = store.ErrNotFound

const metaKeyProjectID = "projectId"

// CentralStore is the metadata-store surface the instance needs for idle
// cleanup and summary syncback.
type CentralStore interface {
	GetTask(ctx context.Context, id string) (*metastore.Task, error)
	TransitionTaskStatus(ctx context.Context, id, from, to string, mutate func(*metastore.TaskUpdate)) (bool, error)
	TransitionWorkspaceStatus(ctx context.Context, id string, from []string, to string) (bool, error)
	AppendTaskStatusEvent(ctx context.Context, event *metastore.TaskStatusEvent) error
	UpdateProjectSummary(ctx context.Context, projectID string, lastActivityAt *time.Time, activeSessionCount int) error
}

// IncomingMessage is one entry of a message batch, in the agent's wire
// format. MessageID is the client-supplied idempotency key.
type IncomingMessage struct {
	MessageID    string  `json:"messageId"`
	Role         string  `json:"role"`
	Content      string  `json:"content"`
	ToolMetadata *string `json:"toolMetadata,omitempty"`
	Timestamp    string  `json:"timestamp"`
}

// BatchResult reports the outcome of a message batch.
type BatchResult struct {
	Persisted  int `json:"persisted"`
	Duplicates int `json:"duplicates"`
}

// Instance is the single-writer actor for one project. All operations and
// both alarms (idle cleanup, summary sync) execute on the actor goroutine
// in arrival order; reads go through the same mailbox so callers observe
// their own writes.
type Instance struct {
	projectID string
	store     *store.Store
	cms       CentralStore
	hub       *Hub
	cfg       config.SessionConfig
	logger    *logger.Logger

	mailbox chan func()
	stopCh  chan struct{}
	done    sync.WaitGroup

	// Owned by the actor goroutine.
	cleanupTimer *time.Timer
	cleanupC     <-chan time.Time
	syncTimer    *time.Timer
	syncC        <-chan time.Time
}

const instanceMailboxSize = 32

// newInstance opens the actor for a project. The project binding is written
// into the instance metadata and any persisted cleanup schedule re-arms the
// alarm, so idle cleanup survives restarts.
func newInstance(projectID string, st *store.Store, cms CentralStore, hub *Hub, cfg config.SessionConfig, log *logger.Logger) (*Instance, error) {
	i := &Instance{
		projectID: projectID,
		store:     st,
		cms:       cms,
		hub:       hub,
		cfg:       cfg,
		logger:    log.WithProjectID(projectID),
		mailbox:   make(chan func(), instanceMailboxSize),
		stopCh:    make(chan struct{}),
	}

	ctx := context.Background()
	if err := i.ensureProjectID(ctx); err != nil {
		return nil, err
	}

	i.done.Add(1)
	go i.loop()

	i.enqueue(func() { i.recomputeAlarm(ctx) })
	return i, nil
}

// ensureProjectID persists the project binding idempotently.
func (i *Instance) ensureProjectID(ctx context.Context) error {
	existing, err := i.store.GetMeta(ctx, metaKeyProjectID)
	if err != nil {
		return err
	}
	if existing == "" {
		return i.store.SetMeta(ctx, metaKeyProjectID, i.projectID)
	}
	if existing != i.projectID {
		return fmt.Errorf("project store belongs to %s, not %s", existing, i.projectID)
	}
	return nil
}

func (i *Instance) loop() {
	defer i.done.Done()
	for {
		select {
		case fn := <-i.mailbox:
			fn()
		case <-i.cleanupC:
			i.cleanupTimer = nil
			i.cleanupC = nil
			i.onCleanupAlarm()
		case <-i.syncC:
			i.syncTimer = nil
			i.syncC = nil
			i.syncSummary()
		case <-i.stopCh:
			if i.cleanupTimer != nil {
				i.cleanupTimer.Stop()
			}
			if i.syncTimer != nil {
				i.syncTimer.Stop()
			}
			return
		}
	}
}

// enqueue submits work to the actor and waits for it to finish.
func (i *Instance) enqueue(fn func()) {
	doneCh := make(chan struct{})
	select {
	case i.mailbox <- func() { fn(); close(doneCh) }:
	case <-i.stopCh:
		return
	}
	select {
	case <-doneCh:
	case <-i.stopCh:
	}
}

// stop shuts down the actor goroutine.
func (i *Instance) stop() {
	close(i.stopCh)
	i.done.Wait()
	if err := i.store.Close(); err != nil {
		i.logger.Warn("Failed to close project store", zap.Error(err))
	}
}

// CreateSession creates an active chat session. Empty arguments are treated
// as absent.
func (i *Instance) CreateSession(ctx context.Context, workspaceID, topic, taskID string) (*store.ChatSession, error) {
	var (
		sess *store.ChatSession
		err  error
	)
	i.enqueue(func() {
		var count int
		count, err = i.store.CountSessions(ctx)
		if err != nil {
			return
		}
		if count >= i.cfg.MaxSessionsPerProject {
			err = fmt.Errorf("project has %d of %d allowed sessions: %w", count, i.cfg.MaxSessionsPerProject, ErrLimitExceeded)
			return
		}

		sess = &store.ChatSession{Topic: topic}
		if workspaceID != "" {
			sess.WorkspaceID = &workspaceID
		}
		if taskID != "" {
			sess.TaskID = &taskID
		}
		if err = i.store.InsertSession(ctx, sess); err != nil {
			sess = nil
			return
		}

		i.recordActivity(ctx, &store.ActivityEvent{
			EventType: ActivitySessionStarted,
			ActorType: "user",
			SessionID: &sess.ID,
			TaskID:    sess.TaskID,
		})
		i.broadcast(BroadcastSessionCreated, sess)
	})
	return sess, err
}

// StopSession stops an active session. Stopping an already stopped session
// is a no-op.
func (i *Instance) StopSession(ctx context.Context, sessionID string) error {
	var err error
	i.enqueue(func() {
		var stopped bool
		stopped, err = i.store.StopSession(ctx, sessionID)
		if err != nil || !stopped {
			return
		}
		i.recordActivity(ctx, &store.ActivityEvent{
			EventType: ActivitySessionStopped,
			ActorType: "user",
			SessionID: &sessionID,
		})
		i.broadcast(BroadcastSessionStopped, map[string]interface{}{"sessionId": sessionID})
	})
	return err
}

// PersistMessage appends one message with a generated id.
func (i *Instance) PersistMessage(ctx context.Context, sessionID, role, content string, toolMetadata *string) (*store.ChatMessage, error) {
	var (
		msg *store.ChatMessage
		err error
	)
	i.enqueue(func() {
		msg, err = i.persistMessage(ctx, sessionID, "msg-"+uuid.New().String(), role, content, toolMetadata, time.Time{}, false)
		if err != nil || msg == nil {
			return
		}
		i.broadcast(BroadcastMessageNew, msg)
	})
	return msg, err
}

// PersistMessageBatch appends a batch of client-identified messages,
// skipping ids already stored, and fires a single broadcast at the end.
func (i *Instance) PersistMessageBatch(ctx context.Context, sessionID string, messages []IncomingMessage) (BatchResult, error) {
	var (
		result BatchResult
		err    error
	)
	i.enqueue(func() {
		if _, err = i.store.GetSession(ctx, sessionID); err != nil {
			return
		}

		persisted := make([]*store.ChatMessage, 0, len(messages))
		for _, in := range messages {
			var exists bool
			exists, err = i.store.MessageExists(ctx, sessionID, in.MessageID)
			if err != nil {
				return
			}
			if exists {
				result.Duplicates++
				continue
			}

			createdAt := time.Time{}
			if in.Timestamp != "" {
				if t, parseErr := time.Parse(time.RFC3339, in.Timestamp); parseErr == nil {
					createdAt = t.UTC()
				}
			}
			var msg *store.ChatMessage
			msg, err = i.persistMessage(ctx, sessionID, in.MessageID, in.Role, in.Content, in.ToolMetadata, createdAt, true)
			if err != nil {
				return
			}
			if msg == nil {
				// Cap reached; the rest of the batch is dropped.
				break
			}
			persisted = append(persisted, msg)
			result.Persisted++
		}

		if len(persisted) > 0 {
			i.broadcast(BroadcastMessagesBatch, map[string]interface{}{
				"sessionId": sessionID,
				"messages":  persisted,
			})
		}
	})
	return result, err
}

// persistMessage inserts one message on the actor goroutine. At the message
// cap a single append fails with ErrLimitExceeded while a batch replay
// returns nil without error so the caller can stop quietly.
func (i *Instance) persistMessage(ctx context.Context, sessionID, messageID, role, content string, toolMetadata *string, createdAt time.Time, fromBatch bool) (*store.ChatMessage, error) {
	sess, err := i.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.MessageCount >= i.cfg.MaxMessagesPerSession {
		if fromBatch {
			return nil, nil
		}
		return nil, fmt.Errorf("session has %d of %d allowed messages: %w", sess.MessageCount, i.cfg.MaxMessagesPerSession, ErrLimitExceeded)
	}

	seq, err := i.store.NextSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := &store.ChatMessage{
		ID:           messageID,
		SessionID:    sessionID,
		Role:         role,
		Content:      content,
		ToolMetadata: toolMetadata,
		Seq:          seq,
		CreatedAt:    createdAt,
	}
	if err := i.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	// First user message names the conversation.
	if sess.Topic == "" && role == store.RoleUser {
		if err := i.store.SetSessionTopic(ctx, sessionID, truncateTopic(content)); err != nil {
			i.logger.Warn("Failed to capture session topic", zap.Error(err))
		}
	}
	return msg, nil
}

// truncateTopic caps a topic at 100 characters with an ellipsis.
func truncateTopic(content string) string {
	runes := []rune(content)
	if len(runes) <= 100 {
		return content
	}
	return string(runes[:100]) + "…"
}

// ListSessions lists sessions newest first.
func (i *Instance) ListSessions(ctx context.Context, status, taskID string, limit, offset int) ([]*store.ChatSession, error) {
	var (
		sessions []*store.ChatSession
		err      error
	)
	i.enqueue(func() {
		sessions, err = i.store.ListSessions(ctx, status, taskID, limit, offset)
	})
	return sessions, err
}

// GetSession retrieves one session.
func (i *Instance) GetSession(ctx context.Context, sessionID string) (*store.ChatSession, error) {
	var (
		sess *store.ChatSession
		err  error
	)
	i.enqueue(func() {
		sess, err = i.store.GetSession(ctx, sessionID)
	})
	return sess, err
}

// GetMessages returns a page of messages ending strictly before the cursor.
func (i *Instance) GetMessages(ctx context.Context, sessionID string, limit int, before *time.Time) ([]*store.ChatMessage, bool, error) {
	var (
		page    []*store.ChatMessage
		hasMore bool
		err     error
	)
	i.enqueue(func() {
		page, hasMore, err = i.store.ListMessages(ctx, sessionID, limit, before)
	})
	return page, hasMore, err
}

// RecordActivityEvent appends an activity event, broadcasts it, and arms
// the summary syncback.
func (i *Instance) RecordActivityEvent(ctx context.Context, ev *store.ActivityEvent) error {
	var err error
	i.enqueue(func() {
		err = i.recordActivity(ctx, ev)
	})
	return err
}

// ListActivityEvents returns a page of activity newest first.
func (i *Instance) ListActivityEvents(ctx context.Context, eventType string, limit int, before *time.Time) ([]*store.ActivityEvent, bool, error) {
	var (
		page    []*store.ActivityEvent
		hasMore bool
		err     error
	)
	i.enqueue(func() {
		page, hasMore, err = i.store.ListActivity(ctx, eventType, limit, before)
	})
	return page, hasMore, err
}

// MarkAgentCompleted stamps agent completion once; repeats are no-ops.
func (i *Instance) MarkAgentCompleted(ctx context.Context, sessionID string) error {
	var err error
	i.enqueue(func() {
		var marked bool
		marked, err = i.store.MarkAgentCompleted(ctx, sessionID)
		if err != nil || !marked {
			return
		}
		i.broadcast(BroadcastSessionAgentCompleted, map[string]interface{}{"sessionId": sessionID})
	})
	return err
}

// ScheduleIdleCleanup arms (or replaces) the idle-cleanup schedule for a
// session at now + idle timeout.
func (i *Instance) ScheduleIdleCleanup(ctx context.Context, sessionID, workspaceID, taskID string) error {
	var err error
	i.enqueue(func() {
		sched := &store.IdleCleanupSchedule{
			SessionID:   sessionID,
			WorkspaceID: workspaceID,
			CleanupAt:   time.Now().Add(i.cfg.IdleTimeout()).UnixMilli(),
		}
		if taskID != "" {
			sched.TaskID = &taskID
		}
		if err = i.store.UpsertSchedule(ctx, sched); err != nil {
			return
		}
		i.recomputeAlarm(ctx)
	})
	return err
}

// CancelIdleCleanup removes a session's schedule.
func (i *Instance) CancelIdleCleanup(ctx context.Context, sessionID string) error {
	var err error
	i.enqueue(func() {
		if err = i.store.DeleteSchedule(ctx, sessionID); err != nil {
			return
		}
		i.recomputeAlarm(ctx)
	})
	return err
}

// ResetIdleCleanup pushes an existing schedule's deadline out by the idle
// timeout. A session without a schedule is left alone.
func (i *Instance) ResetIdleCleanup(ctx context.Context, sessionID string) error {
	var err error
	i.enqueue(func() {
		deadline := time.Now().Add(i.cfg.IdleTimeout()).UnixMilli()
		var touched bool
		touched, err = i.store.TouchSchedule(ctx, sessionID, deadline)
		if err != nil || !touched {
			return
		}
		i.recomputeAlarm(ctx)
	})
	return err
}

// LinkWorkspace records the workspace back-reference on a session.
func (i *Instance) LinkWorkspace(ctx context.Context, sessionID, workspaceID string) error {
	var err error
	i.enqueue(func() {
		err = i.store.SetSessionWorkspace(ctx, sessionID, workspaceID)
	})
	return err
}

// PruneMessages trims a session to its newest keep messages.
func (i *Instance) PruneMessages(ctx context.Context, sessionID string, keep int) (int, error) {
	var (
		pruned int
		err    error
	)
	i.enqueue(func() {
		pruned, err = i.store.PruneMessages(ctx, sessionID, keep)
	})
	return pruned, err
}

// recordActivity appends, broadcasts, and arms the summary sync. Runs on
// the actor goroutine.
func (i *Instance) recordActivity(ctx context.Context, ev *store.ActivityEvent) error {
	if ev.ActorType == "" {
		ev.ActorType = "system"
	}
	if err := i.store.InsertActivity(ctx, ev); err != nil {
		return err
	}
	i.broadcast(BroadcastActivityNew, ev)
	i.scheduleSummarySync()
	return nil
}

// broadcast fans an envelope out to attached viewers.
func (i *Instance) broadcast(eventType string, payload interface{}) {
	if i.hub == nil {
		return
	}
	i.hub.Broadcast(eventType, payload)
}

// scheduleSummarySync arms the debounced syncback. An already armed timer
// is left in place so bursts coalesce into one sync.
func (i *Instance) scheduleSummarySync() {
	if i.syncTimer != nil {
		return
	}
	i.syncTimer = time.NewTimer(i.cfg.SummarySyncDebounce())
	i.syncC = i.syncTimer.C
}

// syncSummary pushes last_activity_at and the active session count to the
// central store. Best-effort: failures are logged and the next activity
// re-arms the timer.
func (i *Instance) syncSummary() {
	ctx := context.Background()
	lastActivity, err := i.store.LastActivityAt(ctx)
	if err != nil {
		i.logger.Warn("Failed to read last activity", zap.Error(err))
		return
	}
	active, err := i.store.CountActiveSessions(ctx)
	if err != nil {
		i.logger.Warn("Failed to count active sessions", zap.Error(err))
		return
	}
	if err := i.cms.UpdateProjectSummary(ctx, i.projectID, lastActivity, active); err != nil {
		i.logger.Warn("Failed to sync project summary", zap.Error(err))
	}
}

// recomputeAlarm re-arms the cleanup timer at the earliest pending
// deadline, or clears it when no schedules remain. Runs on the actor
// goroutine.
func (i *Instance) recomputeAlarm(ctx context.Context) {
	if i.cleanupTimer != nil {
		i.cleanupTimer.Stop()
		i.cleanupTimer = nil
		i.cleanupC = nil
	}

	next, err := i.store.NextCleanupAt(ctx)
	if err != nil {
		i.logger.Error("Failed to read next cleanup deadline", zap.Error(err))
		return
	}
	if next == nil {
		return
	}

	delay := time.Until(time.UnixMilli(*next))
	if delay < 0 {
		delay = 0
	}
	i.cleanupTimer = time.NewTimer(delay)
	i.cleanupC = i.cleanupTimer.C
}

// onCleanupAlarm processes every expired schedule, then re-arms the alarm
// for the next deadline.
func (i *Instance) onCleanupAlarm() {
	ctx := context.Background()
	expired, err := i.store.ListExpiredSchedules(ctx, time.Now().UnixMilli())
	if err != nil {
		i.logger.Error("Failed to list expired cleanup schedules", zap.Error(err))
		i.recomputeAlarm(ctx)
		return
	}

	for _, sched := range expired {
		if err := i.cleanupSession(ctx, sched); err != nil {
			i.handleCleanupFailure(ctx, sched, err)
		}
	}
	i.recomputeAlarm(ctx)
}

// cleanupSession performs the idle cleanup for one expired schedule: stop
// the session, settle the task and workspace in the central store, drop the
// schedule, and record the activity.
func (i *Instance) cleanupSession(ctx context.Context, sched *store.IdleCleanupSchedule) error {
	if _, err := i.store.StopSession(ctx, sched.SessionID); err != nil {
		return err
	}

	if sched.TaskID != nil && *sched.TaskID != "" {
		if err := i.completeIdleTask(ctx, *sched.TaskID); err != nil {
			return err
		}
	}

	if _, err := i.cms.TransitionWorkspaceStatus(ctx, sched.WorkspaceID,
		[]string{metastore.WorkspaceStatusRunning, metastore.WorkspaceStatusRecovery},
		metastore.WorkspaceStatusStopped); err != nil {
		return err
	}

	if err := i.store.DeleteSchedule(ctx, sched.SessionID); err != nil {
		return err
	}

	if err := i.recordActivity(ctx, &store.ActivityEvent{
		EventType:   ActivitySessionIdleCleanup,
		ActorType:   "system",
		SessionID:   &sched.SessionID,
		WorkspaceID: &sched.WorkspaceID,
		TaskID:      sched.TaskID,
	}); err != nil {
		i.logger.Warn("Failed to record idle cleanup activity", zap.Error(err))
	}

	i.broadcast(BroadcastSessionIdleCleanup, map[string]interface{}{
		"sessionId":   sched.SessionID,
		"workspaceId": sched.WorkspaceID,
	})
	i.logger.Info("Idle session cleaned up", zap.String("session_id", sched.SessionID))
	return nil
}

// completeIdleTask settles the task after idle cleanup. Only tasks still
// owned by a live run move to completed; anything else is left alone.
func (i *Instance) completeIdleTask(ctx context.Context, taskID string) error {
	task, err := i.cms.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status != metastore.TaskStatusInProgress && task.Status != metastore.TaskStatusDelegated {
		return nil
	}

	moved, err := i.cms.TransitionTaskStatus(ctx, taskID, task.Status, metastore.TaskStatusCompleted,
		func(u *metastore.TaskUpdate) {
			u.StampCompletedAt()
			u.SetExecutionStep(nil)
		})
	if err != nil {
		return err
	}
	if moved {
		if err := i.cms.AppendTaskStatusEvent(ctx, &metastore.TaskStatusEvent{
			TaskID:     taskID,
			FromStatus: task.Status,
			ToStatus:   metastore.TaskStatusCompleted,
			ActorType:  metastore.ActorTypeSystem,
			Reason:     "idle cleanup",
		}); err != nil {
			i.logger.Warn("Failed to append status event", zap.Error(err))
		}
	}
	return nil
}

// handleCleanupFailure retries a failed cleanup after a delay, or gives up
// once the retry budget is spent and tells the user through a system
// message.
func (i *Instance) handleCleanupFailure(ctx context.Context, sched *store.IdleCleanupSchedule, cause error) {
	i.logger.Warn("Idle cleanup attempt failed",
		zap.String("session_id", sched.SessionID),
		zap.Int("retry_count", sched.RetryCount),
		zap.Error(cause))

	if sched.RetryCount >= i.cfg.IdleCleanupMaxRetries {
		if err := i.store.DeleteSchedule(ctx, sched.SessionID); err != nil {
			i.logger.Error("Failed to delete exhausted cleanup schedule", zap.Error(err))
		}
		if err := i.recordActivity(ctx, &store.ActivityEvent{
			EventType:   ActivitySessionIdleCleanupFailed,
			ActorType:   "system",
			SessionID:   &sched.SessionID,
			WorkspaceID: &sched.WorkspaceID,
			TaskID:      sched.TaskID,
		}); err != nil {
			i.logger.Warn("Failed to record cleanup failure activity", zap.Error(err))
		}
		msg, err := i.persistMessage(ctx, sched.SessionID, "msg-"+uuid.New().String(), store.RoleSystem,
			"Automatic cleanup of this session failed. The workspace may still be running; please stop it manually.",
			nil, time.Time{}, false)
		if err != nil {
			i.logger.Warn("Failed to insert cleanup failure message", zap.Error(err))
		} else if msg != nil {
			i.broadcast(BroadcastMessageNew, msg)
		}
		return
	}

	nextAt := time.Now().Add(i.cfg.IdleCleanupRetryDelay()).UnixMilli()
	if err := i.store.SetScheduleRetry(ctx, sched.SessionID, sched.RetryCount+1, nextAt); err != nil {
		i.logger.Error("Failed to record cleanup retry", zap.Error(err))
	}
}
