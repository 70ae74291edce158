package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "project.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *Store) *ChatSession {
	t.Helper()
	sess := &ChatSession{}
	require.NoError(t, s.InsertSession(context.Background(), sess))
	return sess
}

func TestMigrationLedger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.db")

	s, err := Open(path)
	require.NoError(t, err)
	applied, err := s.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial", "002_message_seq"}, applied)
	require.NoError(t, s.Close())

	// Reopening must not re-run anything.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	applied, err = s.AppliedMigrations()
	require.NoError(t, err)
	assert.Len(t, applied, 2)
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value, err := s.GetMeta(ctx, "projectId")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, s.SetMeta(ctx, "projectId", "p1"))
	value, err = s.GetMeta(ctx, "projectId")
	require.NoError(t, err)
	assert.Equal(t, "p1", value)

	require.NoError(t, s.SetMeta(ctx, "projectId", "p2"))
	value, err = s.GetMeta(ctx, "projectId")
	require.NoError(t, err)
	assert.Equal(t, "p2", value)
}

func TestStopSessionConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	stopped, err := s.StopSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stopped)

	// Second stop is a no-op.
	stopped, err = s.StopSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, stopped)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusStopped, got.Status)
	assert.NotNil(t, got.EndedAt)
}

func TestSetSessionTopicOnlyWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	require.NoError(t, s.SetSessionTopic(ctx, sess.ID, "first topic"))
	require.NoError(t, s.SetSessionTopic(ctx, sess.ID, "second topic"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "first topic", got.Topic)
}

func TestMessagePaginationBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		seq, err := s.NextSeq(ctx, sess.ID)
		require.NoError(t, err)
		require.NoError(t, s.InsertMessage(ctx, &ChatMessage{
			ID:        "m" + string(rune('1'+i)),
			SessionID: sess.ID,
			Role:      RoleUser,
			Content:   "hello",
			Seq:       seq,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)

	page, hasMore, err := s.ListMessages(ctx, sess.ID, 2, nil)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].ID)
	assert.Equal(t, "m5", page[1].ID)

	// Page older than the earliest returned message.
	before := base.Add(3 * time.Minute)
	page, hasMore, err = s.ListMessages(ctx, sess.ID, 10, &before)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, page, 3)
	assert.Equal(t, "m1", page[0].ID)
	assert.Equal(t, "m3", page[2].ID)
}

func TestPruneMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	for i := 0; i < 6; i++ {
		seq, err := s.NextSeq(ctx, sess.ID)
		require.NoError(t, err)
		require.NoError(t, s.InsertMessage(ctx, &ChatMessage{
			ID: "m" + string(rune('1'+i)), SessionID: sess.ID, Role: RoleUser, Content: "x", Seq: seq,
		}))
	}

	pruned, err := s.PruneMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, pruned)

	page, _, err := s.ListMessages(ctx, sess.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m5", page[0].ID)
	assert.Equal(t, "m6", page[1].ID)
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next, err := s.NextCleanupAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	nowMs := time.Now().UnixMilli()
	require.NoError(t, s.UpsertSchedule(ctx, &IdleCleanupSchedule{
		SessionID: "s1", WorkspaceID: "ws1", CleanupAt: nowMs + 60_000,
	}))
	require.NoError(t, s.UpsertSchedule(ctx, &IdleCleanupSchedule{
		SessionID: "s2", WorkspaceID: "ws2", CleanupAt: nowMs - 1_000,
	}))

	next, err = s.NextCleanupAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, nowMs-1_000, *next)

	expired, err := s.ListExpiredSchedules(ctx, nowMs)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "s2", expired[0].SessionID)

	// Upsert replaces the deadline and resets the retry counter.
	require.NoError(t, s.SetScheduleRetry(ctx, "s2", 1, nowMs+5_000))
	sched, err := s.GetSchedule(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, sched.RetryCount)
	require.NoError(t, s.UpsertSchedule(ctx, &IdleCleanupSchedule{
		SessionID: "s2", WorkspaceID: "ws2", CleanupAt: nowMs + 9_000,
	}))
	sched, err = s.GetSchedule(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 0, sched.RetryCount)

	touched, err := s.TouchSchedule(ctx, "s1", nowMs+120_000)
	require.NoError(t, err)
	assert.True(t, touched)
	touched, err = s.TouchSchedule(ctx, "missing", nowMs)
	require.NoError(t, err)
	assert.False(t, touched)

	require.NoError(t, s.DeleteSchedule(ctx, "s1"))
	require.NoError(t, s.DeleteSchedule(ctx, "s2"))
	next, err = s.NextCleanupAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestActivityPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertActivity(ctx, &ActivityEvent{
			EventType: "session.started",
			ActorType: "user",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.InsertActivity(ctx, &ActivityEvent{
		EventType: "session.stopped",
		ActorType: "user",
		CreatedAt: base.Add(10 * time.Minute),
	}))

	page, hasMore, err := s.ListActivity(ctx, "session.started", 3, nil)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Len(t, page, 3)

	last, err := s.LastActivityAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, base.Add(10*time.Minute), *last, time.Second)
}
