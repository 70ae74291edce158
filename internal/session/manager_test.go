package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/events/bus"
)

func TestManagerMirrorsTaskEventsIntoActivityFeed(t *testing.T) {
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	m, err := NewManager(t.TempDir(), newTestCMS(t), memBus, testSessionConfig(), log)
	require.NoError(t, err)
	defer m.Stop()

	inst, err := m.Instance("p1")
	require.NoError(t, err)

	ctx := context.Background()
	err = memBus.Publish(ctx, events.SubjectTasks+"."+events.TaskFailed,
		bus.NewEvent(events.TaskFailed, "orchestrator", map[string]interface{}{
			"project_id": "p1",
			"task_id":    "t1",
			"reason":     "step exhausted retries",
		}))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		evs, _, err := inst.ListActivityEvents(ctx, events.TaskFailed, 10, nil)
		require.NoError(t, err)
		if len(evs) == 1 {
			require.NotNil(t, evs[0].TaskID)
			assert.Equal(t, "t1", *evs[0].TaskID)
			assert.Equal(t, events.TaskFailed, evs[0].EventType)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task event never reached the activity feed, have %d events", len(evs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerIgnoresTaskEventsForColdProjects(t *testing.T) {
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	m, err := NewManager(t.TempDir(), newTestCMS(t), memBus, testSessionConfig(), log)
	require.NoError(t, err)
	defer m.Stop()

	err = memBus.Publish(context.Background(), events.SubjectTasks+"."+events.TaskFailed,
		bus.NewEvent(events.TaskFailed, "orchestrator", map[string]interface{}{
			"project_id": "never-seen",
			"task_id":    "t1",
		}))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.instances)
}
