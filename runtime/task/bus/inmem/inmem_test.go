package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task/bus"
)

func TestPublishRetainsPerTaskOrder(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStarted, "t1", "", nil)))
	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStepStarted, "t1", "s1", nil)))
	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStarted, "t2", "", nil)))
	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStepCompleted, "t1", "s1", nil)))

	events := b.Events("t1")
	require.Len(t, events, 3)
	assert.Equal(t, bus.TaskStarted, events[0].Type)
	assert.Equal(t, bus.TaskStepStarted, events[1].Type)
	assert.Equal(t, bus.TaskStepCompleted, events[2].Type)
	assert.Len(t, b.Events("t2"), 1)
	assert.Empty(t, b.Events("t3"))
}

func TestHandlersObserveEveryPublish(t *testing.T) {
	b := New()
	var seen []string
	b.Register(func(_ context.Context, e bus.Event) {
		seen = append(seen, e.Type)
	})

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, bus.New(bus.PlanningStarted, "t1", "", nil)))
	require.NoError(t, b.Publish(ctx, bus.New(bus.PlanningCompleted, "t1", "", nil)))

	assert.Equal(t, []string{bus.PlanningStarted, bus.PlanningCompleted}, seen)
}

func TestEventsOfType(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStepStarted, "t1", "s1", nil)))
	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStepCompleted, "t1", "s1", nil)))
	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStepStarted, "t1", "s2", nil)))

	started := b.EventsOfType("t1", bus.TaskStepStarted)
	require.Len(t, started, 2)
	assert.Equal(t, "s1", started[0].StepID)
	assert.Equal(t, "s2", started[1].StepID)
}

func TestEventsReturnsCopy(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, bus.New(bus.TaskStarted, "t1", "", nil)))

	got := b.Events("t1")
	got[0].Type = "mutated"
	assert.Equal(t, bus.TaskStarted, b.Events("t1")[0].Type)
}

func TestNewStampsTimestamp(t *testing.T) {
	e := bus.New(bus.TaskHeartbeat, "t1", "", map[string]any{"n": 1})
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, 1, e.Payload["n"])
}

func TestTerminalTopics(t *testing.T) {
	assert.True(t, bus.Terminal(bus.TaskCompleted))
	assert.True(t, bus.Terminal(bus.TaskFailed))
	assert.True(t, bus.Terminal(bus.TaskCancelled))
	assert.False(t, bus.Terminal(bus.TaskStepCompleted))
	assert.False(t, bus.Terminal(bus.PlanningCompleted))
}
