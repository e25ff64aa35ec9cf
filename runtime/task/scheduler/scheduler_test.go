package scheduler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/queue"
	"github.com/tentackl/tentackl/runtime/task/scheduler"
	treeinmem "github.com/tentackl/tentackl/runtime/task/tree/inmem"
)

type recordingQueue struct {
	items []queue.WorkItem
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, item queue.WorkItem) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func seedTree(t *testing.T) *treeinmem.Store {
	t.Helper()
	trees := treeinmem.New()
	_, err := trees.CreateTree(context.Background(), &task.Task{
		ID: "t1",
		Steps: []task.Step{
			{ID: "s1", AgentType: "web_research"},
			{ID: "s2", AgentType: "web_research"},
			{ID: "s3", AgentType: "compose", DependsOn: []string{"s1", "s2"}},
		},
	})
	require.NoError(t, err)
	return trees
}

func TestNewValidatesMode(t *testing.T) {
	trees := treeinmem.New()
	exec := func(context.Context, string, string) error { return nil }

	_, err := scheduler.New(scheduler.Options{Queue: &recordingQueue{}})
	assert.Error(t, err, "tree is required")

	_, err = scheduler.New(scheduler.Options{Tree: trees})
	assert.Error(t, err, "one mode must be selected")

	_, err = scheduler.New(scheduler.Options{Tree: trees, Queue: &recordingQueue{}, Execute: exec})
	assert.Error(t, err, "modes are exclusive")

	_, err = scheduler.New(scheduler.Options{Tree: trees, Execute: exec})
	assert.NoError(t, err)
}

func TestScheduleReadyNodesInProcess(t *testing.T) {
	trees := seedTree(t)
	var calls []string
	s, err := scheduler.New(scheduler.Options{
		Tree: trees,
		Execute: func(_ context.Context, taskID, stepID string) error {
			calls = append(calls, taskID+"/"+stepID)
			return nil
		},
	})
	require.NoError(t, err)

	n, err := s.ScheduleReadyNodes(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"t1/s1", "t1/s2"}, calls)
}

func TestScheduleReadyNodesQueueMode(t *testing.T) {
	trees := seedTree(t)
	q := &recordingQueue{}
	s, err := scheduler.New(scheduler.Options{Tree: trees, Queue: q})
	require.NoError(t, err)

	n, err := s.ScheduleReadyNodes(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, q.items, 2)
	for _, item := range q.items {
		assert.Equal(t, "t1", item.TaskID)
		assert.False(t, item.EnqueuedAt.IsZero())
	}
	got := []string{q.items[0].StepID, q.items[1].StepID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, got)
}

func TestScheduleReadyNodesSkipsBlockedSteps(t *testing.T) {
	trees := seedTree(t)
	require.NoError(t, trees.CompleteStep(context.Background(), "t1", "s1", nil))
	q := &recordingQueue{}
	s, err := scheduler.New(scheduler.Options{Tree: trees, Queue: q})
	require.NoError(t, err)

	// s2 is still pending so s3 stays blocked.
	n, err := s.ScheduleReadyNodes(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, q.items, 1)
	assert.Equal(t, "s2", q.items[0].StepID)
}

func TestScheduleReadyNodesStopsOnDispatchFailure(t *testing.T) {
	trees := seedTree(t)
	boom := errors.New("queue unavailable")
	s, err := scheduler.New(scheduler.Options{Tree: trees, Queue: &recordingQueue{err: boom}})
	require.NoError(t, err)

	n, err := s.ScheduleReadyNodes(context.Background(), "t1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
}

func TestScheduleReadyNodesEmptyTask(t *testing.T) {
	trees := seedTree(t)
	ctx := context.Background()
	require.NoError(t, trees.CompleteStep(ctx, "t1", "s1", nil))
	require.NoError(t, trees.CompleteStep(ctx, "t1", "s2", nil))
	require.NoError(t, trees.CompleteStep(ctx, "t1", "s3", nil))

	s, err := scheduler.New(scheduler.Options{Tree: trees, Queue: &recordingQueue{}})
	require.NoError(t, err)
	n, err := s.ScheduleReadyNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
