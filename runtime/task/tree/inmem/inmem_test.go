package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/tree"
)

func diamondTask() *task.Task {
	return &task.Task{
		ID: "t1",
		Steps: []task.Step{
			{ID: "a", Name: "A"},
			{ID: "b", Name: "B", DependsOn: []string{"a"}},
			{ID: "c", Name: "C", DependsOn: []string{"a"}},
			{ID: "d", Name: "D", DependsOn: []string{"b", "c"}},
		},
	}
}

func TestCreateTreeAndReadiness(t *testing.T) {
	s := New()
	ctx := context.Background()
	id, err := s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ready, err := s.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].StepID)

	require.NoError(t, s.StartStep(ctx, "t1", "a"))
	ready, err = s.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, s.CompleteStep(ctx, "t1", "a", map[string]any{"out": 1}))
	ready, err = s.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].StepID)
	assert.Equal(t, "c", ready[1].StepID)

	// d stays blocked until both parents succeed.
	require.NoError(t, s.CompleteStep(ctx, "t1", "b", nil))
	ready, err = s.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].StepID)

	// Skipped counts as terminal success for readiness.
	require.NoError(t, s.SkipStep(ctx, "t1", "c"))
	ready, err = s.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].StepID)
}

func TestCreateTreeRejectsUnknownDependency(t *testing.T) {
	s := New()
	_, err := s.CreateTree(context.Background(), &task.Task{
		ID:    "t1",
		Steps: []task.Step{{ID: "a", DependsOn: []string{"ghost"}}},
	})
	require.Error(t, err)
}

func TestFailedDependencyBlocksDependents(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)

	require.NoError(t, s.CompleteStep(ctx, "t1", "a", nil))
	require.NoError(t, s.FailStep(ctx, "t1", "b", "boom"))
	require.NoError(t, s.CompleteStep(ctx, "t1", "c", nil))

	ready, err := s.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, ready)

	done, err := s.IsTaskComplete(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestResetStepClearsState(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)

	require.NoError(t, s.FailStep(ctx, "t1", "a", "boom"))
	st, ok, err := s.GetStep(ctx, "t1", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StepFailed, st.Status)
	assert.Equal(t, "boom", st.Error)

	st.RetryCount = 1
	require.NoError(t, s.ResetStep(ctx, "t1", st))

	got, ok, err := s.GetStep(ctx, "t1", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StepPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.Outputs)

	ready, err := s.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].StepID)
}

func TestIsTaskComplete(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CompleteStep(ctx, "t1", id, nil))
	}
	done, err := s.IsTaskComplete(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.SkipStep(ctx, "t1", "d"))
	done, err = s.IsTaskComplete(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestGetMetrics(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)
	require.NoError(t, s.CompleteStep(ctx, "t1", "a", nil))

	m, err := s.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Total)
	assert.Equal(t, 3, m.Depth)
	assert.Equal(t, 1, m.ByStatus[tree.NodeCompleted])
	assert.Equal(t, 3, m.ByStatus[tree.NodePending])
}

func TestMissingTreeAndNode(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.ReadyNodes(ctx, "nope")
	assert.ErrorIs(t, err, tree.ErrTreeNotFound)

	_, err = s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)
	err = s.StartStep(ctx, "t1", "ghost")
	assert.ErrorIs(t, err, tree.ErrNodeNotFound)

	_, ok, err := s.GetStep(ctx, "t1", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.DeleteTree(ctx, "t1"))
	_, err = s.Nodes(ctx, "t1")
	assert.ErrorIs(t, err, tree.ErrTreeNotFound)
}

func TestReplaceTreeOnRecreate(t *testing.T) {
	s := New()
	ctx := context.Background()
	id1, err := s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)
	require.NoError(t, s.CompleteStep(ctx, "t1", "a", nil))

	id2, err := s.CreateTree(ctx, diamondTask())
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	nodes, err := s.Nodes(ctx, "t1")
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, tree.NodePending, n.Status)
	}
}
