package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/store"
)

func newTask(id, userID string, status task.Status) *task.Task {
	return &task.Task{
		ID:     id,
		Goal:   "goal " + id,
		UserID: userID,
		OrgID:  "org",
		Status: status,
		Steps:  []task.Step{{ID: "s1", Name: "S1"}},
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusPlanning)))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.False(t, got.CreatedAt.IsZero())

	// Duplicate ids and empty ids are rejected.
	assert.Error(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusPlanning)))
	assert.Error(t, s.CreateTask(ctx, &task.Task{}))

	_, err = s.GetTask(ctx, "missing")
	assert.True(t, task.IsKind(err, task.KindNotFound))
}

func TestGetTaskReturnsCopy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusPlanning)))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	got.Steps[0].Name = "mutated"
	got.Goal = "mutated"

	fresh, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "S1", fresh.Steps[0].Name)
	assert.Equal(t, "goal t1", fresh.Goal)
}

func TestUpdateStatusEnforcesMachine(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusPlanning)))

	require.NoError(t, s.UpdateStatus(ctx, "t1", task.StatusReady))
	require.NoError(t, s.UpdateStatus(ctx, "t1", task.StatusExecuting))

	err := s.UpdateStatus(ctx, "t1", task.StatusReady)
	require.True(t, task.IsKind(err, task.KindInvalidTransition))
	var te *task.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, task.StatusExecuting, te.Current)

	require.NoError(t, s.UpdateStatus(ctx, "t1", task.StatusCompleted))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestListTasksFilters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusPlanning)))
	require.NoError(t, s.CreateTask(ctx, newTask("t2", "u1", task.StatusReady)))
	require.NoError(t, s.CreateTask(ctx, newTask("t3", "u2", task.StatusReady)))

	all, err := s.ListTasks(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := s.ListTasks(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	ready, err := s.ListTasks(ctx, store.Filter{Status: task.StatusReady})
	require.NoError(t, err)
	assert.Len(t, ready, 2)

	limited, err := s.ListTasks(ctx, store.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStepUpdates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusPlanning)))

	require.NoError(t, s.UpdateSteps(ctx, "t1", []task.Step{
		{ID: "s1", Name: "S1"}, {ID: "s2", Name: "S2"},
	}))
	require.NoError(t, s.UpdateStepStatus(ctx, "t1", "s2", task.StepRunning, ""))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, task.StepRunning, got.Steps[1].Status)
	assert.False(t, got.Steps[1].StartedAt.IsZero())

	require.NoError(t, s.UpdateStepStatus(ctx, "t1", "s2", task.StepFailed, "boom"))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Steps[1].Error)
	assert.False(t, got.Steps[1].FinishedAt.IsZero())

	err = s.UpdateStepStatus(ctx, "t1", "ghost", task.StepDone, "")
	assert.True(t, task.IsKind(err, task.KindNotFound))

	require.NoError(t, s.UpdateStep(ctx, "t1", task.Step{ID: "s1", Name: "renamed"}))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Steps[0].Name)
}

func TestMergeMetadataAndFindings(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusPlanning)))

	require.NoError(t, s.MergeMetadata(ctx, "t1", map[string]any{"a": 1}))
	require.NoError(t, s.MergeMetadata(ctx, "t1", map[string]any{"b": 2, "a": 3}))
	require.NoError(t, s.AppendFinding(ctx, "t1", task.Finding{StepID: "s1", Type: "step_output"}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Metadata["a"])
	assert.Equal(t, 2, got.Metadata["b"])
	require.Len(t, got.Findings, 1)
	assert.False(t, got.Findings[0].CreatedAt.IsZero())
}

func TestSetSupersededBy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", task.StatusCheckpoint)))

	require.NoError(t, s.SetSupersededBy(ctx, "t1", "t2"))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuperseded, got.Status)
	assert.Equal(t, "t2", got.SupersededBy)
	assert.False(t, got.CompletedAt.IsZero())

	// Terminal tasks cannot be superseded.
	require.NoError(t, s.CreateTask(ctx, newTask("t3", "u1", task.StatusCompleted)))
	err = s.SetSupersededBy(ctx, "t3", "t4")
	assert.True(t, task.IsKind(err, task.KindInvalidTransition))
}

func TestStuckPlanning(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	old := newTask("t1", "u1", task.StatusPlanning)
	old.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.CreateTask(ctx, old))
	require.NoError(t, s.CreateTask(ctx, newTask("t2", "u1", task.StatusPlanning)))
	done := newTask("t3", "u1", task.StatusReady)
	done.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.CreateTask(ctx, done))

	stuck, err := s.StuckPlanning(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "t1", stuck[0].ID)
}

func TestCache(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	_, ok, err := c.ReadTask(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.WriteTask(ctx, newTask("t1", "u1", task.StatusReady)))
	got, ok, err := c.ReadTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", got.ID)

	cp := &task.Checkpoint{TaskID: "t1", StepID: "s1", Decision: task.DecisionPending}
	require.NoError(t, c.WriteCheckpoint(ctx, cp))
	gotCP, ok, err := c.ReadCheckpoint(ctx, "t1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.DecisionPending, gotCP.Decision)

	require.NoError(t, c.AppendFinding(ctx, "t1", task.Finding{StepID: "s1"}))
	fs, err := c.ListFindings(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, fs, 1)

	require.NoError(t, c.DeleteTask(ctx, "t1"))
	_, ok, err = c.ReadTask(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	fs, err = c.ListFindings(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, fs)
}
