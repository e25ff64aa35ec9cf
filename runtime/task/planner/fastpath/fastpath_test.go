package fastpath

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/intent"
	storeinmem "github.com/tentackl/tentackl/runtime/task/store/inmem"
)

func TestTryListWorkflows(t *testing.T) {
	s := storeinmem.NewStore()
	require.NoError(t, s.CreateTask(context.Background(), &task.Task{
		ID: "t1", Goal: "weekly report", UserID: "u1", OrgID: "org",
		Status: task.StatusCompleted, Version: 1,
	}))
	require.NoError(t, s.CreateTask(context.Background(), &task.Task{
		ID: "t2", Goal: "other user's task", UserID: "u2", OrgID: "org",
		Status: task.StatusCompleted, Version: 1,
	}))

	fp, err := New(s)
	require.NoError(t, err)

	it := &intent.Intent{FastPath: true, DataQuery: map[string]any{"type": "list_workflows"}}
	res, err := fp.Try(context.Background(), it, "show my workflows", "u1", "org")
	require.NoError(t, err)
	require.NotNil(t, res)

	require.Len(t, res.Steps, 1)
	assert.Equal(t, "data_query", res.Steps[0].AgentType)
	assert.Equal(t, task.StepDone, res.Steps[0].Status)
	assert.False(t, res.Steps[0].FinishedAt.IsZero())

	workflows, ok := res.Outputs["workflows"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, workflows, 1)
	assert.Equal(t, "t1", workflows[0]["id"])
	assert.Equal(t, 1, res.Outputs["count"])
}

func TestTryUnknownQueryFallsThrough(t *testing.T) {
	fp, err := New(storeinmem.NewStore())
	require.NoError(t, err)

	it := &intent.Intent{FastPath: true, DataQuery: map[string]any{"type": "summon_dragon"}}
	res, err := fp.Try(context.Background(), it, "goal", "u1", "org")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestTryNonFastPathIntent(t *testing.T) {
	fp, err := New(storeinmem.NewStore())
	require.NoError(t, err)

	res, err := fp.Try(context.Background(), &intent.Intent{}, "goal", "u1", "org")
	require.NoError(t, err)
	assert.Nil(t, res)
}
