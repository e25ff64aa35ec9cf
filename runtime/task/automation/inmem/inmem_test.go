package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/intent"
)

func TestRegisterSchedule(t *testing.T) {
	r := New()
	tk := &task.Task{ID: "t1", UserID: "u1", OrgID: "org"}

	id, err := r.RegisterSchedule(context.Background(), tk, &intent.Schedule{Cron: "0 9 * * *"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	a, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "t1", a.TaskID)
	assert.Equal(t, "0 9 * * *", a.Schedule.Cron)

	// Re-registering the same task replaces the schedule under the same id.
	id2, err := r.RegisterSchedule(context.Background(), tk, &intent.Schedule{Cron: "0 18 * * *"})
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	a, err = r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "0 18 * * *", a.Schedule.Cron)
}

func TestOneShotDueOnce(t *testing.T) {
	r := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	id, err := r.RegisterSchedule(context.Background(),
		&task.Task{ID: "t1", UserID: "u1"},
		&intent.Schedule{At: now.Add(10 * time.Minute)})
	require.NoError(t, err)

	due, err := r.Due(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = r.Due(context.Background(), now.Add(11*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, r.MarkFired(context.Background(), id, now.Add(11*time.Minute)))
	due, err = r.Due(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCronDueAdvances(t *testing.T) {
	r := New()
	created := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return created })

	id, err := r.RegisterSchedule(context.Background(),
		&task.Task{ID: "t1", UserID: "u1"},
		&intent.Schedule{Cron: "0 9 * * *"})
	require.NoError(t, err)

	due, err := r.Due(context.Background(), time.Date(2026, 3, 1, 8, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, due)

	nineAM := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	due, err = r.Due(context.Background(), nineAM)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, r.MarkFired(context.Background(), id, nineAM))
	due, err = r.Due(context.Background(), nineAM.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	// Due again at the next day's firing.
	due, err = r.Due(context.Background(), nineAM.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestListAndRemove(t *testing.T) {
	r := New()
	_, err := r.RegisterSchedule(context.Background(),
		&task.Task{ID: "t1", UserID: "u1"}, &intent.Schedule{Cron: "* * * * *"})
	require.NoError(t, err)
	id2, err := r.RegisterSchedule(context.Background(),
		&task.Task{ID: "t2", UserID: "u1"}, &intent.Schedule{Cron: "* * * * *"})
	require.NoError(t, err)
	_, err = r.RegisterSchedule(context.Background(),
		&task.Task{ID: "t3", UserID: "other"}, &intent.Schedule{Cron: "* * * * *"})
	require.NoError(t, err)

	list, err := r.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, r.Remove(context.Background(), id2))
	list, err = r.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = r.Remove(context.Background(), id2)
	assert.True(t, task.IsKind(err, task.KindNotFound))
}
