package runtime_test

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	businmem "github.com/tentackl/tentackl/runtime/task/bus/inmem"
	"github.com/tentackl/tentackl/runtime/task/checkpoint"
	inboxinmem "github.com/tentackl/tentackl/runtime/task/inbox/inmem"
	"github.com/tentackl/tentackl/runtime/task/intent"
	"github.com/tentackl/tentackl/runtime/task/observer"
	"github.com/tentackl/tentackl/runtime/task/orchestrator"
	"github.com/tentackl/tentackl/runtime/task/planner"
	"github.com/tentackl/tentackl/runtime/task/plugin"
	prefinmem "github.com/tentackl/tentackl/runtime/task/preference/inmem"
	taskruntime "github.com/tentackl/tentackl/runtime/task/runtime"
	"github.com/tentackl/tentackl/runtime/task/scheduler"
	"github.com/tentackl/tentackl/runtime/task/stepexec"
	storeinmem "github.com/tentackl/tentackl/runtime/task/store/inmem"
	streaminmem "github.com/tentackl/tentackl/runtime/task/stream/inmem"
	treeinmem "github.com/tentackl/tentackl/runtime/task/tree/inmem"
	"github.com/tentackl/tentackl/runtime/task/trigger"
	triginmem "github.com/tentackl/tentackl/runtime/task/trigger/inmem"
)

type stubIntents struct{}

func (stubIntents) Detect(context.Context, string) (*intent.Intent, error) {
	return &intent.Intent{}, nil
}

type stubPlanner struct {
	steps       []task.Step
	constraints map[string]any
}

func (p *stubPlanner) GenerateDelegationSteps(_ context.Context, _ string, constraints map[string]any, _ bool) ([]task.Step, error) {
	p.constraints = constraints
	return p.steps, nil
}

func (p *stubPlanner) Replan(context.Context, *task.Task, *task.Step, *task.ReplanContext) (*task.Task, error) {
	panic("not used")
}

type stubMemory struct{ context string }

func (m stubMemory) FormatForInjection(context.Context, string, int) (string, error) {
	return m.context, nil
}

type seqExecutor struct {
	scripts map[string][]*plugin.Result
	calls   []string
}

func (e *seqExecutor) Execute(_ context.Context, _ string, _ map[string]any, execCtx plugin.Context) (*plugin.Result, error) {
	e.calls = append(e.calls, execCtx.StepID)
	if rs := e.scripts[execCtx.StepID]; len(rs) > 0 {
		r := rs[0]
		e.scripts[execCtx.StepID] = rs[1:]
		return r, nil
	}
	return &plugin.Result{Success: true, Outputs: map[string]any{"ok": true}}, nil
}

type fixture struct {
	rt       *taskruntime.Runtime
	store    *storeinmem.Store
	cache    *storeinmem.Cache
	tree     *treeinmem.Store
	bus      *businmem.Bus
	triggers *triginmem.Registry
	exec     *seqExecutor
	planner  *stubPlanner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storeinmem.NewStore(),
		cache:    storeinmem.NewCache(),
		tree:     treeinmem.New(),
		bus:      businmem.New(),
		triggers: triginmem.New(),
		exec:     &seqExecutor{scripts: make(map[string][]*plugin.Result)},
		planner: &stubPlanner{steps: []task.Step{
			{ID: "step_1", Name: "Research", AgentType: "web_research"},
			{ID: "step_2", Name: "Write", AgentType: "compose", DependsOn: []string{"step_1"}},
		}},
	}
	prefs := prefinmem.New()
	cps, err := checkpoint.New(checkpoint.Options{
		Store:       f.store,
		Cache:       f.cache,
		Tree:        f.tree,
		Preferences: prefs,
	})
	require.NoError(t, err)
	pipe, err := stepexec.New(stepexec.Options{
		Tree:        f.tree,
		Store:       f.store,
		Cache:       f.cache,
		Bus:         f.bus,
		Checkpoints: cps,
		Executor:    f.exec,
	})
	require.NoError(t, err)
	orch, err := orchestrator.New(orchestrator.Options{
		Store:       f.store,
		Cache:       f.cache,
		Tree:        f.tree,
		Bus:         f.bus,
		Inbox:       inboxinmem.New(),
		Observer:    observer.New(observer.Options{}),
		Checkpoints: cps,
		Exec:        pipe,
	})
	require.NoError(t, err)
	plan, err := planner.New(planner.Options{
		Store:   f.store,
		Cache:   f.cache,
		Trees:   f.tree,
		Bus:     f.bus,
		Intents: stubIntents{},
		Planner: f.planner,
	})
	require.NoError(t, err)
	sched, err := scheduler.New(scheduler.Options{
		Tree: f.tree,
		Execute: func(ctx context.Context, taskID, stepID string) error {
			_, err := pipe.Execute(ctx, stepexec.Payload{TaskID: taskID, StepID: stepID})
			return err
		},
	})
	require.NoError(t, err)
	rt, err := taskruntime.New(taskruntime.Options{
		Store:        f.store,
		Cache:        f.cache,
		Tree:         f.tree,
		Bus:          f.bus,
		Stream:       streaminmem.New(f.bus),
		Inbox:        inboxinmem.New(),
		Planning:     plan,
		Orchestrator: orch,
		Scheduler:    sched,
		Checkpoints:  cps,
		Preferences:  prefs,
		Triggers:     f.triggers,
		Memory:       stubMemory{context: "prior runs prefer concise summaries"},
	})
	require.NoError(t, err)
	f.rt = rt
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return f
}

func (f *fixture) createReq() taskruntime.CreateRequest {
	return taskruntime.CreateRequest{
		Goal:   "write and send the weekly report",
		UserID: "u1",
		OrgID:  "org1",
	}
}

func (f *fixture) waitStatus(t *testing.T, taskID string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		tk, err := f.store.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 2*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return got
}

func TestCreateTaskPlansInBackground(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTask(ctx, f.createReq())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanning, created.Status)
	assert.Equal(t, 1, created.Version)

	got := f.waitStatus(t, created.ID, task.StatusReady)
	require.Len(t, got.Steps, 2)
	assert.NotEmpty(t, got.TreeID)

	// Memory context is injected into the planner constraints.
	assert.Equal(t, "prior runs prefer concise summaries", f.planner.constraints["memory_context"])
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  taskruntime.CreateRequest
	}{
		{"missing goal", taskruntime.CreateRequest{UserID: "u1", OrgID: "org1"}},
		{"missing user", taskruntime.CreateRequest{Goal: "g", OrgID: "org1"}},
		{"missing org", taskruntime.CreateRequest{Goal: "g", UserID: "u1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.rt.CreateTask(ctx, tc.req)
			assert.True(t, task.IsKind(err, task.KindValidation))
		})
	}
}

func TestCreateTaskWithSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{Name: "Research", AgentType: "web_research"},
		{Name: "Write", AgentType: "compose", DependsOn: []string{"step_1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, created.Status)
	assert.NotEmpty(t, created.TreeID)
	assert.Equal(t, "step_1", created.Steps[0].ID, "missing ids are assigned positionally")
	assert.Equal(t, "step_2", created.Steps[1].ID)

	ready, err := f.tree.ReadyNodes(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "step_1", ready[0].StepID)
}

func TestCreateTaskWithStepsRejectsBadPlans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), nil)
	assert.True(t, task.IsKind(err, task.KindValidation))

	_, err = f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "a", AgentType: "compose", DependsOn: []string{"ghost"}},
	})
	assert.True(t, task.IsKind(err, task.KindValidation))
}

func TestExecuteTaskRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", Name: "Research", AgentType: "web_research"},
		{ID: "s2", Name: "Write", AgentType: "compose", DependsOn: []string{"s1"}},
	})
	require.NoError(t, err)

	res, err := f.rt.ExecuteTask(ctx, created.ID, "u1", taskruntime.ExecuteOptions{RunToCompletion: true})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TagTaskCompleted, res.Tag)
	assert.Equal(t, []string{"s1", "s2"}, f.exec.calls)

	got, err := f.store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestExecuteTaskRunsToCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A checkpoint deep in the chain: the preceding steps complete in the
	// same call and execution parks on the gated one.
	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", Name: "Research", AgentType: "web_research"},
		{ID: "s2", Name: "Write", AgentType: "compose", DependsOn: []string{"s1"}},
		{ID: "s3", Name: "Send email", AgentType: "notify", DependsOn: []string{"s2"},
			CheckpointRequired: true,
			CheckpointConfig:   &task.CheckpointConfig{Name: "Approve send", PreferenceKey: "risk:notify"}},
	})
	require.NoError(t, err)

	res, err := f.rt.ExecuteTask(ctx, created.ID, "u1", taskruntime.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TagCheckpoint, res.Tag)
	assert.Equal(t, "s3", res.StepID)
	assert.Equal(t, []string{"s1", "s2"}, f.exec.calls, "everything before the gate runs")

	got, err := f.store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCheckpoint, got.Status)
}

func TestExecuteTaskRejectsPlanningTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateTask(ctx, &task.Task{
		ID: "t1", Goal: "g", UserID: "u1", OrgID: "org1", Status: task.StatusPlanning,
	}))

	_, err := f.rt.ExecuteTask(ctx, "t1", "u1", taskruntime.ExecuteOptions{})
	assert.True(t, task.IsKind(err, task.KindInvalidTransition))
}

func TestExecuteTaskStopsAtCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", Name: "Send email", AgentType: "notify", CheckpointRequired: true,
			CheckpointConfig: &task.CheckpointConfig{Name: "Approve send", PreferenceKey: "risk:notify"}},
		{ID: "s2", Name: "Log", AgentType: "compose", DependsOn: []string{"s1"}},
	})
	require.NoError(t, err)

	res, err := f.rt.ExecuteTask(ctx, created.ID, "u1", taskruntime.ExecuteOptions{RunToCompletion: true})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TagCheckpoint, res.Tag)
	assert.Equal(t, "s1", res.StepID)
	assert.Empty(t, f.exec.calls, "gated step must not run before approval")

	pending, err := f.rt.ListPendingCheckpoints(ctx, created.ID, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Approval unparks the step and the scheduler hook executes it.
	require.NoError(t, f.rt.ApproveCheckpoint(ctx, created.ID, "s1", "u1", "go ahead", false))
	assert.Equal(t, []string{"s1"}, f.exec.calls)

	res, err = f.rt.ExecuteTask(ctx, created.ID, "u1", taskruntime.ExecuteOptions{RunToCompletion: true})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TagTaskCompleted, res.Tag)
}

func TestExecuteTaskAutoApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", Name: "Send email", AgentType: "notify", CheckpointRequired: true},
		{ID: "s2", Name: "Log", AgentType: "compose", DependsOn: []string{"s1"}},
	})
	require.NoError(t, err)

	res, err := f.rt.ExecuteTask(ctx, created.ID, "u1", taskruntime.ExecuteOptions{
		RunToCompletion: true,
		AutoApprove:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TagTaskCompleted, res.Tag)
	assert.Equal(t, []string{"s1", "s2"}, f.exec.calls)
}

func TestGetTaskOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", AgentType: "compose"},
	})
	require.NoError(t, err)

	_, err = f.rt.GetTask(ctx, created.ID, "intruder")
	assert.True(t, task.IsKind(err, task.KindForbidden))

	got, err := f.rt.GetTask(ctx, created.ID, checkpoint.SystemResolver)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestPauseDuringExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", AgentType: "web_research"},
		{ID: "s2", AgentType: "compose", DependsOn: []string{"s1"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStatus(ctx, created.ID, task.StatusExecuting))

	require.NoError(t, f.rt.PauseTask(ctx, created.ID, "u1"))
	got, err := f.store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", AgentType: "compose"},
	})
	require.NoError(t, err)

	require.NoError(t, f.rt.CancelTask(ctx, created.ID, "u1"))
	got, err := f.store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Len(t, f.bus.EventsOfType(created.ID, bus.TaskCancelled), 1)

	// Cancelling a terminal task is idempotent and publishes nothing more.
	require.NoError(t, f.rt.CancelTask(ctx, created.ID, "u1"))
	assert.Len(t, f.bus.EventsOfType(created.ID, bus.TaskCancelled), 1)
}

func TestObserveExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", AgentType: "compose"},
	})
	require.NoError(t, err)

	recent, sub, err := f.rt.ObserveExecution(ctx, created.ID, "u1", 10)
	require.NoError(t, err)
	require.NotNil(t, sub)
	defer sub.Close(ctx)
	assert.Empty(t, recent)

	_, _, err = f.rt.ObserveExecution(ctx, created.ID, "intruder", 10)
	assert.True(t, task.IsKind(err, task.KindForbidden))
}

func TestTriggerCloneSubstitution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createReq()
	req.Metadata = map[string]any{
		"trigger": map[string]any{"event": "github.push"},
	}
	tpl, err := f.rt.CreateTaskWithSteps(ctx, req, []task.Step{
		{ID: "s1", Name: "Summarize", AgentType: "compose", Inputs: map[string]any{
			"prompt": "Summarize commit: ${trigger_event.commit.message}",
			"commit": "${trigger_event.commit.id}",
			"ghost":  "${trigger_event.missing.path}",
		}},
	})
	require.NoError(t, err)

	payload := map[string]any{
		"commit": map[string]any{"message": "fix flaky retry", "id": 42},
	}
	clone, err := f.rt.CloneTaskForTrigger(ctx, tpl.ID, "github.push", payload)
	require.NoError(t, err)
	assert.NotEqual(t, tpl.ID, clone.ID)
	assert.Equal(t, tpl.ID, clone.Metadata["template_task_id"])
	assert.Equal(t, "trigger", clone.Metadata["source"])
	assert.NotContains(t, clone.Metadata, "trigger", "registration block is stripped from clones")

	in := clone.Steps[0].Inputs
	assert.Equal(t, "Summarize commit: fix flaky retry", in["prompt"])
	assert.Equal(t, 42, in["commit"], "whole-token values keep their type")
	assert.Equal(t, "${trigger_event.missing.path}", in["ghost"], "unresolved tokens are left intact")

	f.waitStatus(t, clone.ID, task.StatusCompleted)

	// The template itself is untouched.
	got, err := f.store.GetTask(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Contains(t, got.Steps[0].Inputs["prompt"], "${trigger_event.commit.message}")
}

func TestDispatchEventClonesMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createReq()
	req.Metadata = map[string]any{
		"trigger": map[string]any{
			"event":     "github.*",
			"condition": map[string]any{"ref": "main"},
		},
	}
	tpl, err := f.rt.CreateTaskWithSteps(ctx, req, []task.Step{
		{ID: "s1", AgentType: "compose"},
	})
	require.NoError(t, err)

	// Condition mismatch: no clone.
	require.NoError(t, f.rt.DispatchEvent(ctx, "org1", "github.push", "src-1",
		map[string]any{"ref": "feature"}))
	history, err := f.rt.TriggerHistory(ctx, tpl.ID, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Matching event clones the template and records the firing.
	require.NoError(t, f.rt.DispatchEvent(ctx, "org1", "github.push", "src-1",
		map[string]any{"ref": "main"}))
	history, err = f.rt.TriggerHistory(ctx, tpl.ID, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "github.push", history[0].EventType)
	assert.NotEmpty(t, history[0].ClonedTaskID)

	clone := f.waitStatus(t, history[0].ClonedTaskID, task.StatusCompleted)
	assert.Equal(t, "trigger", clone.Metadata["source"])

	// Other tenants never match.
	require.NoError(t, f.rt.DispatchEvent(ctx, "org2", "github.push", "src-1",
		map[string]any{"ref": "main"}))
	history, err = f.rt.TriggerHistory(ctx, tpl.ID, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCloneAndExecuteFromAutomation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, err := f.rt.CreateTaskWithSteps(ctx, f.createReq(), []task.Step{
		{ID: "s1", AgentType: "compose"},
	})
	require.NoError(t, err)

	clone, err := f.rt.CloneAndExecuteFromAutomation(ctx, tpl.ID, "auto-1")
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, clone.Metadata["template_task_id"])
	assert.Equal(t, "auto-1", clone.Metadata["automation_id"])
	assert.Equal(t, "automation", clone.Metadata["source"])
	assert.Equal(t, 1, clone.Version)

	f.waitStatus(t, clone.ID, task.StatusCompleted)
}

func TestTriggerRegistrationFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createReq()
	req.Metadata = map[string]any{
		"trigger": map[string]any{"event": "github.push"},
	}
	tpl, err := f.rt.CreateTaskWithSteps(ctx, req, []task.Step{
		{ID: "s1", AgentType: "compose"},
	})
	require.NoError(t, err)

	matches, err := f.triggers.Match(ctx, "org1", "github.push", "src-1", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, tpl.ID, matches[0].TaskID)
	assert.Equal(t, "u1", matches[0].UserID, "the template owner owns the trigger")
	assert.Equal(t, trigger.ScopeOrg, matches[0].Scope)
	assert.False(t, matches[0].Disabled)
}

func TestTriggerScopeAndEnabledBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	off := f.createReq()
	off.Metadata = map[string]any{
		"trigger": map[string]any{"event": "github.push", "enabled": false},
	}
	_, err := f.rt.CreateTaskWithSteps(ctx, off, []task.Step{{ID: "s1", AgentType: "compose"}})
	require.NoError(t, err)

	personal := f.createReq()
	personal.Metadata = map[string]any{
		"trigger": map[string]any{"event": "github.push", "scope": "user"},
	}
	tpl, err := f.rt.CreateTaskWithSteps(ctx, personal, []task.Step{{ID: "s1", AgentType: "compose"}})
	require.NoError(t, err)

	// The disabled trigger never fires; the user-scoped one only fires for
	// events carrying its owner.
	matches, err := f.triggers.Match(ctx, "org1", "github.push", "src-1", map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, tpl.ID, matches[0].TaskID)
	assert.Equal(t, trigger.ScopeUser, matches[0].Scope)

	matches, err = f.triggers.Match(ctx, "org1", "github.push", "src-1", map[string]any{"user_id": "u2"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCancelTaskUnregistersTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createReq()
	req.Metadata = map[string]any{
		"trigger": map[string]any{"event": "github.push"},
	}
	tpl, err := f.rt.CreateTaskWithSteps(ctx, req, []task.Step{
		{ID: "s1", AgentType: "compose"},
	})
	require.NoError(t, err)

	require.NoError(t, f.rt.CancelTask(ctx, tpl.ID, "u1"))
	require.NoError(t, f.rt.DispatchEvent(ctx, "org1", "github.push", "src-1", map[string]any{}))
	history, err := f.rt.TriggerHistory(ctx, tpl.ID, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestWriteSSEEvent(t *testing.T) {
	var buf bytes.Buffer
	ev := bus.New(bus.TaskStarted, "t1", "", map[string]any{"k": "v"})
	require.NoError(t, taskruntime.WriteSSEEvent(&buf, ev))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "data: "))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"task.started"`)

	buf.Reset()
	require.NoError(t, taskruntime.WriteSSEHeartbeat(&buf))
	assert.Equal(t, ": heartbeat\n\n", buf.String())
}

func TestSSEHeaders(t *testing.T) {
	h := make(http.Header)
	taskruntime.SSEHeaders(h)
	assert.Equal(t, "text/event-stream", h.Get("Content-Type"))
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
}
