package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	businmem "github.com/tentackl/tentackl/runtime/task/bus/inmem"
	"github.com/tentackl/tentackl/runtime/task/intent"
	storeinmem "github.com/tentackl/tentackl/runtime/task/store/inmem"
	treeinmem "github.com/tentackl/tentackl/runtime/task/tree/inmem"
)

type stubIntents struct {
	intent *intent.Intent
	err    error
}

func (s *stubIntents) Detect(context.Context, string) (*intent.Intent, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.intent != nil {
		return s.intent, nil
	}
	return &intent.Intent{}, nil
}

type scriptedPlanner struct {
	failures int
	steps    []task.Step
	goals    []string
}

func (p *scriptedPlanner) GenerateDelegationSteps(_ context.Context, goal string, _ map[string]any, _ bool) ([]task.Step, error) {
	p.goals = append(p.goals, goal)
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("model produced malformed JSON")
	}
	return p.steps, nil
}

func (p *scriptedPlanner) Replan(context.Context, *task.Task, *task.Step, *task.ReplanContext) (*task.Task, error) {
	panic("not used")
}

type stubRisk struct{}

func (stubRisk) Assess(_ context.Context, st task.Step) (*task.CheckpointConfig, bool, error) {
	if st.AgentType == "notify" {
		return &task.CheckpointConfig{
			Name:          st.Name,
			Type:          task.CheckpointApproval,
			PreferenceKey: "risk:notify",
		}, true, nil
	}
	return nil, false, nil
}

type stubFastPath struct {
	result *FastPathResult
}

func (s *stubFastPath) Try(context.Context, *intent.Intent, string, string, string) (*FastPathResult, error) {
	return s.result, nil
}

type stubAutomations struct {
	registered []*intent.Schedule
}

func (s *stubAutomations) RegisterSchedule(_ context.Context, _ *task.Task, sched *intent.Schedule) (string, error) {
	s.registered = append(s.registered, sched)
	return "auto-1", nil
}

type fixture struct {
	pipe  *Pipeline
	store *storeinmem.Store
	cache *storeinmem.Cache
	tree  *treeinmem.Store
	bus   *businmem.Bus
}

func planSteps() []task.Step {
	return []task.Step{
		{ID: "step_1", Name: "Research", AgentType: "web_research", MaxRetries: 2},
		{ID: "step_2", Name: "Write", AgentType: "compose", DependsOn: []string{"step_1"}},
		{ID: "step_3", Name: "Send", AgentType: "notify", DependsOn: []string{"step_2"}},
	}
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: storeinmem.NewStore(),
		cache: storeinmem.NewCache(),
		tree:  treeinmem.New(),
		bus:   businmem.New(),
	}
	opts.Store = f.store
	opts.Cache = f.cache
	opts.Trees = f.tree
	opts.Bus = f.bus
	if opts.Intents == nil {
		opts.Intents = &stubIntents{}
	}
	if opts.Planner == nil {
		opts.Planner = &scriptedPlanner{steps: planSteps()}
	}
	pipe, err := New(opts)
	require.NoError(t, err)
	f.pipe = pipe
	return f
}

func (f *fixture) seed(t *testing.T) Request {
	t.Helper()
	req := Request{TaskID: "t1", UserID: "u1", OrgID: "org1", Goal: "write and send the report"}
	require.NoError(t, f.store.CreateTask(context.Background(), &task.Task{
		ID:     req.TaskID,
		Goal:   req.Goal,
		UserID: req.UserID,
		OrgID:  req.OrgID,
		Status: task.StatusPlanning,
	}))
	return req
}

func TestPlanCommitsReadyTask(t *testing.T) {
	f := newFixture(t, Options{Risk: stubRisk{}})
	ctx := context.Background()
	req := f.seed(t)

	require.NoError(t, f.pipe.Plan(ctx, req, nil))

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	require.Len(t, got.Steps, 3)
	assert.NotEmpty(t, got.TreeID)
	assert.Equal(t, "write and send the report", got.Metadata["planned_goal"])

	// Only the risky notify step is gated.
	assert.False(t, got.Steps[0].CheckpointRequired)
	assert.False(t, got.Steps[1].CheckpointRequired)
	assert.True(t, got.Steps[2].CheckpointRequired)
	require.NotNil(t, got.Steps[2].CheckpointConfig)
	assert.Equal(t, "risk:notify", got.Steps[2].CheckpointConfig.PreferenceKey)

	ready, err := f.tree.ReadyNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "step_1", ready[0].StepID)

	for _, topic := range []string{
		bus.PlanningStarted, bus.PlanningIntentDetected, bus.PlanningLLMStarted,
		bus.PlanningStepsGenerated, bus.PlanningRiskDetection, bus.PlanningCompleted,
	} {
		assert.Len(t, f.bus.EventsOfType("t1", topic), 1, topic)
	}

	cached, hit, err := f.cache.ReadTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, task.StatusReady, cached.Status)
}

func TestPlanFastPathCompletesImmediately(t *testing.T) {
	f := newFixture(t, Options{
		Intents: &stubIntents{intent: &intent.Intent{
			FastPath:  true,
			DataQuery: map[string]any{"type": "list_workflows"},
		}},
		FastPath: &stubFastPath{result: &FastPathResult{
			Steps:   []task.Step{{ID: "step_1", Name: "List workflows", AgentType: "data_query", Status: task.StepDone}},
			Outputs: map[string]any{"count": 2},
		}},
	})
	ctx := context.Background()
	req := f.seed(t)

	require.NoError(t, f.pipe.Plan(ctx, req, nil))

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, true, got.Metadata["fast_path"])
	require.Len(t, got.Findings, 1)
	assert.Equal(t, "fast_path", got.Findings[0].Type)

	assert.Len(t, f.bus.EventsOfType("t1", bus.PlanningFastPath), 1)
	assert.Empty(t, f.bus.EventsOfType("t1", bus.PlanningLLMStarted), "fast path skips decomposition")
}

func TestPlanRetriesDecomposition(t *testing.T) {
	pl := &scriptedPlanner{failures: 1, steps: planSteps()}
	f := newFixture(t, Options{Planner: pl})
	ctx := context.Background()
	req := f.seed(t)

	require.NoError(t, f.pipe.Plan(ctx, req, nil))

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Len(t, f.bus.EventsOfType("t1", bus.PlanningLLMRetry), 1)
	assert.Len(t, pl.goals, 2)
}

func TestPlanFailsAfterExhaustedRetries(t *testing.T) {
	pl := &scriptedPlanner{failures: maxPlanAttempts, steps: planSteps()}
	f := newFixture(t, Options{Planner: pl})
	ctx := context.Background()
	req := f.seed(t)

	err := f.pipe.Plan(ctx, req, nil)
	require.Error(t, err)
	assert.True(t, task.IsKind(err, task.KindPlanningFailed))

	got, gerr := f.store.GetTask(ctx, "t1")
	require.NoError(t, gerr)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Metadata["planning_error"])
	assert.Len(t, f.bus.EventsOfType("t1", bus.PlanningLLMRetry), maxPlanAttempts-1)
	assert.Len(t, f.bus.EventsOfType("t1", bus.PlanningFailed), 1)
}

func TestPlanEmptyStepsCountAsFailure(t *testing.T) {
	pl := &scriptedPlanner{steps: nil}
	f := newFixture(t, Options{Planner: pl})
	req := f.seed(t)

	err := f.pipe.Plan(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, task.IsKind(err, task.KindPlanningFailed))
}

func TestPlanObservesCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := f.seed(t)

	flag := task.NewCancelFlag()
	flag.Cancel()
	err := f.pipe.Plan(ctx, req, flag)
	require.Error(t, err)
	assert.True(t, task.IsKind(err, task.KindCancelled))

	got, gerr := f.store.GetTask(ctx, "t1")
	require.NoError(t, gerr)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Empty(t, f.bus.EventsOfType("t1", bus.PlanningCompleted))
}

func TestPlanRegistersSchedule(t *testing.T) {
	autos := &stubAutomations{}
	f := newFixture(t, Options{
		Intents: &stubIntents{intent: &intent.Intent{
			Schedule:    &intent.Schedule{Cron: "0 9 * * *"},
			OneShotGoal: "send the daily digest",
		}},
		Automations: autos,
	})
	ctx := context.Background()
	req := f.seed(t)

	require.NoError(t, f.pipe.Plan(ctx, req, nil))

	require.Len(t, autos.registered, 1)
	assert.Equal(t, "0 9 * * *", autos.registered[0].Cron)

	// The detected one-shot goal replaces the working goal.
	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "send the daily digest", got.Metadata["planned_goal"])
}

func TestPlanIgnoresShortOneShotGoal(t *testing.T) {
	pl := &scriptedPlanner{steps: planSteps()}
	f := newFixture(t, Options{
		Intents: &stubIntents{intent: &intent.Intent{OneShotGoal: "too short"}},
		Planner: pl,
	})
	req := f.seed(t)

	require.NoError(t, f.pipe.Plan(context.Background(), req, nil))
	require.Len(t, pl.goals, 1)
	assert.Equal(t, "write and send the report", pl.goals[0])
}

func TestSweepStuck(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	stale := &task.Task{ID: "old", Goal: "g", UserID: "u1", Status: task.StatusPlanning,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute)}
	require.NoError(t, f.store.CreateTask(ctx, stale))
	require.NoError(t, f.store.CreateTask(ctx, &task.Task{ID: "fresh", Goal: "g", UserID: "u1", Status: task.StatusPlanning}))

	swept, err := f.pipe.SweepStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := f.store.GetTask(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, stuckMessage, got.Metadata["planning_error"])

	fresh, err := f.store.GetTask(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanning, fresh.Status)
}

func TestAssignParallelGroups(t *testing.T) {
	steps := []task.Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}
	assignParallelGroups(steps)

	assert.Empty(t, steps[0].ParallelGroup)
	assert.NotEmpty(t, steps[1].ParallelGroup)
	assert.Equal(t, steps[1].ParallelGroup, steps[2].ParallelGroup)
	assert.Empty(t, steps[3].ParallelGroup)
}

func TestAssignParallelGroupsRespectsExistingTags(t *testing.T) {
	steps := []task.Step{
		{ID: "a", ParallelGroup: "custom"},
		{ID: "b"},
		{ID: "c"},
	}
	assignParallelGroups(steps)

	assert.Equal(t, "custom", steps[0].ParallelGroup)
	assert.Equal(t, steps[1].ParallelGroup, steps[2].ParallelGroup)
	assert.NotEmpty(t, steps[1].ParallelGroup)
}
