package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/intent"
	"github.com/tentackl/tentackl/runtime/task/store"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	"github.com/tentackl/tentackl/runtime/task/tree"
)

const (
	// maxPlanAttempts bounds LLM decomposition retries.
	maxPlanAttempts = 3
	// planBackoffBase scales the per-attempt backoff (base × attempt).
	planBackoffBase = 2 * time.Second

	// StuckThreshold is how long a task may sit in PLANNING before the
	// recovery sweep fails it.
	StuckThreshold = 5 * time.Minute
	// SweepDelay is how long after service start the first sweep runs.
	SweepDelay = 10 * time.Second

	// stuckMessage is the user-safe failure message for swept tasks.
	stuckMessage = "Planning did not finish in time. Please try creating the task again."
)

type (
	// Options configures the planning pipeline. Store, Trees, Bus,
	// Intents, and Planner are required; the rest default to noop
	// behaviour.
	Options struct {
		Store       store.Store
		Cache       store.Cache
		Trees       tree.Port
		Bus         bus.Bus
		Intents     intent.Detector
		FastPath    FastPath
		Planner     Planner
		Risk        RiskDetector
		Automations Automations
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
	}

	// Pipeline drives a task from PLANNING to READY (or COMPLETED via the
	// fast path). It re-reads the cancellation flag at every await
	// boundary and never partially commits steps after a cancellation is
	// observed.
	Pipeline struct {
		store       store.Store
		cache       store.Cache
		trees       tree.Port
		bus         bus.Bus
		intents     intent.Detector
		fastpath    FastPath
		planner     Planner
		risk        RiskDetector
		automations Automations
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}

	// Request identifies the task to plan and its inputs.
	Request struct {
		TaskID         string
		UserID         string
		OrgID          string
		Goal           string
		Constraints    map[string]any
		Metadata       map[string]any
		SkipValidation bool
	}
)

// New constructs the pipeline, validating required dependencies.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("primary store is required")
	case opts.Trees == nil:
		return nil, errors.New("tree port is required")
	case opts.Bus == nil:
		return nil, errors.New("event bus is required")
	case opts.Intents == nil:
		return nil, errors.New("intent detector is required")
	case opts.Planner == nil:
		return nil, errors.New("planner is required")
	}
	p := &Pipeline{
		store:       opts.Store,
		cache:       opts.Cache,
		trees:       opts.Trees,
		bus:         opts.Bus,
		intents:     opts.Intents,
		fastpath:    opts.FastPath,
		planner:     opts.Planner,
		risk:        opts.Risk,
		automations: opts.Automations,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if p.logger == nil {
		p.logger = telemetry.NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = telemetry.NoopMetrics{}
	}
	return p, nil
}

// Plan runs the full planning pipeline for the task. The flag is observed
// before every await; once cancellation is seen the pipeline stops with no
// further writes beyond idempotent status clean-up.
func (p *Pipeline) Plan(ctx context.Context, req Request, flag *task.CancelFlag) error {
	started := time.Now()
	p.publish(ctx, bus.PlanningStarted, req.TaskID, nil)

	goal := req.Goal

	// Phase 1: intent detection.
	if err := p.checkCancel(ctx, req.TaskID, flag); err != nil {
		return err
	}
	it, err := p.intents.Detect(ctx, goal)
	if err != nil {
		return p.fail(ctx, req.TaskID, fmt.Errorf("intent detection: %w", err))
	}
	p.publish(ctx, bus.PlanningIntentDetected, req.TaskID, map[string]any{
		"fast_path": it.FastPath,
		"scheduled": it.Schedule != nil,
	})
	if len(it.OneShotGoal) >= intent.MinOneShotGoalLen {
		goal = it.OneShotGoal
	}

	// Phase 2: fast path.
	if err := p.checkCancel(ctx, req.TaskID, flag); err != nil {
		return err
	}
	if p.fastpath != nil && it.FastPath {
		res, err := p.fastpath.Try(ctx, it, goal, req.UserID, req.OrgID)
		if err != nil {
			p.logger.Warn(ctx, "fast path failed, falling through to planner",
				"task_id", req.TaskID, "err", err)
		} else if res != nil {
			return p.commitFastPath(ctx, req, res)
		}
	}

	// Phase 3: LLM decomposition with retries.
	if err := p.checkCancel(ctx, req.TaskID, flag); err != nil {
		return err
	}
	p.publish(ctx, bus.PlanningLLMStarted, req.TaskID, nil)
	steps, err := p.decompose(ctx, req.TaskID, goal, req.Constraints, req.SkipValidation, flag)
	if err != nil {
		return p.fail(ctx, req.TaskID, err)
	}
	p.publish(ctx, bus.PlanningStepsGenerated, req.TaskID, map[string]any{"steps": len(steps)})

	// Phase 4: risk-based checkpoint injection.
	if err := p.checkCancel(ctx, req.TaskID, flag); err != nil {
		return err
	}
	flagged := 0
	if p.risk != nil {
		for i := range steps {
			if steps[i].CheckpointRequired {
				continue
			}
			cfg, risky, err := p.risk.Assess(ctx, steps[i])
			if err != nil {
				return p.fail(ctx, req.TaskID, fmt.Errorf("risk detection: %w", err))
			}
			if risky {
				steps[i].CheckpointRequired = true
				steps[i].CheckpointConfig = cfg
				flagged++
			}
		}
	}
	p.publish(ctx, bus.PlanningRiskDetection, req.TaskID, map[string]any{"flagged": flagged})

	// Phase 5: parallel grouping.
	assignParallelGroups(steps)

	// Phase 6: durable commit.
	if err := p.checkCancel(ctx, req.TaskID, flag); err != nil {
		return err
	}
	if err := p.commit(ctx, req, goal, steps); err != nil {
		return p.fail(ctx, req.TaskID, err)
	}

	// Phase 7: schedule registration.
	if it.Schedule != nil && p.automations != nil {
		t, err := p.store.GetTask(ctx, req.TaskID)
		if err == nil {
			if _, err := p.automations.RegisterSchedule(ctx, t, it.Schedule); err != nil {
				p.logger.Warn(ctx, "schedule registration failed",
					"task_id", req.TaskID, "err", err)
			}
		}
	}

	p.metrics.RecordTimer("planning_duration", time.Since(started), "method", "llm")
	p.publish(ctx, bus.PlanningCompleted, req.TaskID, map[string]any{"method": "llm", "steps": len(steps)})
	return nil
}

// decompose invokes the planner with retries and exponential backoff.
// Empty-step results count as failures to retry.
func (p *Pipeline) decompose(ctx context.Context, taskID, goal string, constraints map[string]any, skipValidation bool, flag *task.CancelFlag) ([]task.Step, error) {
	var lastErr error
	for attempt := 1; attempt <= maxPlanAttempts; attempt++ {
		if err := p.checkCancel(ctx, taskID, flag); err != nil {
			return nil, err
		}
		steps, err := p.planner.GenerateDelegationSteps(ctx, goal, constraints, skipValidation)
		if err == nil && len(steps) == 0 {
			err = errors.New("planner returned no steps")
		}
		if err == nil {
			return steps, nil
		}
		lastErr = err
		if attempt < maxPlanAttempts {
			p.publish(ctx, bus.PlanningLLMRetry, taskID, map[string]any{"attempt": attempt, "error": err.Error()})
			select {
			case <-time.After(planBackoffBase * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &task.Error{Kind: task.KindPlanningFailed, Msg: "plan generation exhausted retries", TaskID: taskID, Err: lastErr}
}

// commitFastPath persists the pre-computed result and completes the task.
func (p *Pipeline) commitFastPath(ctx context.Context, req Request, res *FastPathResult) error {
	if err := p.store.UpdateSteps(ctx, req.TaskID, res.Steps); err != nil {
		return p.fail(ctx, req.TaskID, err)
	}
	meta := map[string]any{"fast_path": true, "fast_path_outputs": res.Outputs}
	if err := p.store.MergeMetadata(ctx, req.TaskID, meta); err != nil {
		return p.fail(ctx, req.TaskID, err)
	}
	for _, st := range res.Steps {
		if err := p.store.AppendFinding(ctx, req.TaskID, task.Finding{
			StepID:  st.ID,
			Type:    "fast_path",
			Content: res.Outputs,
		}); err != nil {
			return p.fail(ctx, req.TaskID, err)
		}
	}
	if err := p.transition(ctx, req.TaskID, task.StatusReady, task.StatusCompleted); err != nil {
		return p.fail(ctx, req.TaskID, err)
	}
	p.syncCache(ctx, req.TaskID)
	p.metrics.IncCounter("planning_fast_path", 1)
	p.publish(ctx, bus.PlanningFastPath, req.TaskID, nil)
	p.publish(ctx, bus.PlanningCompleted, req.TaskID, map[string]any{"method": "fast_path"})
	return nil
}

// commit writes steps and metadata, builds the execution tree, and moves
// the task to READY.
func (p *Pipeline) commit(ctx context.Context, req Request, goal string, steps []task.Step) error {
	if err := p.store.UpdateSteps(ctx, req.TaskID, steps); err != nil {
		return err
	}
	meta := map[string]any{"planned_goal": goal}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if err := p.store.MergeMetadata(ctx, req.TaskID, meta); err != nil {
		return err
	}
	t, err := p.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	treeID, err := p.trees.CreateTree(ctx, t)
	if err != nil {
		return fmt.Errorf("create execution tree: %w", err)
	}
	t.TreeID = treeID
	if err := p.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	if err := p.store.UpdateStatus(ctx, req.TaskID, task.StatusReady); err != nil {
		return err
	}
	p.syncCache(ctx, req.TaskID)
	return nil
}

// SweepStuck fails tasks stuck in PLANNING beyond StuckThreshold with a
// user-safe message. Returns the number of tasks swept. The runtime runs
// this once, SweepDelay after service start.
func (p *Pipeline) SweepStuck(ctx context.Context) (int, error) {
	stuck, err := p.store.StuckPlanning(ctx, StuckThreshold)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, t := range stuck {
		if err := p.store.UpdateStatus(ctx, t.ID, task.StatusFailed); err != nil {
			p.logger.Warn(ctx, "stuck-planning sweep transition failed", "task_id", t.ID, "err", err)
			continue
		}
		_ = p.store.MergeMetadata(ctx, t.ID, map[string]any{"planning_error": stuckMessage})
		p.publish(ctx, bus.PlanningFailed, t.ID, map[string]any{"error": stuckMessage, "swept": true})
		p.syncCache(ctx, t.ID)
		swept++
	}
	if swept > 0 {
		p.logger.Info(ctx, "swept stuck planning tasks", "count", swept)
	}
	return swept, nil
}

// checkCancel observes the cancellation flag and, when set, performs the
// idempotent status clean-up and stops the pipeline.
func (p *Pipeline) checkCancel(ctx context.Context, taskID string, flag *task.CancelFlag) error {
	if !flag.Cancelled() {
		return nil
	}
	if err := p.store.UpdateStatus(ctx, taskID, task.StatusCancelled); err != nil && !task.IsKind(err, task.KindInvalidTransition) {
		p.logger.Warn(ctx, "cancel clean-up failed", "task_id", taskID, "err", err)
	}
	p.syncCache(ctx, taskID)
	return task.ErrCancelled(taskID)
}

// fail marks the task FAILED with a user-visible planning error.
func (p *Pipeline) fail(ctx context.Context, taskID string, cause error) error {
	if task.IsKind(cause, task.KindCancelled) {
		return cause
	}
	p.logger.Error(ctx, "planning failed", "task_id", taskID, "err", cause)
	if err := p.store.UpdateStatus(ctx, taskID, task.StatusFailed); err != nil {
		p.logger.Warn(ctx, "planning failure transition rejected", "task_id", taskID, "err", err)
	}
	_ = p.store.MergeMetadata(ctx, taskID, map[string]any{"planning_error": cause.Error()})
	p.syncCache(ctx, taskID)
	p.metrics.IncCounter("planning_failed", 1)
	p.publish(ctx, bus.PlanningFailed, taskID, map[string]any{"error": cause.Error()})
	if task.IsKind(cause, task.KindPlanningFailed) {
		return cause
	}
	return &task.Error{Kind: task.KindPlanningFailed, Msg: "planning failed", TaskID: taskID, Err: cause}
}

// transition applies intermediate transitions so the status machine is
// honored even for multi-hop moves (PLANNING→READY→COMPLETED on the fast
// path).
func (p *Pipeline) transition(ctx context.Context, taskID string, statuses ...task.Status) error {
	for _, s := range statuses {
		if err := p.store.UpdateStatus(ctx, taskID, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) syncCache(ctx context.Context, taskID string) {
	if p.cache == nil {
		return
	}
	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if err := p.cache.WriteTask(ctx, t); err != nil {
		p.logger.Warn(ctx, "cache sync failed", "task_id", taskID, "err", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, topic, taskID string, payload map[string]any) {
	if err := p.bus.Publish(ctx, bus.New(topic, taskID, "", payload)); err != nil {
		p.logger.Warn(ctx, "event publish failed", "topic", topic, "task_id", taskID, "err", err)
	}
}

// assignParallelGroups walks the dependency DAG and tags topologically
// flat levels of mutually independent steps with a shared parallel group.
// Planner-supplied groups are respected; only untagged steps at a level
// with two or more untagged members receive a generated tag.
func assignParallelGroups(steps []task.Step) {
	level := make(map[string]int, len(steps))
	byID := make(map[string]*task.Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}
	var depth func(id string, seen map[string]bool) int
	depth = func(id string, seen map[string]bool) int {
		if l, ok := level[id]; ok {
			return l
		}
		if seen[id] {
			return 0 // cycle; validation elsewhere rejects such plans
		}
		seen[id] = true
		st, ok := byID[id]
		if !ok {
			return 0
		}
		max := 0
		for _, dep := range st.DependsOn {
			if d := depth(dep, seen) + 1; d > max {
				max = d
			}
		}
		level[id] = max
		return max
	}
	byLevel := make(map[int][]*task.Step)
	for i := range steps {
		l := depth(steps[i].ID, make(map[string]bool))
		if steps[i].ParallelGroup == "" {
			byLevel[l] = append(byLevel[l], &steps[i])
		}
	}
	for l, members := range byLevel {
		if len(members) < 2 {
			continue
		}
		tag := fmt.Sprintf("group_%d", l)
		for _, st := range members {
			st.ParallelGroup = tag
		}
	}
}
