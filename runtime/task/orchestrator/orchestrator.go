// Package orchestrator advances a task one cycle at a time. Each cycle is
// stateless: the task is reloaded from the cache (primary store on miss),
// ready step-groups are computed from the execution tree, templates are
// resolved, the first group is dispatched under the task's concurrency
// cap, and failures are routed through the observer before anything is
// declared terminal.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/checkpoint"
	"github.com/tentackl/tentackl/runtime/task/inbox"
	"github.com/tentackl/tentackl/runtime/task/observer"
	"github.com/tentackl/tentackl/runtime/task/stepexec"
	"github.com/tentackl/tentackl/runtime/task/store"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	"github.com/tentackl/tentackl/runtime/task/template"
	"github.com/tentackl/tentackl/runtime/task/tree"
)

// Cycle result tags.
const (
	TagStepCompleted    = "step_completed"
	TagGroupCompleted   = "group_completed"
	TagCheckpoint       = "checkpoint"
	TagStepRetry        = "step_retry"
	TagStepFallback     = "step_fallback"
	TagStepSkipped      = "step_skipped"
	TagStepModified     = "step_modified"
	TagPlanAborted      = "plan_aborted"
	TagReplanCheckpoint = "replan_checkpoint"
	TagReplanComplete   = "replan_complete"
	TagBlocked          = "blocked"
	TagTaskCompleted    = "task_completed"
	TagTaskFailed       = "task_failed"
	TagTerminal         = "terminal"
	TagCancelled        = "cancelled"
)

// DefaultMaxParallel bounds in-cycle concurrency when the task does not
// set max_parallel_steps.
const DefaultMaxParallel = 3

type (
	// CycleResult reports what one cycle did.
	CycleResult struct {
		// Tag is one of the Tag* constants.
		Tag string
		// Status is the task status after the cycle.
		Status task.Status
		// StepID identifies the step the tag refers to, when applicable.
		StepID string
		// Detail carries a human-readable note (error message, checkpoint
		// name, partial-failure marker).
		Detail string
	}

	// Options configures the orchestrator.
	Options struct {
		Store       store.Store
		Cache       store.Cache
		Tree        tree.Port
		Bus         bus.Bus
		Inbox       inbox.Port
		Observer    observer.Observer
		Checkpoints *checkpoint.Manager
		Exec        *stepexec.Pipeline
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
	}

	// Orchestrator runs cycles.
	Orchestrator struct {
		store       store.Store
		cache       store.Cache
		tree        tree.Port
		bus         bus.Bus
		inbox       inbox.Port
		observer    observer.Observer
		checkpoints *checkpoint.Manager
		exec        *stepexec.Pipeline
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}

	// groupOutcome pairs a dispatched step with its execution result.
	groupOutcome struct {
		step   task.Step
		result stepexec.Result
		err    error
	}
)

// New constructs the orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil, opts.Cache == nil, opts.Tree == nil:
		return nil, fmt.Errorf("orchestrator: store, cache, and tree are required")
	case opts.Observer == nil:
		return nil, fmt.Errorf("orchestrator: observer is required")
	case opts.Checkpoints == nil:
		return nil, fmt.Errorf("orchestrator: checkpoint manager is required")
	case opts.Exec == nil:
		return nil, fmt.Errorf("orchestrator: step-execution pipeline is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Orchestrator{
		store:       opts.Store,
		cache:       opts.Cache,
		tree:        opts.Tree,
		bus:         opts.Bus,
		inbox:       opts.Inbox,
		observer:    opts.Observer,
		checkpoints: opts.Checkpoints,
		exec:        opts.Exec,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Cycle advances the task once. The cancellation flag may be nil.
func (o *Orchestrator) Cycle(ctx context.Context, taskID string, flag *task.CancelFlag) (CycleResult, error) {
	started := time.Now()
	defer func() {
		o.metrics.RecordTimer("orchestrator.cycle", time.Since(started), "task_id", taskID)
	}()

	if flag.Cancelled() {
		return o.applyCancel(ctx, taskID)
	}

	// 1. Load the task, cache first.
	t, err := o.loadTask(ctx, taskID)
	if err != nil {
		return CycleResult{}, err
	}
	if t.Status.Terminal() {
		return CycleResult{Tag: TagTerminal, Status: t.Status}, nil
	}

	// 2. Ready step-groups from the tree.
	ready, err := o.tree.ReadyNodes(ctx, taskID)
	if err != nil {
		return CycleResult{}, err
	}
	if len(ready) == 0 {
		return o.noReadyWork(ctx, t)
	}

	group := firstGroup(t, ready)

	// Move the task into EXECUTING on its first dispatched cycle.
	if t.Status == task.StatusReady {
		if err := o.store.UpdateStatus(ctx, taskID, task.StatusExecuting); err != nil {
			return CycleResult{}, err
		}
		t.Status = task.StatusExecuting
		o.publish(ctx, bus.New(bus.TaskStarted, taskID, "", map[string]any{"goal": t.Goal}))
	}

	// 6a. Unresolved checkpoints gate the whole group.
	for i := range group {
		st := &group[i]
		if !st.CheckpointRequired {
			continue
		}
		approved, err := o.checkpoints.IsApproved(ctx, taskID, st.ID)
		if err != nil {
			return CycleResult{}, err
		}
		if !approved {
			res, err := o.exec.Execute(ctx, stepexec.Payload{
				TaskID:               taskID,
				StepID:               st.ID,
				DeferFailureFinalize: true,
			})
			if err != nil {
				return CycleResult{}, err
			}
			if res.Tag == stepexec.TagCheckpoint {
				return CycleResult{Tag: TagCheckpoint, Status: task.StatusCheckpoint, StepID: st.ID}, nil
			}
			// Learned preferences auto-approved the checkpoint and the step
			// ran inline; settle it as a one-step group so the cycle still
			// advances at most one group. The caller cycles again for the
			// rest of the plan.
			return o.settleGroup(ctx, t, []task.Step{*st}, []groupOutcome{{step: *st, result: res}})
		}
	}

	// Template resolution before dispatch. A malformed or unresolvable
	// reference is a step failure routed through the observer.
	resolved := make(map[string]map[string]any, len(group))
	for i := range group {
		st := &group[i]
		if err := template.Validate(st.Inputs); err != nil {
			return o.handleFailure(ctx, t, st, err.Error())
		}
		inputs, err := template.Resolve(st.Inputs, func(ref string) (*task.Step, bool) {
			s := t.StepByRef(ref)
			return s, s != nil
		})
		if err != nil {
			return o.handleFailure(ctx, t, st, err.Error())
		}
		resolved[st.ID] = inputs
	}

	if flag.Cancelled() {
		return o.applyCancel(ctx, taskID)
	}

	// Mark RUNNING in the cache up front; the tree transitions per step
	// inside the execution pipeline.
	for i := range group {
		if cs := t.StepByID(group[i].ID); cs != nil {
			cs.Status = task.StepRunning
		}
	}
	if err := o.cache.WriteTask(ctx, t); err != nil {
		o.logger.Warn(ctx, "cache sync failed before dispatch", "task_id", taskID, "err", err)
	}
	for i := range group {
		o.publish(ctx, bus.New(bus.TaskStepStarted, taskID, group[i].ID, map[string]any{
			"agent_type": group[i].AgentType,
		}))
	}

	outcomes := o.dispatch(ctx, t, group, resolved)
	return o.settleGroup(ctx, t, group, outcomes)
}

// loadTask reads the cache and falls back to the primary store, rewarming
// the cache on miss.
func (o *Orchestrator) loadTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, hit, err := o.cache.ReadTask(ctx, taskID)
	if err != nil {
		o.logger.Warn(ctx, "cache read failed", "task_id", taskID, "err", err)
	}
	if hit {
		return t, nil
	}
	t, err = o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if werr := o.cache.WriteTask(ctx, t); werr != nil {
		o.logger.Warn(ctx, "cache rewarm failed", "task_id", taskID, "err", werr)
	}
	return t, nil
}

// noReadyWork handles cycles with nothing ready: checkpoints surface
// first, then blocked-dependency analysis, then completion.
func (o *Orchestrator) noReadyWork(ctx context.Context, t *task.Task) (CycleResult, error) {
	// 3. Parked checkpoints win.
	for i := range t.Steps {
		if t.Steps[i].Status == task.StepCheckpoint {
			return CycleResult{Tag: TagCheckpoint, Status: t.Status, StepID: t.Steps[i].ID}, nil
		}
	}

	// 4. Failed dependencies blocking pending work.
	hasFailed, hasBlockedPending := false, false
	for i := range t.Steps {
		switch t.Steps[i].Status {
		case task.StepFailed:
			hasFailed = true
		case task.StepPending:
			hasBlockedPending = true
		}
	}
	if hasFailed && hasBlockedPending {
		rc, err := o.observer.AnalyzeBlockedDependencies(ctx, t)
		if err != nil {
			o.logger.Warn(ctx, "blocked-dependency analysis failed", "task_id", t.ID, "err", err)
		}
		if rc != nil {
			failed := t.StepByID(rc.FailedStepID)
			if failed == nil {
				failed = &t.Steps[0]
			}
			return o.raiseReplanCheckpoint(ctx, t, failed, rc)
		}
		if err := o.exec.FinalizeFailed(ctx, t.ID); err != nil {
			return CycleResult{}, err
		}
		return CycleResult{Tag: TagTaskFailed, Status: task.StatusFailed}, nil
	}
	if hasFailed {
		if err := o.exec.FinalizeFailed(ctx, t.ID); err != nil {
			return CycleResult{}, err
		}
		return CycleResult{Tag: TagTaskFailed, Status: task.StatusFailed}, nil
	}

	// 5. Everything done or skipped.
	if done, err := o.tree.IsTaskComplete(ctx, t.ID); err == nil && done {
		if err := o.exec.FinalizeCompleted(ctx, t.ID); err != nil {
			return CycleResult{}, err
		}
		return CycleResult{Tag: TagTaskCompleted, Status: task.StatusCompleted}, nil
	}
	return CycleResult{Tag: TagBlocked, Status: t.Status}, nil
}

// dispatch executes the group: single steps run inline, multi-step groups
// run concurrently under a semaphore sized by max_parallel_steps, with the
// failure policy applied across siblings.
func (o *Orchestrator) dispatch(ctx context.Context, t *task.Task, group []task.Step, resolved map[string]map[string]any) []groupOutcome {
	if len(group) == 1 {
		res, err := o.exec.Execute(ctx, stepexec.Payload{
			TaskID:               t.ID,
			StepID:               group[0].ID,
			ResolvedInputs:       resolved[group[0].ID],
			DeferFailureFinalize: true,
		})
		return []groupOutcome{{step: group[0], result: res, err: err}}
	}

	limit := t.MaxParallelSteps
	if limit <= 0 {
		limit = DefaultMaxParallel
	}
	policy := groupPolicy(group)

	groupCtx := ctx
	var cancel context.CancelFunc
	if policy == task.PolicyFailFast {
		groupCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	outcomes := make([]groupOutcome, len(group))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range group {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if groupCtx.Err() != nil {
				outcomes[i] = groupOutcome{step: group[i], err: groupCtx.Err()}
				return
			}
			res, err := o.exec.Execute(groupCtx, stepexec.Payload{
				TaskID:               t.ID,
				StepID:               group[i].ID,
				ResolvedInputs:       resolved[group[i].ID],
				DeferFailureFinalize: true,
			})
			outcomes[i] = groupOutcome{step: group[i], result: res, err: err}
			if policy == task.PolicyFailFast && (err != nil || res.Tag == stepexec.TagFailed || res.Tag == stepexec.TagTaskFailed) {
				cancel()
			}
		}(i)
	}
	wg.Wait()
	return outcomes
}

// settleGroup turns the group outcomes into one cycle result, applying the
// failure policy and the observer where needed.
func (o *Orchestrator) settleGroup(ctx context.Context, t *task.Task, group []task.Step, outcomes []groupOutcome) (CycleResult, error) {
	var firstFailure *groupOutcome
	succeeded, failed := 0, 0
	for i := range outcomes {
		oc := &outcomes[i]
		if oc.err != nil {
			failed++
			if firstFailure == nil {
				firstFailure = oc
			}
			continue
		}
		switch oc.result.Tag {
		case stepexec.TagCheckpoint:
			return CycleResult{Tag: TagCheckpoint, Status: task.StatusCheckpoint, StepID: oc.step.ID}, nil
		case stepexec.TagRetrying:
			return CycleResult{Tag: TagStepRetry, Status: t.Status, StepID: oc.step.ID, Detail: oc.result.Error}, nil
		case stepexec.TagTaskCompleted:
			return CycleResult{Tag: TagTaskCompleted, Status: task.StatusCompleted, StepID: oc.step.ID}, nil
		case stepexec.TagFailed, stepexec.TagTaskFailed:
			failed++
			if firstFailure == nil {
				firstFailure = oc
			}
		default:
			succeeded++
		}
	}

	if firstFailure == nil {
		if len(group) > 1 {
			return CycleResult{Tag: TagGroupCompleted, Status: t.Status}, nil
		}
		return CycleResult{Tag: TagStepCompleted, Status: t.Status, StepID: group[0].ID}, nil
	}

	if groupPolicy(group) == task.PolicyBestEffort && succeeded > 0 {
		if err := o.store.MergeMetadata(ctx, t.ID, map[string]any{"partial_failure": true}); err != nil {
			o.logger.Warn(ctx, "partial-failure metadata merge failed", "task_id", t.ID, "err", err)
		}
		return CycleResult{Tag: TagGroupCompleted, Status: t.Status, Detail: "partial_failure"}, nil
	}

	errMsg := firstFailure.result.Error
	if firstFailure.err != nil {
		errMsg = firstFailure.err.Error()
	}
	// Reload so the observer sees the persisted failure state.
	fresh, err := o.loadTask(ctx, t.ID)
	if err != nil {
		return CycleResult{}, err
	}
	failedStep := fresh.StepByID(firstFailure.step.ID)
	if failedStep == nil {
		return CycleResult{}, task.ErrStepNotFound(t.ID, firstFailure.step.ID)
	}
	if failedStep.Error == "" {
		failedStep.Error = errMsg
	}
	return o.handleFailure(ctx, fresh, failedStep, failedStep.Error)
}

// handleFailure runs the observer's decision ladder and applies the
// proposed recovery.
func (o *Orchestrator) handleFailure(ctx context.Context, t *task.Task, st *task.Step, errMsg string) (CycleResult, error) {
	st.Error = errMsg
	decision, err := o.observer.AnalyzeFailure(ctx, t, st)
	if err != nil {
		o.logger.Warn(ctx, "observer analysis failed", "task_id", t.ID, "step_id", st.ID, "err", err)
		decision = observer.Decision{Action: observer.ActionAbort, Reason: "observer unavailable"}
	}
	o.logger.Info(ctx, "observer decision",
		"task_id", t.ID, "step_id", st.ID, "action", string(decision.Action), "reason", decision.Reason)
	o.metrics.IncCounter("orchestrator.observer_decision", 1, "action", string(decision.Action))

	switch decision.Action {
	case observer.ActionRetry:
		st.RetryCount++
		return o.redispatchStep(ctx, t, st, TagStepRetry)

	case observer.ActionFallback:
		applyFallback(st, decision)
		return o.redispatchStep(ctx, t, st, TagStepFallback)

	case observer.ActionModify:
		st.Inputs = decision.ModifiedInputs
		st.RetryCount++
		return o.redispatchStep(ctx, t, st, TagStepModified)

	case observer.ActionSkip:
		if err := o.tree.SkipStep(ctx, t.ID, st.ID); err != nil {
			return CycleResult{}, err
		}
		if err := o.store.UpdateStepStatus(ctx, t.ID, st.ID, task.StepSkipped, st.Error); err != nil {
			return CycleResult{}, err
		}
		o.syncCache(ctx, t.ID)
		return CycleResult{Tag: TagStepSkipped, Status: t.Status, StepID: st.ID, Detail: decision.Reason}, nil

	case observer.ActionReplan:
		rc := decision.Replan
		if rc == nil {
			if rc, err = o.observer.AnalyzeForReplan(ctx, t, st); err != nil || rc == nil {
				break
			}
		}
		return o.raiseReplanCheckpoint(ctx, t, st, rc)
	}

	// ABORT and unactionable decisions fail the task.
	if err := o.exec.FinalizeFailed(ctx, t.ID); err != nil {
		return CycleResult{}, err
	}
	return CycleResult{Tag: TagPlanAborted, Status: task.StatusFailed, StepID: st.ID, Detail: decision.Reason}, nil
}

// redispatchStep resets the failed node with the (possibly rewritten) step
// record and reports the recovery tag. The next cycle picks the step up as
// ready again.
func (o *Orchestrator) redispatchStep(ctx context.Context, t *task.Task, st *task.Step, tag string) (CycleResult, error) {
	st.Status = task.StepPending
	failureMsg := st.Error
	st.Error = ""
	if err := o.tree.ResetStep(ctx, t.ID, *st); err != nil {
		return CycleResult{}, err
	}
	if err := o.store.UpdateStep(ctx, t.ID, *st); err != nil {
		return CycleResult{}, err
	}
	o.syncCache(ctx, t.ID)
	return CycleResult{Tag: tag, Status: t.Status, StepID: st.ID, Detail: failureMsg}, nil
}

// raiseReplanCheckpoint materialises a REPLAN checkpoint for the failure.
// Learned preferences may auto-approve it, in which case the replan
// executes immediately and the cycle reports replan_complete.
func (o *Orchestrator) raiseReplanCheckpoint(ctx context.Context, t *task.Task, st *task.Step, rc *task.ReplanContext) (CycleResult, error) {
	cp, err := o.checkpoints.CreateReplan(ctx, t, st, rc)
	if err != nil {
		return CycleResult{}, err
	}
	if cp.Decision.Approved() {
		replacement, err := o.checkpoints.ExecuteReplan(ctx, t, st, rc, checkpoint.SystemResolver)
		if err != nil {
			return CycleResult{}, err
		}
		return CycleResult{Tag: TagReplanComplete, Status: task.StatusSuperseded, Detail: replacement.ID}, nil
	}

	if err := o.store.UpdateStepStatus(ctx, t.ID, st.ID, task.StepCheckpoint, st.Error); err != nil {
		return CycleResult{}, err
	}
	if t.Status != task.StatusCheckpoint {
		if err := o.store.UpdateStatus(ctx, t.ID, task.StatusCheckpoint); err != nil {
			return CycleResult{}, err
		}
	}
	o.syncCache(ctx, t.ID)
	o.publish(ctx, bus.New(bus.TaskCheckpointCreated, t.ID, st.ID, map[string]any{
		"checkpoint_id": cp.ID,
		"type":          cp.Type,
		"diagnosis":     rc.Diagnosis,
	}))
	if o.inbox != nil {
		if err := o.inbox.AddCheckpointMessage(ctx, t.ID, st.ID, cp.Name, rc.Diagnosis); err != nil {
			o.logger.Warn(ctx, "replan inbox message failed", "task_id", t.ID, "err", err)
		}
	}
	return CycleResult{Tag: TagReplanCheckpoint, Status: task.StatusCheckpoint, StepID: st.ID}, nil
}

// applyCancel finalizes an observed cancellation: CANCELLED status, cache
// sync, terminal event.
func (o *Orchestrator) applyCancel(ctx context.Context, taskID string) (CycleResult, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return CycleResult{}, err
	}
	if !t.Status.Terminal() {
		if err := o.store.UpdateStatus(ctx, taskID, task.StatusCancelled); err != nil {
			return CycleResult{}, err
		}
		o.syncCache(ctx, taskID)
		o.publish(ctx, bus.New(bus.TaskCancelled, taskID, "", nil))
	}
	return CycleResult{Tag: TagCancelled, Status: task.StatusCancelled}, nil
}

// firstGroup selects the group to dispatch: every ready node sharing the
// first ready node's non-empty parallel group, or that node alone.
func firstGroup(t *task.Task, ready []tree.Node) []task.Step {
	first := stepFor(t, ready[0])
	if first.ParallelGroup == "" {
		return []task.Step{first}
	}
	group := []task.Step{first}
	for _, n := range ready[1:] {
		st := stepFor(t, n)
		if st.ParallelGroup == first.ParallelGroup {
			group = append(group, st)
		}
	}
	return group
}

// stepFor prefers the task's current step record over the tree snapshot so
// observer rewrites survive into dispatch.
func stepFor(t *task.Task, n tree.Node) task.Step {
	if st := t.StepByID(n.StepID); st != nil {
		return *st
	}
	return n.Step
}

// groupPolicy returns the group's failure policy: the first explicit
// member policy, defaulting to all-or-nothing.
func groupPolicy(group []task.Step) task.FailurePolicy {
	for i := range group {
		if group[i].FailurePolicy != "" {
			return group[i].FailurePolicy
		}
	}
	return task.PolicyAllOrNothing
}

// applyFallback consumes the selected fallback entry so the config narrows
// monotonically, and pins the step to the fallback target.
func applyFallback(st *task.Step, d observer.Decision) {
	if st.Fallback == nil {
		return
	}
	switch {
	case d.FallbackModel != "":
		st.Model = d.FallbackModel
		if len(st.Fallback.Models) > 0 && st.Fallback.Models[0] == d.FallbackModel {
			st.Fallback.Models = st.Fallback.Models[1:]
		}
	case d.FallbackAPI != "":
		if st.Inputs == nil {
			st.Inputs = make(map[string]any)
		}
		st.Inputs["api"] = d.FallbackAPI
		if len(st.Fallback.APIs) > 0 && st.Fallback.APIs[0] == d.FallbackAPI {
			st.Fallback.APIs = st.Fallback.APIs[1:]
		}
	}
}

// syncCache replicates the authoritative row into the cache.
func (o *Orchestrator) syncCache(ctx context.Context, taskID string) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.logger.Warn(ctx, "cache sync load failed", "task_id", taskID, "err", err)
		return
	}
	if err := o.cache.WriteTask(ctx, t); err != nil {
		o.logger.Warn(ctx, "cache sync write failed", "task_id", taskID, "err", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev bus.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn(ctx, "event publish failed", "task_id", ev.TaskID, "topic", ev.Type, "err", err)
	}
}
