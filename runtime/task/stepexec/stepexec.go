// Package stepexec implements the single-step execution lifecycle: tree
// reconstruction, checkpoint gating, model selection, plugin execution,
// and the strict five-stage persistence order (tree, then primary store,
// then cache, then event stream, then inbox). Both scheduling modes land
// here — queue workers and the in-process scheduler dispatch to Execute.
package stepexec

import (
	"context"
	"fmt"
	"time"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/checkpoint"
	"github.com/tentackl/tentackl/runtime/task/inbox"
	"github.com/tentackl/tentackl/runtime/task/plugin"
	"github.com/tentackl/tentackl/runtime/task/store"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	"github.com/tentackl/tentackl/runtime/task/tree"
)

// Result tags returned from Execute.
const (
	TagCompleted     = "completed"
	TagCheckpoint    = "checkpoint"
	TagRetrying      = "retrying"
	TagFailed        = "failed"
	TagTaskCompleted = "task_completed"
	TagTaskFailed    = "task_failed"
)

type (
	// Payload is the dispatched step payload. ResolvedInputs, when set,
	// replace the step's stored inputs (template resolution happens in the
	// orchestrator before dispatch).
	Payload struct {
		TaskID         string
		StepID         string
		ResolvedInputs map[string]any
		// Step is the fallback record used when the tree node is missing,
		// e.g. on redelivery after a tree rebuild.
		Step *task.Step
		// DeferFailureFinalize suppresses terminal-failure finalization so
		// the caller can consult the observer before giving up. Orchestrator
		// cycles set it; queue workers leave it unset.
		DeferFailureFinalize bool
	}

	// Result reports the outcome of one execution.
	Result struct {
		// Tag is one of the Tag* constants.
		Tag string
		// StepID identifies the executed step.
		StepID string
		// Outputs carries step outputs for completed executions.
		Outputs map[string]any
		// Error carries the failure message for failed executions.
		Error string
	}

	// Options configures the pipeline.
	Options struct {
		Tree        tree.Port
		Store       store.Store
		Cache       store.Cache
		Bus         bus.Bus
		Inbox       inbox.Port
		Checkpoints *checkpoint.Manager
		Executor    plugin.Executor
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics

		// DefaultModels maps agent types to their default model. A step's
		// explicit model override wins.
		DefaultModels map[string]string

		// ScheduleReady enqueues newly ready nodes after a completion.
		ScheduleReady func(ctx context.Context, taskID string) (int, error)
	}

	// Pipeline executes single steps.
	Pipeline struct {
		tree          tree.Port
		store         store.Store
		cache         store.Cache
		bus           bus.Bus
		inbox         inbox.Port
		checkpoints   *checkpoint.Manager
		executor      plugin.Executor
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		defaultModels map[string]string
		scheduleReady func(ctx context.Context, taskID string) (int, error)
		now           func() time.Time
	}
)

// New constructs the pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Tree == nil, opts.Store == nil, opts.Cache == nil:
		return nil, fmt.Errorf("stepexec: tree, store, and cache are required")
	case opts.Executor == nil:
		return nil, fmt.Errorf("stepexec: executor is required")
	case opts.Checkpoints == nil:
		return nil, fmt.Errorf("stepexec: checkpoint manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Pipeline{
		tree:          opts.Tree,
		store:         opts.Store,
		cache:         opts.Cache,
		bus:           opts.Bus,
		inbox:         opts.Inbox,
		checkpoints:   opts.Checkpoints,
		executor:      opts.Executor,
		logger:        logger,
		metrics:       metrics,
		defaultModels: opts.DefaultModels,
		scheduleReady: opts.ScheduleReady,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetScheduleReady wires the scheduler hook after construction.
func (p *Pipeline) SetScheduleReady(fn func(ctx context.Context, taskID string) (int, error)) {
	p.scheduleReady = fn
}

// Execute runs one step through the full lifecycle.
func (p *Pipeline) Execute(ctx context.Context, payload Payload) (Result, error) {
	started := p.now()

	// 1. Reconstruct the step from the tree; the dispatched payload is the
	// fallback, and resolved inputs always win over stored ones.
	st, found, err := p.tree.GetStep(ctx, payload.TaskID, payload.StepID)
	if err != nil && err != tree.ErrTreeNotFound && err != tree.ErrNodeNotFound {
		return Result{}, err
	}
	if !found {
		if payload.Step == nil {
			return Result{}, task.ErrStepNotFound(payload.TaskID, payload.StepID)
		}
		st = *payload.Step
	}
	if payload.ResolvedInputs != nil {
		st.Inputs = payload.ResolvedInputs
	}

	// Idempotent redelivery: a node already in a terminal state replays to
	// the same result without re-executing the plugin.
	if nodes, nerr := p.tree.Nodes(ctx, payload.TaskID); nerr == nil {
		for _, n := range nodes {
			if n.StepID == st.ID && n.Status.Terminal() {
				return p.replayTerminal(n), nil
			}
		}
	}

	// 2. Mark the node running.
	if err := p.tree.StartStep(ctx, payload.TaskID, st.ID); err != nil {
		return Result{}, err
	}

	t, err := p.store.GetTask(ctx, payload.TaskID)
	if err != nil {
		return Result{}, err
	}

	// 3. Checkpoint gating.
	if st.CheckpointRequired {
		approved, err := p.checkpoints.IsApproved(ctx, t.ID, st.ID)
		if err != nil {
			return Result{}, err
		}
		if !approved {
			return p.parkOnCheckpoint(ctx, t, &st, payload.DeferFailureFinalize)
		}
	}

	// 4-5. Model selection and trusted execution context.
	st.StartedAt = started
	execCtx := plugin.Context{
		TaskID: t.ID,
		StepID: st.ID,
		OrgID:  t.OrgID,
		UserID: t.UserID,
		Model:  p.selectModel(&st),
		System: systemContext(t, &st),
	}

	// 6. Plugin execution.
	res, err := p.executor.Execute(ctx, st.AgentType, st.Inputs, execCtx)
	if err != nil {
		res = &plugin.Result{Success: false, Error: err.Error()}
	}
	p.metrics.RecordTimer("stepexec.duration", p.now().Sub(started), "agent_type", st.AgentType)

	if res.Success {
		return p.completeStep(ctx, t, &st, res.Outputs)
	}
	return p.failStep(ctx, t, &st, res.Error, payload.DeferFailureFinalize)
}

// parkOnCheckpoint pauses the node and materialises the checkpoint. When
// preference learning auto-approves, execution is retried immediately.
func (p *Pipeline) parkOnCheckpoint(ctx context.Context, t *task.Task, st *task.Step, deferFinalize bool) (Result, error) {
	cp, err := p.checkpoints.Create(ctx, t, st)
	if err != nil {
		return Result{}, err
	}
	if cp.Decision.Approved() {
		// Auto-approved: no gate after all.
		st.CheckpointRequired = false
		if err := p.store.UpdateStep(ctx, t.ID, *st); err != nil {
			return Result{}, err
		}
		return p.Execute(ctx, Payload{
			TaskID:               t.ID,
			StepID:               st.ID,
			ResolvedInputs:       st.Inputs,
			DeferFailureFinalize: deferFinalize,
		})
	}

	// Sync order: tree, primary, cache, events, inbox.
	if err := p.tree.PauseStep(ctx, t.ID, st.ID); err != nil {
		return Result{}, err
	}
	if err := p.store.UpdateStepStatus(ctx, t.ID, st.ID, task.StepCheckpoint, ""); err != nil {
		return Result{}, err
	}
	if t.Status == task.StatusExecuting || t.Status == task.StatusReady {
		if err := p.store.UpdateStatus(ctx, t.ID, task.StatusCheckpoint); err != nil {
			return Result{}, err
		}
		t.Status = task.StatusCheckpoint
	}
	p.syncCache(ctx, t.ID)
	p.publish(ctx, bus.New(bus.TaskCheckpointCreated, t.ID, st.ID, map[string]any{
		"checkpoint_id": cp.ID,
		"name":          cp.Name,
		"type":          cp.Type,
	}))
	if p.inbox != nil {
		body := cp.Description
		if body == "" {
			body = fmt.Sprintf("Step %q needs your approval before it can run.", st.Name)
		}
		if err := p.inbox.AddCheckpointMessage(ctx, t.ID, st.ID, cp.Name, body); err != nil {
			p.logger.Warn(ctx, "checkpoint inbox message failed", "task_id", t.ID, "err", err)
		}
	}
	return Result{Tag: TagCheckpoint, StepID: st.ID}, nil
}

// completeStep persists a success in strict sync order and advances the
// task: newly ready nodes are scheduled and completion is finalized when
// the tree is done.
func (p *Pipeline) completeStep(ctx context.Context, t *task.Task, st *task.Step, outputs map[string]any) (Result, error) {
	if err := p.tree.CompleteStep(ctx, t.ID, st.ID, outputs); err != nil {
		return Result{}, err
	}
	st.Status = task.StepDone
	st.Outputs = outputs
	st.Error = ""
	st.FinishedAt = p.now()
	if err := p.store.UpdateStep(ctx, t.ID, *st); err != nil {
		return Result{}, err
	}
	finding := task.Finding{
		StepID:    st.ID,
		Type:      "step_output",
		Content:   outputs,
		CreatedAt: p.now(),
	}
	if err := p.store.AppendFinding(ctx, t.ID, finding); err != nil {
		p.logger.Warn(ctx, "finding append failed", "task_id", t.ID, "step_id", st.ID, "err", err)
	}
	p.syncCache(ctx, t.ID)
	if err := p.cache.AppendFinding(ctx, t.ID, finding); err != nil {
		p.logger.Warn(ctx, "cached finding append failed", "task_id", t.ID, "err", err)
	}
	p.publish(ctx, bus.New(bus.TaskStepCompleted, t.ID, st.ID, map[string]any{
		"agent_type": st.AgentType,
		"outputs":    outputs,
	}))
	if p.inbox != nil {
		if err := p.inbox.AddStepMessage(ctx, t.ID, st.ID, st.Name, fmt.Sprintf("Step %q completed.", st.Name)); err != nil {
			p.logger.Warn(ctx, "step inbox message failed", "task_id", t.ID, "err", err)
		}
	}

	if done, err := p.tree.IsTaskComplete(ctx, t.ID); err == nil && done {
		if err := p.FinalizeCompleted(ctx, t.ID); err != nil {
			return Result{}, err
		}
		return Result{Tag: TagTaskCompleted, StepID: st.ID, Outputs: outputs}, nil
	}
	if p.scheduleReady != nil {
		if _, err := p.scheduleReady(ctx, t.ID); err != nil {
			p.logger.Warn(ctx, "scheduling after completion failed", "task_id", t.ID, "err", err)
		}
	}
	return Result{Tag: TagCompleted, StepID: st.ID, Outputs: outputs}, nil
}

// failStep handles a plugin failure: transient errors with retry budget
// reset the node for redispatch; everything else fails the node and, when
// the whole tree is terminally failed, the task.
func (p *Pipeline) failStep(ctx context.Context, t *task.Task, st *task.Step, errMsg string, deferFinalize bool) (Result, error) {
	if st.RetryCount < st.MaxRetries && task.IsTransientError(errMsg) {
		st.RetryCount++
		st.Error = ""
		if err := p.tree.ResetStep(ctx, t.ID, *st); err != nil {
			return Result{}, err
		}
		if err := p.store.UpdateStep(ctx, t.ID, *st); err != nil {
			return Result{}, err
		}
		p.syncCache(ctx, t.ID)
		p.publish(ctx, bus.New(bus.TaskStepStarted, t.ID, st.ID, map[string]any{
			"retry":       st.RetryCount,
			"max_retries": st.MaxRetries,
			"reason":      errMsg,
		}))
		// The reset node is ready again; hand it back to the scheduler so
		// queue-mode workers pick the retry up.
		if p.scheduleReady != nil {
			if _, err := p.scheduleReady(ctx, t.ID); err != nil {
				p.logger.Warn(ctx, "scheduling after retry reset failed", "task_id", t.ID, "err", err)
			}
		}
		return Result{Tag: TagRetrying, StepID: st.ID, Error: errMsg}, nil
	}

	if err := p.tree.FailStep(ctx, t.ID, st.ID, errMsg); err != nil {
		return Result{}, err
	}
	if err := p.store.UpdateStepStatus(ctx, t.ID, st.ID, task.StepFailed, errMsg); err != nil {
		return Result{}, err
	}
	p.syncCache(ctx, t.ID)
	p.publish(ctx, bus.New(bus.TaskStepFailed, t.ID, st.ID, map[string]any{
		"agent_type": st.AgentType,
		"error":      errMsg,
	}))
	if p.inbox != nil {
		if err := p.inbox.AddStepMessage(ctx, t.ID, st.ID, st.Name, fmt.Sprintf("Step %q failed: %s", st.Name, errMsg)); err != nil {
			p.logger.Warn(ctx, "step inbox message failed", "task_id", t.ID, "err", err)
		}
	}

	if !deferFinalize && p.treeTerminallyFailed(ctx, t.ID) {
		if err := p.FinalizeFailed(ctx, t.ID); err != nil {
			return Result{}, err
		}
		return Result{Tag: TagTaskFailed, StepID: st.ID, Error: errMsg}, nil
	}
	return Result{Tag: TagFailed, StepID: st.ID, Error: errMsg}, nil
}

// FinalizeCompleted marks the task COMPLETED and posts the terminal
// summary. The orchestrator also calls it when a cycle finds every node
// already terminal.
func (p *Pipeline) FinalizeCompleted(ctx context.Context, taskID string) error {
	if err := p.store.UpdateStatus(ctx, taskID, task.StatusCompleted); err != nil {
		return err
	}
	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.syncCache(ctx, taskID)
	p.publish(ctx, bus.New(bus.TaskCompleted, taskID, "", map[string]any{
		"steps": len(t.Steps),
	}))
	if p.inbox != nil {
		done, skipped := 0, 0
		for _, st := range t.Steps {
			switch st.Status {
			case task.StepDone:
				done++
			case task.StepSkipped:
				skipped++
			}
		}
		body := fmt.Sprintf("Task completed: %d steps done, %d skipped.", done, skipped)
		if err := p.inbox.AddCompletionMessage(ctx, taskID, "Task completed", body); err != nil {
			p.logger.Warn(ctx, "completion inbox message failed", "task_id", taskID, "err", err)
		}
	}
	return nil
}

// FinalizeFailed marks the task FAILED with the accumulated step errors.
func (p *Pipeline) FinalizeFailed(ctx context.Context, taskID string) error {
	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	var errs []string
	for _, st := range t.Steps {
		if st.Status == task.StepFailed && st.Error != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", st.ID, st.Error))
		}
	}
	if err := p.store.MergeMetadata(ctx, taskID, map[string]any{"failure_errors": errs}); err != nil {
		p.logger.Warn(ctx, "failure metadata merge failed", "task_id", taskID, "err", err)
	}
	if err := p.store.UpdateStatus(ctx, taskID, task.StatusFailed); err != nil {
		return err
	}
	p.syncCache(ctx, taskID)
	p.publish(ctx, bus.New(bus.TaskFailed, taskID, "", map[string]any{
		"errors": errs,
	}))
	if p.inbox != nil {
		body := "Task failed."
		if len(errs) > 0 {
			body = "Task failed: " + errs[0]
		}
		if err := p.inbox.AddCompletionMessage(ctx, taskID, "Task failed", body); err != nil {
			p.logger.Warn(ctx, "failure inbox message failed", "task_id", taskID, "err", err)
		}
	}
	return nil
}

// treeTerminallyFailed reports whether no node can make further progress
// and at least one failed.
func (p *Pipeline) treeTerminallyFailed(ctx context.Context, taskID string) bool {
	nodes, err := p.tree.Nodes(ctx, taskID)
	if err != nil {
		return false
	}
	failed := false
	for _, n := range nodes {
		switch n.Status {
		case tree.NodeFailed:
			failed = true
		case tree.NodeRunning, tree.NodePaused:
			return false
		}
	}
	if !failed {
		return false
	}
	ready, err := p.tree.ReadyNodes(ctx, taskID)
	return err == nil && len(ready) == 0
}

// replayTerminal maps an already-terminal node back to its result tag so
// at-least-once deliveries converge.
func (p *Pipeline) replayTerminal(n tree.Node) Result {
	switch n.Status {
	case tree.NodeCompleted, tree.NodeSkipped:
		return Result{Tag: TagCompleted, StepID: n.StepID, Outputs: n.Outputs}
	default:
		return Result{Tag: TagFailed, StepID: n.StepID, Error: n.Error}
	}
}

// selectModel applies explicit override first, then the per-agent default.
func (p *Pipeline) selectModel(st *task.Step) string {
	if st.Model != "" {
		return st.Model
	}
	return p.defaultModels[st.AgentType]
}

// syncCache replicates the authoritative task row into the cache.
func (p *Pipeline) syncCache(ctx context.Context, taskID string) {
	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.logger.Warn(ctx, "cache sync load failed", "task_id", taskID, "err", err)
		return
	}
	if err := p.cache.WriteTask(ctx, t); err != nil {
		p.logger.Warn(ctx, "cache sync write failed", "task_id", taskID, "err", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, ev bus.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.logger.Warn(ctx, "event publish failed", "task_id", ev.TaskID, "topic", ev.Type, "err", err)
	}
}
