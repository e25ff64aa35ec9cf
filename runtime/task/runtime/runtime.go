// Package runtime composes the domain ports into the application
// use-cases exposed to external collaborators: task creation and planning,
// execution to checkpoint or completion, observe streams, checkpoint
// resolution, trigger cloning, and preference management.
//
// The runtime holds the per-task in-flight maps for planning and
// execution goroutines so a cancel request can cooperatively stop both:
// the cancellation flag is observed at every await boundary and the
// goroutine contexts are cancelled outright.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/checkpoint"
	"github.com/tentackl/tentackl/runtime/task/inbox"
	"github.com/tentackl/tentackl/runtime/task/memory"
	"github.com/tentackl/tentackl/runtime/task/orchestrator"
	"github.com/tentackl/tentackl/runtime/task/planner"
	"github.com/tentackl/tentackl/runtime/task/preference"
	"github.com/tentackl/tentackl/runtime/task/scheduler"
	"github.com/tentackl/tentackl/runtime/task/store"
	"github.com/tentackl/tentackl/runtime/task/stream"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	"github.com/tentackl/tentackl/runtime/task/tree"
	"github.com/tentackl/tentackl/runtime/task/trigger"
)

// maxCycles bounds a single execute-task loop as a safety net against
// non-terminating plans.
const maxCycles = 1000

// MemoryTokenBudget bounds the memory context injected into planning.
const MemoryTokenBudget = 2000

type (
	// Options wires the runtime. Wiring errors are fatal at construction.
	Options struct {
		Store        store.Store
		Cache        store.Cache
		Tree         tree.Port
		Bus          bus.Bus
		Stream       stream.Stream
		Inbox        inbox.Port
		Planning     *planner.Pipeline
		Orchestrator *orchestrator.Orchestrator
		Scheduler    *scheduler.Scheduler
		Checkpoints  *checkpoint.Manager
		Preferences  preference.Service
		Triggers     trigger.Registry
		Memory       memory.Operations
		Logger       telemetry.Logger
		Metrics      telemetry.Metrics
	}

	// Runtime is the composition root.
	Runtime struct {
		store        store.Store
		cache        store.Cache
		tree         tree.Port
		bus          bus.Bus
		stream       stream.Stream
		inbox        inbox.Port
		planning     *planner.Pipeline
		orchestrator *orchestrator.Orchestrator
		scheduler    *scheduler.Scheduler
		checkpoints  *checkpoint.Manager
		preferences  preference.Service
		triggers     trigger.Registry
		memory       memory.Operations
		logger       telemetry.Logger
		metrics      telemetry.Metrics

		mu        sync.Mutex
		planFlts  map[string]*flight
		execFlts  map[string]*flight
		baseCtx   context.Context
		baseStop  context.CancelFunc
		wg        sync.WaitGroup
	}

	// flight tracks one in-flight goroutine for cooperative cancellation.
	flight struct {
		flag   *task.CancelFlag
		cancel context.CancelFunc
	}

	// CreateRequest carries create_task inputs.
	CreateRequest struct {
		Goal             string
		UserID           string
		OrgID            string
		Constraints      map[string]any
		SuccessCriteria  map[string]any
		Metadata         map[string]any
		MaxParallelSteps int
		SkipValidation   bool
	}

	// ExecuteOptions tunes execute_task.
	ExecuteOptions struct {
		// RunToCompletion keeps cycling after a checkpoint resolved via
		// AutoApprove; false returns after the first resolution. Completed
		// steps and groups never stop the run either way.
		RunToCompletion bool
		// AutoApprove resolves surfaced checkpoints affirmatively on the
		// caller's behalf instead of pausing.
		AutoApprove bool
	}
)

// New constructs the runtime.
func New(opts Options) (*Runtime, error) {
	switch {
	case opts.Store == nil, opts.Cache == nil, opts.Tree == nil:
		return nil, fmt.Errorf("runtime: store, cache, and tree are required")
	case opts.Planning == nil:
		return nil, fmt.Errorf("runtime: planning pipeline is required")
	case opts.Orchestrator == nil:
		return nil, fmt.Errorf("runtime: orchestrator is required")
	case opts.Checkpoints == nil:
		return nil, fmt.Errorf("runtime: checkpoint manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	base, stop := context.WithCancel(context.Background())
	r := &Runtime{
		store:        opts.Store,
		cache:        opts.Cache,
		tree:         opts.Tree,
		bus:          opts.Bus,
		stream:       opts.Stream,
		inbox:        opts.Inbox,
		planning:     opts.Planning,
		orchestrator: opts.Orchestrator,
		scheduler:    opts.Scheduler,
		checkpoints:  opts.Checkpoints,
		preferences:  opts.Preferences,
		triggers:     opts.Triggers,
		memory:       opts.Memory,
		logger:       logger,
		metrics:      metrics,
		planFlts:     make(map[string]*flight),
		execFlts:     make(map[string]*flight),
		baseCtx:      base,
		baseStop:     stop,
	}
	// Close the composition loop: approvals schedule through the runtime's
	// scheduler and start replacement tasks asynchronously.
	r.checkpoints.SetHooks(r.scheduleReady, r.runOneCycle, r.startSystem)
	return r, nil
}

// Shutdown cancels every in-flight goroutine and waits for them to drain.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.baseStop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartRecoverySweep schedules the stuck-planning sweep shortly after
// service start.
func (r *Runtime) StartRecoverySweep() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(planner.SweepDelay):
		case <-r.baseCtx.Done():
			return
		}
		if _, err := r.planning.SweepStuck(r.baseCtx); err != nil {
			r.logger.Warn(r.baseCtx, "stuck-planning sweep failed", "err", err)
		}
	}()
}

// CreateTask persists a new task and plans it in the background.
func (r *Runtime) CreateTask(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	t := &task.Task{
		ID:               uuid.NewString(),
		Goal:             req.Goal,
		UserID:           req.UserID,
		OrgID:            req.OrgID,
		Status:           task.StatusPlanning,
		Constraints:      req.Constraints,
		SuccessCriteria:  req.SuccessCriteria,
		Metadata:         req.Metadata,
		MaxParallelSteps: req.MaxParallelSteps,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if err := r.cache.WriteTask(ctx, t); err != nil {
		r.logger.Warn(ctx, "cache write failed on create", "task_id", t.ID, "err", err)
	}
	if err := r.registerTrigger(ctx, t); err != nil {
		r.logger.Warn(ctx, "trigger registration failed", "task_id", t.ID, "err", err)
	}

	constraints := req.Constraints
	if r.memory != nil {
		if mem, err := r.memory.FormatForInjection(ctx, req.Goal, MemoryTokenBudget); err == nil && mem != "" {
			constraints = cloneWith(constraints, "memory_context", mem)
		}
	}

	planReq := planner.Request{
		TaskID:         t.ID,
		UserID:         req.UserID,
		OrgID:          req.OrgID,
		Goal:           req.Goal,
		Constraints:    constraints,
		Metadata:       req.Metadata,
		SkipValidation: req.SkipValidation,
	}
	r.spawnPlanning(t.ID, planReq)
	return t, nil
}

// CreateTaskWithSteps persists a task with caller-supplied steps, skipping
// LLM planning entirely. Steps are committed and the task is READY on
// return.
func (r *Runtime) CreateTaskWithSteps(ctx context.Context, req CreateRequest, steps []task.Step) (*task.Task, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, task.Errorf(task.KindValidation, "at least one step is required")
	}
	ids := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("step_%d", i+1)
		}
		steps[i].Status = task.StepPending
		ids[steps[i].ID] = true
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if !ids[dep] {
				return nil, task.Errorf(task.KindValidation, "step %s depends on unknown step %s", steps[i].ID, dep)
			}
		}
	}
	now := time.Now().UTC()
	t := &task.Task{
		ID:               uuid.NewString(),
		Goal:             req.Goal,
		UserID:           req.UserID,
		OrgID:            req.OrgID,
		Steps:            steps,
		Status:           task.StatusPlanning,
		Constraints:      req.Constraints,
		SuccessCriteria:  req.SuccessCriteria,
		Metadata:         req.Metadata,
		MaxParallelSteps: req.MaxParallelSteps,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	treeID, err := r.tree.CreateTree(ctx, t)
	if err != nil {
		return nil, task.WrapError(task.KindDependencyUnavailable, "create execution tree", err)
	}
	t.TreeID = treeID
	if err := r.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	if err := r.store.UpdateStatus(ctx, t.ID, task.StatusReady); err != nil {
		return nil, err
	}
	t.Status = task.StatusReady
	if err := r.cache.WriteTask(ctx, t); err != nil {
		r.logger.Warn(ctx, "cache write failed on create", "task_id", t.ID, "err", err)
	}
	if err := r.registerTrigger(ctx, t); err != nil {
		r.logger.Warn(ctx, "trigger registration failed", "task_id", t.ID, "err", err)
	}
	return t, nil
}

// GetTask loads the task with an ownership check.
func (r *Runtime) GetTask(ctx context.Context, taskID, userID string) (*task.Task, error) {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if userID != checkpoint.SystemResolver && t.UserID != userID {
		return nil, task.ErrForbidden(taskID)
	}
	return t, nil
}

// ListTasks lists tasks for a user, newest first.
func (r *Runtime) ListTasks(ctx context.Context, userID, orgID string, status task.Status, limit int) ([]*task.Task, error) {
	return r.store.ListTasks(ctx, store.Filter{UserID: userID, OrgID: orgID, Status: status, Limit: limit})
}

// ExecuteTask runs orchestration cycles until a stopping condition: a
// checkpoint (unless auto-approving), a terminal task state, or a blocked
// state with no recovery.
func (r *Runtime) ExecuteTask(ctx context.Context, taskID, userID string, opts ExecuteOptions) (orchestrator.CycleResult, error) {
	t, err := r.GetTask(ctx, taskID, userID)
	if err != nil {
		return orchestrator.CycleResult{}, err
	}
	if t.Status == task.StatusPlanning {
		return orchestrator.CycleResult{}, task.Errorf(task.KindInvalidTransition,
			"task %s is still planning", taskID)
	}

	fl, release := r.trackExecution(ctx, taskID)
	defer release()

	var last orchestrator.CycleResult
	for i := 0; i < maxCycles; i++ {
		res, err := r.orchestrator.Cycle(ctx, taskID, fl.flag)
		if err != nil {
			return res, err
		}
		last = res
		switch res.Tag {
		case orchestrator.TagCheckpoint, orchestrator.TagReplanCheckpoint:
			if opts.AutoApprove {
				if err := r.checkpoints.Approve(ctx, taskID, res.StepID, checkpoint.Resolution{
					ResolverID: userID,
				}); err != nil {
					return res, err
				}
				if opts.RunToCompletion {
					continue
				}
				return res, nil
			}
			return res, nil
		case orchestrator.TagTaskCompleted, orchestrator.TagTaskFailed, orchestrator.TagPlanAborted,
			orchestrator.TagReplanComplete, orchestrator.TagCancelled, orchestrator.TagTerminal,
			orchestrator.TagBlocked:
			return res, nil
		}
		// Intermediate progress (step/group completions, retries, recovery
		// redispatches) never stops the run: keep cycling to the next
		// checkpoint or terminal state.
	}
	return last, task.Errorf(task.KindUnrecoverable, "task %s exceeded %d cycles", taskID, maxCycles)
}

// StartTask begins asynchronous execution to completion.
func (r *Runtime) StartTask(ctx context.Context, taskID, userID string) error {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.ExecuteTask(r.baseCtx, taskID, userID, ExecuteOptions{RunToCompletion: true}); err != nil &&
			!task.IsKind(err, task.KindCancelled) {
			r.logger.Error(r.baseCtx, "async execution failed", "task_id", taskID, "err", err)
		}
	}()
	return nil
}

// ObserveExecution replays recent events and attaches a live subscription
// for the caller.
func (r *Runtime) ObserveExecution(ctx context.Context, taskID, userID string, replay int) ([]bus.Event, stream.Subscription, error) {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return nil, nil, err
	}
	if r.stream == nil {
		return nil, nil, task.Errorf(task.KindDependencyUnavailable, "no event stream configured")
	}
	recent, err := r.stream.Recent(ctx, taskID, replay)
	if err != nil {
		return nil, nil, err
	}
	sub, err := r.stream.Subscribe(ctx, taskID, userID)
	if err != nil {
		return nil, nil, err
	}
	return recent, sub, nil
}

// PauseTask pauses an executing task.
func (r *Runtime) PauseTask(ctx context.Context, taskID, userID string) error {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return err
	}
	if err := r.store.UpdateStatus(ctx, taskID, task.StatusPaused); err != nil {
		return err
	}
	r.syncCache(ctx, taskID)
	return nil
}

// CancelTask sets the task's cancellation flags, cancels its in-flight
// goroutines, transitions to CANCELLED, and unregisters any triggers.
func (r *Runtime) CancelTask(ctx context.Context, taskID, userID string) error {
	t, err := r.GetTask(ctx, taskID, userID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if fl, ok := r.planFlts[taskID]; ok {
		fl.flag.Cancel()
		fl.cancel()
	}
	if fl, ok := r.execFlts[taskID]; ok {
		fl.flag.Cancel()
		fl.cancel()
	}
	r.mu.Unlock()

	if !t.Status.Terminal() {
		if err := r.store.UpdateStatus(ctx, taskID, task.StatusCancelled); err != nil {
			return err
		}
		r.syncCache(ctx, taskID)
		r.publish(ctx, bus.New(bus.TaskCancelled, taskID, "", nil))
	}
	if r.triggers != nil {
		if err := r.triggers.UnregisterTask(ctx, taskID); err != nil {
			r.logger.Warn(ctx, "trigger unregister failed", "task_id", taskID, "err", err)
		}
	}
	return nil
}

// ResolveCheckpoint approves or rejects a step's checkpoint.
func (r *Runtime) ResolveCheckpoint(ctx context.Context, taskID, stepID, userID string, approved bool, feedback string, learn bool) error {
	res := checkpoint.Resolution{ResolverID: userID, Feedback: feedback, LearnPreference: learn}
	if approved {
		return r.checkpoints.Approve(ctx, taskID, stepID, res)
	}
	return r.checkpoints.Reject(ctx, taskID, stepID, res)
}

// ApproveCheckpoint approves a step's checkpoint.
func (r *Runtime) ApproveCheckpoint(ctx context.Context, taskID, stepID, userID, feedback string, learn bool) error {
	return r.ResolveCheckpoint(ctx, taskID, stepID, userID, true, feedback, learn)
}

// RejectCheckpoint rejects a step's checkpoint.
func (r *Runtime) RejectCheckpoint(ctx context.Context, taskID, stepID, userID, feedback string, learn bool) error {
	return r.ResolveCheckpoint(ctx, taskID, stepID, userID, false, feedback, learn)
}

// ApproveReplan approves a strategic replan checkpoint; the replacement
// task starts on return.
func (r *Runtime) ApproveReplan(ctx context.Context, taskID, stepID, userID, feedback string) error {
	return r.ResolveCheckpoint(ctx, taskID, stepID, userID, true, feedback, true)
}

// RejectReplan rejects a strategic replan checkpoint.
func (r *Runtime) RejectReplan(ctx context.Context, taskID, stepID, userID, feedback string) error {
	return r.ResolveCheckpoint(ctx, taskID, stepID, userID, false, feedback, true)
}

// ListPendingCheckpoints lists the task's unresolved checkpoints.
func (r *Runtime) ListPendingCheckpoints(ctx context.Context, taskID, userID string) ([]*task.Checkpoint, error) {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return nil, err
	}
	return r.checkpoints.ListPending(ctx, taskID)
}

// SetParentTask links the task to a parent.
func (r *Runtime) SetParentTask(ctx context.Context, taskID, parentID, userID string) error {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return err
	}
	if err := r.store.SetParent(ctx, taskID, parentID); err != nil {
		return err
	}
	r.syncCache(ctx, taskID)
	return nil
}

// LinkConversation ensures the task's inbox conversation exists and
// returns its id.
func (r *Runtime) LinkConversation(ctx context.Context, taskID, userID string) (string, error) {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return "", err
	}
	if r.inbox == nil {
		return "", task.Errorf(task.KindDependencyUnavailable, "no inbox configured")
	}
	conv, err := r.inbox.EnsureConversation(ctx, taskID, userID)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// UpdateTaskMetadata merges the patch into the task metadata.
func (r *Runtime) UpdateTaskMetadata(ctx context.Context, taskID, userID string, patch map[string]any) error {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return err
	}
	if err := r.store.MergeMetadata(ctx, taskID, patch); err != nil {
		return err
	}
	r.syncCache(ctx, taskID)
	return nil
}

// ListPreferences lists the user's learned preferences.
func (r *Runtime) ListPreferences(ctx context.Context, userID string) ([]preference.Stats, error) {
	if r.preferences == nil {
		return nil, nil
	}
	return r.preferences.List(ctx, userID)
}

// GetPreference returns the user's stats for one key.
func (r *Runtime) GetPreference(ctx context.Context, userID, key string) (preference.Stats, error) {
	if r.preferences == nil {
		return preference.Stats{UserID: userID, Key: key}, nil
	}
	return r.preferences.Stats(ctx, userID, key)
}

// DeletePreference forgets the user's history for one key.
func (r *Runtime) DeletePreference(ctx context.Context, userID, key string) error {
	if r.preferences == nil {
		return nil
	}
	return r.preferences.Delete(ctx, userID, key)
}

// TreeMetrics summarizes the task's execution tree.
func (r *Runtime) TreeMetrics(ctx context.Context, taskID, userID string) (tree.Metrics, error) {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return tree.Metrics{}, err
	}
	return r.tree.GetMetrics(ctx, taskID)
}

// TriggerHistory lists trigger activations for the template task.
func (r *Runtime) TriggerHistory(ctx context.Context, taskID, userID string, limit int) ([]trigger.Firing, error) {
	if _, err := r.GetTask(ctx, taskID, userID); err != nil {
		return nil, err
	}
	if r.triggers == nil {
		return nil, nil
	}
	return r.triggers.History(ctx, taskID, limit)
}

// spawnPlanning runs the planning pipeline in a tracked goroutine.
func (r *Runtime) spawnPlanning(taskID string, req planner.Request) {
	planCtx, cancel := context.WithCancel(r.baseCtx)
	fl := &flight{flag: &task.CancelFlag{}, cancel: cancel}
	r.mu.Lock()
	r.planFlts[taskID] = fl
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.planFlts, taskID)
			r.mu.Unlock()
		}()
		if err := r.planning.Plan(planCtx, req, fl.flag); err != nil &&
			!task.IsKind(err, task.KindCancelled) {
			r.logger.Error(planCtx, "background planning failed", "task_id", taskID, "err", err)
		}
	}()
}

// trackExecution registers an execution flight, reusing an existing flag
// so a cancel issued mid-run is observed.
func (r *Runtime) trackExecution(ctx context.Context, taskID string) (*flight, func()) {
	_, cancel := context.WithCancel(ctx)
	fl := &flight{flag: &task.CancelFlag{}, cancel: cancel}
	r.mu.Lock()
	if existing, ok := r.execFlts[taskID]; ok {
		fl.flag = existing.flag
	}
	r.execFlts[taskID] = fl
	r.mu.Unlock()
	return fl, func() {
		cancel()
		r.mu.Lock()
		if r.execFlts[taskID] == fl {
			delete(r.execFlts, taskID)
		}
		r.mu.Unlock()
	}
}

// scheduleReady is the checkpoint manager's scheduling hook.
func (r *Runtime) scheduleReady(ctx context.Context, taskID string) (int, error) {
	if r.scheduler == nil {
		return 0, task.Errorf(task.KindDependencyUnavailable, "no scheduler configured")
	}
	return r.scheduler.ScheduleReadyNodes(ctx, taskID)
}

// runOneCycle is the checkpoint manager's fallback hook.
func (r *Runtime) runOneCycle(ctx context.Context, taskID string) error {
	_, err := r.orchestrator.Cycle(ctx, taskID, nil)
	return err
}

// startSystem starts a task on behalf of the system (replan handoff).
func (r *Runtime) startSystem(ctx context.Context, taskID string) error {
	return r.StartTask(ctx, taskID, checkpoint.SystemResolver)
}

// registerTrigger registers the task's trigger metadata block, if any.
func (r *Runtime) registerTrigger(ctx context.Context, t *task.Task) error {
	if r.triggers == nil {
		return nil
	}
	block, ok := t.Metadata[trigger.MetadataKey].(map[string]any)
	if !ok {
		return nil
	}
	pattern, _ := block["event"].(string)
	if pattern == "" {
		pattern, _ = block["pattern"].(string)
	}
	if pattern == "" {
		return task.Errorf(task.KindValidation, "trigger block on task %s has no event pattern", t.ID)
	}
	sp := trigger.Spec{
		TaskID:    t.ID,
		OrgID:     t.OrgID,
		UserID:    t.UserID,
		Scope:     trigger.ScopeOrg,
		Pattern:   pattern,
		CreatedAt: time.Now().UTC(),
	}
	if src, ok := block["source"].(string); ok {
		sp.SourceFilter = src
	}
	if cond, ok := block["condition"].(map[string]any); ok {
		sp.Condition = cond
	}
	if scope, ok := block["scope"].(string); ok && trigger.Scope(scope) == trigger.ScopeUser {
		sp.Scope = trigger.ScopeUser
	}
	if enabled, ok := block["enabled"].(bool); ok {
		sp.Disabled = !enabled
	}
	_, err := r.triggers.Register(ctx, sp)
	return err
}

func (r *Runtime) syncCache(ctx context.Context, taskID string) {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if err := r.cache.WriteTask(ctx, t); err != nil {
		r.logger.Warn(ctx, "cache sync failed", "task_id", taskID, "err", err)
	}
}

func (r *Runtime) publish(ctx context.Context, ev bus.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn(ctx, "event publish failed", "task_id", ev.TaskID, "topic", ev.Type, "err", err)
	}
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.Goal == "":
		return task.Errorf(task.KindValidation, "goal is required")
	case req.UserID == "":
		return task.Errorf(task.KindValidation, "user id is required")
	case req.OrgID == "":
		return task.Errorf(task.KindValidation, "organization id is required")
	}
	return nil
}

func cloneWith(m map[string]any, key string, val any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = val
	return out
}
