// Package checkpoint implements the approval state machine for gated
// steps: creation with preference-based auto-approval, approve/reject
// resolution with ownership checks, and execution of approved strategic
// replans (persisting the replacement task and superseding the original).
//
// Checkpoint records are materialised in both the cache (for fast
// per-cycle reads) and the primary store (as task metadata, for
// durability). The cache is authoritative while warm; the metadata copy
// restores it after eviction.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/inbox"
	"github.com/tentackl/tentackl/runtime/task/planner"
	"github.com/tentackl/tentackl/runtime/task/preference"
	"github.com/tentackl/tentackl/runtime/task/store"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	"github.com/tentackl/tentackl/runtime/task/tree"
)

// SystemResolver is the resolver id used for automation-driven and
// auto-approved resolutions, exempt from the ownership check.
const SystemResolver = "system"

// metadataKey returns the task-metadata key under which a step's
// checkpoint record is mirrored in the primary store.
func metadataKey(stepID string) string { return "_checkpoint_" + stepID }

type (
	// Options configures the manager. Store, Cache, Tree, and Planner are
	// required; the rest default to noop implementations.
	Options struct {
		Store       store.Store
		Cache       store.Cache
		Tree        tree.Port
		Planner     planner.Planner
		Bus         bus.Bus
		Inbox       inbox.Port
		Preferences preference.Service
		Logger      telemetry.Logger

		// ScheduleReady enqueues newly ready nodes after an approval.
		// Wired to the scheduler at composition time.
		ScheduleReady func(ctx context.Context, taskID string) (int, error)

		// RunCycle runs one orchestration cycle, used as the fallback when
		// scheduling fails after an approval.
		RunCycle func(ctx context.Context, taskID string) error

		// StartTask begins asynchronous execution of a task, used to start
		// the replacement task after an approved replan.
		StartTask func(ctx context.Context, taskID string) error
	}

	// Manager implements the checkpoint port.
	Manager struct {
		store       store.Store
		cache       store.Cache
		tree        tree.Port
		planner     planner.Planner
		bus         bus.Bus
		inbox       inbox.Port
		preferences preference.Service
		logger      telemetry.Logger

		scheduleReady func(ctx context.Context, taskID string) (int, error)
		runCycle      func(ctx context.Context, taskID string) error
		startTask     func(ctx context.Context, taskID string) error

		now func() time.Time
	}

	// Resolution carries the caller-supplied resolution parameters.
	Resolution struct {
		// ResolverID identifies the resolving user, or SystemResolver.
		ResolverID string
		// Feedback is optional free-text feedback stored on the record.
		Feedback string
		// LearnPreference records the outcome under the checkpoint's
		// preference key so future checkpoints may auto-approve.
		LearnPreference bool
	}
)

// New constructs the manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Tree == nil {
		return nil, fmt.Errorf("checkpoint: store, cache, and tree are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Manager{
		store:         opts.Store,
		cache:         opts.Cache,
		tree:          opts.Tree,
		planner:       opts.Planner,
		bus:           opts.Bus,
		inbox:         opts.Inbox,
		preferences:   opts.Preferences,
		logger:        logger,
		scheduleReady: opts.ScheduleReady,
		runCycle:      opts.RunCycle,
		startTask:     opts.StartTask,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetHooks wires the scheduler and execution hooks after construction,
// breaking the composition cycle between manager and scheduler.
func (m *Manager) SetHooks(
	scheduleReady func(ctx context.Context, taskID string) (int, error),
	runCycle func(ctx context.Context, taskID string) error,
	startTask func(ctx context.Context, taskID string) error,
) {
	m.scheduleReady = scheduleReady
	m.runCycle = runCycle
	m.startTask = startTask
}

// Create materialises the checkpoint for a gated step. When the step's
// preference key has enough approval history the record resolves as
// auto-approved immediately and the step is not gated. The returned
// record's Decision tells the caller whether to pause.
func (m *Manager) Create(ctx context.Context, t *task.Task, st *task.Step) (*task.Checkpoint, error) {
	cfg := st.CheckpointConfig
	if cfg == nil {
		cfg = &task.CheckpointConfig{}
	}
	cp := &task.Checkpoint{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		StepID:        st.ID,
		Name:          cfg.Name,
		Description:   cfg.Description,
		Type:          cfg.Type,
		Decision:      task.DecisionPending,
		PreferenceKey: cfg.PreferenceKey,
		CreatedAt:     m.now(),
	}
	if cp.Name == "" {
		cp.Name = st.Name
	}
	if cp.Type == "" {
		cp.Type = task.CheckpointApproval
	}
	if cfg.ExpiresIn > 0 {
		cp.ExpiresAt = cp.CreatedAt.Add(cfg.ExpiresIn)
	}

	if cp.PreferenceKey != "" && m.preferences != nil {
		auto, err := m.preferences.AutoApprove(ctx, t.UserID, cp.PreferenceKey)
		if err != nil {
			m.logger.Warn(ctx, "preference lookup failed", "task_id", t.ID, "step_id", st.ID, "err", err)
		} else if auto {
			cp.Decision = task.DecisionAutoApproved
			cp.ResolvedBy = SystemResolver
			cp.ResolvedAt = m.now()
			m.logger.Info(ctx, "checkpoint auto-approved by learned preference",
				"task_id", t.ID, "step_id", st.ID, "preference_key", cp.PreferenceKey)
		}
	}

	if err := m.persist(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// CreateReplan materialises a strategic replan checkpoint on the failed
// step, parking the observer's diagnosis on the record. Learned replan
// preferences may auto-approve it, in which case the caller should execute
// the replan immediately.
func (m *Manager) CreateReplan(ctx context.Context, t *task.Task, st *task.Step, rc *task.ReplanContext) (*task.Checkpoint, error) {
	cp := &task.Checkpoint{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		StepID:        st.ID,
		Name:          "Replan: " + t.Goal,
		Description:   rc.Diagnosis,
		Type:          task.CheckpointReplan,
		Decision:      task.DecisionPending,
		Preview:       map[string]any{task.ReplanContextKey: encodeReplanContext(rc)},
		PreferenceKey: preference.ReplanKey(rc.SuggestedAgentType),
		CreatedAt:     m.now(),
	}
	if rc.SuggestedApproach != "" {
		cp.Alternatives = []string{rc.SuggestedApproach}
	}
	if m.preferences != nil {
		auto, err := m.preferences.AutoApprove(ctx, t.UserID, cp.PreferenceKey)
		if err != nil {
			m.logger.Warn(ctx, "replan preference lookup failed", "task_id", t.ID, "err", err)
		} else if auto {
			cp.Decision = task.DecisionAutoApproved
			cp.ResolvedBy = SystemResolver
			cp.ResolvedAt = m.now()
		}
	}
	if err := m.persist(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Get returns the checkpoint for the step, consulting the cache first and
// falling back to the primary-store metadata mirror.
func (m *Manager) Get(ctx context.Context, taskID, stepID string) (*task.Checkpoint, error) {
	cp, hit, err := m.cache.ReadCheckpoint(ctx, taskID, stepID)
	if err == nil && hit {
		return cp, nil
	}
	if err != nil {
		m.logger.Warn(ctx, "checkpoint cache read failed", "task_id", taskID, "step_id", stepID, "err", err)
	}
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	raw, ok := t.Metadata[metadataKey(stepID)]
	if !ok {
		return nil, task.Errorf(task.KindNotFound, "no checkpoint for step %s of task %s", stepID, taskID)
	}
	cp, err = decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	// Rewarm the cache for subsequent cycle reads.
	if werr := m.cache.WriteCheckpoint(ctx, cp); werr != nil {
		m.logger.Warn(ctx, "checkpoint cache rewarm failed", "task_id", taskID, "step_id", stepID, "err", werr)
	}
	return cp, nil
}

// IsApproved reports whether the step's checkpoint exists and is resolved
// in its favor.
func (m *Manager) IsApproved(ctx context.Context, taskID, stepID string) (bool, error) {
	cp, err := m.Get(ctx, taskID, stepID)
	if err != nil {
		if task.IsKind(err, task.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return cp.Decision.Approved(), nil
}

// ListPending returns the task's unresolved checkpoints in step order.
func (m *Manager) ListPending(ctx context.Context, taskID string) ([]*task.Checkpoint, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []*task.Checkpoint
	for i := range t.Steps {
		st := &t.Steps[i]
		if !st.CheckpointRequired {
			continue
		}
		cp, err := m.Get(ctx, taskID, st.ID)
		if err != nil {
			if task.IsKind(err, task.KindNotFound) {
				continue
			}
			return nil, err
		}
		if !cp.Decision.Resolved() {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Approve resolves the step's checkpoint in the affirmative and resumes
// the task: replan checkpoints execute the replan, all others unpark the
// step and push the task back toward execution.
func (m *Manager) Approve(ctx context.Context, taskID, stepID string, res Resolution) error {
	return m.resolve(ctx, taskID, stepID, true, res)
}

// Reject resolves the step's checkpoint in the negative. The gated step is
// failed; no further work is scheduled on its branch.
func (m *Manager) Reject(ctx context.Context, taskID, stepID string, res Resolution) error {
	return m.resolve(ctx, taskID, stepID, false, res)
}

func (m *Manager) resolve(ctx context.Context, taskID, stepID string, approved bool, res Resolution) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if res.ResolverID != SystemResolver && res.ResolverID != t.UserID {
		return task.ErrForbidden(taskID)
	}
	st := t.StepByID(stepID)
	if st == nil {
		return task.ErrStepNotFound(taskID, stepID)
	}
	cp, err := m.Get(ctx, taskID, stepID)
	if err != nil {
		return err
	}
	if cp.Decision.Resolved() {
		return task.Errorf(task.KindInvalidTransition,
			"checkpoint for step %s of task %s already resolved as %s", stepID, taskID, cp.Decision)
	}
	if cp.Expired(m.now()) {
		return task.Errorf(task.KindInvalidTransition,
			"checkpoint for step %s of task %s expired at %s", stepID, taskID, cp.ExpiresAt.Format(time.RFC3339))
	}

	if approved {
		cp.Decision = task.DecisionApproved
	} else {
		cp.Decision = task.DecisionRejected
	}
	cp.Feedback = res.Feedback
	cp.ResolvedBy = res.ResolverID
	cp.ResolvedAt = m.now()
	if err := m.persist(ctx, cp); err != nil {
		return err
	}

	if res.LearnPreference && cp.PreferenceKey != "" && m.preferences != nil {
		if perr := m.preferences.RecordOutcome(ctx, res.ResolverID, cp.PreferenceKey, approved); perr != nil {
			m.logger.Warn(ctx, "preference record failed", "task_id", taskID, "preference_key", cp.PreferenceKey, "err", perr)
		}
	}

	if !approved {
		return m.applyRejection(ctx, t, st, cp)
	}
	return m.applyApproval(ctx, t, st, cp)
}

// applyApproval unparks the approved step. Replan checkpoints hand off to
// ExecuteReplan; everything else clears the gate, resets the tree node,
// pushes the task back to READY once no steps remain at CHECKPOINT, and
// kicks the scheduler (one orchestrator cycle as fallback).
func (m *Manager) applyApproval(ctx context.Context, t *task.Task, st *task.Step, cp *task.Checkpoint) error {
	if rc := replanContextOf(cp); rc != nil {
		_, err := m.ExecuteReplan(ctx, t, st, rc, cp.ResolvedBy)
		return err
	}

	st.CheckpointRequired = false
	st.Status = task.StepPending
	st.Error = ""
	if err := m.store.UpdateStep(ctx, t.ID, *st); err != nil {
		return err
	}
	if err := m.tree.ResetStep(ctx, t.ID, *st); err != nil {
		return err
	}

	othersParked := false
	for i := range t.Steps {
		if t.Steps[i].ID != st.ID && t.Steps[i].Status == task.StepCheckpoint {
			othersParked = true
			break
		}
	}
	if !othersParked && t.Status == task.StatusCheckpoint {
		if err := m.store.UpdateStatus(ctx, t.ID, task.StatusReady); err != nil {
			return err
		}
		t.Status = task.StatusReady
	}
	if err := m.cache.WriteTask(ctx, t); err != nil {
		m.logger.Warn(ctx, "cache sync failed after approval", "task_id", t.ID, "err", err)
	}
	if m.inbox != nil {
		if err := m.inbox.AddCheckpointResolutionMessage(ctx, t.ID, st.ID, string(cp.Decision), cp.Feedback); err != nil {
			m.logger.Warn(ctx, "inbox resolution message failed", "task_id", t.ID, "err", err)
		}
	}

	if m.scheduleReady != nil {
		if _, err := m.scheduleReady(ctx, t.ID); err == nil {
			return nil
		} else {
			m.logger.Warn(ctx, "scheduling after approval failed, falling back to one cycle", "task_id", t.ID, "err", err)
		}
	}
	if m.runCycle != nil {
		return m.runCycle(ctx, t.ID)
	}
	return nil
}

// applyRejection fails the gated step and records the resolution. The task
// is not failed here; the orchestrator fails it once no progress remains.
func (m *Manager) applyRejection(ctx context.Context, t *task.Task, st *task.Step, cp *task.Checkpoint) error {
	reason := "checkpoint rejected"
	if cp.Feedback != "" {
		reason = "checkpoint rejected: " + cp.Feedback
	}
	if err := m.tree.FailStep(ctx, t.ID, st.ID, reason); err != nil {
		return err
	}
	if err := m.store.UpdateStepStatus(ctx, t.ID, st.ID, task.StepFailed, reason); err != nil {
		return err
	}
	st.Status = task.StepFailed
	st.Error = reason
	if err := m.cache.WriteTask(ctx, t); err != nil {
		m.logger.Warn(ctx, "cache sync failed after rejection", "task_id", t.ID, "err", err)
	}
	if m.inbox != nil {
		if err := m.inbox.AddCheckpointResolutionMessage(ctx, t.ID, st.ID, string(cp.Decision), cp.Feedback); err != nil {
			m.logger.Warn(ctx, "inbox resolution message failed", "task_id", t.ID, "err", err)
		}
	}
	return nil
}

// ExecuteReplan runs the planner's replan entry point for an approved
// strategic replan: the replacement plan is persisted as a sibling version,
// the original is superseded in a single writer transaction, and the new
// task begins executing.
func (m *Manager) ExecuteReplan(ctx context.Context, original *task.Task, failed *task.Step, rc *task.ReplanContext, resolverID string) (*task.Task, error) {
	if m.planner == nil {
		return nil, task.Errorf(task.KindDependencyUnavailable, "no planner configured for replan of task %s", original.ID)
	}
	replacement, err := m.planner.Replan(ctx, original, failed, rc)
	if err != nil {
		return nil, task.WrapError(task.KindPlanningFailed, fmt.Sprintf("replan of task %s failed", original.ID), err)
	}
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	replacement.UserID = original.UserID
	replacement.OrgID = original.OrgID
	replacement.Version = original.Version + 1
	replacement.Status = task.StatusPlanning
	replacement.CreatedAt = m.now()
	replacement.UpdatedAt = replacement.CreatedAt
	if replacement.Metadata == nil {
		replacement.Metadata = make(map[string]any)
	}
	replacement.Metadata["replanned_from"] = original.ID
	replacement.Metadata["replan_diagnosis"] = rc.Diagnosis

	if err := m.store.CreateTask(ctx, replacement); err != nil {
		return nil, err
	}
	treeID, err := m.tree.CreateTree(ctx, replacement)
	if err != nil {
		return nil, task.WrapError(task.KindDependencyUnavailable, fmt.Sprintf("tree creation for replan %s failed", replacement.ID), err)
	}
	replacement.TreeID = treeID
	if err := m.store.UpdateTask(ctx, replacement); err != nil {
		return nil, err
	}
	if err := m.store.UpdateStatus(ctx, replacement.ID, task.StatusReady); err != nil {
		return nil, err
	}
	replacement.Status = task.StatusReady
	if err := m.cache.WriteTask(ctx, replacement); err != nil {
		m.logger.Warn(ctx, "cache sync failed for replan", "task_id", replacement.ID, "err", err)
	}

	if err := m.store.SetSupersededBy(ctx, original.ID, replacement.ID); err != nil {
		return nil, err
	}
	if superseded, gerr := m.store.GetTask(ctx, original.ID); gerr == nil {
		if cerr := m.cache.WriteTask(ctx, superseded); cerr != nil {
			m.logger.Warn(ctx, "cache sync failed for superseded task", "task_id", original.ID, "err", cerr)
		}
	}

	if m.preferences != nil && resolverID != "" {
		if perr := m.preferences.LearnFromReplan(ctx, resolverID, rc.SuggestedAgentType, true); perr != nil {
			m.logger.Warn(ctx, "replan preference record failed", "task_id", original.ID, "err", perr)
		}
	}

	m.logger.Info(ctx, "task superseded by replan",
		"task_id", original.ID, "replacement_id", replacement.ID, "version", replacement.Version)

	if m.startTask != nil {
		if serr := m.startTask(ctx, replacement.ID); serr != nil {
			m.logger.Error(ctx, "replacement task start failed", "task_id", replacement.ID, "err", serr)
		}
	}
	return replacement, nil
}

// persist writes the record to the cache and mirrors it into the task
// metadata in the primary store.
func (m *Manager) persist(ctx context.Context, cp *task.Checkpoint) error {
	if err := m.cache.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}
	return m.store.MergeMetadata(ctx, cp.TaskID, map[string]any{metadataKey(cp.StepID): encodeRecord(cp)})
}

// replanContextOf extracts the parked replan context from a replan
// checkpoint's preview, if present.
func replanContextOf(cp *task.Checkpoint) *task.ReplanContext {
	if cp.Type != task.CheckpointReplan {
		return nil
	}
	raw, ok := cp.Preview[task.ReplanContextKey]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var rc task.ReplanContext
	if err := json.Unmarshal(b, &rc); err != nil {
		return nil
	}
	return &rc
}

// encodeReplanContext renders the context as a metadata-safe map.
func encodeReplanContext(rc *task.ReplanContext) map[string]any {
	b, _ := json.Marshal(rc)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// encodeRecord renders the checkpoint as a metadata-safe map.
func encodeRecord(cp *task.Checkpoint) map[string]any {
	b, _ := json.Marshal(cp)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// decodeRecord reverses encodeRecord.
func decodeRecord(raw any) (*task.Checkpoint, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, task.WrapError(task.KindValidation, "malformed checkpoint metadata", err)
	}
	var cp task.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, task.WrapError(task.KindValidation, "malformed checkpoint metadata", err)
	}
	return &cp, nil
}
