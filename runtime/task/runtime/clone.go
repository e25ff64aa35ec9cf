package runtime

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/trigger"
)

// triggerEventRe matches ${trigger_event.<dot.path>} tokens in template
// step values.
var triggerEventRe = regexp.MustCompile(`\$\{trigger_event\.([a-zA-Z0-9_.]+)\}`)

// CloneTaskForTrigger clones a trigger template task for an incoming
// external event: the template's steps are deep-copied with every
// ${trigger_event.<path>} token substituted from the event payload, the
// trigger registration metadata is stripped from the clone, a new
// execution tree is built, and the clone starts asynchronously.
func (r *Runtime) CloneTaskForTrigger(ctx context.Context, templateID, eventType string, payload map[string]any) (*task.Task, error) {
	tpl, err := r.store.GetTask(ctx, templateID)
	if err != nil {
		return nil, err
	}
	clone := r.cloneTemplate(tpl, func(v any) any {
		return substituteTriggerEvent(v, payload)
	})
	clone.Metadata["template_task_id"] = templateID
	clone.Metadata["trigger_event"] = map[string]any{
		"type":    eventType,
		"payload": payload,
	}
	clone.Metadata["triggered_at"] = time.Now().UTC().Format(time.RFC3339)
	clone.Metadata["source"] = "trigger"

	if err := r.commitClone(ctx, clone); err != nil {
		return nil, err
	}
	r.publish(ctx, bus.New(bus.TaskStarted, clone.ID, "", map[string]any{
		"template_task_id": templateID,
		"event_type":       eventType,
	}))
	if err := r.StartTask(ctx, clone.ID, clone.UserID); err != nil {
		r.logger.Error(ctx, "clone start failed", "task_id", clone.ID, "err", err)
	}
	return clone, nil
}

// CloneAndExecuteFromAutomation clones a scheduled template task at one of
// its scheduled instants and starts the clone asynchronously.
func (r *Runtime) CloneAndExecuteFromAutomation(ctx context.Context, templateID, automationID string) (*task.Task, error) {
	tpl, err := r.store.GetTask(ctx, templateID)
	if err != nil {
		return nil, err
	}
	clone := r.cloneTemplate(tpl, nil)
	clone.Metadata["template_task_id"] = templateID
	clone.Metadata["automation_id"] = automationID
	clone.Metadata["triggered_at"] = time.Now().UTC().Format(time.RFC3339)
	clone.Metadata["source"] = "automation"

	if err := r.commitClone(ctx, clone); err != nil {
		return nil, err
	}
	if err := r.StartTask(ctx, clone.ID, clone.UserID); err != nil {
		r.logger.Error(ctx, "automation clone start failed", "task_id", clone.ID, "err", err)
	}
	return clone, nil
}

// DispatchEvent is the gateway dispatch hook: it matches the accepted
// event against the trigger registry and clones every matching template.
// A failing clone does not stop the remaining matches.
func (r *Runtime) DispatchEvent(ctx context.Context, orgID, eventType, sourceID string, payload map[string]any) error {
	if r.triggers == nil {
		return nil
	}
	specs, err := r.triggers.Match(ctx, orgID, eventType, sourceID, payload)
	if err != nil {
		return err
	}
	var firstErr error
	for _, sp := range specs {
		clone, err := r.CloneTaskForTrigger(ctx, sp.TaskID, eventType, payload)
		if err != nil {
			r.logger.Error(ctx, "trigger clone failed",
				"trigger_id", sp.ID, "task_id", sp.TaskID, "event_type", eventType, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.triggers.RecordFiring(ctx, trigger.Firing{
			TriggerID:    sp.ID,
			TaskID:       sp.TaskID,
			ClonedTaskID: clone.ID,
			EventType:    eventType,
			FiredAt:      time.Now().UTC(),
		}); err != nil {
			r.logger.Warn(ctx, "trigger firing record failed", "trigger_id", sp.ID, "err", err)
		}
	}
	return firstErr
}

// cloneTemplate deep-copies the template into a fresh pending task. The
// optional transform rewrites every step input value (trigger event
// substitution); nil leaves inputs as copied.
func (r *Runtime) cloneTemplate(tpl *task.Task, transform func(any) any) *task.Task {
	now := time.Now().UTC()
	clone := tpl.Clone()
	clone.ID = uuid.NewString()
	clone.TreeID = ""
	clone.ParentTaskID = ""
	clone.SupersededBy = ""
	clone.Status = task.StatusPlanning
	clone.Version = 1
	clone.Findings = nil
	clone.CreatedAt = now
	clone.UpdatedAt = now
	clone.CompletedAt = time.Time{}
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]any)
	}
	delete(clone.Metadata, trigger.MetadataKey)
	for i := range clone.Steps {
		st := &clone.Steps[i]
		st.Status = task.StepPending
		st.Outputs = nil
		st.Error = ""
		st.RetryCount = 0
		st.StartedAt = time.Time{}
		st.FinishedAt = time.Time{}
		if transform != nil && st.Inputs != nil {
			st.Inputs = transform(st.Inputs).(map[string]any)
		}
	}
	return clone
}

// commitClone persists the clone, builds its execution tree, and moves it
// to READY.
func (r *Runtime) commitClone(ctx context.Context, clone *task.Task) error {
	if err := r.store.CreateTask(ctx, clone); err != nil {
		return err
	}
	treeID, err := r.tree.CreateTree(ctx, clone)
	if err != nil {
		return task.WrapError(task.KindDependencyUnavailable, "create execution tree", err)
	}
	clone.TreeID = treeID
	if err := r.store.UpdateTask(ctx, clone); err != nil {
		return err
	}
	if err := r.store.UpdateStatus(ctx, clone.ID, task.StatusReady); err != nil {
		return err
	}
	clone.Status = task.StatusReady
	if err := r.cache.WriteTask(ctx, clone); err != nil {
		r.logger.Warn(ctx, "cache write failed on clone", "task_id", clone.ID, "err", err)
	}
	return nil
}

// substituteTriggerEvent rewrites ${trigger_event.<path>} tokens through
// maps, slices, and strings. A string that is exactly one token takes the
// payload value with its type preserved; embedded tokens stringify.
func substituteTriggerEvent(v any, payload map[string]any) any {
	switch val := v.(type) {
	case string:
		if m := triggerEventRe.FindStringSubmatch(val); m != nil && m[0] == val {
			if resolved, ok := lookupEventPath(payload, m[1]); ok {
				return resolved
			}
			return val
		}
		return triggerEventRe.ReplaceAllStringFunc(val, func(tok string) string {
			path := triggerEventRe.FindStringSubmatch(tok)[1]
			resolved, ok := lookupEventPath(payload, path)
			if !ok {
				return tok
			}
			return stringifyEventValue(resolved)
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = substituteTriggerEvent(elem, payload)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = substituteTriggerEvent(elem, payload)
		}
		return out
	default:
		return v
	}
}

// lookupEventPath walks a dot path through the event payload.
func lookupEventPath(payload map[string]any, path string) (any, bool) {
	cur := any(payload)
	for _, seg := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	return append(segs, path[start:])
}

func stringifyEventValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
