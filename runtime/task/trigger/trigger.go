// Package trigger maintains the registry of event-triggered task
// templates. A task created with a trigger metadata block is registered
// under (organization, event pattern, optional source filter, optional
// condition); incoming gateway events are matched against the registry and
// each match clones the template task.
//
// Event patterns support glob-style wildcards: "*" matches one
// dot-separated segment, a trailing "**" matches the rest.
package trigger

import (
	"context"
	"strings"
	"time"
)

// MetadataKey is the task-metadata key carrying the trigger block on
// template tasks.
const MetadataKey = "trigger"

// Scope names the audience a trigger fires for.
type Scope string

const (
	// ScopeOrg fires on any matching event in the organization. The
	// default: a spec with an empty scope is org-scoped.
	ScopeOrg Scope = "org"
	// ScopeUser additionally requires the event payload's "user_id" to be
	// the trigger owner.
	ScopeUser Scope = "user"
)

type (
	// Spec is one registered trigger.
	Spec struct {
		// ID is the registration identifier.
		ID string `json:"id" bson:"_id"`
		// TaskID is the template task cloned on match.
		TaskID string `json:"task_id" bson:"task_id"`
		// OrgID scopes matching to one tenant.
		OrgID string `json:"org_id" bson:"org_id"`
		// UserID is the owner, the user who created the template task.
		UserID string `json:"user_id" bson:"user_id"`
		// Disabled turns the trigger off without unregistering it.
		Disabled bool `json:"disabled,omitempty" bson:"disabled,omitempty"`
		// Scope selects the matching audience; empty means ScopeOrg.
		Scope Scope `json:"scope,omitempty" bson:"scope,omitempty"`
		// Pattern is the event-type pattern (glob segments).
		Pattern string `json:"pattern" bson:"pattern"`
		// SourceFilter optionally restricts matches to one source id.
		SourceFilter string `json:"source_filter,omitempty" bson:"source_filter,omitempty"`
		// Condition optionally requires payload fields (dot paths) to equal
		// the given values.
		Condition map[string]any `json:"condition,omitempty" bson:"condition,omitempty"`
		// CreatedAt records registration time (UTC).
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// Firing records one trigger activation for the history listing.
	Firing struct {
		// TriggerID and TaskID identify the registration and its template.
		TriggerID string `json:"trigger_id" bson:"trigger_id"`
		TaskID    string `json:"task_id" bson:"task_id"`
		// ClonedTaskID is the task created by the activation.
		ClonedTaskID string `json:"cloned_task_id" bson:"cloned_task_id"`
		// EventType is the matched event type.
		EventType string `json:"event_type" bson:"event_type"`
		// FiredAt records activation time (UTC).
		FiredAt time.Time `json:"fired_at" bson:"fired_at"`
	}

	// Registry is the trigger registry port.
	Registry interface {
		// Register stores the spec and returns its id.
		Register(ctx context.Context, sp Spec) (string, error)

		// UnregisterTask removes all triggers registered by the task.
		// Cancelling a template task unregisters its triggers.
		UnregisterTask(ctx context.Context, taskID string) error

		// Match returns triggers whose pattern, source filter, and
		// condition all accept the event, scoped to the organization.
		Match(ctx context.Context, orgID, eventType, sourceID string, payload map[string]any) ([]Spec, error)

		// RecordFiring appends an activation to the history.
		RecordFiring(ctx context.Context, f Firing) error

		// History lists activations for the template task, newest first.
		History(ctx context.Context, taskID string, limit int) ([]Firing, error)
	}
)

// Matches reports whether the spec accepts the event.
func (sp *Spec) Matches(eventType, sourceID string, payload map[string]any) bool {
	if sp.Disabled {
		return false
	}
	if !PatternMatches(sp.Pattern, eventType) {
		return false
	}
	if sp.SourceFilter != "" && sp.SourceFilter != sourceID {
		return false
	}
	if sp.Scope == ScopeUser {
		uid, _ := lookupPath(payload, "user_id")
		if uid != sp.UserID {
			return false
		}
	}
	for path, want := range sp.Condition {
		got, ok := lookupPath(payload, path)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// PatternMatches matches an event type against a glob pattern segment by
// segment.
func PatternMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "**" {
		return true
	}
	ps := strings.Split(pattern, ".")
	es := strings.Split(eventType, ".")
	for i, p := range ps {
		if p == "**" {
			return true
		}
		if i >= len(es) {
			return false
		}
		if p != "*" && p != es[i] {
			return false
		}
	}
	return len(ps) == len(es)
}

// lookupPath walks a dot path through nested payload maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	cur := any(payload)
	for _, seg := range strings.Split(path, ".") {
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
