// Package automation defines the schedule registry behind the planner's
// schedule-registration phase. Scheduled tasks become templates; the
// registry records when their clones should fire so a periodic driver can
// call the runtime's clone-and-execute use-case at the right instants.
package automation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tentackl/tentackl/runtime/task/intent"
)

type (
	// Automation is one registered schedule for a template task.
	Automation struct {
		// ID identifies the automation record.
		ID string `json:"id"`
		// TaskID is the template task cloned at each firing.
		TaskID string `json:"task_id"`
		// UserID owns the automation.
		UserID string `json:"user_id"`
		// OrgID scopes the automation to a tenant.
		OrgID string `json:"org_id"`
		// Schedule is the normalized schedule: cron for recurring, At for
		// one-shot.
		Schedule intent.Schedule `json:"schedule"`
		// CreatedAt records registration time (UTC).
		CreatedAt time.Time `json:"created_at"`
		// LastFiredAt records the most recent firing, zero before the
		// first. One-shot automations never fire twice.
		LastFiredAt time.Time `json:"last_fired_at,omitempty"`
	}

	// Registry stores automations. It extends the planner's registration
	// port with the queries the scheduling driver needs.
	Registry interface {
		// Get returns the automation by id.
		Get(ctx context.Context, id string) (*Automation, error)
		// List returns the user's automations, newest first.
		List(ctx context.Context, userID string) ([]*Automation, error)
		// Due returns automations whose next firing is at or before now.
		Due(ctx context.Context, now time.Time) ([]*Automation, error)
		// MarkFired records a firing so one-shot automations retire and
		// recurring ones advance.
		MarkFired(ctx context.Context, id string, at time.Time) error
		// Remove deletes the automation.
		Remove(ctx context.Context, id string) error
	}
)

// NextFiring returns the automation's next firing instant after the last
// firing (or registration, before the first). The zero time means the
// automation is retired.
func (a *Automation) NextFiring() time.Time {
	if a.Schedule.Cron == "" {
		if !a.LastFiredAt.IsZero() {
			return time.Time{}
		}
		return a.Schedule.At
	}
	sched, err := cron.ParseStandard(a.Schedule.Cron)
	if err != nil {
		return time.Time{}
	}
	anchor := a.LastFiredAt
	if anchor.IsZero() {
		anchor = a.CreatedAt
	}
	return sched.Next(anchor.UTC())
}

// DueNow reports whether the automation should fire at now.
func (a *Automation) DueNow(now time.Time) bool {
	next := a.NextFiring()
	return !next.IsZero() && !next.After(now)
}
