// Package intent defines the goal classification port invoked first in the
// planning pipeline, plus schedule normalization helpers. The detector
// decides whether a goal is a fast-path data query, carries a schedule, or
// needs full LLM decomposition.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type (
	// Schedule is a normalized execution schedule: either a cron
	// expression or a single absolute instant, never both.
	Schedule struct {
		// Cron is a standard five-field cron expression for recurring
		// schedules. Empty for one-shot schedules.
		Cron string `json:"cron,omitempty"`
		// At is the absolute instant for one-shot schedules. Relative
		// offsets are converted at detection time so the schedule is
		// stable regardless of when it is later read.
		At time.Time `json:"at,omitempty"`
	}

	// Intent is the detector's classification of a goal.
	Intent struct {
		// FastPath reports whether the goal is a single data-retrieval
		// query satisfiable without LLM planning.
		FastPath bool `json:"fast_path"`
		// DataQuery describes the retrieval when FastPath is true (e.g.
		// {"type": "list_workflows"}).
		DataQuery map[string]any `json:"data_query,omitempty"`
		// Schedule is the normalized schedule, nil when none was detected.
		Schedule *Schedule `json:"schedule,omitempty"`
		// OneShotGoal optionally replaces the working goal for scheduled
		// tasks ("every day at 9, <one-shot goal>"). Applied only when at
		// least MinOneShotGoalLen characters long.
		OneShotGoal string `json:"one_shot_goal,omitempty"`
	}

	// Detector classifies goals. Implementations typically wrap an LLM or
	// a rules engine.
	Detector interface {
		// Detect classifies the goal in the context of the calling user.
		Detect(ctx context.Context, goal string) (*Intent, error)
	}
)

// MinOneShotGoalLen is the minimum length for a detected one-shot goal to
// replace the working goal; shorter fragments are noise.
const MinOneShotGoalLen = 10

var relativeRe = regexp.MustCompile(`^\+(\d+)([smh])$`)

// NormalizeSchedule converts a raw schedule string into a Schedule. Four
// forms are accepted:
//
//   - five-field cron expressions, passed through verbatim
//   - absolute RFC 3339 instants
//   - relative offsets: +30s, +15m, +2h
//   - bare integers, read as minutes from now
//
// Relative forms are anchored at now so the result is absolute.
func NormalizeSchedule(raw string, now time.Time) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if m := relativeRe.FindStringSubmatch(raw); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch m[2] {
		case "s":
			d = time.Duration(n) * time.Second
		case "m":
			d = time.Duration(n) * time.Minute
		case "h":
			d = time.Duration(n) * time.Hour
		}
		return &Schedule{At: now.Add(d).UTC()}, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return nil, fmt.Errorf("schedule offset must be positive: %d", n)
		}
		return &Schedule{At: now.Add(time.Duration(n) * time.Minute).UTC()}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &Schedule{At: t.UTC()}, nil
	}
	if looksLikeCron(raw) {
		return &Schedule{Cron: raw}, nil
	}
	return nil, fmt.Errorf("unrecognized schedule %q", raw)
}

// looksLikeCron accepts five whitespace-separated cron fields. Full cron
// validation belongs to the automation scheduler consuming the expression.
func looksLikeCron(s string) bool {
	fields := strings.Fields(s)
	if len(fields) != 5 {
		return false
	}
	for _, f := range fields {
		for _, r := range f {
			switch {
			case r >= '0' && r <= '9':
			case r == '*' || r == '/' || r == '-' || r == ',':
			default:
				return false
			}
		}
	}
	return true
}
