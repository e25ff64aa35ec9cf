// Package llm implements intent detection on a model.Client. A single
// JSON-constrained completion classifies the goal; the raw schedule string
// the model extracts is normalized here so downstream consumers only ever
// see cron expressions or absolute instants.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tentackl/tentackl/runtime/task/intent"
	"github.com/tentackl/tentackl/runtime/task/model"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
)

const detectSystemPrompt = `You classify a task goal. Reply with a JSON object:
  fast_path      boolean, true only when the goal is a single data-retrieval
                 query (listing or looking up the user's existing records)
                 needing no multi-step work
  data_query     object with a "type" field when fast_path is true,
                 e.g. {"type": "list_workflows"}
  schedule       the schedule expressed in the goal, or "" when none:
                 a five-field cron expression for recurring schedules, an
                 RFC 3339 instant, or a relative offset like "+30s", "+15m",
                 "+2h"
  one_shot_goal  for scheduled goals, the goal with the schedule phrasing
                 removed ("every day at 9am, check inbox" -> "check inbox");
                 "" otherwise
Do not invent schedules or fast paths that are not explicit in the goal.`

type (
	// Options configures the detector.
	Options struct {
		// Model issues completions. Required.
		Model model.Client
		// Now overrides the clock for schedule anchoring. Tests only.
		Now func() time.Time
		// Logger reports classification failures.
		Logger telemetry.Logger
	}

	// Detector implements intent.Detector on an LLM.
	Detector struct {
		model  model.Client
		now    func() time.Time
		logger telemetry.Logger
	}

	// reply is the wire shape of the model's classification.
	reply struct {
		FastPath    bool           `json:"fast_path"`
		DataQuery   map[string]any `json:"data_query"`
		Schedule    string         `json:"schedule"`
		OneShotGoal string         `json:"one_shot_goal"`
	}
)

// New constructs the detector.
func New(opts Options) (*Detector, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Detector{model: opts.Model, now: now, logger: logger}, nil
}

// Detect classifies the goal. Unparseable or malformed schedule strings
// degrade to no schedule rather than failing the whole planning attempt.
func (d *Detector) Detect(ctx context.Context, goal string) (*intent.Intent, error) {
	resp, err := d.model.Complete(ctx, &model.Request{
		JSONOnly: true,
		Messages: []model.Message{
			{Role: "system", Content: detectSystemPrompt},
			{Role: "user", Content: goal},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("intent detection: %w", err)
	}
	var r reply
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &r); err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}
	it := &intent.Intent{FastPath: r.FastPath, DataQuery: r.DataQuery}
	if it.FastPath && len(it.DataQuery) == 0 {
		// A fast path without a query shape is unusable; fall through to
		// full planning.
		it.FastPath = false
	}
	if raw := strings.TrimSpace(r.Schedule); raw != "" {
		sched, err := intent.NormalizeSchedule(raw, d.now())
		if err != nil {
			d.logger.Warn(ctx, "dropping unparseable schedule", "schedule", raw, "err", err)
		} else {
			it.Schedule = sched
			if len(r.OneShotGoal) >= intent.MinOneShotGoalLen {
				it.OneShotGoal = strings.TrimSpace(r.OneShotGoal)
			}
		}
	}
	return it, nil
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
