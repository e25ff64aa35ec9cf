// Package llm implements the planner port on a model.Client: goal
// decomposition prompts the model for a JSON plan, replanning feeds the
// observer's diagnosis back with the completed outputs so the new version
// builds on partial work.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/model"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
)

// DefaultAgentTypes lists the capabilities offered to the model when the
// caller does not supply its own catalogue.
var DefaultAgentTypes = []string{
	"web_research",
	"compose",
	"analyze",
	"generate_image",
	"html_to_pdf",
	"file_storage",
	"data_query",
	"notify",
}

const planSystemPrompt = `You decompose a user goal into a minimal directed-acyclic plan of typed steps.
Reply with a JSON object: {"steps": [...]}. Each step has:
  id            string, "step_1", "step_2", ...
  name          short human name
  description   what the step does
  agent_type    one of the listed capabilities
  inputs        object; string values may reference earlier outputs as {{step_1.outputs.<field>}}
  depends_on    array of step ids this step needs completed first
  critical      boolean, true when the goal fails without this step
  max_retries   integer, retries for transient failures (default 2)
Steps with no dependency relation between them may run in parallel.`

type (
	// Options configures the planner.
	Options struct {
		// Model issues completions. Required.
		Model model.Client
		// AgentTypes overrides DefaultAgentTypes when non-empty.
		AgentTypes []string
		// Logger reports prompt failures.
		Logger telemetry.Logger
	}

	// Planner implements planner.Planner on an LLM.
	Planner struct {
		model  model.Client
		agents []string
		logger telemetry.Logger
	}

	// planStep is the wire shape of one planned step.
	planStep struct {
		ID          string         `json:"id"`
		Name        string         `json:"name"`
		Description string         `json:"description"`
		AgentType   string         `json:"agent_type"`
		Inputs      map[string]any `json:"inputs"`
		DependsOn   []string       `json:"depends_on"`
		Critical    bool           `json:"critical"`
		MaxRetries  int            `json:"max_retries"`
	}
)

// New constructs the planner.
func New(opts Options) (*Planner, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	agents := opts.AgentTypes
	if len(agents) == 0 {
		agents = DefaultAgentTypes
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Planner{model: opts.Model, agents: agents, logger: logger}, nil
}

// GenerateDelegationSteps decomposes the goal into typed steps.
func (p *Planner) GenerateDelegationSteps(ctx context.Context, goal string, constraints map[string]any, skipValidation bool) ([]task.Step, error) {
	user := fmt.Sprintf("Goal: %s", goal)
	if len(constraints) > 0 {
		raw, _ := json.Marshal(constraints)
		user += fmt.Sprintf("\nConstraints: %s", raw)
	}
	resp, err := p.model.Complete(ctx, &model.Request{
		JSONOnly: true,
		Messages: []model.Message{
			{Role: "system", Content: planSystemPrompt + "\nCapabilities: " + strings.Join(p.agents, ", ")},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}
	steps, err := p.parseSteps(resp.Content)
	if err != nil {
		return nil, err
	}
	if !skipValidation {
		if err := validatePlan(steps, p.agents); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// Replan produces a replacement task from the original, the failed step,
// and the observer's diagnosis. The returned task is unpersisted.
func (p *Planner) Replan(ctx context.Context, original *task.Task, failed *task.Step, rc *task.ReplanContext) (*task.Task, error) {
	if original == nil || failed == nil || rc == nil {
		return nil, errors.New("original task, failed step, and replan context are required")
	}
	diag, _ := json.Marshal(rc)
	prior, _ := json.Marshal(planOf(original))
	resp, err := p.model.Complete(ctx, &model.Request{
		JSONOnly: true,
		Messages: []model.Message{
			{Role: "system", Content: planSystemPrompt + "\nCapabilities: " + strings.Join(p.agents, ", ") +
				"\nYou are revising a plan after a structural failure. Reuse completed outputs from the " +
				"diagnosis instead of redoing finished work, and avoid the failed approach."},
			{Role: "user", Content: fmt.Sprintf("Goal: %s\nPrevious plan: %s\nDiagnosis: %s", original.Goal, prior, diag)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("replan generation: %w", err)
	}
	steps, err := p.parseSteps(resp.Content)
	if err != nil {
		return nil, err
	}
	if err := validatePlan(steps, p.agents); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next := original.Clone()
	next.ID = uuid.NewString()
	next.Steps = steps
	next.Status = task.StatusPlanning
	next.TreeID = ""
	next.SupersededBy = ""
	next.Version = original.Version + 1
	next.Findings = nil
	next.CreatedAt = now
	next.UpdatedAt = now
	next.CompletedAt = time.Time{}
	if next.Metadata == nil {
		next.Metadata = make(map[string]any)
	}
	next.Metadata["replanned_from"] = original.ID
	next.Metadata["replan_diagnosis"] = rc.Diagnosis
	return next, nil
}

// parseSteps decodes the model reply into step records.
func (p *Planner) parseSteps(content string) ([]task.Step, error) {
	var parsed struct {
		Steps []planStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	steps := make([]task.Step, 0, len(parsed.Steps))
	for i, ps := range parsed.Steps {
		id := ps.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		retries := ps.MaxRetries
		if retries <= 0 {
			retries = 2
		}
		steps = append(steps, task.Step{
			ID:          id,
			Name:        ps.Name,
			Description: ps.Description,
			AgentType:   ps.AgentType,
			Inputs:      ps.Inputs,
			DependsOn:   ps.DependsOn,
			Status:      task.StepPending,
			Critical:    ps.Critical,
			MaxRetries:  retries,
		})
	}
	return steps, nil
}

// validatePlan rejects plans referencing unknown steps or capabilities,
// and plans whose dependencies cycle.
func validatePlan(steps []task.Step, agents []string) error {
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a] = true
	}
	ids := make(map[string]bool, len(steps))
	for _, st := range steps {
		if ids[st.ID] {
			return task.Errorf(task.KindValidation, "duplicate step id %q", st.ID)
		}
		ids[st.ID] = true
	}
	for _, st := range steps {
		if !known[st.AgentType] {
			return task.Errorf(task.KindValidation, "step %s uses unknown agent type %q", st.ID, st.AgentType)
		}
		for _, dep := range st.DependsOn {
			if !ids[dep] {
				return task.Errorf(task.KindValidation, "step %s depends on unknown step %q", st.ID, dep)
			}
		}
	}
	return checkAcyclic(steps)
}

func checkAcyclic(steps []task.Step) error {
	deps := make(map[string][]string, len(steps))
	for _, st := range steps {
		deps[st.ID] = st.DependsOn
	}
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return task.Errorf(task.KindValidation, "dependency cycle through step %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, st := range steps {
		if err := visit(st.ID); err != nil {
			return err
		}
	}
	return nil
}

// planOf renders the prior plan compactly for the replan prompt.
func planOf(t *task.Task) []map[string]any {
	out := make([]map[string]any, 0, len(t.Steps))
	for _, st := range t.Steps {
		out = append(out, map[string]any{
			"id":         st.ID,
			"name":       st.Name,
			"agent_type": st.AgentType,
			"depends_on": st.DependsOn,
			"status":     st.Status,
		})
	}
	return out
}

// extractJSON trims code fences and surrounding prose from a model reply.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
