// Package observer diagnoses failed steps and proposes recovery actions:
// RETRY, FALLBACK, SKIP, MODIFY, REPLAN, or ABORT. The analyzer is
// stateless; every call receives the task and failed step records and
// returns a decision, never an error-driven control flow.
//
// The decision ladder runs deterministic checks first (template syntax,
// unknown agent type, content filters) and only then consults the LLM.
// When the LLM is unavailable or fails, a pure rule tree driven by the
// failed-step record decides, so tests can exercise every path without a
// model.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/model"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	"github.com/tentackl/tentackl/runtime/task/template"
)

// Action is the recovery action proposed for a failed step.
type Action string

const (
	// ActionRetry redispatches the step unchanged.
	ActionRetry Action = "retry"
	// ActionFallback redispatches with the next fallback model or API.
	ActionFallback Action = "fallback"
	// ActionSkip marks a non-critical step skipped and continues.
	ActionSkip Action = "skip"
	// ActionModify redispatches with rewritten inputs.
	ActionModify Action = "modify"
	// ActionReplan escalates to a strategic replan checkpoint.
	ActionReplan Action = "replan"
	// ActionAbort fails the task.
	ActionAbort Action = "abort"
)

type (
	// Decision is the analyzer's proposal for a failed step.
	Decision struct {
		// Action is the proposed recovery.
		Action Action
		// Reason is a short human-readable justification.
		Reason string
		// ModifiedInputs carries the rewritten inputs for MODIFY.
		ModifiedInputs map[string]any
		// FallbackModel and FallbackAPI name the target for FALLBACK.
		// Exactly one is set.
		FallbackModel string
		FallbackAPI   string
		// Replan carries the structural diagnosis for REPLAN.
		Replan *task.ReplanContext
	}

	// Observer is the failure-diagnosis port consumed by the orchestrator
	// and step-execution pipeline.
	Observer interface {
		// AnalyzeFailure proposes a tactical recovery for the failed step.
		AnalyzeFailure(ctx context.Context, t *task.Task, failed *task.Step) (Decision, error)

		// AnalyzeForReplan decides whether an exhausted tactical failure
		// is structural. Returns nil when replanning would not help.
		AnalyzeForReplan(ctx context.Context, t *task.Task, failed *task.Step) (*task.ReplanContext, error)

		// AnalyzeBlockedDependencies decides whether a task with failed
		// dependencies blocking pending work should replan on partial
		// data. Returns nil when the task should simply fail.
		AnalyzeBlockedDependencies(ctx context.Context, t *task.Task) (*task.ReplanContext, error)
	}

	// Options configures the analyzer. The model client is optional; all
	// paths degrade to deterministic rules without it.
	Options struct {
		Model  model.Client
		Logger telemetry.Logger
	}

	// Analyzer implements Observer.
	Analyzer struct {
		model  model.Client
		logger telemetry.Logger
	}
)

// defaultOutputFields maps agent types to the output field a bare
// {{step.output}} reference most likely meant.
var defaultOutputFields = map[string]string{
	"web_research":   "findings",
	"compose":        "content",
	"analyze":        "analysis",
	"generate_image": "image_url",
}

// agentTypeCorrections maps capabilities planners commonly hallucinate to
// the registered capability that covers them.
var agentTypeCorrections = map[string]string{
	"marketing_strategist": "compose",
	"pdf_composer":         "html_to_pdf",
	"researcher":           "web_research",
	"writer":               "compose",
	"image_designer":       "generate_image",
}

// contentFilterIndicators flag provider-side copyright, trademark, and
// moderation rejections.
var contentFilterIndicators = []string{
	"copyright",
	"trademark",
	"derivative works",
	"content filter",
	"content policy",
	"moderation",
	"safety system",
}

// unknownAgentIndicator is the error fragment produced when a step names
// an unregistered capability.
const unknownAgentIndicator = "unknown subagent type"

// maxContentRewrites caps LLM-driven input rewrites per step.
const maxContentRewrites = 2

// New constructs the analyzer.
func New(opts Options) *Analyzer {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Analyzer{model: opts.Model, logger: logger}
}

// AnalyzeFailure runs the decision ladder for a failed step.
func (a *Analyzer) AnalyzeFailure(ctx context.Context, t *task.Task, failed *task.Step) (Decision, error) {
	// 1. Template-syntax errors are fixed deterministically.
	if d, ok := a.fixTemplateSyntax(t, failed); ok {
		return d, nil
	}

	// 2. Unknown agent types cannot be fixed in place; escalate.
	if strings.Contains(strings.ToLower(failed.Error), unknownAgentIndicator) {
		return a.replanForAgentType(t, failed), nil
	}

	// 3. Content-filter rejections get one LLM rewrite of the inputs.
	if isContentFilterError(failed.Error) && hasStringInputs(failed) && failed.RetryCount < maxContentRewrites {
		if d, ok := a.rewriteFilteredInputs(ctx, failed); ok {
			return d, nil
		}
		return Decision{Action: ActionAbort, Reason: "content filter rewrite failed"}, nil
	}

	// 4. Tactical choice: LLM first, deterministic rule tree on failure.
	if a.model != nil {
		if d, ok := a.llmTacticalDecision(ctx, failed); ok {
			return d, nil
		}
	}
	return ruleTreeDecision(failed), nil
}

// AnalyzeForReplan reports whether an exhausted failure is structural:
// the API shape changed, multiple downstream steps would fail, or a clear
// alternative capability exists.
func (a *Analyzer) AnalyzeForReplan(_ context.Context, t *task.Task, failed *task.Step) (*task.ReplanContext, error) {
	downstream := dependents(t, failed.ID)
	_, hasCorrection := agentTypeCorrections[failed.AgentType]
	structural := len(downstream) >= 2 || hasCorrection || looksLikeShapeChange(failed.Error)
	if !structural {
		return nil, nil
	}
	rc := &task.ReplanContext{
		Diagnosis:        fmt.Sprintf("step %s failed structurally: %s", failed.ID, failed.Error),
		FailedStepID:     failed.ID,
		AffectedSteps:    downstream,
		CompletedOutputs: completedOutputs(t),
		Constraints:      t.Constraints,
	}
	if alt, ok := agentTypeCorrections[failed.AgentType]; ok {
		rc.SuggestedAgentType = alt
		rc.SuggestedApproach = fmt.Sprintf("replace agent type %q with %q", failed.AgentType, alt)
	}
	return rc, nil
}

// AnalyzeBlockedDependencies proposes a partial-data replan when at least
// half of the remaining work is blocked behind failures and at least two
// steps have completed outputs to build on.
func (a *Analyzer) AnalyzeBlockedDependencies(_ context.Context, t *task.Task) (*task.ReplanContext, error) {
	var remaining, blocked int
	var firstFailed string
	failedSet := make(map[string]bool)
	for _, st := range t.Steps {
		if st.Status == task.StepFailed {
			failedSet[st.ID] = true
			if firstFailed == "" {
				firstFailed = st.ID
			}
		}
	}
	for _, st := range t.Steps {
		if st.Status.Terminal() {
			continue
		}
		remaining++
		if blockedBy(t, st.ID, failedSet) {
			blocked++
		}
	}
	completed := completedOutputs(t)
	if remaining == 0 || blocked*2 < remaining || len(completed) < 2 {
		return nil, nil
	}
	var affected []string
	for _, st := range t.Steps {
		if !st.Status.Terminal() && blockedBy(t, st.ID, failedSet) {
			affected = append(affected, st.ID)
		}
	}
	return &task.ReplanContext{
		Diagnosis:        fmt.Sprintf("%d of %d remaining steps are blocked behind failed dependencies", blocked, remaining),
		FailedStepID:     firstFailed,
		AffectedSteps:    affected,
		CompletedOutputs: completed,
		Constraints:      t.Constraints,
		PartialData:      true,
	}, nil
}

// fixTemplateSyntax detects malformed template shapes in the failed
// step's inputs and rewrites them deterministically.
func (a *Analyzer) fixTemplateSyntax(t *task.Task, failed *task.Step) (Decision, bool) {
	if template.Validate(failed.Inputs) == nil {
		return Decision{}, false
	}
	fixed := make(map[string]any, len(failed.Inputs))
	for k, v := range failed.Inputs {
		fixed[k] = rewriteValue(v, func(stepRef string) string {
			return defaultFieldFor(t, stepRef)
		})
	}
	return Decision{
		Action:         ActionModify,
		Reason:         "template references rewritten to named output fields",
		ModifiedInputs: fixed,
	}, true
}

// replanForAgentType builds the REPLAN decision for an unknown capability.
func (a *Analyzer) replanForAgentType(t *task.Task, failed *task.Step) Decision {
	rc := &task.ReplanContext{
		Diagnosis:        fmt.Sprintf("agent type %q is not registered", failed.AgentType),
		FailedStepID:     failed.ID,
		AffectedSteps:    dependents(t, failed.ID),
		CompletedOutputs: completedOutputs(t),
		Constraints:      t.Constraints,
	}
	if alt, ok := agentTypeCorrections[failed.AgentType]; ok {
		rc.SuggestedAgentType = alt
		rc.SuggestedApproach = fmt.Sprintf("replace agent type %q with %q", failed.AgentType, alt)
	}
	return Decision{Action: ActionReplan, Reason: "agent type cannot be fixed in place", Replan: rc}
}

// rewriteFilteredInputs asks the LLM once to rewrite inputs that tripped a
// content filter while preserving intent.
func (a *Analyzer) rewriteFilteredInputs(ctx context.Context, failed *task.Step) (Decision, bool) {
	if a.model == nil {
		return Decision{}, false
	}
	raw, err := json.Marshal(failed.Inputs)
	if err != nil {
		return Decision{}, false
	}
	resp, err := a.model.Complete(ctx, &model.Request{
		JSONOnly: true,
		Messages: []model.Message{
			{Role: "system", Content: "You rewrite task inputs that were rejected by a content filter. " +
				"Preserve the user's intent but remove references to protected names, brands, and " +
				"copyrighted works, describing the desired result generically instead. " +
				"Reply with a JSON object of the same shape as the input."},
			{Role: "user", Content: fmt.Sprintf("Filter message: %s\nInputs: %s", failed.Error, raw)},
		},
	})
	if err != nil {
		a.logger.Warn(ctx, "content rewrite failed", "step_id", failed.ID, "err", err)
		return Decision{}, false
	}
	var rewritten map[string]any
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &rewritten); err != nil || len(rewritten) == 0 {
		return Decision{}, false
	}
	return Decision{
		Action:         ActionModify,
		Reason:         "inputs rewritten to clear content filter",
		ModifiedInputs: rewritten,
	}, true
}

// llmTacticalDecision asks the model to pick RETRY/FALLBACK/SKIP/ABORT.
func (a *Analyzer) llmTacticalDecision(ctx context.Context, failed *task.Step) (Decision, bool) {
	desc := map[string]any{
		"agent_type":  failed.AgentType,
		"error":       failed.Error,
		"retry_count": failed.RetryCount,
		"max_retries": failed.MaxRetries,
		"critical":    failed.Critical,
		"transient":   task.IsTransientError(failed.Error),
	}
	if failed.Fallback != nil {
		desc["fallback_models"] = failed.Fallback.Models
		desc["fallback_apis"] = failed.Fallback.APIs
	}
	raw, _ := json.Marshal(desc)
	resp, err := a.model.Complete(ctx, &model.Request{
		JSONOnly: true,
		Messages: []model.Message{
			{Role: "system", Content: "You diagnose a failed workflow step and choose exactly one recovery " +
				"action: retry, fallback, skip, or abort. Transient errors with retries remaining favor " +
				"retry; available fallbacks favor fallback; non-critical steps may be skipped. " +
				`Reply with JSON: {"action": "...", "reason": "..."}`},
			{Role: "user", Content: string(raw)},
		},
	})
	if err != nil {
		a.logger.Warn(ctx, "tactical analysis failed, using rule tree", "step_id", failed.ID, "err", err)
		return Decision{}, false
	}
	var parsed struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return Decision{}, false
	}
	switch Action(strings.ToLower(parsed.Action)) {
	case ActionRetry:
		if failed.RetryCount < failed.MaxRetries {
			return Decision{Action: ActionRetry, Reason: parsed.Reason}, true
		}
	case ActionFallback:
		if d, ok := fallbackDecision(failed, parsed.Reason); ok {
			return d, true
		}
	case ActionSkip:
		if !failed.Critical {
			return Decision{Action: ActionSkip, Reason: parsed.Reason}, true
		}
	case ActionAbort:
		return Decision{Action: ActionAbort, Reason: parsed.Reason}, true
	}
	return Decision{}, false
}

// ruleTreeDecision is the deterministic fallback when no LLM is available:
// retry transient errors with retries remaining, then fall back, then skip
// non-critical steps, then abort.
func ruleTreeDecision(failed *task.Step) Decision {
	if failed.RetryCount < failed.MaxRetries && task.IsTransientError(failed.Error) {
		return Decision{Action: ActionRetry, Reason: "transient error with retries remaining"}
	}
	if d, ok := fallbackDecision(failed, "fallback option available"); ok {
		return d
	}
	if !failed.Critical {
		return Decision{Action: ActionSkip, Reason: "step is not critical"}
	}
	return Decision{Action: ActionAbort, Reason: "critical step with no recovery options"}
}

// fallbackDecision selects the first available fallback model, else the
// first API. Consumption of the selected entry happens at apply time so
// the config narrows monotonically across consecutive fallbacks.
func fallbackDecision(failed *task.Step, reason string) (Decision, bool) {
	if failed.Fallback == nil {
		return Decision{}, false
	}
	if len(failed.Fallback.Models) > 0 {
		return Decision{Action: ActionFallback, Reason: reason, FallbackModel: failed.Fallback.Models[0]}, true
	}
	if len(failed.Fallback.APIs) > 0 {
		return Decision{Action: ActionFallback, Reason: reason, FallbackAPI: failed.Fallback.APIs[0]}, true
	}
	return Decision{}, false
}

// defaultFieldFor picks the output field a bare reference most likely
// meant: an actual output key of the referenced step, then the per-agent
// table, then "result".
func defaultFieldFor(t *task.Task, stepRef string) string {
	st := t.StepByRef(stepRef)
	if st == nil {
		return "result"
	}
	if len(st.Outputs) > 0 {
		if f, ok := defaultOutputFields[st.AgentType]; ok {
			if _, exists := st.Outputs[f]; exists {
				return f
			}
		}
		for k := range st.Outputs {
			return k
		}
	}
	if f, ok := defaultOutputFields[st.AgentType]; ok {
		return f
	}
	return "result"
}

// rewriteValue applies the template rewrite to every string leaf.
func rewriteValue(v any, defaultField func(string) string) any {
	switch val := v.(type) {
	case string:
		return template.RewriteBareRefs(val, defaultField)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = rewriteValue(e, defaultField)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = rewriteValue(e, defaultField)
		}
		return out
	default:
		return v
	}
}

func isContentFilterError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, ind := range contentFilterIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func looksLikeShapeChange(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "schema") || strings.Contains(lower, "unexpected response") ||
		strings.Contains(lower, "deprecated") || strings.Contains(lower, "no longer")
}

// hasStringInputs reports whether the step has any string input the
// rewrite could change.
func hasStringInputs(st *task.Step) bool {
	for _, v := range st.Inputs {
		if _, ok := v.(string); ok {
			return true
		}
	}
	return false
}

// dependents lists step ids transitively depending on the given step.
func dependents(t *task.Task, stepID string) []string {
	direct := make(map[string][]string)
	for _, st := range t.Steps {
		for _, dep := range st.DependsOn {
			direct[dep] = append(direct[dep], st.ID)
		}
	}
	seen := make(map[string]bool)
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for _, child := range direct[id] {
			if !seen[child] {
				seen[child] = true
				out = append(out, child)
				walk(child)
			}
		}
	}
	walk(stepID)
	return out
}

// completedOutputs collects outputs of completed steps keyed by step id.
func completedOutputs(t *task.Task) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, st := range t.Steps {
		if st.Status == task.StepDone && len(st.Outputs) > 0 {
			out[st.ID] = st.Outputs
		}
	}
	return out
}

// blockedBy reports whether the step transitively depends on any failed
// step.
func blockedBy(t *task.Task, stepID string, failed map[string]bool) bool {
	st := t.StepByID(stepID)
	if st == nil {
		return false
	}
	for _, dep := range st.DependsOn {
		if failed[dep] {
			return true
		}
		if blockedBy(t, dep, failed) {
			return true
		}
	}
	return false
}

// extractJSON trims code fences and surrounding prose from a model reply,
// returning the outermost JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
