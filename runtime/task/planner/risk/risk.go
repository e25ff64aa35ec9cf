// Package risk implements the rule-based risk detector that injects user
// checkpoints before side-effecting steps at planning time. Detection is
// deterministic: a table of agent types whose effects always leave the
// system (outbound messages, payments, deletions) plus keyword scanning of
// the step text for destructive verbs.
package risk

import (
	"context"
	"strings"

	"github.com/tentackl/tentackl/runtime/task"
)

// riskyAgentTypes maps always-risky capabilities to the reason shown in
// the checkpoint description.
var riskyAgentTypes = map[string]string{
	"notify":       "sends an outbound message",
	"send_email":   "sends an outbound email",
	"payment":      "moves money",
	"social_post":  "publishes publicly",
	"file_storage": "", // risky only when the step text signals deletion
}

// destructiveKeywords flag steps whose description implies irreversible
// effects regardless of agent type.
var destructiveKeywords = []string{
	"delete", "remove permanently", "purge", "drop ", "irreversib",
	"send email", "send the email", "email to", "post to", "publish",
	"charge", "refund", "transfer funds", "payment",
}

// Detector is a deterministic planner.RiskDetector.
type Detector struct{}

// New returns the rule-based detector.
func New() *Detector { return &Detector{} }

// Assess flags the step when its agent type or text indicates effects a
// user should approve first. The returned config carries a preference key
// derived from the agent type so approvals accumulate per capability.
func (d *Detector) Assess(_ context.Context, step task.Step) (*task.CheckpointConfig, bool, error) {
	reason, typeRisky := riskyAgentTypes[step.AgentType]
	text := strings.ToLower(step.Name + " " + step.Description)
	keyword := matchKeyword(text)
	if typeRisky && reason == "" && keyword == "" {
		typeRisky = false
	}
	if !typeRisky && keyword == "" {
		return nil, false, nil
	}
	desc := reason
	if desc == "" {
		desc = "step text matched " + quoteKeyword(keyword)
	}
	return &task.CheckpointConfig{
		Name:          step.Name,
		Description:   "This step " + desc + ". Approve to continue.",
		Type:          task.CheckpointApproval,
		PreferenceKey: "risk:" + step.AgentType,
	}, true, nil
}

func matchKeyword(text string) string {
	for _, kw := range destructiveKeywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

func quoteKeyword(kw string) string {
	return `"` + strings.TrimSpace(kw) + `"`
}
