// Package preference records checkpoint approval outcomes per user and
// preference key and decides when future checkpoints with the same key can
// be auto-approved. The checkpoint manager consults this service before
// surfacing any checkpoint that carries a preference key.
package preference

import "context"

// Auto-approval thresholds: a key auto-approves once the user has resolved
// it MinSamples times with an approval ratio of at least MinApprovalRate
// and the most recent decision was an approval.
const (
	MinSamples      = 3
	MinApprovalRate = 0.8
)

type (
	// Stats summarizes recorded outcomes for one (user, key) pair.
	Stats struct {
		// Key is the preference key.
		Key string `json:"key" bson:"key"`
		// UserID identifies the resolving user.
		UserID string `json:"user_id" bson:"user_id"`
		// Approvals counts approved outcomes.
		Approvals int `json:"approvals" bson:"approvals"`
		// Rejections counts rejected outcomes.
		Rejections int `json:"rejections" bson:"rejections"`
		// LastApproved reports whether the most recent outcome approved.
		LastApproved bool `json:"last_approved" bson:"last_approved"`
	}

	// Service is the preference learning port.
	Service interface {
		// RecordOutcome stores one approval or rejection under the key.
		RecordOutcome(ctx context.Context, userID, key string, approved bool) error

		// Stats returns the recorded outcomes for the key. A key with no
		// history returns zero-valued stats, not an error.
		Stats(ctx context.Context, userID, key string) (Stats, error)

		// AutoApprove reports whether a new checkpoint under the key should
		// resolve as auto-approved without surfacing to the user.
		AutoApprove(ctx context.Context, userID, key string) (bool, error)

		// LearnFromReplan records a replan approval so repeated structural
		// corrections of the same shape stop prompting the user.
		LearnFromReplan(ctx context.Context, userID, suggestedAgentType string, approved bool) error

		// List returns every recorded preference for the user.
		List(ctx context.Context, userID string) ([]Stats, error)

		// Delete forgets the user's history for the key.
		Delete(ctx context.Context, userID, key string) error
	}
)

// Total returns the number of recorded outcomes.
func (s Stats) Total() int { return s.Approvals + s.Rejections }

// Eligible applies the auto-approval thresholds to the stats.
func (s Stats) Eligible() bool {
	total := s.Total()
	if total < MinSamples || !s.LastApproved {
		return false
	}
	return float64(s.Approvals)/float64(total) >= MinApprovalRate
}

// ReplanKey derives the preference key used for replan approvals.
func ReplanKey(suggestedAgentType string) string {
	if suggestedAgentType == "" {
		return "replan"
	}
	return "replan:" + suggestedAgentType
}
