package task

import "strings"

// transientIndicators is the single classification table shared by the
// observer and the step-execution retry path. An error message containing
// any of these substrings (case-insensitive) is considered transient and
// eligible for retry.
var transientIndicators = []string{
	"timeout",
	"timed out",
	"rate limit",
	"temporary",
	"try again",
	"503",
	"429",
	"connection",
	"econnrefused",
}

// IsTransientError reports whether the error message matches the shared
// transient-indicator table. Empty messages are never transient.
func IsTransientError(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, ind := range transientIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// TransientIndicators returns a copy of the classification table, used by
// tests and prompt construction.
func TransientIndicators() []string {
	return append([]string(nil), transientIndicators...)
}
