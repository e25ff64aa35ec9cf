// Package memory defines the memory operations port. Retrieval internals
// are outside the core; the planner only needs formatted context to inject
// into prompts.
package memory

import "context"

// Operations formats retrieved memory for prompt injection.
type Operations interface {
	// FormatForInjection returns memory relevant to the query, rendered as
	// prompt text and trimmed to maxTokens. Returns an empty string when
	// nothing relevant exists.
	FormatForInjection(ctx context.Context, query string, maxTokens int) (string, error)
}

// Noop is an Operations implementation that always returns no memory.
type Noop struct{}

// FormatForInjection implements Operations.
func (Noop) FormatForInjection(context.Context, string, int) (string, error) { return "", nil }
