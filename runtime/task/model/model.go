// Package model defines the minimal LLM client contract shared by the
// planner pipeline and the observer. Adapters for concrete providers live
// under features/model; the core never imports provider SDKs directly.
package model

import "context"

type (
	// Message is one chat message in a completion request.
	Message struct {
		// Role is "system", "user", or "assistant".
		Role string `json:"role"`
		// Content is the message text.
		Content string `json:"content"`
	}

	// Request describes a completion call.
	Request struct {
		// Model optionally pins the provider model identifier. Empty uses
		// the adapter default.
		Model string `json:"model,omitempty"`
		// Messages is the conversation to complete.
		Messages []Message `json:"messages"`
		// MaxTokens caps the completion length. Zero uses the adapter
		// default.
		MaxTokens int `json:"max_tokens,omitempty"`
		// Temperature tunes sampling. Zero uses the adapter default.
		Temperature float64 `json:"temperature,omitempty"`
		// JSONOnly asks the adapter to constrain output to a JSON object
		// where the provider supports it.
		JSONOnly bool `json:"json_only,omitempty"`
	}

	// Response is the completion result.
	Response struct {
		// Content is the assistant text.
		Content string `json:"content"`
		// Model echoes the provider model that served the request.
		Model string `json:"model,omitempty"`
		// Usage reports token accounting when the provider supplies it.
		Usage TokenUsage `json:"usage"`
	}

	// TokenUsage reports token accounting for a completion.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Client issues completions against one provider.
	Client interface {
		// Complete issues a non-streaming completion.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)
