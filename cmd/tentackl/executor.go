package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tentackl/tentackl/runtime/task/model"
	"github.com/tentackl/tentackl/runtime/task/plugin"
)

// textAgentPrompts maps the text capabilities this binary serves to their
// system prompts. Other agent types need external plugins and fail with an
// explicit message instead of silently completing.
var textAgentPrompts = map[string]struct{ prompt, outputField string }{
	"compose": {
		prompt:      "You write the requested content. Reply with the content only, no preamble.",
		outputField: "content",
	},
	"analyze": {
		prompt:      "You analyze the provided material and report conclusions concisely.",
		outputField: "analysis",
	},
	"web_research": {
		prompt:      "You summarize what is known about the topic from your training data. State uncertainty explicitly.",
		outputField: "findings",
	},
}

// llmExecutor is a plugin.Executor serving text capabilities through the
// configured model client.
type llmExecutor struct {
	model model.Client
}

func (e *llmExecutor) Execute(ctx context.Context, agentType string, inputs map[string]any, execCtx plugin.Context) (*plugin.Result, error) {
	spec, ok := textAgentPrompts[agentType]
	if !ok {
		return &plugin.Result{
			Success: false,
			Error:   fmt.Sprintf("no plugin registered for agent type %q", agentType),
		}, nil
	}
	user, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}
	started := time.Now()
	resp, err := e.model.Complete(ctx, &model.Request{
		Model: execCtx.Model,
		Messages: []model.Message{
			{Role: "system", Content: spec.prompt},
			{Role: "user", Content: string(user)},
		},
	})
	if err != nil {
		return nil, err
	}
	return &plugin.Result{
		Success:         true,
		Outputs:         map[string]any{spec.outputField: resp.Content},
		ExecutionTimeMS: time.Since(started).Milliseconds(),
		Metadata:        map[string]any{"model": resp.Model},
	}, nil
}
