package openai

import (
	"context"
	"errors"
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task/model"
)

type fakeCompletions struct {
	got  oai.ChatCompletionNewParams
	resp *oai.ChatCompletion
	err  error
}

func (f *fakeCompletions) New(_ context.Context, body oai.ChatCompletionNewParams, _ ...option.RequestOption) (*oai.ChatCompletion, error) {
	f.got = body
	return f.resp, f.err
}

func completion(text string) *oai.ChatCompletion {
	return &oai.ChatCompletion{
		Model: "gpt-4o",
		Choices: []oai.ChatCompletionChoice{
			{Message: oai.ChatCompletionMessage{Content: text}},
		},
		Usage: oai.CompletionUsage{PromptTokens: 20, CompletionTokens: 5},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeCompletions{}})
	require.Error(t, err)
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	fake := &fakeCompletions{resp: completion("done")}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 128,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 20, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)

	assert.Equal(t, shared.ChatModel("gpt-4o"), fake.got.Model)
	require.Len(t, fake.got.Messages, 2)
	assert.Equal(t, int64(128), fake.got.MaxTokens.Value)
}

func TestCompleteJSONOnlySetsResponseFormat(t *testing.T) {
	fake := &fakeCompletions{resp: completion(`{}`)}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: "user", Content: "plan"}},
		JSONOnly: true,
	})
	require.NoError(t, err)
	require.NotNil(t, fake.got.ResponseFormat.OfJSONObject)
}

func TestCompleteNoChoices(t *testing.T) {
	fake := &fakeCompletions{resp: &oai.ChatCompletion{Model: "gpt-4o"}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	})
	require.ErrorContains(t, err, "no choices")
}

func TestCompletePropagatesProviderError(t *testing.T) {
	fake := &fakeCompletions{err: errors.New("rate limit")}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	})
	require.ErrorContains(t, err, "rate limit")
}
