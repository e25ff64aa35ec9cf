package mongo

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mongoc "github.com/tentackl/tentackl/features/memory/mongo/clients/mongo"
)

type stubClient struct {
	entries  []mongoc.Entry
	searched []string
	inserted []mongoc.Entry
}

func (s *stubClient) Name() string               { return "stub" }
func (s *stubClient) Ping(context.Context) error { return nil }

func (s *stubClient) Insert(_ context.Context, e mongoc.Entry) error {
	s.inserted = append(s.inserted, e)
	return nil
}

func (s *stubClient) Search(_ context.Context, keywords []string, limit int) ([]mongoc.Entry, error) {
	s.searched = keywords
	if len(s.entries) > limit {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func TestFormatForInjection(t *testing.T) {
	c := &stubClient{entries: []mongoc.Entry{
		{Content: "The weekly report goes to the ops mailing list."},
		{Content: "Reports are written in markdown with a summary first."},
	}}
	s, err := NewStore(c)
	require.NoError(t, err)

	out, err := s.FormatForInjection(context.Background(), "Write and send the weekly report", 500)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Relevant context from previous tasks:"))
	assert.Contains(t, out, "- The weekly report goes to the ops mailing list.")
	assert.Contains(t, out, "- Reports are written in markdown with a summary first.")

	// Short filler words never reach the search.
	assert.Equal(t, []string{"write", "send", "weekly", "report"}, c.searched)
}

func TestFormatForInjectionHonorsBudget(t *testing.T) {
	c := &stubClient{entries: []mongoc.Entry{
		{Content: strings.Repeat("a", 80)},
		{Content: strings.Repeat("b", 80)},
	}}
	s, err := NewStore(c)
	require.NoError(t, err)

	// 30 tokens ~ 120 chars: room for the header and one entry only.
	out, err := s.FormatForInjection(context.Background(), "weekly report", 30)
	require.NoError(t, err)
	assert.Contains(t, out, strings.Repeat("a", 80))
	assert.NotContains(t, out, "b")
}

func TestFormatForInjectionEmptyCases(t *testing.T) {
	c := &stubClient{}
	s, err := NewStore(c)
	require.NoError(t, err)
	ctx := context.Background()

	out, err := s.FormatForInjection(ctx, "weekly report", 500)
	require.NoError(t, err)
	assert.Empty(t, out, "no matching entries")

	out, err = s.FormatForInjection(ctx, "a an to", 500)
	require.NoError(t, err)
	assert.Empty(t, out, "no usable keywords")
	assert.Nil(t, c.searched)

	out, err = s.FormatForInjection(ctx, "weekly report", 0)
	require.NoError(t, err)
	assert.Empty(t, out, "zero budget")
}

func TestRememberValidatesContent(t *testing.T) {
	c := &stubClient{}
	s, err := NewStore(c)
	require.NoError(t, err)

	assert.Error(t, s.Remember(context.Background(), mongoc.Entry{Content: "   "}))
	require.NoError(t, s.Remember(context.Background(), mongoc.Entry{
		UserID: "u1", Content: "prefers concise summaries",
	}))
	require.Len(t, c.inserted, 1)
}

func TestKeywordsDeduplicateAndCap(t *testing.T) {
	got := keywords("Deploy deploy DEPLOY alpha beta gamma delta epsilon zeta theta iota kappa")
	assert.Equal(t, maxKeywords, len(got))
	assert.Equal(t, "deploy", got[0])
}
