package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task/preference"
)

func TestRecordAndStats(t *testing.T) {
	s := New()
	ctx := context.Background()

	st, err := s.Stats(ctx, "u1", "risk:notify")
	require.NoError(t, err)
	assert.Zero(t, st.Total())

	require.NoError(t, s.RecordOutcome(ctx, "u1", "risk:notify", true))
	require.NoError(t, s.RecordOutcome(ctx, "u1", "risk:notify", false))
	require.NoError(t, s.RecordOutcome(ctx, "u1", "risk:notify", true))

	st, err = s.Stats(ctx, "u1", "risk:notify")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Approvals)
	assert.Equal(t, 1, st.Rejections)
	assert.True(t, st.LastApproved)
}

func TestAutoApproveThresholds(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < preference.MinSamples; i++ {
		ok, err := s.AutoApprove(ctx, "u1", "k")
		require.NoError(t, err)
		assert.False(t, ok, "before %d samples", preference.MinSamples)
		require.NoError(t, s.RecordOutcome(ctx, "u1", "k", true))
	}
	ok, err := s.AutoApprove(ctx, "u1", "k")
	require.NoError(t, err)
	assert.True(t, ok)

	// A rejection resets eligibility via last-approved.
	require.NoError(t, s.RecordOutcome(ctx, "u1", "k", false))
	ok, err = s.AutoApprove(ctx, "u1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLearnFromReplan(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.LearnFromReplan(ctx, "u1", "compose", true))
	st, err := s.Stats(ctx, "u1", preference.ReplanKey("compose"))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Approvals)
}

func TestListAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.RecordOutcome(ctx, "u1", "a", true))
	require.NoError(t, s.RecordOutcome(ctx, "u1", "b", true))
	require.NoError(t, s.RecordOutcome(ctx, "u2", "a", true))

	list, err := s.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Delete(ctx, "u1", "a"))
	list, err = s.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Key)
}
