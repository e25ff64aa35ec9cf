package task

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestIsTransientError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"", false},
		{"request timed out", true},
		{"Read Timeout on upstream", true},
		{"HTTP 429 Too Many Requests", true},
		{"rate limit exceeded", true},
		{"RATE LIMIT", true},
		{"503 service unavailable", true},
		{"connection reset by peer", true},
		{"dial tcp: ECONNREFUSED", true},
		{"temporary failure in name resolution", true},
		{"please try again later", true},
		{"invalid credentials", false},
		{"schema validation failed", false},
		{"unknown subagent type: pdf_composer", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTransientError(tc.msg), "%q", tc.msg)
	}
}

func TestTransientIndicatorsCopy(t *testing.T) {
	got := TransientIndicators()
	got[0] = "mutated"
	assert.NotEqual(t, got[0], TransientIndicators()[0])
}

func TestTransientClassificationProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	indicator := gen.OneConstOf(
		"timeout", "timed out", "rate limit", "temporary", "try again",
		"503", "429", "connection", "econnrefused",
	)
	padding := gen.RegexMatch(`[a-z ]{0,20}`)

	properties.Property("any message containing an indicator is transient", prop.ForAll(
		func(pre, ind, post string) bool {
			return IsTransientError(pre + ind + post)
		},
		padding, indicator, padding,
	))

	properties.Property("classification is case-insensitive", prop.ForAll(
		func(ind string) bool {
			upper := []byte(ind)
			for i, c := range upper {
				if c >= 'a' && c <= 'z' {
					upper[i] = c - 32
				}
			}
			return IsTransientError(string(upper))
		},
		indicator,
	))

	properties.TestingRun(t)
}
