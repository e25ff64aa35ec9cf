package template

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentackl/tentackl/runtime/task"
)

func lookupFor(steps ...task.Step) Lookup {
	return func(ref string) (*task.Step, bool) {
		for i := range steps {
			if steps[i].ID == ref || steps[i].Name == ref {
				return &steps[i], true
			}
		}
		return nil, false
	}
}

func TestFindRefs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []Ref
	}{
		{
			name: "braces with field",
			in:   "use {{step_1.outputs.findings}} here",
			want: []Ref{{Raw: "{{step_1.outputs.findings}}", StepRef: "step_1", Field: "findings", Index: -1}},
		},
		{
			name: "braces with index",
			in:   "{{step_1.outputs.items[2]}}",
			want: []Ref{{Raw: "{{step_1.outputs.items[2]}}", StepRef: "step_1", Field: "items", Index: 2}},
		},
		{
			name: "bare legacy form",
			in:   "{{step_1.output}}",
			want: []Ref{{Raw: "{{step_1.output}}", StepRef: "step_1", Index: -1, Bare: true}},
		},
		{
			name: "dollar form",
			in:   "prefix ${node.step_2.content} suffix",
			want: []Ref{{Raw: "${node.step_2.content}", StepRef: "step_2", Field: "content", Index: -1}},
		},
		{
			name: "step name with spaces",
			in:   "{{Research Step.outputs.findings}}",
			want: []Ref{{Raw: "{{Research Step.outputs.findings}}", StepRef: "Research Step", Field: "findings", Index: -1}},
		},
		{
			name: "no refs",
			in:   "plain text { not a ref }",
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FindRefs(tc.in))
			assert.Equal(t, len(tc.want) > 0, HasRefs(tc.in))
		})
	}
}

func TestValidateRejectsBareRefs(t *testing.T) {
	err := Validate(map[string]any{"text": "{{step_1.output}}"})
	require.Error(t, err)
	assert.True(t, task.IsKind(err, task.KindValidation))
	assert.Contains(t, err.Error(), "step_1")

	require.NoError(t, Validate(map[string]any{"text": "{{step_1.outputs.findings}}"}))
	require.NoError(t, Validate(map[string]any{"nested": map[string]any{
		"list": []any{"{{a.outputs.b}}"},
	}}))
}

func TestResolveWholeValuePreservesType(t *testing.T) {
	steps := []task.Step{{
		ID: "step_1", Name: "Research",
		Outputs: map[string]any{
			"findings": map[string]any{"summary": "ok"},
			"items":    []any{"a", "b", "c"},
			"count":    3,
		},
	}}
	got, err := Resolve(map[string]any{
		"whole_map":  "{{step_1.outputs.findings}}",
		"whole_list": "{{step_1.outputs.items}}",
		"scalar":     "{{step_1.outputs.count}}",
		"indexed":    "{{step_1.outputs.items[1]}}",
		"by_name":    "{{Research.outputs.count}}",
	}, lookupFor(steps...))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "ok"}, got["whole_map"])
	assert.Equal(t, []any{"a", "b", "c"}, got["whole_list"])
	assert.Equal(t, 3, got["scalar"])
	assert.Equal(t, "b", got["indexed"])
	assert.Equal(t, 3, got["by_name"])
}

func TestResolvePaddedRefStringifies(t *testing.T) {
	steps := []task.Step{{
		ID:      "step_1",
		Outputs: map[string]any{"count": 3},
	}}
	got, err := Resolve(map[string]any{
		"exact":   "{{step_1.outputs.count}}",
		"leading": " {{step_1.outputs.count}}",
		"trailed": "{{step_1.outputs.count}}\n",
	}, lookupFor(steps...))
	require.NoError(t, err)
	assert.Equal(t, 3, got["exact"])
	assert.Equal(t, " 3", got["leading"], "padding keeps the surrounding text")
	assert.Equal(t, "3\n", got["trailed"])
}

func TestResolveEmbeddedStringifies(t *testing.T) {
	steps := []task.Step{{
		ID: "step_1",
		Outputs: map[string]any{
			"content": "hello",
			"data":    map[string]any{"k": "v"},
		},
	}}
	got, err := Resolve(map[string]any{
		"text": "say {{step_1.outputs.content}} and ${node.step_1.content}",
		"json": "embedded: {{step_1.outputs.data}}",
	}, lookupFor(steps...))
	require.NoError(t, err)
	assert.Equal(t, "say hello and hello", got["text"])
	assert.Equal(t, `embedded: {"k":"v"}`, got["json"])
}

func TestResolveTruncatesLongEmbeds(t *testing.T) {
	long := strings.Repeat("x", MaxEmbeddedLen+100)
	steps := []task.Step{{ID: "s", Outputs: map[string]any{"big": long}}}
	got, err := Resolve(map[string]any{"text": "v: {{s.outputs.big}}"}, lookupFor(steps...))
	require.NoError(t, err)
	s, ok := got["text"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(s, TruncationMarker))
	assert.Len(t, s, len("v: ")+MaxEmbeddedLen+len(TruncationMarker))
}

func TestResolveErrors(t *testing.T) {
	steps := []task.Step{{ID: "s", Outputs: map[string]any{"list": []any{"a"}, "scalar": 1}}}
	lookup := lookupFor(steps...)

	_, err := Resolve(map[string]any{"v": "{{missing.outputs.f}}"}, lookup)
	assert.True(t, task.IsKind(err, task.KindValidation))

	_, err = Resolve(map[string]any{"v": "{{s.outputs.nope}}"}, lookup)
	assert.True(t, task.IsKind(err, task.KindValidation))

	_, err = Resolve(map[string]any{"v": "{{s.outputs.list[5]}}"}, lookup)
	assert.True(t, task.IsKind(err, task.KindValidation))

	_, err = Resolve(map[string]any{"v": "{{s.outputs.scalar[0]}}"}, lookup)
	assert.True(t, task.IsKind(err, task.KindValidation))
}

func TestResolveNilAndRefFree(t *testing.T) {
	got, err := Resolve(nil, lookupFor())
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = Resolve(map[string]any{"a": "plain", "n": 5}, lookupFor())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "plain", "n": 5}, got)
}

func TestRewriteBareRefs(t *testing.T) {
	fields := map[string]string{"step_1": "findings"}
	defaultField := func(ref string) string { return fields[ref] }

	assert.Equal(t, "{{step_1.outputs.findings}}",
		RewriteBareRefs("{{step_1.output}}", defaultField))
	assert.Equal(t, "{{step_2.outputs.result}}",
		RewriteBareRefs("{{step_2.output}}", defaultField))
	// Well-formed refs pass through untouched.
	assert.Equal(t, "{{step_1.outputs.content}}",
		RewriteBareRefs("{{step_1.outputs.content}}", defaultField))
}

func TestResolveRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)

	alnum := gen.RegexMatch(`[a-zA-Z0-9_ ]{0,30}`)
	properties.Property("embedded scalar resolution round-trips", prop.ForAll(
		func(prefix, value, suffix string) bool {
			steps := []task.Step{{ID: "s1", Outputs: map[string]any{"f": value}}}
			got, err := Resolve(map[string]any{
				"v": prefix + "{{s1.outputs.f}}" + suffix,
			}, lookupFor(steps...))
			if err != nil {
				return false
			}
			s, ok := got["v"].(string)
			return ok && s == prefix+value+suffix
		},
		alnum, alnum, alnum,
	))

	properties.Property("ref-free strings are untouched", prop.ForAll(
		func(s string) bool {
			if HasRefs(s) {
				return true // generated a real ref, nothing to assert
			}
			got, err := Resolve(map[string]any{"v": s}, lookupFor())
			if err != nil {
				return false
			}
			return got["v"] == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
