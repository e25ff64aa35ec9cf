// Package template resolves step-output references embedded in step inputs.
//
// Two syntaxes are recognized and handled together:
//
//	{{step_ref.outputs.field}}     braces style, optional [n] list index
//	{{step_ref.output}}            braces style, legacy whole-output form
//	${node.step_ref.field}         dollar style
//
// step_ref may be either the referenced step's id or its name. When a
// reference is the entire string value the referent's native type (map,
// list, scalar) is preserved; when it is embedded inside a larger string
// the referent is stringified: maps and lists serialize as JSON, long
// strings truncate at MaxEmbeddedLen with an explicit marker.
//
// The legacy {{step_ref.output}} form is recognized by the scanner so the
// observer can rewrite it deterministically, but Validate rejects it before
// any plugin is called: well-formed plans must name an output field.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tentackl/tentackl/runtime/task"
)

// MaxEmbeddedLen bounds stringified referents embedded inside larger
// strings. Longer values are cut and suffixed with TruncationMarker.
const MaxEmbeddedLen = 50000

// TruncationMarker is appended to embedded values cut at MaxEmbeddedLen.
const TruncationMarker = "...[truncated]"

var (
	bracesRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_\- ]*?)\.(outputs?)(?:\.([A-Za-z0-9_\-]+))?(?:\[(\d+)\])?\s*\}\}`)
	dollarRe = regexp.MustCompile(`\$\{node\.([A-Za-z0-9_][A-Za-z0-9_\- ]*?)\.([A-Za-z0-9_\-]+)\}`)
)

type (
	// Ref is one template reference found in a string input value.
	Ref struct {
		// Raw is the exact matched text including delimiters.
		Raw string
		// StepRef is the referenced step id or name.
		StepRef string
		// Field is the referenced output field. Empty for the legacy
		// whole-output form.
		Field string
		// Index is the list index when the reference carries [n], else -1.
		Index int
		// Bare is true for the legacy {{step.output}} form with no field.
		Bare bool
	}

	// Lookup resolves a step reference (id or name) to the referenced step.
	// The boolean reports whether the step exists.
	Lookup func(ref string) (*task.Step, bool)
)

// FindRefs scans a string for template references in both syntaxes, in
// order of appearance.
func FindRefs(s string) []Ref {
	var refs []Ref
	for _, m := range bracesRe.FindAllStringSubmatch(s, -1) {
		r := Ref{Raw: m[0], StepRef: m[1], Field: m[3], Index: -1}
		r.Bare = m[2] == "output" || m[3] == ""
		if m[4] != "" {
			// Regex guarantees digits.
			r.Index, _ = strconv.Atoi(m[4])
		}
		refs = append(refs, r)
	}
	for _, m := range dollarRe.FindAllStringSubmatch(s, -1) {
		refs = append(refs, Ref{Raw: m[0], StepRef: m[1], Field: m[2], Index: -1})
	}
	return refs
}

// HasRefs reports whether the string contains any template reference.
func HasRefs(s string) bool {
	return bracesRe.MatchString(s) || dollarRe.MatchString(s)
}

// Validate walks the input values and rejects malformed template shapes
// before resolution. The only accepted braces forms are
// {{step.outputs.field}} and {{step.outputs.field[n]}}; the bare
// {{step.output}} and field-less {{step.outputs}} forms raise a
// validation error naming the offending reference.
func Validate(inputs map[string]any) error {
	return walkStrings(inputs, func(path, s string) error {
		for _, r := range FindRefs(s) {
			if r.Bare {
				return task.Errorf(task.KindValidation,
					"input %q: template %q must reference a named output field (use {{%s.outputs.<field>}})",
					path, r.Raw, r.StepRef)
			}
		}
		return nil
	})
}

// Resolve returns a copy of inputs with every template reference replaced.
// Whole-value references preserve the referent's native type; embedded
// references stringify per package rules. Unknown steps or fields raise a
// validation error so the failure surfaces before any plugin call.
func Resolve(inputs map[string]any, lookup Lookup) (map[string]any, error) {
	if inputs == nil {
		return nil, nil
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		rv, err := resolveValue(k, v, lookup)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(path string, v any, lookup Lookup) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(path, val, lookup)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			rv, err := resolveValue(path+"."+k, e, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			rv, err := resolveValue(fmt.Sprintf("%s[%d]", path, i), e, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(path, s string, lookup Lookup) (any, error) {
	refs := FindRefs(s)
	if len(refs) == 0 {
		return s, nil
	}
	// Whole-value reference: preserve the referent's native type. Any
	// surrounding text, including whitespace, makes this an embedded
	// reference that stringifies instead.
	if len(refs) == 1 && s == refs[0].Raw {
		return deref(path, refs[0], lookup)
	}
	// Embedded references: stringify each referent in place.
	resolved := s
	for _, r := range refs {
		val, err := deref(path, r, lookup)
		if err != nil {
			return nil, err
		}
		resolved = strings.Replace(resolved, r.Raw, stringify(val), 1)
	}
	return resolved, nil
}

// deref fetches the referenced value from the step's outputs.
func deref(path string, r Ref, lookup Lookup) (any, error) {
	step, ok := lookup(r.StepRef)
	if !ok {
		return nil, task.Errorf(task.KindValidation,
			"input %q: template %q references unknown step %q", path, r.Raw, r.StepRef)
	}
	if r.Bare || r.Field == "" {
		// Whole-output reference; validation rejects this before dispatch
		// but the observer resolves it when computing rewrites.
		return step.Outputs, nil
	}
	val, ok := step.Outputs[r.Field]
	if !ok {
		return nil, task.Errorf(task.KindValidation,
			"input %q: template %q references missing output field %q of step %q",
			path, r.Raw, r.Field, r.StepRef)
	}
	if r.Index >= 0 {
		list, ok := val.([]any)
		if !ok {
			return nil, task.Errorf(task.KindValidation,
				"input %q: template %q indexes non-list output field %q", path, r.Raw, r.Field)
		}
		if r.Index >= len(list) {
			return nil, task.Errorf(task.KindValidation,
				"input %q: template %q index %d out of range (len %d)", path, r.Raw, r.Index, len(list))
		}
		return list[r.Index], nil
	}
	return val, nil
}

// stringify renders a referent for embedding inside a larger string. Maps
// and lists serialize as JSON; scalars render raw; anything longer than
// MaxEmbeddedLen is cut with the truncation marker.
func stringify(v any) string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(b)
		}
	case nil:
		s = ""
	default:
		s = fmt.Sprintf("%v", val)
	}
	if len(s) > MaxEmbeddedLen {
		s = s[:MaxEmbeddedLen] + TruncationMarker
	}
	return s
}

// RewriteBareRefs rewrites legacy {{step.output}} references to the
// {{step.outputs.<field>}} form, choosing the field via defaultField. The
// observer uses this to deterministically repair template-syntax failures.
func RewriteBareRefs(s string, defaultField func(stepRef string) string) string {
	return bracesRe.ReplaceAllStringFunc(s, func(raw string) string {
		m := bracesRe.FindStringSubmatch(raw)
		if m[2] == "outputs" && m[3] != "" {
			return raw
		}
		field := defaultField(m[1])
		if field == "" {
			field = "result"
		}
		return fmt.Sprintf("{{%s.outputs.%s}}", m[1], field)
	})
}

// walkStrings visits every string leaf in a structured input value.
func walkStrings(inputs map[string]any, fn func(path, s string) error) error {
	var walk func(path string, v any) error
	walk = func(path string, v any) error {
		switch val := v.(type) {
		case string:
			return fn(path, val)
		case map[string]any:
			for k, e := range val {
				p := k
				if path != "" {
					p = path + "." + k
				}
				if err := walk(p, e); err != nil {
					return err
				}
			}
			return nil
		case []any:
			for i, e := range val {
				if err := walk(fmt.Sprintf("%s[%d]", path, i), e); err != nil {
					return err
				}
			}
			return nil
		default:
			return nil
		}
	}
	return walk("", inputs)
}
