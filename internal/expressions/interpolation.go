package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/flowhub/pkg/schema"
)

// Reference namespaces available inside ${{ }}.
const (
	NamespaceTrigger   = "trigger"
	NamespaceSteps     = "steps"
	NamespaceExecution = "execution"
)

// Namespaces lists every reference namespace.
var Namespaces = []string{NamespaceTrigger, NamespaceSteps, NamespaceExecution}

// Ref is one parsed ${{ namespace.path }} reference.
type Ref struct {
	Raw       string // expression between the braces, trimmed
	Namespace string
	StepID    string   // set for the steps namespace
	Path      []string // remaining dotted segments
}

// ParseRef parses the body of a ${{ }} token.
func ParseRef(raw string) (Ref, error) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return Ref{}, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
	}
	segments := strings.Split(expr, ".")
	for i, seg := range segments {
		if seg == "" {
			return Ref{}, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	ref := Ref{Raw: expr, Namespace: segments[0]}
	switch ref.Namespace {
	case NamespaceTrigger, NamespaceExecution:
		ref.Path = segments[1:]
	case NamespaceSteps:
		if len(segments) < 2 {
			return Ref{}, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid step reference %q: expected steps.<id>[.<field>]", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		ref.StepID = segments[1]
		ref.Path = segments[2:]
	default:
		return Ref{}, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", ref.Namespace, expr, strings.Join(Namespaces, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": Namespaces})
	}
	return ref, nil
}

// token is one ${{ }} occurrence inside a string.
type token struct {
	start, end int // byte offsets of "${{" and one past "}}"
	body       string
}

// scanTokens finds every ${{ }} token in s.
func scanTokens(s string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			break
		}
		start := i + idx
		bodyStart := start + 3

		end := strings.Index(s[bodyStart:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += bodyStart

		body := s[bodyStart:end]
		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(body, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		tokens = append(tokens, token{start: start, end: end + 2, body: body})
		i = end + 2
	}
	return tokens, nil
}

// ExtractRefs walks an input template and returns every reference it contains.
func ExtractRefs(template any) ([]Ref, error) {
	var refs []Ref
	err := walkStrings(template, func(s string) error {
		tokens, err := scanTokens(s)
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			ref, err := ParseRef(tok.body)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return nil
	})
	return refs, err
}

func walkStrings(v any, fn func(string) error) error {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		for _, item := range val {
			if err := walkStrings(item, fn); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := walkStrings(item, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Interpolator resolves ${{...}} references in step input templates.
// Templates are resolved structurally: a string that is exactly one reference
// is replaced by the referenced value with its type preserved; references
// embedded in longer strings are stringified in place.
//
// References to missing values resolve to null. Definitions are validated
// before publish, so a missing value at runtime is a skipped or failed
// upstream step, not a typo.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve returns a copy of template with every reference resolved against scope.
func (interp *Interpolator) Resolve(template any, scope *Scope) (any, error) {
	switch val := template.(type) {
	case string:
		return interp.resolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := interp.Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interp.Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return template, nil
	}
}

func (interp *Interpolator) resolveString(s string, scope *Scope) (any, error) {
	tokens, err := scanTokens(s)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return s, nil
	}

	// Whole-string reference keeps the value's type.
	if len(tokens) == 1 && tokens[0].start == 0 && tokens[0].end == len(s) {
		ref, err := ParseRef(tokens[0].body)
		if err != nil {
			return nil, err
		}
		return scope.Lookup(ref), nil
	}

	var b strings.Builder
	b.Grow(len(s))
	prev := 0
	for _, tok := range tokens {
		b.WriteString(s[prev:tok.start])
		ref, err := ParseRef(tok.body)
		if err != nil {
			return nil, err
		}
		b.WriteString(marshalInline(scope.Lookup(ref)))
		prev = tok.end
	}
	b.WriteString(s[prev:])
	return b.String(), nil
}

// traversePath navigates into nested maps and slices. Missing keys, bad
// indexes and scalars along the way resolve to nil.
func traversePath(root any, path []string) any {
	current := root
	for _, seg := range path {
		switch v := current.(type) {
		case map[string]any:
			current = v[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

// marshalInline converts a resolved value into its inline string form.
// Strings are embedded as-is; maps and slices are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation checks if a string contains any ${{...}} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
