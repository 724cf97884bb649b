package expressions

import (
	"encoding/json"

	"github.com/rendis/flowhub/pkg/schema"
)

// Scope is the frozen view of an execution that a step group evaluates
// against. Each group gets its own snapshot, so parallel siblings never
// observe each other's outputs and nothing a step does leaks back into the
// execution context before the group boundary.
type Scope struct {
	Trigger   map[string]any // trigger payload
	Steps     map[string]any // step ID -> committed output
	Execution map[string]any // id, workflow_id, correlation_id
}

// NewScope snapshots an execution context. The reserved trigger key becomes
// the trigger namespace and every other key is a committed step output.
// All data is deep-copied.
func NewScope(execCtx map[string]any, execution map[string]any) *Scope {
	s := &Scope{
		Trigger:   map[string]any{},
		Steps:     make(map[string]any, len(execCtx)),
		Execution: deepCopyMap(execution),
	}
	if s.Execution == nil {
		s.Execution = map[string]any{}
	}
	for k, v := range execCtx {
		if k == schema.ReservedTriggerKey {
			if m, ok := v.(map[string]any); ok {
				s.Trigger = deepCopyMap(m)
			}
			continue
		}
		s.Steps[k] = deepCopyAny(v)
	}
	return s
}

// Activation returns the CEL variables for this scope.
func (s *Scope) Activation() map[string]any {
	return map[string]any{
		NamespaceTrigger:   s.Trigger,
		NamespaceSteps:     s.Steps,
		NamespaceExecution: s.Execution,
	}
}

// Lookup resolves a parsed reference, returning nil when the value is absent.
func (s *Scope) Lookup(ref Ref) any {
	switch ref.Namespace {
	case NamespaceTrigger:
		return traversePath(s.Trigger, ref.Path)
	case NamespaceExecution:
		return traversePath(s.Execution, ref.Path)
	case NamespaceSteps:
		out, ok := s.Steps[ref.StepID]
		if !ok {
			return nil
		}
		return traversePath(out, ref.Path)
	}
	return nil
}

// --- Deep copy utilities ---

// DeepCopyMap returns a deep copy of m. It is exported for callers that
// hand execution context across goroutines.
func DeepCopyMap(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
