package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/pkg/schema"
)

// validateDAG checks the data-flow graph implied by input references.
// A reference must name the trigger, the execution, or a step with a strictly
// smaller order. Unknown step ids are dangling references; references that
// point sideways or forward are cycles, since the referenced step cannot have
// committed an output yet. Genuine loops between steps are reported once more
// with their members (Kahn's algorithm over the reference graph).
func validateDAG(def *schema.WorkflowDefinition, refs map[string][]expressions.Ref) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	orderOf := make(map[string]int, len(def.Steps))
	for _, s := range def.Steps {
		orderOf[s.ID] = s.Order
	}

	// edges[id] = steps id reads from, reverse[id] = steps that read id.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))

	for _, s := range def.Steps {
		seen := make(map[string]bool)
		for _, ref := range refs[s.ID] {
			if ref.Namespace != expressions.NamespaceSteps {
				continue
			}
			path := fmt.Sprintf("steps[%s].input", s.ID)
			target, ok := orderOf[ref.StepID]
			if !ok {
				result.AddError(path, schema.DefinitionDanglingReference,
					fmt.Sprintf("${{ %s }} references unknown step %q", ref.Raw, ref.StepID))
				continue
			}
			if target >= s.Order {
				result.AddError(path, schema.DefinitionCycle,
					fmt.Sprintf("${{ %s }} references step %q (order %d) which does not run before order %d",
						ref.Raw, ref.StepID, target, s.Order))
			}
			if !seen[ref.StepID] {
				seen[ref.StepID] = true
				edges[s.ID] = append(edges[s.ID], ref.StepID)
				reverse[ref.StepID] = append(reverse[ref.StepID], s.ID)
			}
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Steps))
	for id := range orderOf {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(orderOf) {
		var members []string
		for id, deg := range inDegree {
			if deg > 0 {
				members = append(members, id)
			}
		}
		sort.Strings(members)
		result.AddError("steps", schema.DefinitionCycle,
			fmt.Sprintf("input references form a cycle through steps %v", members))
	}

	return result
}
