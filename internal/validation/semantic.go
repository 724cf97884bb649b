package validation

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/pkg/schema"
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Normalize sorts steps by order (listing order is kept inside a band) and
// fills in default step ids. It mutates def in place.
func Normalize(def *schema.WorkflowDefinition) {
	sort.SliceStable(def.Steps, func(i, j int) bool {
		return def.Steps[i].Order < def.Steps[j].Order
	})

	position := make(map[int]int)
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Parallel {
			position[step.Order]++
		}
		if step.ID == "" {
			step.ID = schema.DefaultStepID(step.Order, step.Parallel, position[step.Order])
		}
	}
}

// validateSemantic checks what JSON Schema cannot express: step id
// uniqueness, order bands, expression syntax, durations, the trigger
// subject and agent existence. def must already be normalized.
func (wv *WorkflowValidator) validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := bus.ValidatePattern(def.Trigger.Subject); err != nil {
		result.AddError("trigger.subject", schema.DefinitionInvalid, err.Error())
	}
	if def.Trigger.Condition != "" {
		if err := wv.guards.Compile(def.Trigger.Condition); err != nil {
			result.AddError("trigger.condition", schema.DefinitionInvalid, err.Error())
		}
	}

	validateOrderBands(def, result)

	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%s]", step.ID)

		switch {
		case step.ID == schema.ReservedTriggerKey:
			result.AddError(path+".id", schema.DefinitionInvalid,
				fmt.Sprintf("step id %q is reserved", step.ID))
		case !stepIDPattern.MatchString(step.ID):
			result.AddError(path+".id", schema.DefinitionInvalid,
				fmt.Sprintf("step id %q must match %s", step.ID, stepIDPattern.String()))
		case seen[step.ID]:
			result.AddError(path+".id", schema.DefinitionInvalid,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		if !step.OnFail.Valid() {
			result.AddError(path+".onFail", schema.DefinitionInvalid,
				fmt.Sprintf("unknown onFail policy %q", step.OnFail))
		}
		if step.Condition != "" {
			if err := wv.conditions.Compile(step.Condition); err != nil {
				result.AddError(path+".condition", schema.DefinitionInvalid, err.Error())
			}
		}
		if step.Output != "" {
			if err := wv.transforms.Compile(step.Output); err != nil {
				result.AddError(path+".output", schema.DefinitionInvalid, err.Error())
			}
		}
		validateDuration(step.Timeout, path+".timeout", result)
		if step.ApprovalTimeout != "" {
			validateDuration(step.ApprovalTimeout, path+".approvalTimeout", result)
			if !step.ApprovalRequired {
				result.AddWarning(path+".approvalTimeout", string(schema.DefinitionInvalid),
					"approvalTimeout is ignored without approvalRequired")
			}
		}

		if wv.agents != nil && !wv.agents.Has(step.Agent) {
			result.AddWarning(path+".agent", "unknown_agent",
				fmt.Sprintf("agent %q is not registered; the step will fail until it is", step.Agent))
		}
	}

	return result
}

// validateOrderBands reports duplicate_order for any order shared by steps
// that are not all parallel.
func validateOrderBands(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	type band struct {
		size     int
		parallel int
	}
	bands := make(map[int]*band)
	var orders []int
	for _, s := range def.Steps {
		b, ok := bands[s.Order]
		if !ok {
			b = &band{}
			bands[s.Order] = b
			orders = append(orders, s.Order)
		}
		b.size++
		if s.Parallel {
			b.parallel++
		}
	}

	for _, o := range orders {
		b := bands[o]
		if b.size > 1 && b.parallel != b.size {
			result.AddError(fmt.Sprintf("steps[order=%d]", o), schema.DefinitionDuplicateOrder,
				fmt.Sprintf("%d steps share order %d but only %d are parallel", b.size, o, b.parallel))
		}
	}
}

func validateDuration(raw, path string, result *schema.ValidationResult) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		result.AddError(path, schema.DefinitionInvalid, fmt.Sprintf("invalid duration %q", raw))
		return
	}
	if d <= 0 {
		result.AddError(path, schema.DefinitionInvalid, fmt.Sprintf("duration %q must be positive", raw))
	}
}

// refsByStep parses every input template and returns the references of each
// step. Malformed templates are reported as dangling references.
func refsByStep(def *schema.WorkflowDefinition, result *schema.ValidationResult) map[string][]expressions.Ref {
	out := make(map[string][]expressions.Ref, len(def.Steps))
	for _, s := range def.Steps {
		if len(s.Input) == 0 {
			continue
		}
		refs, err := expressions.ExtractRefs(s.Input)
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%s].input", s.ID), schema.DefinitionDanglingReference, err.Error())
			continue
		}
		out[s.ID] = refs
	}
	return out
}
