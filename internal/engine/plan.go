package engine

import (
	"sort"
	"strconv"

	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// Group is one band of steps sharing an order value. Steps holds indices
// into the plan's step slice.
type Group struct {
	Order int
	Steps []int
}

// Plan is the linearised form of a workflow: a flat arena of steps and the
// groups that index into it, in strictly ascending order.
type Plan struct {
	steps  []schema.StepDefinition
	groups []Group
}

// BuildPlan groups the steps of a published workflow by order. A band with
// more than one step must be entirely parallel; published definitions are
// validated for this, so a violation here is a programming error.
func BuildPlan(wf *store.Workflow) (*Plan, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	steps := make([]schema.StepDefinition, len(wf.Definition.Steps))
	copy(steps, wf.Definition.Steps)

	idx := make([]int, len(steps))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return steps[idx[a]].Order < steps[idx[b]].Order })

	p := &Plan{steps: steps}
	for _, i := range idx {
		s := steps[i]
		if s.ID == "" {
			return nil, schema.NewDefinitionError(schema.DefinitionInvalid, "/steps",
				"step without id in published workflow")
		}
		n := len(p.groups)
		if n > 0 && p.groups[n-1].Order == s.Order {
			g := &p.groups[n-1]
			if !s.Parallel || !steps[g.Steps[0]].Parallel {
				return nil, schema.NewDefinitionError(schema.DefinitionDuplicateOrder, "/steps",
					"order "+strconv.Itoa(s.Order)+" is shared by a non-parallel step")
			}
			g.Steps = append(g.Steps, i)
			continue
		}
		p.groups = append(p.groups, Group{Order: s.Order, Steps: []int{i}})
	}
	return p, nil
}

// Next returns the first group whose order is greater than after.
func (p *Plan) Next(after int) (Group, bool) {
	i := sort.Search(len(p.groups), func(i int) bool { return p.groups[i].Order > after })
	if i == len(p.groups) {
		return Group{}, false
	}
	return p.groups[i], true
}

// Step returns the step stored at arena index i.
func (p *Plan) Step(i int) *schema.StepDefinition {
	return &p.steps[i]
}

// StepByID returns the step with the given id.
func (p *Plan) StepByID(id string) (*schema.StepDefinition, bool) {
	for i := range p.steps {
		if p.steps[i].ID == id {
			return &p.steps[i], true
		}
	}
	return nil, false
}

// Groups returns the groups in execution order.
func (p *Plan) Groups() []Group {
	return p.groups
}
