package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

func workflowOf(steps ...schema.StepDefinition) *store.Workflow {
	return &store.Workflow{ID: "wf", Definition: schema.WorkflowDefinition{Name: "wf", Steps: steps}}
}

func TestBuildPlan_GroupsByOrder(t *testing.T) {
	p, err := BuildPlan(workflowOf(
		schema.StepDefinition{ID: "e", Order: 3, Agent: "x"},
		schema.StepDefinition{ID: "c", Order: 1, Agent: "x", Parallel: true},
		schema.StepDefinition{ID: "d", Order: 1, Agent: "x", Parallel: true},
		schema.StepDefinition{ID: "solo", Order: 2, Agent: "x", Parallel: true},
	))
	require.NoError(t, err)

	groups := p.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, 1, groups[0].Order)
	require.Len(t, groups[0].Steps, 2)
	assert.Equal(t, "c", p.Step(groups[0].Steps[0]).ID)
	assert.Equal(t, "d", p.Step(groups[0].Steps[1]).ID)
	assert.Equal(t, "solo", p.Step(groups[1].Steps[0]).ID)
	assert.Equal(t, "e", p.Step(groups[2].Steps[0]).ID)
}

func TestPlan_Next(t *testing.T) {
	p, err := BuildPlan(workflowOf(
		schema.StepDefinition{ID: "a", Order: 10, Agent: "x"},
		schema.StepDefinition{ID: "b", Order: 20, Agent: "x"},
	))
	require.NoError(t, err)

	g, ok := p.Next(0)
	require.True(t, ok)
	assert.Equal(t, 10, g.Order)

	g, ok = p.Next(10)
	require.True(t, ok)
	assert.Equal(t, 20, g.Order)

	g, ok = p.Next(15)
	require.True(t, ok)
	assert.Equal(t, 20, g.Order)

	_, ok = p.Next(20)
	assert.False(t, ok)
}

func TestBuildPlan_Rejects(t *testing.T) {
	_, err := BuildPlan(workflowOf(
		schema.StepDefinition{ID: "a", Order: 1, Agent: "x", Parallel: true},
		schema.StepDefinition{ID: "b", Order: 1, Agent: "x"},
	))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))

	_, err = BuildPlan(workflowOf(schema.StepDefinition{Order: 1, Agent: "x"}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))

	_, err = BuildPlan(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestPlan_StepByID(t *testing.T) {
	p, err := BuildPlan(workflowOf(schema.StepDefinition{ID: "a", Order: 1, Agent: "x"}))
	require.NoError(t, err)

	s, ok := p.StepByID("a")
	require.True(t, ok)
	assert.Equal(t, "x", s.Agent)
	_, ok = p.StepByID("zz")
	assert.False(t, ok)
}
