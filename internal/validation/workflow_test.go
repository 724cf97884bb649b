package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/pkg/schema"
)

type fakeAgents map[string]bool

func (f fakeAgents) Has(name string) bool { return f[name] }

func newValidator(t *testing.T, agents AgentLookup) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(agents)
	require.NoError(t, err)
	return wv
}

func baseDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    "order-review",
		Trigger: schema.TriggerDefinition{Subject: "hub.orders.*.created", Condition: "payload.amount > 100"},
		Steps: []schema.StepDefinition{
			{Order: 2, Agent: "notifier", Input: map[string]any{"score": "${{ steps.score.value }}"}},
			{ID: "score", Order: 1, Agent: "scorer", Input: map[string]any{"order": "${{ trigger.order }}"}, Output: "{value: .score}"},
		},
	}
}

func requireDefinitionError(t *testing.T, err error, kind schema.DefinitionErrorKind) *schema.DefinitionError {
	t.Helper()
	require.Error(t, err)
	var de *schema.DefinitionError
	require.True(t, errors.As(err, &de), "want *DefinitionError, got %T", err)
	assert.Equal(t, kind, de.Kind, de.Message)
	return de
}

func TestValidate_ValidDefinition(t *testing.T) {
	wv := newValidator(t, fakeAgents{"scorer": true, "notifier": true})
	def := baseDef()

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)

	// Normalized: sorted by order and default ids filled.
	assert.Equal(t, "score", def.Steps[0].ID)
	assert.Equal(t, "step2", def.Steps[1].ID)
}

func TestValidate_UnknownAgentIsWarning(t *testing.T) {
	wv := newValidator(t, fakeAgents{"scorer": true})
	result := wv.Validate(baseDef())
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "unknown_agent", result.Warnings[0].Code)
}

func TestValidate_DuplicateOrder(t *testing.T) {
	wv := newValidator(t, nil)
	def := baseDef()
	def.Steps = append(def.Steps, schema.StepDefinition{Order: 1, Agent: "other", Parallel: true})

	requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionDuplicateOrder)
}

func TestValidate_ParallelBand(t *testing.T) {
	wv := newValidator(t, nil)
	def := &schema.WorkflowDefinition{
		Name:    "fan",
		Trigger: schema.TriggerDefinition{Subject: "hub.fan"},
		Steps: []schema.StepDefinition{
			{Order: 1, Agent: "c", Parallel: true},
			{Order: 1, Agent: "d", Parallel: true},
			{Order: 2, Agent: "e", Input: map[string]any{"c": "${{ steps.step1_1 }}", "d": "${{ steps.step1_2 }}"}},
		},
	}
	require.NoError(t, wv.ValidateDefinition(def))
	assert.Equal(t, []string{"step1_1", "step1_2", "step2"},
		[]string{def.Steps[0].ID, def.Steps[1].ID, def.Steps[2].ID})
}

func TestValidate_DanglingReference(t *testing.T) {
	wv := newValidator(t, nil)

	def := baseDef()
	def.Steps[0].Input = map[string]any{"x": "${{ steps.nope.value }}"}
	requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionDanglingReference)

	def = baseDef()
	def.Steps[0].Input = map[string]any{"x": "${{ inputs.value }}"}
	requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionDanglingReference)
}

func TestValidate_ForwardReferenceIsCycle(t *testing.T) {
	wv := newValidator(t, nil)
	def := baseDef()
	// score (order 1) reads step2 (order 2).
	def.Steps[1].Input = map[string]any{"x": "${{ steps.step2 }}"}

	de := requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionCycle)
	assert.GreaterOrEqual(t, len(de.Issues), 2, "forward ref plus loop report")
}

func TestValidate_SiblingReferenceIsCycle(t *testing.T) {
	wv := newValidator(t, nil)
	def := &schema.WorkflowDefinition{
		Name:    "siblings",
		Trigger: schema.TriggerDefinition{Subject: "hub.x"},
		Steps: []schema.StepDefinition{
			{ID: "a", Order: 1, Agent: "x", Parallel: true},
			{ID: "b", Order: 1, Agent: "x", Parallel: true, Input: map[string]any{"a": "${{ steps.a }}"}},
		},
	}
	requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionCycle)
}

func TestValidate_SelfReference(t *testing.T) {
	wv := newValidator(t, nil)
	def := baseDef()
	def.Steps[1].Input = map[string]any{"me": "${{ steps.score.value }}"}
	requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionCycle)
}

func TestValidate_StructuralErrors(t *testing.T) {
	wv := newValidator(t, nil)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
	}{
		{"missing name", func(d *schema.WorkflowDefinition) { d.Name = "" }},
		{"no steps", func(d *schema.WorkflowDefinition) { d.Steps = nil }},
		{"zero order", func(d *schema.WorkflowDefinition) { d.Steps[0].Order = 0 }},
		{"missing agent", func(d *schema.WorkflowDefinition) { d.Steps[0].Agent = "" }},
		{"bad onFail", func(d *schema.WorkflowDefinition) { d.Steps[0].OnFail = "explode" }},
		{"bad id", func(d *schema.WorkflowDefinition) { d.Steps[0].ID = "9lives" }},
		{"missing subject", func(d *schema.WorkflowDefinition) { d.Trigger.Subject = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := baseDef()
			tt.mutate(def)
			requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionInvalid)
		})
	}
}

func TestValidate_SemanticErrors(t *testing.T) {
	wv := newValidator(t, nil)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
	}{
		{"reserved id", func(d *schema.WorkflowDefinition) { d.Steps[0].ID = "trigger" }},
		{"duplicate id", func(d *schema.WorkflowDefinition) { d.Steps[0].ID = "score" }},
		{"bad pattern", func(d *schema.WorkflowDefinition) { d.Trigger.Subject = "hub.>.x" }},
		{"bad guard", func(d *schema.WorkflowDefinition) { d.Trigger.Condition = "payload.amount >" }},
		{"bad condition", func(d *schema.WorkflowDefinition) { d.Steps[0].Condition = "inputs.x == 1" }},
		{"bad transform", func(d *schema.WorkflowDefinition) { d.Steps[1].Output = ".a |" }},
		{"bad timeout", func(d *schema.WorkflowDefinition) { d.Steps[0].Timeout = "soon" }},
		{"negative approval timeout", func(d *schema.WorkflowDefinition) {
			d.Steps[0].ApprovalRequired = true
			d.Steps[0].ApprovalTimeout = "-1h"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := baseDef()
			tt.mutate(def)
			requireDefinitionError(t, wv.ValidateDefinition(def), schema.DefinitionInvalid)
		})
	}
}

func TestValidate_ReportsEveryIssue(t *testing.T) {
	wv := newValidator(t, nil)
	def := baseDef()
	def.Steps[0].Timeout = "soon"
	def.Steps[1].Condition = "bad =="

	result := wv.Validate(def)
	assert.Len(t, result.Errors, 2)
}

func TestValidate_Nil(t *testing.T) {
	wv := newValidator(t, nil)
	requireDefinitionError(t, wv.ValidateDefinition(nil), schema.DefinitionInvalid)
}

func TestNormalize_StableWithinBand(t *testing.T) {
	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Order: 3, Agent: "z"},
		{Order: 1, Agent: "b", Parallel: true},
		{Order: 1, Agent: "a", Parallel: true, ID: "named"},
		{Order: 1, Agent: "c", Parallel: true},
	}}
	Normalize(def)

	var ids []string
	for _, s := range def.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"step1_1", "named", "step1_3", "step3"}, ids)
}
