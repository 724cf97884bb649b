package validation

import (
	"strings"

	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/pkg/schema"
)

// AgentLookup reports whether an agent name is registered.
type AgentLookup interface {
	Has(name string) bool
}

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, order bands, expressions, durations, agents)
// 3. DAG (reference resolution and cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions *expressions.CELEngine
	guards     *expressions.ExprEngine
	transforms *expressions.GoJQEngine
	agents     AgentLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// agents may be nil to skip agent existence warnings.
func NewWorkflowValidator(agents AgentLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		conditions: cel,
		guards:     expressions.NewExprEngine(),
		transforms: expressions.NewGoJQEngine(),
		agents:     agents,
	}, nil
}

// Schema returns the underlying JSON Schema validator.
func (wv *WorkflowValidator) Schema() *JSONSchemaValidator {
	return wv.jsonSchema
}

// Validate normalizes def and runs the full pipeline, returning every issue.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.DefinitionInvalid, "workflow definition is nil")
		return r
	}

	Normalize(def)

	// Stage 1: Structural (JSON Schema).
	result := wv.jsonSchema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(wv.validateSemantic(def))
	refs := refsByStep(def, result)

	// Stage 3: DAG (skip on invalid ids: the graph would be meaningless).
	if !hasIssueAt(result, ".id") {
		result.Merge(validateDAG(def, refs))
	}

	return result
}

// ValidateDefinition returns a *schema.DefinitionError when def is invalid.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// hasIssueAt reports whether any error issue sits on a path ending in suffix.
func hasIssueAt(r *schema.ValidationResult, suffix string) bool {
	for _, e := range r.Errors {
		if strings.HasSuffix(e.Path, suffix) {
			return true
		}
	}
	return false
}
