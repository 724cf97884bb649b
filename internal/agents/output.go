package agents

import (
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/validation"
	"github.com/rendis/flowhub/pkg/schema"
)

// OutputValidator checks agent outputs against their declared outputSchema.
type OutputValidator struct {
	schemas *validation.JSONSchemaValidator
}

// NewOutputValidator creates an OutputValidator backed by schemas.
func NewOutputValidator(schemas *validation.JSONSchemaValidator) *OutputValidator {
	return &OutputValidator{schemas: schemas}
}

// Validate returns an invalid_output AgentInvocationError when output does
// not satisfy the agent's schema. Agents without a schema must still return
// an output.
func (v *OutputValidator) Validate(agent *store.Agent, output any) error {
	if len(agent.OutputSchema) == 0 {
		if output == nil {
			return schema.NewInvocationError(schema.InvocationInvalidOutput, agent.Name, "agent returned no output")
		}
		return nil
	}
	if err := v.schemas.ValidateValue(output, agent.OutputSchema); err != nil {
		ie := schema.NewInvocationError(schema.InvocationInvalidOutput, agent.Name, "%v", err)
		ie.Cause = err
		return ie
	}
	return nil
}

// CheckSchema reports whether raw compiles as a JSON Schema.
func (v *OutputValidator) CheckSchema(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if err := v.schemas.CompileSchema(raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid outputSchema").WithCause(err)
	}
	return nil
}
