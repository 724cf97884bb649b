package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeAlreadyResponded  = "ALREADY_RESPONDED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTriggerMatch      = "TRIGGER_MATCH_ERROR"
	ErrCodeAgentInvocation   = "AGENT_INVOCATION_ERROR"
	ErrCodeApprovalTimeout   = "APPROVAL_TIMEOUT"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// FlowError is the structured error type for all flowhub operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first coded error in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	var de *DefinitionError
	if errors.As(err, &de) {
		return ErrCodeDefinition
	}
	var ae *AgentInvocationError
	if errors.As(err, &ae) {
		return ErrCodeAgentInvocation
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// Persistence wraps a store failure as a PERSISTENCE_ERROR. Errors already
// carrying a code are returned unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if ErrorCode(err) != "" {
		return err
	}
	return NewErrorf(ErrCodePersistence, "%s: %s", op, err.Error()).WithCause(err)
}

// --- Definition errors ---

// DefinitionErrorKind classifies why a workflow definition was rejected.
type DefinitionErrorKind string

const (
	DefinitionCycle             DefinitionErrorKind = "cycle"
	DefinitionDanglingReference DefinitionErrorKind = "dangling_reference"
	DefinitionDuplicateOrder    DefinitionErrorKind = "duplicate_order"
	DefinitionInvalid           DefinitionErrorKind = "invalid"
)

// DefinitionError is returned at publish time when a definition fails validation.
// Kind is the kind of the first error issue; Issues carries all of them.
type DefinitionError struct {
	Kind     DefinitionErrorKind `json:"kind"`
	Message  string              `json:"message"`
	Issues   []ValidationIssue   `json:"issues,omitempty"`
	Warnings []ValidationIssue   `json:"warnings,omitempty"`
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", ErrCodeDefinition, e.Kind, e.Message)
}

// NewDefinitionError creates a DefinitionError with a single issue at path.
func NewDefinitionError(kind DefinitionErrorKind, path, message string) *DefinitionError {
	return &DefinitionError{
		Kind:    kind,
		Message: message,
		Issues: []ValidationIssue{{
			Path: path, Code: string(kind), Message: message, Severity: SeverityError,
		}},
	}
}

// --- Agent invocation errors ---

// InvocationErrorKind classifies a failed agent invocation.
type InvocationErrorKind string

const (
	InvocationTransport     InvocationErrorKind = "transport"
	InvocationTimeout       InvocationErrorKind = "timeout"
	InvocationRejected      InvocationErrorKind = "rejected"
	InvocationInvalidOutput InvocationErrorKind = "invalid_output"
)

// AgentInvocationError is the classified failure of a single agent call.
type AgentInvocationError struct {
	Kind       InvocationErrorKind `json:"kind"`
	Agent      string              `json:"agent"`
	StatusCode int                 `json:"status_code,omitempty"`
	Message    string              `json:"message"`
	Cause      error               `json:"-"`
}

func (e *AgentInvocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] agent %s: %s", ErrCodeAgentInvocation, e.Agent, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *AgentInvocationError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the invocation may be attempted again.
// Only transport and timeout failures are retried.
func (e *AgentInvocationError) Retryable() bool {
	return e.Kind == InvocationTransport || e.Kind == InvocationTimeout
}

// NewInvocationError creates an AgentInvocationError.
func NewInvocationError(kind InvocationErrorKind, agent, format string, args ...any) *AgentInvocationError {
	return &AgentInvocationError{Kind: kind, Agent: agent, Message: fmt.Sprintf(format, args...)}
}

// InvocationKind returns the invocation error kind carried by err, or "".
func InvocationKind(err error) InvocationErrorKind {
	var ae *AgentInvocationError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
