package schema

import (
	"fmt"
	"time"
)

// OnFail is the per-step directive applied after a step fails.
type OnFail string

const (
	OnFailBlock    OnFail = "block"
	OnFailWarn     OnFail = "warn"
	OnFailContinue OnFail = "continue"
)

// Valid reports whether p is a known policy. The empty value means block.
func (p OnFail) Valid() bool {
	switch p {
	case "", OnFailBlock, OnFailWarn, OnFailContinue:
		return true
	}
	return false
}

// ReservedTriggerKey is the context key under which the trigger payload is seeded.
const ReservedTriggerKey = "trigger"

// WorkflowDefinition is the publishable definition of a workflow.
type WorkflowDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     TriggerDefinition `json:"trigger" yaml:"trigger"`
	Steps       []StepDefinition  `json:"steps" yaml:"steps"`
}

// TriggerDefinition binds a workflow to bus subjects.
type TriggerDefinition struct {
	Subject   string `json:"subject" yaml:"subject"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// StepDefinition describes a single agent invocation inside a workflow.
type StepDefinition struct {
	ID               string         `json:"id,omitempty" yaml:"id,omitempty"`
	Order            int            `json:"order" yaml:"order"`
	Agent            string         `json:"agent" yaml:"agent"`
	Input            map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Condition        string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	OnFail           OnFail         `json:"onFail,omitempty" yaml:"onFail,omitempty"`
	Parallel         bool           `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	ApprovalRequired bool           `json:"approvalRequired,omitempty" yaml:"approvalRequired,omitempty"`
	Timeout          string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ApprovalTimeout  string         `json:"approvalTimeout,omitempty" yaml:"approvalTimeout,omitempty"`
	Output           string         `json:"output,omitempty" yaml:"output,omitempty"`
}

// Policy returns the effective failure policy (block when unset).
func (s *StepDefinition) Policy() OnFail {
	if s.OnFail == "" {
		return OnFailBlock
	}
	return s.OnFail
}

// InvocationTimeout returns the parsed step timeout, or def when unset.
func (s *StepDefinition) InvocationTimeout(def time.Duration) time.Duration {
	return durationOr(s.Timeout, def)
}

// ApprovalWindow returns the parsed approval timeout, or def when unset.
func (s *StepDefinition) ApprovalWindow(def time.Duration) time.Duration {
	return durationOr(s.ApprovalTimeout, def)
}

func durationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// DefaultStepID derives the id of a step that was published without one.
// position is the 1-based index of the step inside its parallel band.
func DefaultStepID(order int, parallel bool, position int) string {
	if parallel {
		return fmt.Sprintf("step%d_%d", order, position)
	}
	return fmt.Sprintf("step%d", order)
}
