package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowhub/pkg/schema"
)

// Workflow is a published workflow definition. Definition is stored normalized:
// step ids filled in and steps sorted by order.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Version     int                       `json:"version"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Status      schema.WorkflowStatus     `json:"status"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// TriggerSubject returns the subject pattern the workflow listens on.
func (w *Workflow) TriggerSubject() string {
	return w.Definition.Trigger.Subject
}

// Agent is a registered agent and its invocation descriptor.
type Agent struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Capabilities []string         `json:"capabilities"`
	Transport    schema.Transport `json:"transport"`
	OutputSchema json.RawMessage  `json:"output_schema,omitempty"`
	Active       bool             `json:"active"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// HasCapability reports whether the agent advertises capability c.
func (a *Agent) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Execution is a single run of a workflow.
type Execution struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	Status           schema.ExecutionStatus `json:"status"`
	CorrelationID    string                 `json:"correlation_id"`
	Context          map[string]any         `json:"context"`
	CurrentStepOrder int                    `json:"current_step_order"`
	PendingGroup     []StepOutcome          `json:"pending_group,omitempty"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// StepOutcome is the result of one step of a group. Outcomes of a suspended
// group are persisted until every approval in it is resolved.
type StepOutcome struct {
	StepID     string                     `json:"step_id"`
	Order      int                        `json:"order"`
	Status     schema.StepStatus          `json:"status"`
	Output     any                        `json:"output,omitempty"`
	Error      string                     `json:"error,omitempty"`
	ErrorKind  schema.InvocationErrorKind `json:"error_kind,omitempty"`
	ApprovalID string                     `json:"approval_id,omitempty"`
}

// ExecutionUpdate holds optional fields for a compare-and-set execution update.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status           *schema.ExecutionStatus
	Context          map[string]any
	CurrentStepOrder *int
	PendingGroup     *[]StepOutcome
	Error            *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// LogEntry is an immutable ExecutionLog line.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	StepOrder   int             `json:"step_order"`
	StepID      string          `json:"step_id,omitempty"`
	Level       schema.LogLevel `json:"level"`
	Event       string          `json:"event"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Approval is a human sign-off request for one step of an execution.
type Approval struct {
	ID          string                `json:"id"`
	ExecutionID string                `json:"execution_id"`
	StepID      string                `json:"step_id"`
	StepOrder   int                   `json:"step_order"`
	Status      schema.ApprovalStatus `json:"status"`
	Output      json.RawMessage       `json:"output,omitempty"`
	RequestedAt time.Time             `json:"requested_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	RespondedAt *time.Time            `json:"responded_at,omitempty"`
	RespondedBy string                `json:"responded_by,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus
	Name   string
	Limit  int
}

// AgentFilter specifies criteria for listing agents.
type AgentFilter struct {
	Capability string
	ActiveOnly bool
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string
	Statuses   []schema.ExecutionStatus
	Limit      int
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	ExecutionID string
	Status      schema.ApprovalStatus
	Limit       int
}
