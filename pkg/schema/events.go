package schema

// Event type constants. Each ExecutionLog entry and lifecycle transition is
// published under <hubPrefix>.workflow.<executionId>.<event>.
const (
	EventExecutionStarted          = "execution_started"
	EventExecutionResumed          = "execution_resumed"
	EventExecutionAwaitingApproval = "execution_awaiting_approval"
	EventExecutionCompleted        = "execution_completed"
	EventExecutionFailed           = "execution_failed"
	EventExecutionCancelled        = "execution_cancelled"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepAbandoned = "step_abandoned"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionCancelled        ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	return s.Terminal() || s == ExecutionPending || s == ExecutionRunning || s == ExecutionAwaitingApproval
}

// ActiveExecutionStatuses lists the non-terminal statuses.
var ActiveExecutionStatuses = []ExecutionStatus{
	ExecutionPending, ExecutionRunning, ExecutionAwaitingApproval,
}

// WorkflowStatus is the publish state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowActive  WorkflowStatus = "active"
	WorkflowRetired WorkflowStatus = "retired"
)

// ApprovalStatus represents the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the approval has been resolved.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// StepStatus is the outcome of a single step inside a group.
type StepStatus string

const (
	StepSucceeded        StepStatus = "succeeded"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
	StepAwaitingApproval StepStatus = "awaiting_approval"
)

// LogLevel is the severity of an ExecutionLog entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)
