package store

import (
	"context"
	"time"

	"github.com/rendis/flowhub/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (immutable after publish)
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	LatestWorkflowVersion(ctx context.Context, name string) (int, error)
	SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error

	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	FindActiveExecution(ctx context.Context, workflowID, correlationID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	UpdateExecution(ctx context.Context, id string, expect []schema.ExecutionStatus, update ExecutionUpdate) error

	// Execution logs (append-only)
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, executionID string) ([]*LogEntry, error)

	// Approvals
	CreateApproval(ctx context.Context, approval *Approval) (*Approval, error)
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)
	ResolveApproval(ctx context.Context, id string, status schema.ApprovalStatus, respondedBy, reason string, at time.Time) (*Approval, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}
