// Package engine drives workflow executions: it walks the order-banded plan
// of a workflow, runs each group of steps concurrently, commits outputs at
// group boundaries and suspends durably on approval gates.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/flowhub/internal/agents"
	"github.com/rendis/flowhub/internal/approvals"
	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

const meterName = "github.com/rendis/flowhub/internal/engine"

// FanOutPolicy decides what happens to the rest of a group when one of its
// blocking steps fails.
type FanOutPolicy string

const (
	// WaitAll lets every member of the group run to completion.
	WaitAll FanOutPolicy = "wait_all"
	// FailFast cancels the remaining members on the first blocking failure.
	FailFast FanOutPolicy = "fail_fast"
)

// Config holds the engine tunables.
type Config struct {
	MaxConcurrentExecutions int
	MaxFanOut               int
	FanOutPolicy            FanOutPolicy
	DefaultStepTimeout      time.Duration
	DefaultApprovalTimeout  time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 16,
		MaxFanOut:               8,
		FanOutPolicy:            WaitAll,
		DefaultStepTimeout:      60 * time.Second,
		DefaultApprovalTimeout:  24 * time.Hour,
	}
}

// AgentCaller performs one logical agent invocation, retries included.
// *agents.Client satisfies it.
type AgentCaller interface {
	Invoke(ctx context.Context, call agents.Call) (any, error)
}

// Deps are the collaborators of the engine.
type Deps struct {
	Store     store.Store
	Agents    AgentCaller
	Approvals *approvals.Manager
	Recorder  *execlog.Recorder
	Logger    *slog.Logger
}

// ExecutionView is an execution together with its log and approvals.
type ExecutionView struct {
	*store.Execution
	Logs      []*store.LogEntry `json:"logs"`
	Approvals []*store.Approval `json:"approvals,omitempty"`
}

// Engine is the execution coordinator.
type Engine struct {
	cfg       Config
	store     store.Store
	agents    AgentCaller
	approvals *approvals.Manager
	recorder  *execlog.Recorder
	logger    *slog.Logger

	fsm        *ExecutionFSM
	pool       *WorkerPool
	conditions *expressions.CELEngine
	transforms *expressions.GoJQEngine
	interp     *expressions.Interpolator
	finished   metric.Int64Counter
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
}

// New creates an Engine and registers it as the approval waker.
func New(cfg Config, deps Deps) (*Engine, error) {
	def := DefaultConfig()
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = def.MaxConcurrentExecutions
	}
	if cfg.MaxFanOut <= 0 {
		cfg.MaxFanOut = def.MaxFanOut
	}
	if cfg.FanOutPolicy == "" {
		cfg.FanOutPolicy = def.FanOutPolicy
	}
	if cfg.FanOutPolicy != WaitAll && cfg.FanOutPolicy != FailFast {
		return nil, fmt.Errorf("unknown fan-out policy %q", cfg.FanOutPolicy)
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = def.DefaultStepTimeout
	}
	if cfg.DefaultApprovalTimeout <= 0 {
		cfg.DefaultApprovalTimeout = def.DefaultApprovalTimeout
	}
	if deps.Store == nil || deps.Agents == nil || deps.Approvals == nil {
		return nil, fmt.Errorf("engine requires a store, an agent caller and an approval manager")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = execlog.NewRecorder(deps.Store, nil, "", logger)
	}

	conditions, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	finished, err := otel.Meter(meterName).Int64Counter("flowhub.executions.finished",
		metric.WithDescription("Executions that reached a terminal status"))
	if err != nil {
		logger.Warn("execution counter unavailable", slog.String("error", err.Error()))
	}

	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		agents:     deps.Agents,
		approvals:  deps.Approvals,
		recorder:   deps.Recorder,
		logger:     logger,
		fsm:        NewExecutionFSM(deps.Store, deps.Recorder),
		conditions: conditions,
		transforms: expressions.NewGoJQEngine(),
		interp:     expressions.NewInterpolator(),
		finished:   finished,
		now:        time.Now,
		baseCtx:    baseCtx,
		stop:       stop,
	}
	e.pool = NewWorkerPool(cfg.MaxConcurrentExecutions, e.onPanic)

	for from := range ValidTransitions {
		for _, to := range ValidTransitions[from] {
			if to.Terminal() {
				e.fsm.OnAfter(from, to, e.countFinished)
			}
		}
	}
	deps.Approvals.SetWaker(e)
	return e, nil
}

func (e *Engine) countFinished(ctx context.Context, _ *store.Execution, _, to schema.ExecutionStatus) error {
	if e.finished != nil {
		e.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	}
	return nil
}

// Submit creates an execution of wf seeded with payload under the trigger
// key and starts it. When a non-terminal execution already exists for
// (wf, correlationID) that execution is returned with created=false.
func (e *Engine) Submit(ctx context.Context, wf *store.Workflow, payload map[string]any, correlationID string) (*store.Execution, bool, error) {
	if wf == nil {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if wf.Status != schema.WorkflowActive {
		return nil, false, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is %s", wf.ID, wf.Status).
			WithDetails(map[string]any{"workflow_id": wf.ID, "status": string(wf.Status)})
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	if payload == nil {
		payload = map[string]any{}
	}

	exec := &store.Execution{
		ID:            uuid.New().String(),
		WorkflowID:    wf.ID,
		Status:        schema.ExecutionPending,
		CorrelationID: correlationID,
		Context:       map[string]any{schema.ReservedTriggerKey: expressions.DeepCopyMap(payload)},
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, false, schema.Persistence("create execution", err)
		}
		existing, findErr := e.store.FindActiveExecution(ctx, wf.ID, correlationID)
		if findErr != nil {
			// The active execution finished between the insert and the lookup.
			return nil, false, err
		}
		logging.LogWith(logging.WithExecution(ctx, existing.ID, wf.ID, correlationID), e.logger).
			Info("duplicate trigger ignored")
		return existing, false, nil
	}

	logging.LogWith(logging.WithExecution(ctx, exec.ID, wf.ID, correlationID), e.logger).
		Info("execution created", slog.String("workflow", wf.Name), slog.Int("version", wf.Version))
	e.Start(exec.ID)
	return exec, true, nil
}

// Start schedules the stepping loop of an execution and returns immediately.
func (e *Engine) Start(executionID string) {
	ok := e.pool.Go(e.baseCtx, executionID, func(ctx context.Context) {
		e.run(ctx, executionID)
	})
	if !ok {
		e.logger.Warn("engine is shut down, execution not started", slog.String("execution_id", executionID))
	}
}

// Resume re-awakens an execution suspended on approvals. It does nothing
// unless the execution is awaiting approval and every approval of the
// suspended group is resolved. Concurrent callers race on a compare-and-set
// and only the winner restarts the loop.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return schema.Persistence("get execution", err)
	}
	if exec.Status != schema.ExecutionAwaitingApproval {
		return nil
	}
	for _, oc := range exec.PendingGroup {
		if oc.Status != schema.StepAwaitingApproval {
			continue
		}
		a, err := e.store.GetApproval(ctx, oc.ApprovalID)
		if err != nil {
			return schema.Persistence("get approval", err)
		}
		if !a.Status.Terminal() {
			return nil
		}
	}

	err = e.fsm.Transition(ctx, exec, schema.ExecutionRunning, Change{})
	if schema.IsCode(err, schema.ErrCodeConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	e.Start(executionID)
	return nil
}

// Cancel moves a non-terminal execution to cancelled and aborts its in-flight
// agent calls. Cancelling a terminal execution returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	for {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, schema.Persistence("get execution", err)
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		err = e.fsm.Transition(ctx, exec, schema.ExecutionCancelled, Change{})
		if schema.IsCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.pool.Cancel(executionID)
		logging.LogWith(logging.WithExecution(ctx, exec.ID, exec.WorkflowID, exec.CorrelationID), e.logger).
			Info("execution cancelled")
		return exec, nil
	}
}

// Recover restarts executions left pending or running by a previous process
// and re-checks those awaiting approval. It returns how many were restarted.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Statuses: schema.ActiveExecutionStatuses})
	if err != nil {
		return 0, schema.Persistence("list active executions", err)
	}
	restarted := 0
	for _, exec := range active {
		switch exec.Status {
		case schema.ExecutionPending, schema.ExecutionRunning:
			e.Start(exec.ID)
			restarted++
		case schema.ExecutionAwaitingApproval:
			if err := e.Resume(ctx, exec.ID); err != nil {
				e.logger.Error("resume on recovery failed",
					slog.String("execution_id", exec.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if len(active) > 0 {
		e.logger.Info("executions recovered", slog.Int("restarted", restarted), slog.Int("active", len(active)))
	}
	return restarted, nil
}

// Get returns an execution with its log and approvals.
func (e *Engine) Get(ctx context.Context, executionID string) (*ExecutionView, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, schema.Persistence("get execution", err)
	}
	logs, err := e.store.ListLogs(ctx, executionID)
	if err != nil {
		return nil, schema.Persistence("list execution logs", err)
	}
	approvals, err := e.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: executionID})
	if err != nil {
		return nil, schema.Persistence("list approvals", err)
	}
	if logs == nil {
		logs = []*store.LogEntry{}
	}
	return &ExecutionView{Execution: exec, Logs: logs, Approvals: approvals}, nil
}

// List returns executions matching filter.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	list, err := e.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, schema.Persistence("list executions", err)
	}
	return list, nil
}

// Metrics returns the worker pool metrics.
func (e *Engine) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting work, cancels running loops and waits for them.
// Interrupted executions stay running and are picked up by Recover.
func (e *Engine) Shutdown() {
	e.stop()
	e.pool.Shutdown()
}

func (e *Engine) onPanic(executionID string, recovered any) {
	e.logger.Error("execution loop panicked",
		slog.String("execution_id", executionID),
		slog.Any("panic", recovered),
	)
	ctx := context.Background()
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec.Status.Terminal() {
		return
	}
	_ = e.fsm.Transition(ctx, exec, schema.ExecutionFailed, Change{Error: fmt.Sprintf("internal error: %v", recovered)})
}
