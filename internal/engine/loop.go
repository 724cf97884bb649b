package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/flowhub/internal/approvals"
	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// run is the stepping loop of one execution. It is the only writer of the
// execution's context and currentStepOrder while it runs. It returns when the
// execution is terminal, suspended, or ctx is cancelled (cancel or shutdown).
func (e *Engine) run(ctx context.Context, executionID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("load execution failed",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID, exec.CorrelationID)
	log := logging.LogWith(ctx, e.logger)

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		e.fail(ctx, exec, schema.Persistence("get workflow", err))
		return
	}
	plan, err := BuildPlan(wf)
	if err != nil {
		e.fail(ctx, exec, err)
		return
	}

	if exec.Status == schema.ExecutionPending {
		if err := e.fsm.Transition(ctx, exec, schema.ExecutionRunning, Change{}); err != nil {
			e.abort(ctx, exec, err)
			return
		}
	}
	if exec.Status != schema.ExecutionRunning {
		return
	}

	if len(exec.PendingGroup) > 0 {
		outcomes, ready, err := e.settle(ctx, exec)
		if err != nil {
			e.abort(ctx, exec, err)
			return
		}
		if !ready {
			// An approval is still open: go back to sleep.
			if err := e.fsm.Transition(ctx, exec, schema.ExecutionAwaitingApproval, Change{}); err != nil {
				e.abort(ctx, exec, err)
			}
			return
		}
		if done := e.commit(ctx, exec, plan, outcomes[0].Order, outcomes); done {
			return
		}
	}

	for {
		group, ok := plan.Next(exec.CurrentStepOrder)
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return
		}

		outcomes := e.runGroup(ctx, exec, plan, group)
		if ctx.Err() != nil {
			log.Info("execution loop interrupted", slog.Int("step_order", group.Order))
			return
		}

		if awaiting(outcomes) && !blocked(plan, outcomes) {
			e.suspend(ctx, exec, plan, group, outcomes)
			return
		}
		if done := e.commit(ctx, exec, plan, group.Order, outcomes); done {
			return
		}
	}

	if err := e.fsm.Transition(ctx, exec, schema.ExecutionCompleted, Change{}); err != nil {
		e.abort(ctx, exec, err)
		return
	}
	log.Info("execution completed")
}

// commit records one log entry per step of the group and persists the
// group boundary. It reports whether the loop must stop.
func (e *Engine) commit(ctx context.Context, exec *store.Execution, plan *Plan, order int, outcomes []store.StepOutcome) bool {
	next := expressions.DeepCopyMap(exec.Context)
	if next == nil {
		next = map[string]any{}
	}
	var failed []string

	for _, oc := range outcomes {
		step, _ := plan.StepByID(oc.StepID)
		policy := schema.OnFailBlock
		if step != nil {
			policy = step.Policy()
		}
		entry := execlog.Entry{
			ExecutionID:   exec.ID,
			CorrelationID: exec.CorrelationID,
			StepOrder:     oc.Order,
			StepID:        oc.StepID,
		}
		switch oc.Status {
		case schema.StepSucceeded:
			next[oc.StepID] = oc.Output
			entry.Level = schema.LevelInfo
			entry.Event = schema.EventStepCompleted
			entry.Message = "step " + oc.StepID + " completed"
			entry.Data = map[string]any{"output": oc.Output}
		case schema.StepSkipped:
			entry.Level = schema.LevelInfo
			entry.Event = schema.EventStepSkipped
			entry.Message = "step " + oc.StepID + " skipped"
			if oc.Error != "" {
				entry.Message += ": " + oc.Error
			}
		case schema.StepAwaitingApproval:
			// The group is blocked, so the held output is never committed
			// and no approval is opened for it.
			entry.Level = schema.LevelWarn
			entry.Event = schema.EventStepAbandoned
			entry.Message = "step " + oc.StepID + " not committed: order group blocked by a failed step"
			entry.Data = map[string]any{"output": oc.Output}
		default:
			entry.Event = schema.EventStepFailed
			entry.Message = "step " + oc.StepID + " failed: " + oc.Error
			entry.Data = failureData(oc, policy)
			switch policy {
			case schema.OnFailWarn:
				entry.Level = schema.LevelWarn
				next[oc.StepID] = map[string]any{}
			case schema.OnFailContinue:
				entry.Level = schema.LevelInfo
			default:
				entry.Level = schema.LevelError
				failed = append(failed, oc.StepID)
			}
		}
		e.recorder.Record(ctx, entry)
	}

	if len(failed) > 0 {
		msg := fmt.Sprintf("step %s failed at order %d", strings.Join(failed, ", "), order)
		if len(failed) > 1 {
			msg = fmt.Sprintf("steps %s failed at order %d", strings.Join(failed, ", "), order)
		}
		empty := []store.StepOutcome{}
		err := e.fsm.Transition(ctx, exec, schema.ExecutionFailed, Change{
			Context:          next,
			CurrentStepOrder: &order,
			PendingGroup:     &empty,
			Error:            msg,
			Data:             map[string]any{"failed_steps": failed},
		})
		if err != nil {
			e.abort(ctx, exec, err)
		}
		return true
	}

	empty := []store.StepOutcome{}
	err := e.store.UpdateExecution(ctx, exec.ID, []schema.ExecutionStatus{schema.ExecutionRunning}, store.ExecutionUpdate{
		Context:          next,
		CurrentStepOrder: &order,
		PendingGroup:     &empty,
	})
	if err != nil {
		e.abort(ctx, exec, schema.Persistence("commit step group", err))
		return true
	}
	exec.Context = next
	exec.CurrentStepOrder = order
	exec.PendingGroup = nil
	return false
}

// suspend opens one approval per gated step, then persists the group and
// moves the execution to awaiting_approval.
func (e *Engine) suspend(ctx context.Context, exec *store.Execution, plan *Plan, group Group, outcomes []store.StepOutcome) {
	for i := range outcomes {
		oc := &outcomes[i]
		if oc.Status != schema.StepAwaitingApproval {
			continue
		}
		step, _ := plan.StepByID(oc.StepID)
		a, err := e.approvals.Request(ctx, approvals.Request{
			ExecutionID: exec.ID,
			StepID:      oc.StepID,
			StepOrder:   oc.Order,
			Output:      oc.Output,
			Window:      step.ApprovalWindow(e.cfg.DefaultApprovalTimeout),
		})
		if err != nil {
			e.abort(ctx, exec, err)
			return
		}
		oc.ApprovalID = a.ID
		e.recorder.Record(ctx, execlog.Entry{
			ExecutionID:   exec.ID,
			CorrelationID: exec.CorrelationID,
			StepOrder:     oc.Order,
			StepID:        oc.StepID,
			Level:         schema.LevelInfo,
			Event:         schema.EventApprovalRequested,
			Message:       "step " + oc.StepID + " awaiting approval",
			Data: map[string]any{
				"approval_id": a.ID,
				"expires_at":  a.ExpiresAt,
			},
		})
	}

	pending := outcomes
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionAwaitingApproval, Change{
		PendingGroup: &pending,
		Data:         map[string]any{"step_order": group.Order},
	}); err != nil {
		e.abort(ctx, exec, err)
		return
	}

	// A response may have landed before the status change; its wake-up was a no-op.
	if err := e.Resume(context.WithoutCancel(ctx), exec.ID); err != nil {
		logging.LogWith(ctx, e.logger).Error("post-suspend resume check failed", slog.String("error", err.Error()))
	}
}

// settle turns the gated outcomes of a suspended group into final ones once
// their approvals are resolved. ready is false while any approval is open.
func (e *Engine) settle(ctx context.Context, exec *store.Execution) ([]store.StepOutcome, bool, error) {
	outcomes := make([]store.StepOutcome, len(exec.PendingGroup))
	copy(outcomes, exec.PendingGroup)
	for i := range outcomes {
		oc := &outcomes[i]
		if oc.Status != schema.StepAwaitingApproval {
			continue
		}
		a, err := e.store.GetApproval(ctx, oc.ApprovalID)
		if err != nil {
			return nil, false, schema.Persistence("get approval", err)
		}
		switch a.Status {
		case schema.ApprovalApproved:
			oc.Status = schema.StepSucceeded
		case schema.ApprovalRejected:
			oc.Status = schema.StepFailed
			oc.Output = nil
			oc.Error = "approval rejected"
			if a.Reason != "" {
				oc.Error += ": " + a.Reason
			}
		case schema.ApprovalExpired:
			oc.Status = schema.StepFailed
			oc.Output = nil
			oc.Error = schema.NewErrorf(schema.ErrCodeApprovalTimeout,
				"approval %s expired at %s", a.ID, a.ExpiresAt.UTC().Format(time.RFC3339)).Error()
		default:
			return nil, false, nil
		}
	}
	return outcomes, true, nil
}

// abort handles an error that stops the loop. A CONFLICT means another
// writer moved the execution (cancel) and is not an error of this run.
// Anything else fails the execution with the error text stored verbatim.
func (e *Engine) abort(ctx context.Context, exec *store.Execution, err error) {
	if schema.IsCode(err, schema.ErrCodeConflict) {
		logging.LogWith(ctx, e.logger).Info("execution changed concurrently, loop stopped",
			slog.String("reason", err.Error()))
		return
	}
	if ctx.Err() != nil {
		return
	}
	e.fail(ctx, exec, err)
}

// fail marks exec failed on a best-effort basis.
func (e *Engine) fail(ctx context.Context, exec *store.Execution, cause error) {
	log := logging.LogWith(ctx, e.logger)
	log.Error("execution failed", slog.String("error", cause.Error()))

	ctx = context.WithoutCancel(ctx)
	for attempt := 0; attempt < 3; attempt++ {
		if exec.Status.Terminal() {
			return
		}
		err := e.fsm.Transition(ctx, exec, schema.ExecutionFailed, Change{Error: cause.Error()})
		if err == nil {
			return
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			log.Error("could not record execution failure", slog.String("error", err.Error()))
			return
		}
		fresh, getErr := e.store.GetExecution(ctx, exec.ID)
		if getErr != nil {
			log.Error("could not record execution failure", slog.String("error", getErr.Error()))
			return
		}
		*exec = *fresh
	}
}

func awaiting(outcomes []store.StepOutcome) bool {
	for _, oc := range outcomes {
		if oc.Status == schema.StepAwaitingApproval {
			return true
		}
	}
	return false
}

// blocked reports whether a step failed under the block policy. Such a group
// fails the execution without opening approvals for its siblings.
func blocked(plan *Plan, outcomes []store.StepOutcome) bool {
	for _, oc := range outcomes {
		if oc.Status != schema.StepFailed {
			continue
		}
		if step, ok := plan.StepByID(oc.StepID); !ok || step.Policy() == schema.OnFailBlock {
			return true
		}
	}
	return false
}

func failureData(oc store.StepOutcome, policy schema.OnFail) map[string]any {
	data := map[string]any{"error": oc.Error, "on_fail": string(policy)}
	if oc.ErrorKind != "" {
		data["error_kind"] = string(oc.ErrorKind)
	}
	if oc.ApprovalID != "" {
		data["approval_id"] = oc.ApprovalID
	}
	return data
}
