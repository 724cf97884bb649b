package engine

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowhub/internal/agents"
	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

const siblingCancelled = "cancelled by sibling failure"

var errBlockingFailure = errors.New("blocking step failure")

// runGroup executes every member of group concurrently, bounded by the
// fan-out limit, against one frozen snapshot of the execution context.
// Outcomes come back in group order.
func (e *Engine) runGroup(ctx context.Context, exec *store.Execution, plan *Plan, group Group) []store.StepOutcome {
	scope := expressions.NewScope(exec.Context, map[string]any{
		"id":             exec.ID,
		"workflow_id":    exec.WorkflowID,
		"correlation_id": exec.CorrelationID,
	})
	outcomes := make([]store.StepOutcome, len(group.Steps))

	var g *errgroup.Group
	gctx := ctx
	if e.cfg.FanOutPolicy == FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
	}
	g.SetLimit(e.cfg.MaxFanOut)

	for i, idx := range group.Steps {
		step := plan.Step(idx)
		g.Go(func() error {
			oc, interrupted := e.runStep(gctx, exec, step, scope)
			if interrupted && ctx.Err() == nil {
				oc = store.StepOutcome{
					StepID:    step.ID,
					Order:     step.Order,
					Status:    schema.StepFailed,
					Error:     siblingCancelled,
					ErrorKind: schema.InvocationTransport,
				}
			}
			outcomes[i] = oc
			if oc.Status == schema.StepFailed && step.Policy() == schema.OnFailBlock && !interrupted {
				return errBlockingFailure
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// runStep evaluates, invokes and transforms one step. interrupted is true
// when ctx was cancelled before or during the invocation.
func (e *Engine) runStep(ctx context.Context, exec *store.Execution, step *schema.StepDefinition, scope *expressions.Scope) (store.StepOutcome, bool) {
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, e.logger)
	oc := store.StepOutcome{StepID: step.ID, Order: step.Order}

	if ctx.Err() != nil {
		oc.Status = schema.StepFailed
		oc.Error = ctx.Err().Error()
		return oc, true
	}

	if step.Condition != "" {
		ok, err := e.conditions.EvaluateBool(ctx, step.Condition, scope.Activation())
		if err != nil {
			log.Warn("step condition errored, skipping", slog.String("error", err.Error()))
			oc.Status = schema.StepSkipped
			oc.Error = "condition error: " + err.Error()
			return oc, false
		}
		if !ok {
			oc.Status = schema.StepSkipped
			oc.Error = "condition is false"
			return oc, false
		}
	}

	var input any
	if step.Input != nil {
		resolved, err := e.interp.Resolve(step.Input, scope)
		if err != nil {
			oc.Status = schema.StepFailed
			oc.Error = err.Error()
			return oc, false
		}
		input = resolved
	}

	out, err := e.agents.Invoke(ctx, agents.Call{
		Agent:         step.Agent,
		Input:         input,
		CorrelationID: exec.CorrelationID,
		Timeout:       step.InvocationTimeout(e.cfg.DefaultStepTimeout),
		OnRetry: func(n agents.RetryNotice) {
			e.recorder.Emit(ctx, exec.ID, exec.CorrelationID, schema.EventStepRetrying, map[string]any{
				"step_id":  step.ID,
				"agent":    n.Agent,
				"attempt":  n.Attempt,
				"delay_ms": n.Delay.Milliseconds(),
				"error":    n.Err.Error(),
			})
		},
	})
	if err != nil {
		oc.Status = schema.StepFailed
		oc.Error = err.Error()
		oc.ErrorKind = schema.InvocationKind(err)
		return oc, schema.IsCode(err, schema.ErrCodeCancelled) || ctx.Err() != nil
	}

	if step.Output != "" {
		transformed, err := e.transforms.Transform(ctx, step.Output, out)
		if err != nil {
			oc.Status = schema.StepFailed
			oc.Error = "output transform: " + err.Error()
			oc.ErrorKind = schema.InvocationInvalidOutput
			return oc, false
		}
		out = transformed
	}

	oc.Output = out
	if step.ApprovalRequired {
		oc.Status = schema.StepAwaitingApproval
	} else {
		oc.Status = schema.StepSucceeded
	}
	return oc, false
}
