package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// TransitionHook is called after a successful execution transition.
type TransitionHook func(ctx context.Context, exec *store.Execution, from, to schema.ExecutionStatus) error

type transitionKey struct {
	from, to schema.ExecutionStatus
}

// Change carries the fields persisted together with a status transition.
type Change struct {
	Context          map[string]any
	CurrentStepOrder *int
	PendingGroup     *[]store.StepOutcome
	Error            string
	Data             any
}

// ExecutionFSM validates execution transitions, persists them with a
// compare-and-set on the current status and records the lifecycle entry.
type ExecutionFSM struct {
	store    store.Store
	recorder *execlog.Recorder
	now      func() time.Time

	mu    sync.RWMutex
	after map[transitionKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM. recorder may be nil.
func NewExecutionFSM(s store.Store, recorder *execlog.Recorder) *ExecutionFSM {
	return &ExecutionFSM{
		store:    s,
		recorder: recorder,
		now:      time.Now,
		after:    make(map[transitionKey][]TransitionHook),
	}
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves exec from its current status to to. The store update only
// applies while the persisted status still equals exec.Status; a concurrent
// writer makes it fail with CONFLICT. On success exec is updated in place.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, change Change) error {
	from := exec.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	now := f.now().UTC()
	update := store.ExecutionUpdate{
		Status:           &to,
		Context:          change.Context,
		CurrentStepOrder: change.CurrentStepOrder,
		PendingGroup:     change.PendingGroup,
	}
	if change.Error != "" {
		update.Error = &change.Error
	}
	if from == schema.ExecutionPending && to == schema.ExecutionRunning {
		update.StartedAt = &now
	}
	if to.Terminal() {
		update.CompletedAt = &now
	}

	if err := f.store.UpdateExecution(ctx, exec.ID, []schema.ExecutionStatus{from}, update); err != nil {
		return schema.Persistence("transition execution", err)
	}

	exec.Status = to
	exec.UpdatedAt = now
	if change.Context != nil {
		exec.Context = change.Context
	}
	if change.CurrentStepOrder != nil {
		exec.CurrentStepOrder = *change.CurrentStepOrder
	}
	if change.PendingGroup != nil {
		exec.PendingGroup = *change.PendingGroup
	}
	if change.Error != "" {
		exec.Error = change.Error
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}

	f.record(ctx, exec, from, to, change)

	f.mu.RLock()
	hooks := f.after[transitionKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, exec, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (f *ExecutionFSM) record(ctx context.Context, exec *store.Execution, from, to schema.ExecutionStatus, change Change) {
	if f.recorder == nil {
		return
	}
	event := lifecycleEvent(from, to)
	if event == "" {
		return
	}
	level := schema.LevelInfo
	msg := "execution " + string(to)
	switch event {
	case schema.EventExecutionStarted:
		msg = "execution started"
	case schema.EventExecutionResumed:
		msg = "execution resumed"
	case schema.EventExecutionAwaitingApproval:
		msg = "execution awaiting approval"
	case schema.EventExecutionFailed:
		level = schema.LevelError
		if change.Error != "" {
			msg = "execution failed: " + change.Error
		}
	}
	f.recorder.Record(ctx, execlog.Entry{
		ExecutionID:   exec.ID,
		CorrelationID: exec.CorrelationID,
		Level:         level,
		Event:         event,
		Message:       msg,
		Data:          change.Data,
	})
}

func lifecycleEvent(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionAwaitingApproval {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionAwaitingApproval:
		return schema.EventExecutionAwaitingApproval
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	}
	return ""
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidTransitions defines the allowed execution state transitions.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:          {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionRunning:          {schema.ExecutionAwaitingApproval, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionAwaitingApproval: {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionCompleted:        {},
	schema.ExecutionFailed:           {},
	schema.ExecutionCancelled:        {},
}
