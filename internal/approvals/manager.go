// Package approvals implements the human sign-off gate of approval-required
// steps: pending -> approved | rejected | expired, each transition exactly once.
package approvals

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// Waker re-awakens an execution suspended on approvals.
type Waker interface {
	Resume(ctx context.Context, executionID string) error
}

// Request describes a new approval for a step whose output awaits sign-off.
type Request struct {
	ExecutionID string
	StepID      string
	StepOrder   int
	Output      any
	Window      time.Duration
}

// Manager creates, resolves and expires approval requests.
type Manager struct {
	store    store.Store
	recorder *execlog.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	waker Waker
}

// NewManager creates a Manager. The waker is attached later with SetWaker
// because the engine itself depends on the Manager.
func NewManager(s store.Store, recorder *execlog.Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, recorder: recorder, logger: logger, now: time.Now}
}

// SetWaker sets the callback invoked after each terminal transition.
func (m *Manager) SetWaker(w Waker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waker = w
}

// Request creates the approval for (execution, step) or returns the existing one.
func (m *Manager) Request(ctx context.Context, req Request) (*store.Approval, error) {
	var output json.RawMessage
	if req.Output != nil {
		b, err := json.Marshal(req.Output)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "approval output is not serializable").WithCause(err)
		}
		output = b
	}
	now := m.now().UTC()
	a, err := m.store.CreateApproval(ctx, &store.Approval{
		ID:          uuid.New().String(),
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		StepOrder:   req.StepOrder,
		Status:      schema.ApprovalPending,
		Output:      output,
		RequestedAt: now,
		ExpiresAt:   now.Add(req.Window),
	})
	if err != nil {
		return nil, schema.Persistence("create approval", err)
	}
	return a, nil
}

// Get returns an approval by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Approval, error) {
	a, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, schema.Persistence("get approval", err)
	}
	return a, nil
}

// List returns approvals matching filter.
func (m *Manager) List(ctx context.Context, filter store.ApprovalFilter) ([]*store.Approval, error) {
	list, err := m.store.ListApprovals(ctx, filter)
	if err != nil {
		return nil, schema.Persistence("list approvals", err)
	}
	return list, nil
}

// Respond records an external decision. A second response on the same
// request fails with ALREADY_RESPONDED.
func (m *Manager) Respond(ctx context.Context, id string, d schema.Decision) (*store.Approval, error) {
	if d.Decision != schema.ApprovalApproved && d.Decision != schema.ApprovalRejected {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"decision must be %q or %q, got %q", schema.ApprovalApproved, schema.ApprovalRejected, d.Decision)
	}
	return m.resolve(ctx, id, d.Decision, d.RespondedBy, d.Reason)
}

// Sweep expires every pending request past its deadline and returns how many
// this call expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	pending, err := m.store.ListApprovals(ctx, store.ApprovalFilter{Status: schema.ApprovalPending})
	if err != nil {
		return 0, schema.Persistence("list pending approvals", err)
	}

	now := m.now().UTC()
	expired := 0
	for _, a := range pending {
		if a.ExpiresAt.After(now) {
			continue
		}
		_, err := m.resolve(ctx, a.ID, schema.ApprovalExpired, "system", "approval window elapsed")
		switch {
		case err == nil:
			expired++
		case schema.IsCode(err, schema.ErrCodeAlreadyResponded):
			// Lost the race to a concurrent response.
		default:
			m.logger.Error("approval expiry failed",
				slog.String("approval_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return expired, nil
}

// resolve performs the compare-and-set and, for the single winner, emits the
// resolution and wakes the owning execution.
func (m *Manager) resolve(ctx context.Context, id string, status schema.ApprovalStatus, by, reason string) (*store.Approval, error) {
	a, err := m.store.ResolveApproval(ctx, id, status, by, reason, m.now().UTC())
	if err != nil {
		return a, schema.Persistence("resolve approval", err)
	}

	exec, err := m.store.GetExecution(ctx, a.ExecutionID)
	corr := ""
	if err == nil {
		corr = exec.CorrelationID
	}
	ctx = logging.WithExecution(logging.WithStepID(ctx, a.StepID), a.ExecutionID, "", corr)
	log := logging.LogWith(ctx, m.logger)
	log.Info("approval resolved",
		slog.String("approval_id", a.ID),
		slog.String("status", string(a.Status)),
		slog.String("responded_by", a.RespondedBy),
	)
	if m.recorder != nil {
		m.recorder.Emit(ctx, a.ExecutionID, corr, schema.EventApprovalResolved, map[string]any{
			"approval_id":  a.ID,
			"step_id":      a.StepID,
			"status":       a.Status,
			"responded_by": a.RespondedBy,
		})
	}

	m.mu.RLock()
	waker := m.waker
	m.mu.RUnlock()
	if waker != nil {
		if err := waker.Resume(ctx, a.ExecutionID); err != nil {
			log.Error("execution resume after approval failed", slog.String("error", err.Error()))
		}
	}
	return a, nil
}
