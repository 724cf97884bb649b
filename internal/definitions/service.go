package definitions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/validation"
	"github.com/rendis/flowhub/pkg/schema"
)

// ChangeListener is notified after the active workflow set changes.
type ChangeListener func(ctx context.Context)

// Service publishes, reads and retires workflow definitions.
// Published workflows are immutable; republishing a name creates a new version.
type Service struct {
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger

	// publishMu serializes version assignment.
	publishMu sync.Mutex

	mu        sync.RWMutex
	listeners []ChangeListener
}

// NewService creates a definitions Service.
func NewService(s store.Store, v *validation.WorkflowValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, validator: v, logger: logger}
}

// OnChange registers fn to run after every publish or retire.
func (s *Service) OnChange(fn ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Validate normalizes and validates def without persisting it.
func (s *Service) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}

// Create validates def and publishes it as the next version of its name.
// A rejected definition returns *schema.DefinitionError.
func (s *Service) Create(ctx context.Context, def *schema.WorkflowDefinition) (*store.Workflow, error) {
	result := s.validator.Validate(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		s.logger.Warn("workflow definition warning",
			slog.String("workflow", def.Name),
			slog.String("path", w.Path),
			slog.String("message", w.Message),
		)
	}

	s.publishMu.Lock()
	latest, err := s.store.LatestWorkflowVersion(ctx, def.Name)
	if err != nil {
		s.publishMu.Unlock()
		return nil, schema.Persistence("latest workflow version", err)
	}
	wf := &store.Workflow{
		ID:          uuid.New().String(),
		Name:        def.Name,
		Version:     latest + 1,
		Description: def.Description,
		Definition:  *def,
		Status:      schema.WorkflowActive,
	}
	err = s.store.CreateWorkflow(ctx, wf)
	s.publishMu.Unlock()
	if err != nil {
		return nil, schema.Persistence("create workflow", err)
	}

	s.logger.Info("workflow published",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Int("version", wf.Version),
		slog.String("subject", wf.TriggerSubject()),
	)
	s.notify(ctx)
	return wf, nil
}

// CreateFromBytes parses a YAML or JSON document and publishes it.
func (s *Service) CreateFromBytes(ctx context.Context, data []byte, hint string) (*store.Workflow, error) {
	def, err := Parse(data, hint)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, def)
}

// Get returns a workflow by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, schema.Persistence("get workflow", err)
	}
	return wf, nil
}

// ListActive returns every workflow that has not been retired.
func (s *Service) ListActive(ctx context.Context) ([]*store.Workflow, error) {
	active := schema.WorkflowActive
	wfs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active})
	if err != nil {
		return nil, schema.Persistence("list workflows", err)
	}
	return wfs, nil
}

// List returns workflows matching filter.
func (s *Service) List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	wfs, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, schema.Persistence("list workflows", err)
	}
	return wfs, nil
}

// Retire removes a workflow from the active set. Retiring twice is a no-op.
func (s *Service) Retire(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status == schema.WorkflowRetired {
		return wf, nil
	}
	if err := s.store.SetWorkflowStatus(ctx, id, schema.WorkflowRetired); err != nil {
		return nil, schema.Persistence("retire workflow", err)
	}
	wf.Status = schema.WorkflowRetired

	s.logger.Info("workflow retired", slog.String("workflow_id", id), slog.String("name", wf.Name))
	s.notify(ctx)
	return wf, nil
}

func (s *Service) notify(ctx context.Context) {
	s.mu.RLock()
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx)
	}
}
