// Package trigger routes inbound bus events to the workflows whose trigger
// subject pattern and guard they satisfy.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

const meterName = "github.com/rendis/flowhub/internal/trigger"

// Submitter starts executions. *engine.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, wf *store.Workflow, payload map[string]any, correlationID string) (*store.Execution, bool, error)
}

// WorkflowSource lists the workflows that currently accept triggers.
// *definitions.Service satisfies it.
type WorkflowSource interface {
	ListActive(ctx context.Context) ([]*store.Workflow, error)
}

// Config configures a Router.
type Config struct {
	Bus       bus.Bus
	Source    WorkflowSource
	Submitter Submitter
	Guards    *expressions.ExprEngine
	HubPrefix string
	Logger    *slog.Logger
}

// table is an immutable routing snapshot: trigger pattern -> workflows.
type table struct {
	byPattern map[string][]*store.Workflow
}

// Router holds one bus subscription per distinct trigger pattern of the
// active workflows. The routing table is rebuilt and swapped whole whenever
// the active set changes; in-flight dispatches keep the snapshot they loaded.
type Router struct {
	bus       bus.Bus
	source    WorkflowSource
	submitter Submitter
	guards    *expressions.ExprEngine
	hubPrefix string
	logger    *slog.Logger
	outcomes  metric.Int64Counter

	table atomic.Pointer[table]

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	subs   map[string]func()
	wg     sync.WaitGroup
}

// NewRouter creates a Router. Call Start to subscribe.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	guards := cfg.Guards
	if guards == nil {
		guards = expressions.NewExprEngine()
	}
	prefix := cfg.HubPrefix
	if prefix == "" {
		prefix = "hub"
	}
	counter, err := otel.Meter(meterName).Int64Counter("flowhub.trigger.events",
		metric.WithDescription("Trigger events per workflow by routing outcome"))
	if err != nil {
		logger.Warn("trigger counter unavailable", slog.String("error", err.Error()))
	}
	r := &Router{
		bus:       cfg.Bus,
		source:    cfg.Source,
		submitter: cfg.Submitter,
		guards:    guards,
		hubPrefix: prefix,
		logger:    logger,
		outcomes:  counter,
		subs:      make(map[string]func()),
	}
	r.table.Store(&table{byPattern: map[string][]*store.Workflow{}})
	return r
}

// Start loads the active workflows and subscribes to their patterns.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("trigger router already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	return r.Rebuild(ctx)
}

// Rebuild reloads the active workflows, swaps in a new routing table and
// reconciles the bus subscriptions with the new pattern set.
func (r *Router) Rebuild(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return fmt.Errorf("trigger router not started")
	}

	wfs, err := r.source.ListActive(ctx)
	if err != nil {
		return err
	}

	next := &table{byPattern: make(map[string][]*store.Workflow)}
	for _, wf := range wfs {
		pattern := wf.TriggerSubject()
		if err := bus.ValidatePattern(pattern); err != nil {
			r.logger.Warn("workflow has an unusable trigger pattern",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		next.byPattern[pattern] = append(next.byPattern[pattern], wf)
	}
	r.table.Store(next)

	for pattern, cancel := range r.subs {
		if _, keep := next.byPattern[pattern]; !keep {
			cancel()
			delete(r.subs, pattern)
		}
	}
	for pattern := range next.byPattern {
		if _, ok := r.subs[pattern]; ok {
			continue
		}
		ch, cancel, err := r.bus.Subscribe(r.ctx, pattern)
		if err != nil {
			r.logger.Error("trigger subscribe failed",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.subs[pattern] = cancel
		r.wg.Add(1)
		go r.consume(pattern, ch)
	}

	r.logger.Info("trigger routes rebuilt",
		slog.Int("workflows", len(wfs)),
		slog.Int("patterns", len(next.byPattern)),
	)
	return nil
}

// Patterns returns the trigger patterns currently subscribed.
func (r *Router) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for p := range r.subs {
		out = append(out, p)
	}
	return out
}

// Match returns the active workflows whose trigger pattern matches subject.
func (r *Router) Match(subject string) []*store.Workflow {
	var out []*store.Workflow
	for pattern, wfs := range r.table.Load().byPattern {
		if bus.Match(pattern, subject) {
			out = append(out, wfs...)
		}
	}
	return out
}

// Stop cancels every subscription and waits for the dispatch loops.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	for pattern, cancel := range r.subs {
		cancel()
		delete(r.subs, pattern)
	}
	r.cancel()
	r.cancel = nil
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Router) consume(pattern string, ch <-chan bus.Message) {
	defer r.wg.Done()
	for msg := range ch {
		r.dispatch(r.ctx, pattern, msg)
	}
}

// dispatch hands msg to the workflows subscribed through pattern. Each
// workflow is reached through its own pattern's subscription only, so
// overlapping patterns never deliver an event twice to the same workflow.
func (r *Router) dispatch(ctx context.Context, pattern string, msg bus.Message) {
	if r.internal(msg.Subject) {
		return
	}
	wfs := r.table.Load().byPattern[pattern]
	if len(wfs) == 0 {
		return
	}
	payload := DecodePayload(msg.Payload)
	for _, wf := range wfs {
		r.handle(ctx, wf, msg, payload)
	}
}

// internal reports whether subject is one of the hub's own event or reply
// subjects, which never start workflows.
func (r *Router) internal(subject string) bool {
	return strings.HasPrefix(subject, r.hubPrefix+".workflow.") ||
		strings.HasPrefix(subject, r.hubPrefix+".reply.")
}

func (r *Router) handle(ctx context.Context, wf *store.Workflow, msg bus.Message, payload map[string]any) {
	ctx = logging.WithCorrelationID(logging.WithWorkflowID(ctx, wf.ID), msg.CorrelationID)
	log := logging.LogWith(ctx, r.logger).With(slog.String("subject", msg.Subject))

	if guard := wf.Definition.Trigger.Condition; guard != "" {
		ok, err := r.guards.Guard(ctx, guard, msg.Subject, msg.CorrelationID, expressions.DeepCopyMap(payload))
		if err != nil {
			matchErr := schema.NewErrorf(schema.ErrCodeTriggerMatch,
				"guard of workflow %s failed: %s", wf.Name, err.Error()).WithCause(err)
			log.Warn("trigger guard errored, event skipped", slog.String("error", matchErr.Error()))
			r.count(ctx, wf, "guard_error")
			return
		}
		if !ok {
			log.Debug("trigger guard rejected event")
			r.count(ctx, wf, "guard_false")
			return
		}
	}

	exec, created, err := r.submitter.Submit(ctx, wf, expressions.DeepCopyMap(payload), msg.CorrelationID)
	if err != nil {
		log.Error("execution submit failed", slog.String("error", err.Error()))
		r.count(ctx, wf, "failed")
		return
	}
	if !created {
		log.Info("duplicate trigger ignored", slog.String("execution_id", exec.ID))
		r.count(ctx, wf, "deduplicated")
		return
	}
	log.Info("workflow triggered", slog.String("execution_id", exec.ID))
	r.count(ctx, wf, "started")
}

func (r *Router) count(ctx context.Context, wf *store.Workflow, outcome string) {
	if r.outcomes == nil {
		return
	}
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", wf.Name),
		attribute.String("outcome", outcome),
	))
}

// DecodePayload turns an event payload into the trigger context. A JSON
// object is used as is; any other JSON value is wrapped as {"value": v};
// bytes that are not JSON are wrapped as {"raw": "<text>"}.
func DecodePayload(raw []byte) map[string]any {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}
