// Package execlog records per-execution audit lines and publishes them for
// external observers.
package execlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

const meterName = "github.com/rendis/flowhub/internal/execlog"

// Entry is one ExecutionLog line before it is persisted.
type Entry struct {
	ExecutionID   string
	CorrelationID string
	StepOrder     int
	StepID        string
	Level         schema.LogLevel
	Event         string
	Message       string
	Data          any
}

// Event is the payload published for every recorded or emitted line.
type Event struct {
	ExecutionID   string          `json:"execution_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sequence      int64           `json:"sequence,omitempty"`
	StepOrder     int             `json:"step_order"`
	StepID        string          `json:"step_id,omitempty"`
	Level         schema.LogLevel `json:"level,omitempty"`
	Event         string          `json:"event"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Recorder appends ExecutionLog entries and publishes them on
// <hubPrefix>.workflow.<executionId>.<event>. It never returns an error:
// failures are logged, counted and dropped.
type Recorder struct {
	store     store.Store
	bus       bus.Bus
	hubPrefix string
	logger    *slog.Logger
	dropped   metric.Int64Counter
	now       func() time.Time
}

// NewRecorder creates a Recorder. b may be nil to persist without publishing.
func NewRecorder(s store.Store, b bus.Bus, hubPrefix string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if hubPrefix == "" {
		hubPrefix = "hub"
	}
	counter, err := otel.Meter(meterName).Int64Counter("flowhub.execlog.dropped",
		metric.WithDescription("Execution log lines that could not be persisted or published"))
	if err != nil {
		logger.Warn("execlog drop counter unavailable", slog.String("error", err.Error()))
	}
	return &Recorder{
		store:     s,
		bus:       b,
		hubPrefix: hubPrefix,
		logger:    logger,
		dropped:   counter,
		now:       time.Now,
	}
}

// Subject returns the subject an event of an execution is published on.
func Subject(hubPrefix, executionID, event string) string {
	return bus.Join(hubPrefix, "workflow", bus.Token(executionID), bus.Token(event))
}

// Pattern matches every event of one execution.
func Pattern(hubPrefix, executionID string) string {
	return bus.Join(hubPrefix, "workflow", bus.Token(executionID), ">")
}

// ExecutionPattern matches every event of one execution.
func (r *Recorder) ExecutionPattern(executionID string) string {
	return Pattern(r.hubPrefix, executionID)
}

// Record appends e to the execution's log and publishes it.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	// Audit lines outlive the caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, r.logger)

	data := r.marshal(log, e.Data)
	row := &store.LogEntry{
		ExecutionID: e.ExecutionID,
		StepOrder:   e.StepOrder,
		StepID:      e.StepID,
		Level:       e.Level,
		Event:       e.Event,
		Message:     e.Message,
		Data:        data,
		Timestamp:   r.now().UTC(),
	}
	if err := r.store.AppendLog(ctx, row); err != nil {
		row.Sequence = 0
		r.drop(ctx, "persist")
		log.Error("execution log append failed",
			slog.String("event", e.Event),
			slog.String("error", err.Error()),
		)
	}

	r.publish(ctx, log, Event{
		ExecutionID:   e.ExecutionID,
		CorrelationID: e.CorrelationID,
		Sequence:      row.Sequence,
		StepOrder:     e.StepOrder,
		StepID:        e.StepID,
		Level:         e.Level,
		Event:         e.Event,
		Message:       e.Message,
		Data:          data,
		Timestamp:     row.Timestamp,
	})
}

// Emit publishes an event without persisting it.
func (r *Recorder) Emit(ctx context.Context, executionID, correlationID, event string, data any) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, r.logger)
	r.publish(ctx, log, Event{
		ExecutionID:   executionID,
		CorrelationID: correlationID,
		Event:         event,
		Data:          r.marshal(log, data),
		Timestamp:     r.now().UTC(),
	})
}

func (r *Recorder) publish(ctx context.Context, log *slog.Logger, ev Event) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.drop(ctx, "publish")
		log.Error("execution event marshal failed", slog.String("error", err.Error()))
		return
	}
	subject := Subject(r.hubPrefix, ev.ExecutionID, ev.Event)
	if err := r.bus.Publish(ctx, subject, payload, ev.CorrelationID); err != nil {
		r.drop(ctx, "publish")
		log.Warn("execution event publish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Recorder) marshal(log *slog.Logger, data any) json.RawMessage {
	if data == nil {
		return nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(data)
	if err != nil {
		log.Warn("execution log data not serializable", slog.String("error", err.Error()))
		return nil
	}
	return b
}

func (r *Recorder) drop(ctx context.Context, reason string) {
	if r.dropped == nil {
		return
	}
	r.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
