package agents

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// BusInvoker calls agents with request/reply over the bus. Each call listens
// on a private reply subject scoped by correlation id.
type BusInvoker struct {
	bus       bus.Bus
	hubPrefix string
}

// NewBusInvoker creates a BusInvoker publishing replies under <hubPrefix>.reply.
func NewBusInvoker(b bus.Bus, hubPrefix string) *BusInvoker {
	if hubPrefix == "" {
		hubPrefix = "hub"
	}
	return &BusInvoker{bus: b, hubPrefix: hubPrefix}
}

// ReplyEnvelope is what an agent publishes on the replyTo subject.
type ReplyEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *ReplyError     `json:"error,omitempty"`
}

// ReplyError is a failure reported by the agent itself.
type ReplyError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ReplySubject returns a fresh reply subject for correlationID.
func (b *BusInvoker) ReplySubject(correlationID string) string {
	return bus.Join(b.hubPrefix, "reply", bus.Token(correlationID), uuid.New().String())
}

// Invoke publishes {correlationId, replyTo, input} on the agent subject and
// waits for one reply until ctx is done.
func (b *BusInvoker) Invoke(ctx context.Context, agent *store.Agent, req Request) (any, error) {
	replyTo := b.ReplySubject(req.CorrelationID)

	replies, cancel, err := b.bus.Subscribe(ctx, replyTo)
	if err != nil {
		return nil, classifyBusError(ctx, agent.Name, err)
	}
	defer cancel()

	payload, err := json.Marshal(requestEnvelope{
		CorrelationID: req.CorrelationID,
		ReplyTo:       replyTo,
		Input:         req.Input,
	})
	if err != nil {
		return nil, schema.NewInvocationError(schema.InvocationRejected, agent.Name,
			"input is not JSON serializable: %v", err)
	}
	if err := b.bus.Publish(ctx, agent.Transport.Subject, payload, req.CorrelationID); err != nil {
		return nil, classifyBusError(ctx, agent.Name, err)
	}

	select {
	case msg, ok := <-replies:
		if !ok {
			return nil, classifyBusError(ctx, agent.Name, errors.New("reply subscription closed"))
		}
		return decodeReply(agent.Name, msg.Payload)
	case <-ctx.Done():
		return nil, classifyBusError(ctx, agent.Name, ctx.Err())
	}
}

func decodeReply(agent string, payload []byte) (any, error) {
	var reply ReplyEnvelope
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, schema.NewInvocationError(schema.InvocationInvalidOutput, agent,
			"reply is not a JSON object: %v", err)
	}
	if reply.Error != nil {
		kind := schema.InvocationErrorKind(reply.Error.Kind)
		switch kind {
		case schema.InvocationRejected, schema.InvocationTimeout, schema.InvocationInvalidOutput:
		default:
			kind = schema.InvocationTransport
		}
		return nil, schema.NewInvocationError(kind, agent, "%s", reply.Error.Message)
	}
	return decodeOutput(agent, reply.Output)
}

func classifyBusError(ctx context.Context, agent string, err error) *schema.AgentInvocationError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		ie := schema.NewInvocationError(schema.InvocationTimeout, agent, "no reply before deadline")
		ie.Cause = err
		return ie
	}
	ie := schema.NewInvocationError(schema.InvocationTransport, agent, "%v", err)
	ie.Cause = err
	return ie
}
