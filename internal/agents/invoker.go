package agents

import (
	"context"

	"github.com/rendis/flowhub/internal/store"
)

// Request is a single invocation of an agent.
type Request struct {
	CorrelationID string
	Input         any
}

// Invoker reaches an agent over one transport. Implementations return
// *schema.AgentInvocationError for every classified failure.
type Invoker interface {
	Invoke(ctx context.Context, agent *store.Agent, req Request) (any, error)
}

// Binding pairs an agent with the invoker selected for its transport.
type Binding struct {
	Agent   *store.Agent
	Invoker Invoker
}

// Invoke calls the bound agent once.
func (b *Binding) Invoke(ctx context.Context, req Request) (any, error) {
	return b.Invoker.Invoke(ctx, b.Agent, req)
}

// requestEnvelope is the payload sent to an agent on either transport.
type requestEnvelope struct {
	CorrelationID string `json:"correlationId"`
	ReplyTo       string `json:"replyTo,omitempty"`
	Input         any    `json:"input"`
}
