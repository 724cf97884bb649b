package bus

import "context"

// CorrelationHeader carries the correlation id on transports with headers.
const CorrelationHeader = "X-Correlation-ID"

// Message is a single delivery from the bus.
type Message struct {
	Subject       string `json:"subject"`
	Payload       []byte `json:"payload"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Bus is the publish/subscribe collaborator. Subjects are dot-separated
// tokens; subscription patterns may use `*` for one token and a final `>`
// for one or more trailing tokens.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte, correlationID string) error
	// Subscribe returns a stream of matching messages and a cancel function.
	// The channel is closed after cancel is called or ctx is done.
	Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error)
	Close() error
}
