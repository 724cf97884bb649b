package schema

import "encoding/json"

// TransportKind selects how an agent is reached.
type TransportKind string

const (
	TransportRPC TransportKind = "rpc"
	TransportBus TransportKind = "bus"
)

// Transport is the invocation descriptor of an agent: an RPC endpoint or a bus subject.
type Transport struct {
	Kind     TransportKind `json:"kind" yaml:"kind"`
	Endpoint string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Subject  string        `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// AgentDefinition is the registration payload of an agent.
type AgentDefinition struct {
	Name         string          `json:"name" yaml:"name"`
	Capabilities []string        `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Transport    Transport       `json:"transport" yaml:"transport"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty" yaml:"-"`
	Active       *bool           `json:"active,omitempty" yaml:"active,omitempty"`
}

// Decision is an external response to an approval request.
type Decision struct {
	Decision    ApprovalStatus `json:"decision"`
	RespondedBy string         `json:"respondedBy,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}
