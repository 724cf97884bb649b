package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAgent    NodeKind = "agent"
	NodeKindApproval NodeKind = "approval" // agent step gated by a human sign-off
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Groups []*Group
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// Group is a band of parallel steps sharing one order value.
type Group struct {
	Order   int
	NodeIDs []string
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // a schema.StepStatus
	RetryCount int
	Error      string
}

// Edge connects two nodes. Label carries the target step's condition.
type Edge struct {
	From  string
	To    string
	Label string
}
