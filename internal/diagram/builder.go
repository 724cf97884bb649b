package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowhub/internal/engine"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// maxEdgeLabel bounds the condition text drawn on an edge.
const maxEdgeLabel = 40

// Build constructs a DiagramModel from a published workflow and an optional
// execution view. Steps are laid out by order group: every step of a group
// is connected to every step of the next one. With a view, each step carries
// the status its log and approvals report.
func Build(wf *store.Workflow, view *engine.ExecutionView) (*DiagramModel, error) {
	plan, err := engine.BuildPlan(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: build plan: %w", err)
	}

	var overlays map[string]*StatusOverlay
	if view != nil {
		overlays = statusFromView(view)
	}

	model := &DiagramModel{Title: titleOf(wf)}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})

	prev := []string{StartID}
	for _, g := range plan.Groups() {
		ids := make([]string, 0, len(g.Steps))
		for _, i := range g.Steps {
			step := plan.Step(i)
			node := stepToNode(step)
			node.Status = overlays[step.ID]
			model.Nodes = append(model.Nodes, node)
			ids = append(ids, step.ID)

			for _, from := range prev {
				model.Edges = append(model.Edges, Edge{From: from, To: step.ID, Label: edgeLabel(step.Condition)})
			}
		}
		if len(ids) > 1 {
			model.Groups = append(model.Groups, &Group{Order: g.Order, NodeIDs: ids})
		}
		prev = ids
	}

	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})
	for _, from := range prev {
		model.Edges = append(model.Edges, Edge{From: from, To: EndID})
	}
	return model, nil
}

// stepToNode maps a StepDefinition to a diagram Node.
func stepToNode(step *schema.StepDefinition) *Node {
	kind := NodeKindAgent
	if step.ApprovalRequired {
		kind = NodeKindApproval
	}
	return &Node{
		ID:    step.ID,
		Label: fmt.Sprintf("%s\n(%s)", step.ID, step.Agent),
		Kind:  kind,
	}
}

func edgeLabel(condition string) string {
	if condition == "" {
		return ""
	}
	r := []rune(condition)
	if len(r) > maxEdgeLabel {
		return string(r[:maxEdgeLabel-3]) + "..."
	}
	return condition
}

// statusFromView replays the execution log, then lets pending approvals win.
func statusFromView(view *engine.ExecutionView) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	get := func(id string) *StatusOverlay {
		o, ok := out[id]
		if !ok {
			o = &StatusOverlay{}
			out[id] = o
		}
		return o
	}

	for _, entry := range view.Logs {
		if entry.StepID == "" {
			continue
		}
		switch entry.Event {
		case schema.EventStepCompleted:
			get(entry.StepID).Status = string(schema.StepSucceeded)
		case schema.EventStepSkipped, schema.EventStepAbandoned:
			get(entry.StepID).Status = string(schema.StepSkipped)
		case schema.EventStepFailed:
			o := get(entry.StepID)
			o.Status = string(schema.StepFailed)
			o.Error = failureMessage(entry)
		case schema.EventStepRetrying:
			get(entry.StepID).RetryCount++
		case schema.EventApprovalRequested:
			get(entry.StepID).Status = string(schema.StepAwaitingApproval)
		}
	}
	for _, a := range view.Approvals {
		if a.Status == schema.ApprovalPending {
			get(a.StepID).Status = string(schema.StepAwaitingApproval)
		}
	}
	return out
}

func failureMessage(entry *store.LogEntry) string {
	var data struct {
		Error string `json:"error"`
	}
	if len(entry.Data) > 0 && json.Unmarshal(entry.Data, &data) == nil && data.Error != "" {
		return data.Error
	}
	return entry.Message
}

func titleOf(wf *store.Workflow) string {
	if wf.Name == "" {
		return "Workflow"
	}
	return fmt.Sprintf("%s v%d", wf.Name, wf.Version)
}
