package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// handleDefine publishes a workflow definition as the next version of its name.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	data, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	wf, err := s.defs.CreateFromBytes(ctx, data, "json")
	if err != nil {
		return toolError("define", err)
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"version":     wf.Version,
		"subject":     wf.TriggerSubject(),
	})
}

// handleTrigger starts an execution, or returns the live one sharing the
// correlation id.
func (s *Server) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	correlationID := req.GetString("correlation_id", "")

	wf, err := s.defs.Get(ctx, workflowID)
	if err != nil {
		return toolError("trigger", err)
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	// Submit starts the execution, so the session claims its events first.
	sessionID := s.sessionID(ctx)
	if sessionID != "" {
		s.sessions.Expect(correlationID, sessionID)
	}
	exec, created, err := s.executions.Submit(ctx, wf, payload, correlationID)
	if sessionID != "" {
		s.sessions.Unexpect(correlationID)
	}
	if err != nil {
		return toolError("trigger", err)
	}
	if sessionID != "" {
		s.sessions.Register(exec.ID, sessionID)
	}

	return marshalResult(map[string]any{
		"execution_id":   exec.ID,
		"correlation_id": exec.CorrelationID,
		"status":         exec.Status,
		"deduplicated":   !created,
	})
}

// handleStatus returns an execution with its log and approvals.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	view, err := s.executions.Get(ctx, executionID)
	if err != nil {
		return toolError("status", err)
	}
	return marshalResult(view)
}

// handleRespond records a decision on an approval request.
func (s *Server) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	a, err := s.approvals.Respond(ctx, approvalID, schema.Decision{
		Decision:    schema.ApprovalStatus(decision),
		RespondedBy: req.GetString("responded_by", "mcp"),
		Reason:      req.GetString("reason", ""),
	})
	if err != nil {
		return toolError("respond", err)
	}
	return marshalResult(a)
}

// handleCancel cancels an execution. Cancelling a finished execution returns
// it unchanged.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.executions.Cancel(ctx, executionID)
	if err != nil {
		return toolError("cancel", err)
	}
	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleQuery lists workflows, executions, approvals, or agents.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "agents":
		return s.queryAgents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
		Name:  extractString(filter, "name"),
	}
	switch status := extractString(filter, "status"); status {
	case "all":
	case "":
		active := schema.WorkflowActive
		wf.Status = &active
	default:
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}

	workflows, err := s.defs.List(ctx, wf)
	if err != nil {
		return toolError("query", err)
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		Limit:      extractInt(filter, "limit", 50),
	}
	for _, st := range strings.Split(extractString(filter, "status"), ",") {
		st = strings.TrimSpace(st)
		if st == "" {
			continue
		}
		status := schema.ExecutionStatus(st)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown execution status: %s", st)), nil
		}
		ef.Statuses = append(ef.Statuses, status)
	}

	executions, err := s.executions.List(ctx, ef)
	if err != nil {
		return toolError("query", err)
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *Server) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	approvals, err := s.approvals.List(ctx, store.ApprovalFilter{
		ExecutionID: extractString(filter, "execution_id"),
		Status:      schema.ApprovalStatus(extractString(filter, "status")),
		Limit:       extractInt(filter, "limit", 50),
	})
	if err != nil {
		return toolError("query", err)
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

func (s *Server) queryAgents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	af := store.AgentFilter{Capability: extractString(filter, "capability")}
	if active, ok := filter["active"].(bool); ok {
		af.ActiveOnly = active
	}
	agents, err := s.agents.List(ctx, af)
	if err != nil {
		return toolError("query", err)
	}
	return marshalResult(map[string]any{"agents": agents})
}

// --- Helpers ---

// extractInt reads an int from a filter map. JSON numbers arrive as float64.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// sessionID returns the calling MCP session, or "" when notifications are off.
func (s *Server) sessionID(ctx context.Context) string {
	if s.sessions == nil {
		return ""
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// toolError renders err as a tool error result. The error code leads the
// text so agents can branch on it.
func toolError(op string, err error) (*mcp.CallToolResult, error) {
	code := schema.ErrorCode(err)
	if code == "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed (%s): %v", op, code, err)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
