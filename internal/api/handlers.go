package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/trigger"
	"github.com/rendis/flowhub/pkg/schema"
)

const maxBodyBytes = 4 << 20

// TriggerResponse is returned by POST /workflows/{id}/trigger.
type TriggerResponse struct {
	ExecutionID   string `json:"executionId"`
	CorrelationID string `json:"correlationId"`
	Deduplicated  bool   `json:"deduplicated"`
}

// --- workflows ---

// handleCreateWorkflow publishes a definition sent as JSON or YAML.
func (s *Server) handleCreateWorkflow(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	wf, err := s.deps.Definitions.CreateFromBytes(c.Request().Context(), body, c.Request().Header.Get(echo.HeaderContentType))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// handleListWorkflows lists active workflows, or every workflow with
// ?status=all, or those of one status with ?status=<status>.
func (s *Server) handleListWorkflows(c echo.Context) error {
	ctx := c.Request().Context()
	status := c.QueryParam("status")
	name := c.QueryParam("name")

	var (
		wfs []*store.Workflow
		err error
	)
	switch status {
	case "":
		if name == "" {
			wfs, err = s.deps.Definitions.ListActive(ctx)
			break
		}
		active := schema.WorkflowActive
		wfs, err = s.deps.Definitions.List(ctx, store.WorkflowFilter{Status: &active, Name: name})
	case "all":
		wfs, err = s.deps.Definitions.List(ctx, store.WorkflowFilter{Name: name})
	case string(schema.WorkflowActive), string(schema.WorkflowRetired):
		st := schema.WorkflowStatus(status)
		wfs, err = s.deps.Definitions.List(ctx, store.WorkflowFilter{Status: &st, Name: name})
	default:
		return badRequest("unknown workflow status %q", status)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(wfs))
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.deps.Definitions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleRetireWorkflow(c echo.Context) error {
	wf, err := s.deps.Definitions.Retire(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// handleTriggerWorkflow starts an execution directly, bypassing the bus. The
// request body is the trigger payload.
func (s *Server) handleTriggerWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) > 0 && !json.Valid(body) {
		return badRequest("trigger payload is not valid JSON")
	}

	wf, err := s.deps.Definitions.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	exec, created, err := s.deps.Engine.Submit(ctx, wf, trigger.DecodePayload(body), correlationID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, TriggerResponse{
		ExecutionID:   exec.ID,
		CorrelationID: exec.CorrelationID,
		Deduplicated:  !created,
	})
}

// --- executions ---

func (s *Server) handleListExecutions(c echo.Context) error {
	filter := store.ExecutionFilter{WorkflowID: c.QueryParam("workflowId")}
	for _, raw := range splitList(c.QueryParam("status")) {
		st := schema.ExecutionStatus(raw)
		if !st.Valid() {
			return badRequest("unknown execution status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	filter.Limit = limit

	list, err := s.deps.Engine.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) handleGetExecution(c echo.Context) error {
	view, err := s.deps.Engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// handleCancelExecution is idempotent: cancelling a terminal execution
// returns it unchanged.
func (s *Server) handleCancelExecution(c echo.Context) error {
	exec, err := s.deps.Engine.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// --- approvals ---

func (s *Server) handleListApprovals(c echo.Context) error {
	filter := store.ApprovalFilter{
		ExecutionID: c.QueryParam("executionId"),
		Status:      schema.ApprovalStatus(c.QueryParam("status")),
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	filter.Limit = limit

	list, err := s.deps.Approvals.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) handleRespondApproval(c echo.Context) error {
	var d schema.Decision
	if err := decodeJSON(c, &d); err != nil {
		return err
	}
	if d.RespondedBy == "" {
		d.RespondedBy = "api"
	}
	a, err := s.deps.Approvals.Respond(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// --- agents ---

func (s *Server) handleRegisterAgent(c echo.Context) error {
	var def schema.AgentDefinition
	if err := decodeJSON(c, &def); err != nil {
		return err
	}
	agent, err := s.deps.Agents.Register(c.Request().Context(), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c echo.Context) error {
	filter := store.AgentFilter{Capability: c.QueryParam("capability")}
	if c.QueryParam("active") == "true" {
		filter.ActiveOnly = true
	}
	list, err := s.deps.Agents.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) handleGetAgent(c echo.Context) error {
	agent, err := s.deps.Agents.Find(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// --- helpers ---

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("read request body: %s", err.Error())
	}
	if len(body) > maxBodyBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return body, nil
}

func decodeJSON(c echo.Context, v any) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid JSON body: %s", err.Error())
	}
	return nil
}

// queryInt extracts a non-negative integer query param with a default value.
func queryInt(c echo.Context, key string, def int) (int, error) {
	v := c.QueryParam(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("query parameter %s must be a non-negative integer", key)
	}
	return n, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// nonNil renders an empty list as [] instead of null.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
