package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/internal/agents"
	"github.com/rendis/flowhub/internal/approvals"
	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/definitions"
	"github.com/rendis/flowhub/internal/engine"
	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/validation"
	"github.com/rendis/flowhub/pkg/schema"
)

type testAPI struct {
	server   *Server
	store    *store.LibSQLStore
	registry *agents.Registry
	agentURL string
}

// newTestAPI wires the full stack against a temp libSQL file, the in-memory
// bus and an RPC agent "echo" that returns {"echo": <input>}.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input any `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{"echo": req.Input}})
	}))
	t.Cleanup(agentSrv.Close)

	schemas, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	outputs := agents.NewOutputValidator(schemas)
	rec := execlog.NewRecorder(s, b, "hub", nil)
	registry := agents.NewRegistry(agents.RegistryDeps{
		Store:   s,
		RPC:     agents.NewRPCInvoker(agents.RPCConfig{}),
		Bus:     agents.NewBusInvoker(b, "hub"),
		Outputs: outputs,
	})
	client := agents.NewClient(registry, outputs, agents.ClientConfig{
		Retry:   agents.DefaultRetryPolicy(),
		Breaker: agents.DefaultBreakerConfig(),
	}, nil)
	manager := approvals.NewManager(s, rec, nil)
	eng, err := engine.New(engine.Config{}, engine.Deps{
		Store:     s,
		Agents:    client,
		Approvals: manager,
		Recorder:  rec,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	validator, err := validation.NewWorkflowValidator(registry)
	require.NoError(t, err)
	defs := definitions.NewService(s, validator, nil)

	srv := NewServer(Deps{
		Definitions: defs,
		Engine:      eng,
		Approvals:   manager,
		Agents:      registry,
		Bus:         b,
		HubPrefix:   "hub",
	})

	api := &testAPI{server: srv, store: s, registry: registry, agentURL: agentSrv.URL}
	_, err = registry.Register(ctx, schema.AgentDefinition{
		Name:         "echo",
		Capabilities: []string{"test"},
		Transport:    schema.Transport{Kind: schema.TransportRPC, Endpoint: agentSrv.URL},
	})
	require.NoError(t, err)
	return api
}

func (a *testAPI) do(t *testing.T, method, path, contentType, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error.Code
}

const echoWorkflowYAML = `
name: echo-flow
trigger:
  subject: hub.orders.created
steps:
  - id: first
    order: 1
    agent: echo
    input: { order: "${{ trigger.order }}" }
`

const gatedWorkflowYAML = `
name: gated-flow
trigger:
  subject: hub.orders.reviewed
steps:
  - id: review
    order: 1
    agent: echo
    approvalRequired: true
  - id: after
    order: 2
    agent: echo
    input: { reviewed: "${{ steps.review.echo }}" }
`

func (a *testAPI) createWorkflow(t *testing.T, doc string) *store.Workflow {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/workflows", "application/yaml", doc)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*store.Workflow](t, rec)
}

func (a *testAPI) waitStatus(t *testing.T, id string, want schema.ExecutionStatus) map[string]any {
	t.Helper()
	var view map[string]any
	require.Eventually(t, func() bool {
		rec := a.do(t, http.MethodGet, "/executions/"+id, "", "")
		if rec.Code != http.StatusOK {
			return false
		}
		view = decode[map[string]any](t, rec)
		return view["status"] == string(want)
	}, 5*time.Second, 10*time.Millisecond, "execution never reached %s", want)
	return view
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
}

func TestCreateWorkflow(t *testing.T) {
	a := newTestAPI(t)

	wf := a.createWorkflow(t, echoWorkflowYAML)
	assert.Equal(t, "echo-flow", wf.Name)
	assert.Equal(t, 1, wf.Version)
	assert.Equal(t, schema.WorkflowActive, wf.Status)

	again := a.createWorkflow(t, echoWorkflowYAML)
	assert.Equal(t, 2, again.Version)
	assert.NotEqual(t, wf.ID, again.ID)

	rec := a.do(t, http.MethodGet, "/workflows/"+wf.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	old := decode[*store.Workflow](t, rec)
	assert.Equal(t, wf.ID, old.ID)
	assert.Equal(t, schema.WorkflowRetired, old.Status)

	rec = a.do(t, http.MethodGet, "/workflows", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[[]*store.Workflow](t, rec)
	require.Len(t, active, 1)
	assert.Equal(t, again.ID, active[0].ID)
}

func TestCreateWorkflowRejectsInvalidDefinition(t *testing.T) {
	a := newTestAPI(t)

	doc := `{
	  "name": "dup",
	  "trigger": {"subject": "hub.x"},
	  "steps": [
	    {"id": "a", "order": 1, "agent": "echo"},
	    {"id": "b", "order": 1, "agent": "echo"}
	  ]
	}`
	rec := a.do(t, http.MethodPost, "/workflows", "application/json", doc)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, schema.ErrCodeDefinition, body.Error.Code)
	assert.Equal(t, schema.DefinitionDuplicateOrder, body.Error.Kind)
	assert.NotEmpty(t, body.Error.Issues)
}

func TestGetUnknownWorkflow(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/workflows/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, rec))
}

func TestTriggerRunsToCompletion(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, echoWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json",
		`{"order": 42}`, HeaderCorrelationID, "corr-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "corr-1", rec.Header().Get(HeaderCorrelationID))
	resp := decode[TriggerResponse](t, rec)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.False(t, resp.Deduplicated)

	view := a.waitStatus(t, resp.ExecutionID, schema.ExecutionCompleted)
	ctxMap := view["context"].(map[string]any)
	assert.Equal(t, map[string]any{"echo": map[string]any{"order": float64(42)}}, ctxMap["first"])
	assert.NotEmpty(t, view["logs"])

	rec = a.do(t, http.MethodGet, "/executions?status=completed&workflowId="+wf.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)
}

func TestTriggerGeneratesCorrelationID(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, echoWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[TriggerResponse](t, rec)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, rec.Header().Get(HeaderCorrelationID), resp.CorrelationID)
}

func TestTriggerErrors(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, echoWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/unknown/trigger", "application/json", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))

	rec = a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/retire", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.WorkflowRetired, decode[*store.Workflow](t, rec).Status)

	rec = a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, rec))

	rec = a.do(t, http.MethodGet, "/workflows", "", "")
	assert.Empty(t, decode[[]*store.Workflow](t, rec))
	rec = a.do(t, http.MethodGet, "/workflows?status=retired", "", "")
	assert.Len(t, decode[[]*store.Workflow](t, rec), 1)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, gatedWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json",
		`{"id": 7}`, HeaderCorrelationID, "review-7")
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[TriggerResponse](t, rec)
	a.waitStatus(t, first.ExecutionID, schema.ExecutionAwaitingApproval)

	// Same correlation id while the execution is live.
	rec = a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json",
		`{"id": 7}`, HeaderCorrelationID, "review-7")
	require.Equal(t, http.StatusAccepted, rec.Code)
	dup := decode[TriggerResponse](t, rec)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, first.ExecutionID, dup.ExecutionID)

	rec = a.do(t, http.MethodGet, "/approvals?status=pending&executionId="+first.ExecutionID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]*store.Approval](t, rec)
	require.Len(t, list, 1)
	approvalID := list[0].ID

	rec = a.do(t, http.MethodPost, "/approvals/"+approvalID+"/respond", "application/json", `{"decision": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/approvals/"+approvalID+"/respond", "application/json",
		`{"decision": "approved", "respondedBy": "alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, schema.ApprovalApproved, decode[*store.Approval](t, rec).Status)

	rec = a.do(t, http.MethodPost, "/approvals/"+approvalID+"/respond", "application/json", `{"decision": "rejected"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeAlreadyResponded, errorCode(t, rec))

	rec = a.do(t, http.MethodPost, "/approvals/missing/respond", "application/json", `{"decision": "approved"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	view := a.waitStatus(t, first.ExecutionID, schema.ExecutionCompleted)
	ctxMap := view["context"].(map[string]any)
	assert.Contains(t, ctxMap, "review")
	assert.Contains(t, ctxMap, "after")
}

func TestCancelExecution(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, gatedWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[TriggerResponse](t, rec).ExecutionID
	a.waitStatus(t, id, schema.ExecutionAwaitingApproval)

	for range 2 {
		rec = a.do(t, http.MethodPost, "/executions/"+id+"/cancel", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, string(schema.ExecutionCancelled), decode[map[string]any](t, rec)["status"])
	}

	rec = a.do(t, http.MethodPost, "/executions/unknown/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutionsRejectsUnknownStatus(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/executions?status=sleeping", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/executions?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/executions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestAgents(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/agents", "application/json",
		`{"name": "scorer", "capabilities": ["risk"], "transport": {"kind": "bus", "subject": "agents.scorer"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "scorer", decode[*store.Agent](t, rec).Name)

	rec = a.do(t, http.MethodPost, "/agents", "application/json",
		`{"name": "broken", "transport": {"kind": "carrier-pigeon"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/agents/scorer", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.TransportBus, decode[*store.Agent](t, rec).Transport.Kind)

	rec = a.do(t, http.MethodGet, "/agents/ghost", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/agents?capability=risk", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]*store.Agent](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "scorer", list[0].Name)
}

func TestExecutionEventsReplaysFinishedExecution(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, echoWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json", `{"order": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[TriggerResponse](t, rec).ExecutionID
	a.waitStatus(t, id, schema.ExecutionCompleted)

	rec = a.do(t, http.MethodGet, "/executions/"+id+"/events", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: "+schema.EventExecutionStarted+"\n")
	assert.Contains(t, body, "event: "+schema.EventStepCompleted+"\n")
	assert.Contains(t, body, "event: "+schema.EventExecutionCompleted+"\n")
	assert.Contains(t, body, "id: 1\n")
}

func TestExecutionEventsStreamsLiveEvents(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, gatedWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[TriggerResponse](t, rec).ExecutionID
	a.waitStatus(t, id, schema.ExecutionAwaitingApproval)

	srv := httptest.NewServer(a.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/executions/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec = a.do(t, http.MethodPost, "/executions/"+id+"/cancel", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The stream closes after the terminal event.
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	body := sb.String()
	assert.Contains(t, body, "event: "+schema.EventExecutionAwaitingApproval+"\n")
	assert.Contains(t, body, "event: "+schema.EventExecutionCancelled+"\n")
	assert.Equal(t, 1, strings.Count(body, "event: "+schema.EventExecutionStarted+"\n"))
}

func TestExecutionEventsUnknownExecution(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/executions/unknown/events", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorBodyMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", schema.NewError(schema.ErrCodeNotFound, "x"), http.StatusNotFound, schema.ErrCodeNotFound},
		{"conflict", schema.NewError(schema.ErrCodeConflict, "x"), http.StatusConflict, schema.ErrCodeConflict},
		{"already responded", schema.NewError(schema.ErrCodeAlreadyResponded, "x"), http.StatusConflict, schema.ErrCodeAlreadyResponded},
		{"persistence", schema.Persistence("op", assert.AnError), http.StatusInternalServerError, schema.ErrCodePersistence},
		{"definition", schema.NewDefinitionError(schema.DefinitionCycle, "/steps/0", "loop"), http.StatusBadRequest, schema.ErrCodeDefinition},
		{"invocation", schema.NewInvocationError(schema.InvocationTransport, "a", "down"), http.StatusBadGateway, schema.ErrCodeAgentInvocation},
		{"plain", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := toErrorBody(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestWorkflowDiagram(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, gatedWorkflowYAML)

	rec := a.do(t, http.MethodGet, "/workflows/"+wf.ID+"/diagram", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Body.String(), "graph TD"))
	assert.Contains(t, rec.Body.String(), "review --> after")

	rec = a.do(t, http.MethodGet, "/workflows/"+wf.ID+"/diagram?format=svg", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<svg")

	rec = a.do(t, http.MethodGet, "/workflows/"+wf.ID+"/diagram?format=gif", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/workflows/nope/diagram", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionDiagramShowsPendingApproval(t *testing.T) {
	a := newTestAPI(t)
	wf := a.createWorkflow(t, gatedWorkflowYAML)

	rec := a.do(t, http.MethodPost, "/workflows/"+wf.ID+"/trigger", "application/json", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[TriggerResponse](t, rec)
	a.waitStatus(t, resp.ExecutionID, schema.ExecutionAwaitingApproval)

	rec = a.do(t, http.MethodGet, "/executions/"+resp.ExecutionID+"/diagram", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "class review awaiting")

	rec = a.do(t, http.MethodGet, "/executions/nope/diagram", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
