package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// RPCConfig configures the HTTP agent transport.
type RPCConfig struct {
	Client          *http.Client
	MaxResponseBody int64
}

// RPCInvoker calls agents with a synchronous HTTP POST.
type RPCInvoker struct {
	client  *http.Client
	maxBody int64
}

// NewRPCInvoker creates an RPCInvoker. Per-call deadlines come from the context.
func NewRPCInvoker(cfg RPCConfig) *RPCInvoker {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &RPCInvoker{client: cfg.Client, maxBody: cfg.MaxResponseBody}
}

type rpcResponse struct {
	Output json.RawMessage `json:"output"`
}

// Invoke POSTs {correlationId, input} to the agent endpoint and decodes {output}.
func (r *RPCInvoker) Invoke(ctx context.Context, agent *store.Agent, req Request) (any, error) {
	body, err := json.Marshal(requestEnvelope{CorrelationID: req.CorrelationID, Input: req.Input})
	if err != nil {
		return nil, schema.NewInvocationError(schema.InvocationRejected, agent.Name,
			"input is not JSON serializable: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Transport.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewInvocationError(schema.InvocationTransport, agent.Name,
			"build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.CorrelationID != "" {
		httpReq.Header.Set(bus.CorrelationHeader, req.CorrelationID)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, agent.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody))
	if err != nil {
		return nil, classifyTransportError(ctx, agent.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := schema.InvocationTransport
		if rejectedStatus(resp.StatusCode) {
			kind = schema.InvocationRejected
		}
		ie := schema.NewInvocationError(kind, agent.Name, "%s", errorMessage(data, resp.Status))
		ie.StatusCode = resp.StatusCode
		return nil, ie
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, schema.NewInvocationError(schema.InvocationInvalidOutput, agent.Name,
			"response is not a JSON object: %v", err)
	}
	return decodeOutput(agent.Name, out.Output)
}

// rejectedStatus lists statuses meaning the agent declined the input.
func rejectedStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// errorMessage extracts a short message from an error body.
func errorMessage(data []byte, fallback string) string {
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch e := body.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
		if body.Message != "" {
			return body.Message
		}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fallback
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return fmt.Sprintf("%s: %s", fallback, text)
}

// classifyTransportError maps a failed round trip to timeout or transport.
func classifyTransportError(ctx context.Context, agent string, err error) *schema.AgentInvocationError {
	kind := schema.InvocationTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = schema.InvocationTimeout
	}
	ie := schema.NewInvocationError(kind, agent, "%v", err)
	ie.Cause = err
	return ie
}

// decodeOutput unmarshals a raw output. An absent output is nil.
func decodeOutput(agent string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, schema.NewInvocationError(schema.InvocationInvalidOutput, agent,
			"output is not valid JSON: %v", err)
	}
	return v, nil
}
