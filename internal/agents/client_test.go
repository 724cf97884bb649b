package agents

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/validation"
	"github.com/rendis/flowhub/pkg/schema"
)

type attemptResult struct {
	out any
	err error
}

// scriptedInvoker returns results in order, repeating the last one.
type scriptedInvoker struct {
	mu       sync.Mutex
	results  []attemptResult
	calls    int
	requests []Request
	block    bool
}

func (s *scriptedInvoker) Invoke(ctx context.Context, _ *store.Agent, req Request) (any, error) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	idx := s.calls - 1
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	r := s.results[idx]
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, schema.NewInvocationError(schema.InvocationTimeout, "a", "deadline")
	}
	return r.out, r.err
}

func (s *scriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type resolverFunc func(ctx context.Context, name string) (*Binding, error)

func (f resolverFunc) Resolve(ctx context.Context, name string) (*Binding, error) { return f(ctx, name) }

func staticResolver(agent *store.Agent, inv Invoker) Resolver {
	return resolverFunc(func(context.Context, string) (*Binding, error) {
		return &Binding{Agent: agent, Invoker: inv}, nil
	})
}

func newTestClient(t *testing.T, r Resolver, cfg ClientConfig) (*Client, *[]time.Duration) {
	t.Helper()
	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	c := NewClient(r, NewOutputValidator(jsv), cfg, nil)
	var delays []time.Duration
	c.rand = nil
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return c, &delays
}

func transportErr() error {
	return schema.NewInvocationError(schema.InvocationTransport, "scorer", "connection refused")
}

func TestClient_RetriesTransportThenSucceeds(t *testing.T) {
	inv := &scriptedInvoker{results: []attemptResult{
		{err: transportErr()},
		{err: transportErr()},
		{out: map[string]any{"score": 0.7}},
	}}
	agent := &store.Agent{Name: "scorer", Active: true}
	c, delays := newTestClient(t, staticResolver(agent, inv), ClientConfig{Retry: DefaultRetryPolicy()})

	var notices []RetryNotice
	out, err := c.Invoke(context.Background(), Call{
		Agent:         "scorer",
		Input:         map[string]any{"x": 1},
		CorrelationID: "corr-1",
		OnRetry:       func(n RetryNotice) { notices = append(notices, n) },
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 0.7}, out)
	assert.Equal(t, 3, inv.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	require.Len(t, notices, 2)
	assert.Equal(t, 1, notices[0].Attempt)
	assert.Equal(t, 2, notices[1].Attempt)

	for _, req := range inv.requests {
		assert.Equal(t, "corr-1", req.CorrelationID)
	}
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	inv := &scriptedInvoker{results: []attemptResult{{err: transportErr()}}}
	agent := &store.Agent{Name: "scorer", Active: true}
	c, delays := newTestClient(t, staticResolver(agent, inv), ClientConfig{Retry: DefaultRetryPolicy()})

	_, err := c.Invoke(context.Background(), Call{Agent: "scorer"})
	require.Error(t, err)
	assert.Equal(t, schema.InvocationTransport, schema.InvocationKind(err))
	assert.Equal(t, 4, inv.Calls(), "first attempt plus three retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *delays)
}

func TestClient_NeverRetriesRejected(t *testing.T) {
	inv := &scriptedInvoker{results: []attemptResult{
		{err: schema.NewInvocationError(schema.InvocationRejected, "scorer", "bad input")},
	}}
	agent := &store.Agent{Name: "scorer", Active: true}
	c, delays := newTestClient(t, staticResolver(agent, inv), ClientConfig{Retry: DefaultRetryPolicy()})

	_, err := c.Invoke(context.Background(), Call{Agent: "scorer"})
	assert.Equal(t, schema.InvocationRejected, schema.InvocationKind(err))
	assert.Equal(t, 1, inv.Calls())
	assert.Empty(t, *delays)
}

func TestClient_InvalidOutputNotRetried(t *testing.T) {
	inv := &scriptedInvoker{results: []attemptResult{{out: map[string]any{"score": "high"}}}}
	agent := &store.Agent{
		Name:         "scorer",
		Active:       true,
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"score":{"type":"number"}},"required":["score"]}`),
	}
	c, _ := newTestClient(t, staticResolver(agent, inv), ClientConfig{Retry: DefaultRetryPolicy()})

	_, err := c.Invoke(context.Background(), Call{Agent: "scorer"})
	assert.Equal(t, schema.InvocationInvalidOutput, schema.InvocationKind(err))
	assert.Equal(t, 1, inv.Calls())
}

func TestClient_MissingOutputWithoutSchema(t *testing.T) {
	inv := &scriptedInvoker{results: []attemptResult{{out: nil}}}
	agent := &store.Agent{Name: "scorer", Active: true}
	c, _ := newTestClient(t, staticResolver(agent, inv), ClientConfig{})

	_, err := c.Invoke(context.Background(), Call{Agent: "scorer"})
	assert.Equal(t, schema.InvocationInvalidOutput, schema.InvocationKind(err))
}

func TestClient_AttemptTimeout(t *testing.T) {
	inv := &scriptedInvoker{block: true, results: []attemptResult{{}}}
	agent := &store.Agent{Name: "slow", Active: true}
	c, _ := newTestClient(t, staticResolver(agent, inv), ClientConfig{})

	_, err := c.Invoke(context.Background(), Call{Agent: "slow", Timeout: 20 * time.Millisecond})
	assert.Equal(t, schema.InvocationTimeout, schema.InvocationKind(err))
	assert.Equal(t, 1, inv.Calls())
}

func TestClient_CancelledParent(t *testing.T) {
	inv := &scriptedInvoker{block: true, results: []attemptResult{{}}}
	agent := &store.Agent{Name: "slow", Active: true}
	c, _ := newTestClient(t, staticResolver(agent, inv), ClientConfig{Retry: DefaultRetryPolicy()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Invoke(ctx, Call{Agent: "slow", Timeout: time.Minute})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled), "got %v", err)
	assert.Equal(t, 1, inv.Calls())
}

func TestClient_ResolveErrorPassesThrough(t *testing.T) {
	r := resolverFunc(func(_ context.Context, name string) (*Binding, error) {
		return nil, schema.NewInvocationError(schema.InvocationRejected, name, "agent is not registered")
	})
	c, _ := newTestClient(t, r, ClientConfig{Retry: DefaultRetryPolicy()})

	_, err := c.Invoke(context.Background(), Call{Agent: "ghost"})
	assert.Equal(t, schema.InvocationRejected, schema.InvocationKind(err))
}

func TestClient_BreakerOpensAfterThreshold(t *testing.T) {
	inv := &scriptedInvoker{results: []attemptResult{{err: transportErr()}}}
	agent := &store.Agent{Name: "flaky", Active: true}
	c, _ := newTestClient(t, staticResolver(agent, inv), ClientConfig{
		Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})

	for i := 0; i < 2; i++ {
		_, err := c.Invoke(context.Background(), Call{Agent: "flaky"})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, c.Breakers().State("flaky"))

	_, err := c.Invoke(context.Background(), Call{Agent: "flaky"})
	assert.Equal(t, schema.InvocationTransport, schema.InvocationKind(err))
	assert.Equal(t, 2, inv.Calls(), "open circuit short-circuits the call")
}
