package agents

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/pkg/schema"
)

const meterName = "github.com/rendis/flowhub/internal/agents"

// Resolver selects the transport binding of an agent.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*Binding, error)
}

// RetryNotice describes a failed attempt that is about to be retried.
type RetryNotice struct {
	Agent   string
	Attempt int // 1-based number of the attempt that failed
	Delay   time.Duration
	Err     error
}

// Call is one logical invocation, possibly spanning several attempts.
type Call struct {
	Agent         string
	Input         any
	CorrelationID string
	// Timeout bounds each attempt. Zero uses the client default.
	Timeout time.Duration
	// OnRetry, when set, is called before every backoff wait.
	OnRetry func(RetryNotice)
}

// ClientConfig configures the invocation client.
type ClientConfig struct {
	Retry          RetryPolicy
	Breaker        BreakerConfig
	DefaultTimeout time.Duration
}

// Client invokes agents with per-attempt timeouts, bounded retries with
// jittered exponential backoff, a per-agent circuit breaker and output validation.
type Client struct {
	resolver       Resolver
	outputs        *OutputValidator
	breakers       *Breakers
	policy         RetryPolicy
	defaultTimeout time.Duration
	logger         *slog.Logger
	invocations    metric.Int64Counter

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. outputs may be nil to skip output validation.
func NewClient(resolver Resolver, outputs *OutputValidator, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	counter, err := otel.Meter(meterName).Int64Counter("flowhub.agent.invocations",
		metric.WithDescription("Agent invocations by final outcome"))
	if err != nil {
		logger.Warn("agent invocation counter unavailable", slog.String("error", err.Error()))
	}
	return &Client{
		resolver:       resolver,
		outputs:        outputs,
		breakers:       NewBreakers(cfg.Breaker),
		policy:         cfg.Retry,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         logger,
		invocations:    counter,
		rand:           defaultRand,
		sleep:          WaitForBackoff,
	}
}

// Breakers exposes the per-agent circuit state.
func (c *Client) Breakers() *Breakers { return c.breakers }

// Invoke resolves call.Agent and runs the invocation. Failures are
// *schema.AgentInvocationError; a cancelled ctx yields a CANCELLED error.
func (c *Client) Invoke(ctx context.Context, call Call) (any, error) {
	ctx = logging.WithAgent(ctx, call.Agent)
	log := logging.LogWith(ctx, c.logger)

	out, err := c.invoke(ctx, call, log)
	c.count(ctx, call.Agent, err)
	return out, err
}

func (c *Client) invoke(ctx context.Context, call Call, log *slog.Logger) (any, error) {
	binding, err := c.resolver.Resolve(ctx, call.Agent)
	if err != nil {
		return nil, err
	}
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, cancelled(call.Agent, ctx.Err())
		}
		if err := c.breakers.Allow(call.Agent); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := binding.Invoke(attemptCtx, Request{CorrelationID: call.CorrelationID, Input: call.Input})
		cancel()

		if ctx.Err() != nil {
			return nil, cancelled(call.Agent, ctx.Err())
		}
		if err == nil {
			c.breakers.Success(call.Agent)
			if c.outputs != nil {
				if verr := c.outputs.Validate(binding.Agent, out); verr != nil {
					return nil, verr
				}
			}
			return out, nil
		}

		var ie *schema.AgentInvocationError
		if !errors.As(err, &ie) {
			return nil, err
		}
		if !ie.Retryable() {
			c.breakers.Success(call.Agent)
			return nil, ie
		}
		if state := c.breakers.Failure(call.Agent); state == CircuitOpen {
			log.Warn("agent circuit open", slog.Int("attempt", attempt+1))
		}
		if attempt >= c.policy.MaxRetries {
			return nil, ie
		}

		delay := c.policy.ComputeBackoff(attempt, c.rand)
		log.Info("retrying agent invocation",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("kind", string(ie.Kind)),
			slog.String("error", ie.Error()),
		)
		if call.OnRetry != nil {
			call.OnRetry(RetryNotice{Agent: call.Agent, Attempt: attempt + 1, Delay: delay, Err: ie})
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, cancelled(call.Agent, err)
		}
	}
}

func (c *Client) count(ctx context.Context, agent string, err error) {
	if c.invocations == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case schema.IsCode(err, schema.ErrCodeCancelled):
		outcome = "cancelled"
	case schema.InvocationKind(err) != "":
		outcome = string(schema.InvocationKind(err))
	default:
		outcome = "error"
	}
	c.invocations.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("outcome", outcome),
	))
}

func cancelled(agent string, cause error) error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "invocation of agent %q cancelled", agent).WithCause(cause)
}
