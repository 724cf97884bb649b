package agents

import (
	"sync"
	"time"

	"github.com/rendis/flowhub/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures before opening.
	// Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns threshold 5 and a 30s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	probing             bool
}

// Breakers tracks one circuit per agent name.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   cfg,
		now:      time.Now,
	}
}

// Allow reports whether a call to agent may proceed. An open circuit yields a
// transport AgentInvocationError.
func (r *Breakers) Allow(agent string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	b := r.get(agent)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if r.now().Sub(b.lastFailure) < r.config.Cooldown {
			return schema.NewInvocationError(schema.InvocationTransport, agent,
				"circuit open after %d consecutive failures", b.consecutiveFailures)
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewInvocationError(schema.InvocationTransport, agent, "circuit half-open: probe in flight")
		}
		b.probing = true
	}
	return nil
}

// Success closes the circuit for agent.
func (r *Breakers) Success(agent string) {
	b := r.get(agent)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.probing = false
}

// Failure records a failed call and returns the resulting state.
func (r *Breakers) Failure(agent string) CircuitState {
	b := r.get(agent)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = r.now()
	b.probing = false

	if b.state == CircuitHalfOpen ||
		(r.config.FailureThreshold > 0 && b.consecutiveFailures >= r.config.FailureThreshold) {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state of the circuit for agent.
func (r *Breakers) State(agent string) CircuitState {
	b := r.get(agent)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *Breakers) get(agent string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[agent]
	if !ok {
		b = &breaker{}
		r.breakers[agent] = b
	}
	return b
}
