package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/pkg/schema"
)

func TestComputeBackoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, Base: time.Second, Factor: 2, Max: 5 * time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second}, // capped
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.ComputeBackoff(tt.retry, nil), "retry %d", tt.retry)
	}
}

func TestComputeBackoff_Jitter(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Factor: 2, Jitter: 0.5}

	assert.Equal(t, 500*time.Millisecond, p.ComputeBackoff(0, func() float64 { return 0 }))
	assert.Equal(t, time.Second, p.ComputeBackoff(0, func() float64 { return 0.5 }))

	for i := 0; i < 50; i++ {
		d := p.ComputeBackoff(1, defaultRand)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestComputeBackoff_ZeroBase(t *testing.T) {
	assert.Zero(t, RetryPolicy{}.ComputeBackoff(2, nil))
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))
}

func TestBreakers_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow("scorer"))
		assert.Equal(t, CircuitClosed, b.Failure("scorer"))
	}
	require.NoError(t, b.Allow("scorer"))
	assert.Equal(t, CircuitOpen, b.Failure("scorer"))

	err := b.Allow("scorer")
	require.Error(t, err)
	assert.Equal(t, schema.InvocationTransport, schema.InvocationKind(err))

	// Other agents are unaffected.
	assert.NoError(t, b.Allow("notifier"))

	now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State("scorer"))
	require.NoError(t, b.Allow("scorer"), "probe allowed")
	assert.Error(t, b.Allow("scorer"), "single probe in flight")

	b.Success("scorer")
	assert.Equal(t, CircuitClosed, b.State("scorer"))
	assert.NoError(t, b.Allow("scorer"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	b.Failure("a")
	now = now.Add(2 * time.Second)
	require.NoError(t, b.Allow("a"))
	assert.Equal(t, CircuitOpen, b.Failure("a"))
	assert.Error(t, b.Allow("a"))
}

func TestBreakers_Disabled(t *testing.T) {
	b := NewBreakers(BreakerConfig{})
	for i := 0; i < 10; i++ {
		b.Failure("a")
	}
	assert.NoError(t, b.Allow("a"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
