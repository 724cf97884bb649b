package agents

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures bounded retries of retryable invocation failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor multiplies the delay after every retry.
	Factor float64
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
	// Jitter is the fraction of the delay randomized in [-Jitter, +Jitter].
	Jitter float64
}

// DefaultRetryPolicy returns 3 retries with 1s base, factor 2 and 50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Base:       time.Second,
		Factor:     2,
		Max:        30 * time.Second,
		Jitter:     0.5,
	}
}

// ComputeBackoff returns the delay before retry number retry (0-based).
// rnd returns a value in [0, 1); nil disables jitter.
func (p RetryPolicy) ComputeBackoff(retry int, rnd func() float64) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.Base) * math.Pow(factor, float64(retry))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if p.Jitter > 0 && rnd != nil {
		spread := delay * p.Jitter
		delay += spread*2*rnd() - spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// defaultRand is the jitter source used by the client.
func defaultRand() float64 { return rand.Float64() }

// WaitForBackoff sleeps for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
