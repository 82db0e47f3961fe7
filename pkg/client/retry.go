package client

import (
	"context"
	"math/rand"
	"time"
)

// retryPolicy is the backoff schedule taken from ClientOptions
type retryPolicy struct {
	maxRetries int
	initial    time.Duration
	max        time.Duration
	factor     float64
	jitter     float64
}

func (o ClientOptions) retryPolicy() retryPolicy {
	return retryPolicy{
		maxRetries: o.MaxRetries,
		initial:    o.InitialBackoff,
		max:        o.MaxBackoff,
		factor:     o.BackoffFactor,
		jitter:     o.RetryJitter,
	}
}

// delay returns the sleep before the given retry, starting at 0
func (p retryPolicy) delay(attempt int) time.Duration {
	backoff := p.initial
	for i := 0; i < attempt && backoff < p.max; i++ {
		backoff = time.Duration(float64(backoff) * p.factor)
	}
	if backoff > p.max {
		backoff = p.max
	}
	if p.jitter > 0 {
		backoff += time.Duration(rand.Float64() * p.jitter * float64(backoff))
	}
	return backoff
}

// do runs fn until it succeeds, fails permanently, runs out of retries or ctx ends
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryableError(err) || attempt >= p.maxRetries {
			return err
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
