// Package retry runs exchange calls with bounded exponential backoff. Errors
// are classified as transient (retried) or permanent (returned at once).
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"futuresExecBot/internal/ports"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
	// Retryable decides whether an error is worth another attempt.
	// Defaults to ports.IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy: 3 attempts, 1s doubling up to 60s, jittered.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Factor:      2,
		Jitter:      true,
	}
}

func (p Policy) backoff() *backoff.Backoff {
	factor := p.Factor
	if factor <= 1 {
		factor = 2
	}
	return &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: factor,
		Jitter: p.Jitter,
	}
}

// Do runs op until it succeeds, fails permanently, the context ends, or the
// attempts run out. The last error is wrapped with ports.ErrRetriesExhausted
// in the last case.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	retryable := p.Retryable
	if retryable == nil {
		retryable = ports.IsTransient
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := p.backoff()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w: %w", ports.ErrContextCanceled, lastErr)
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ports.ErrRetriesExhausted, attempts, lastErr)
}
