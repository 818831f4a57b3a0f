// Package retry applies a scoped retry policy (attempt bound, exponential
// backoff, retryable predicate) to a single operation. Backoff sleeps observe
// the caller's context.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor in [0,1].
	Jitter float64
	// Retryable decides whether err is worth another attempt. Nil means
	// Transient.
	Retryable func(err error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns a policy with the given retry count and a doubling
// backoff starting at initial.
func DefaultPolicy(maxRetries int, initial time.Duration) Policy {
	return Policy{
		MaxRetries:      maxRetries,
		InitialInterval: initial,
		MaxInterval:     10 * initial,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 && p.Jitter <= 1 {
		b.RandomizationFactor = p.Jitter
	}
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// bound is reached, or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxRetries + 1)),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(attempt, err, wait)
		}))
	}

	v, err := backoff.Retry(ctx, operation, opts...)
	return v, unwrapPermanent(err)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Transient is the default retryable predicate. Context errors, permanent
// errors, and errors whose Retryable method reports false are not retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
