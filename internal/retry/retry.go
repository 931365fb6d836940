// Package retry runs an operation a bounded number of times with a fixed
// pause between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Options tune a single Do call
type Options struct {
	// Retryable decides whether a failed attempt may be retried.
	// Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Do runs op until it succeeds, returns a non-retryable error, the policy's
// attempts are exhausted or ctx is done. The last error is returned.
func Do[T any](ctx context.Context, p Policy, opts Options, op func(attempt int) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(attempt)
		if err != nil && opts.Retryable != nil && !opts.Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if opts.OnRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(func(err error, _ time.Duration) {
			opts.OnRetry(attempt, err)
		}))
	}

	return backoff.Retry(ctx, operation, retryOpts...)
}
