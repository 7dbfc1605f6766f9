// Package retry provides bounded retry with pure exponential backoff for
// fallible operations. All failures are treated as retryable up to the bound;
// the wrapper never inspects error types.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Options configures a retry run
type Options struct {
	// MaxRetries is the number of re-attempts after the first failure
	MaxRetries int
	// Delay is the base backoff; attempt n waits Delay * 2^n
	Delay time.Duration
	// OnRetry fires before each re-attempt with the error and the 1-based
	// attempt number about to run
	OnRetry func(err error, attempt int)
}

// Do runs op, retrying on failure with delays of Delay * 2^attempt until
// MaxRetries re-attempts are exhausted, then returns the last error.
func Do[T any](ctx context.Context, op func() (T, error), opts Options) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Delay
	b.Multiplier = 2
	// No jitter: delays are exactly Delay, 2*Delay, 4*Delay, ...
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour

	attempt := 0
	notify := func(err error, _ time.Duration) {
		attempt++
		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt)
		}
	}

	maxTries := uint(opts.MaxRetries + 1)
	if maxTries < 1 {
		maxTries = 1
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(notify),
	)
}

// DoVoid runs an operation that returns only an error
func DoVoid(ctx context.Context, op func() error, opts Options) error {
	_, err := Do(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts)
	return err
}
