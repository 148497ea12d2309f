// Package retry implements bounded exponential backoff with jitter for the
// transient failures the client sees: flaky RPC endpoints, dropped transports
// and rate-limited hosts. Permanent failures (reverts, bad signers, lifecycle
// violations) are returned immediately.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/latticanet/lattica"
)

const (
	// DefaultMaxAttempts bounds the total number of tries, not just retries.
	DefaultMaxAttempts = 3

	// DefaultBaseWait is the delay before the first retry; it doubles on each
	// subsequent attempt.
	DefaultBaseWait = 1 * time.Second

	// DefaultMaxWait caps the backoff delay.
	DefaultMaxWait = 30 * time.Second
)

// Func is a retryable operation.
type Func func() error

// Options configures Do.
type Options struct {
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration

	// Retryable decides whether an error deserves another attempt. Defaults
	// to lattica.Transient.
	Retryable func(error) bool
}

func (o *Options) fill() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseWait <= 0 {
		o.BaseWait = DefaultBaseWait
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.Retryable == nil {
		o.Retryable = lattica.Transient
	}
}

// Do executes f with the default options.
func Do(ctx context.Context, f Func) error {
	return DoWithOptions(ctx, Options{}, f)
}

// DoWithOptions executes f, retrying retryable errors with exponential
// backoff plus jitter. A RateLimitedError overrides the computed backoff with
// the host-requested delay. The last error is returned when attempts are
// exhausted.
func DoWithOptions(ctx context.Context, opts Options, f Func) error {
	opts.fill()

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(opts, attempt, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := f(); err != nil {
			lastErr = err
			if !opts.Retryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

// backoff computes the delay before the given attempt (attempt >= 1).
func backoff(opts Options, attempt int, lastErr error) time.Duration {
	var rl *lattica.RateLimitedError
	if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	wait := time.Duration(float64(opts.BaseWait) * math.Pow(2, float64(attempt-1)))
	if wait > opts.MaxWait {
		wait = opts.MaxWait
	}
	jitter := time.Duration(rand.Float64() * float64(wait) * 0.1)
	return wait + jitter
}

// RetryableStatus reports whether the given HTTP status code should trigger
// a retry. Used by the registry discovery source.
func RetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
