package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate when the policy's
// fields are inconsistent.
var ErrInvalidRetryPolicy = errors.New("dashflow: invalid retry policy")

// RetryPolicy configures automatic retry of a node's user function on
// transient failure. The engine itself never retries a node (see
// ErrRecursionLimitExceeded's sibling guarantee in §7's taxonomy); retry is
// an opt-in wrapper a caller applies to its own NodeFunc via WithRetry, so a
// retried node is, from the engine's point of view, still just a node that
// may take longer and that fails only after its own budget is exhausted.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of calls to the wrapped function,
	// including the first. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the starting delay for exponential backoff between
	// attempts.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Zero means uncapped.
	MaxDelay time.Duration

	// Retryable decides whether an error should trigger another attempt.
	// A nil Retryable treats every error as retryable.
	Retryable func(error) bool
}

// Validate reports whether the policy's fields are internally consistent.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns the delay before the next attempt, combining
// exponential growth with jitter to avoid synchronized retries across
// concurrently retrying branches. attempt is zero-based (0 = delay before
// the second call).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(1<<uint(attempt))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security-sensitive
	}
	return delay + jitter
}

// WithRetry wraps fn so that a failing call is retried per policy before the
// error is surfaced to the engine as a NodeError. The engine sees a single
// node invocation either way; it has no visibility into the attempts that
// happened underneath. Passing an invalid policy makes the returned
// NodeFunc always fail fast with the policy's validation error.
func WithRetry[S any](fn NodeFunc[S], policy RetryPolicy) NodeFunc[S] {
	if err := policy.Validate(); err != nil {
		return func(_ context.Context, _ S) (S, error) {
			var zero S
			return zero, err
		}
	}
	return func(ctx context.Context, state S) (S, error) {
		rng, _ := ctx.Value(rngKey).(*rand.Rand)
		var lastErr error
		for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
			out, err := fn(ctx, state)
			if err == nil {
				return out, nil
			}
			lastErr = err
			if policy.Retryable != nil && !policy.Retryable(err) {
				break
			}
			if attempt == policy.MaxAttempts-1 {
				break
			}
			delay := computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, rng)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					var zero S
					return zero, ctx.Err()
				case <-timer.C:
				}
			}
		}
		var zero S
		return zero, lastErr
	}
}
