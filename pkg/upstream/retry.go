package upstream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryFixed calls op repeatedly with a constant delay between attempts
// until it succeeds or ctx is cancelled, per spec.md's fixed (not
// exponential) backoff for registration/sign-on retries (§4.5.1). shouldRetry
// decides whether a given failure is worth retrying at all; a non-retryable
// failure is returned immediately.
func RetryFixed(ctx context.Context, delay time.Duration, op func() error, shouldRetry func(error) bool) error {
	policy := backoff.WithContext(&backoff.ConstantBackOff{Interval: delay}, ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
