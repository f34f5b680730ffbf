package capture

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// WithRetry runs op up to maxAttempts times with a fixed backoff between
// attempts. op receives the 1-based attempt number. Values below 1 are
// treated as 1. Cancelling ctx stops further attempts; the last op error is
// returned, or ctx.Err() when op never ran.
func WithRetry(ctx context.Context, maxAttempts int, backoff time.Duration, op func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	attempt := 0
	var last error
	err := retry.Do(
		func() error {
			attempt++
			last = op(attempt)
			return last
		},
		retry.Attempts(uint(maxAttempts)),
		retry.Delay(backoff),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil && last != nil {
		return last
	}
	return err
}
