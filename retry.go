package lifecycle

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultRetryBackoff is the pause before the single retry of a transient failure
const DefaultRetryBackoff = 50 * time.Millisecond

// withTransientRetry runs fn and retries it once when the error is transient.
// Other errors are returned as is on the first attempt.
func withTransientRetry(ctx context.Context, backoff time.Duration, logger Logger, op string, fn func(ctx context.Context) error) error {
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	attempt := 0
	b := retry.WithMaxRetries(1, retry.NewConstant(backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			if attempt == 1 {
				normalizeLogger(logger).Warn("transient failure, retrying", "op", op, "error", err)
			}
			return retry.RetryableError(err)
		}
		return err
	})
}
