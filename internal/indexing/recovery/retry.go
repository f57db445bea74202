package recovery

import (
	"context"
	"time"
)

// Retry calls fn until it succeeds or strategy gives up, sleeping between
// attempts. It returns the last error from fn, or ctx.Err() when cancelled.
func Retry(ctx context.Context, strategy RetryStrategy, fn func(context.Context) error) error {
	for failures := 0; ; {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		failures++
		if !strategy.ShouldRetry(err, failures) {
			return err
		}
		if werr := Sleep(ctx, strategy.GetDelay(failures-1)); werr != nil {
			return werr
		}
	}
}

// RetryWithFallback is Retry for calls that produce a value. When every
// attempt fails it returns fallback together with the last error, so the
// caller can keep going with a safe default and still know it did.
func RetryWithFallback[T any](
	ctx context.Context,
	strategy RetryStrategy,
	fallback T,
	fn func(context.Context) (T, error),
) (T, error) {
	var result T
	err := Retry(ctx, strategy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return fallback, err
	}
	return result, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
