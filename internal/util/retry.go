package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryConfig bounds retries of external calls
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
	// AttemptTimeout bounds each attempt; zero leaves ctx as is
	AttemptTimeout time.Duration
}

// Permanent marks err as not worth retrying. Retry returns the unwrapped err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn until it succeeds, the attempts are spent, fn returns a Permanent error
// or ctx is done. The backoff doubles after each failed attempt. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.Backoff
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		if cfg.AttemptTimeout <= 0 {
			return fn(ctx)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		defer cancel()
		return fn(attemptCtx)
	}, policy, func(err error, wait time.Duration) {
		GetLogger().Warn("Retrying failed operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
}
