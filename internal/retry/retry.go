// Package retry provides the retry policy shared by the failover client and
// the historical backfill: bounded attempts, a pluggable backoff curve, and
// context-aware sleeping.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Policy describes how an operation is retried. MaxRetries counts retries
// after the first attempt, so MaxRetries=3 allows four calls in total.
type Policy struct {
	MaxRetries int
	Backoff    func(attempt int) time.Duration
}

// Linear returns a policy whose delay grows by base each attempt.
func Linear(maxRetries int, base time.Duration) Policy {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return Policy{
		MaxRetries: maxRetries,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * base
		},
	}
}

// Exponential returns a policy whose delay doubles each attempt.
func Exponential(maxRetries int, base time.Duration) Policy {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return Policy{
		MaxRetries: maxRetries,
		Backoff: func(attempt int) time.Duration {
			return base << uint(attempt)
		},
	}
}

// Do runs fn until it succeeds, the retry budget is exhausted, or ctx is
// cancelled. The last error is returned unwrapped so callers can classify it.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, operation string, fn func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt+1))
			}
			return nil
		}
		if attempt >= maxRetries {
			return err
		}

		delay := p.delay(attempt)
		logger.Warn("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return time.Duration(attempt+1) * 100 * time.Millisecond
	}
	return p.Backoff(attempt)
}
