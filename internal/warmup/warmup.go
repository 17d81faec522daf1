// Package warmup validates and initializes cache state at process start so
// first-request latency is bounded before the indexer catches up.
package warmup

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"registryScope/internal/cache"
	"registryScope/internal/model"
)

// Report records the warmup outcome for the health endpoint.
type Report struct {
	Completed bool          `json:"completed"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration_ms"`
	Error     string        `json:"error,omitempty"`
}

// Run races cache validation against the timeout. A timeout or cache
// failure marks the warmup failed but never blocks startup.
func Run(ctx context.Context, store *cache.Store, timeout time.Duration, logger *zap.Logger) Report {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- validate(ctx, store)
	}()

	select {
	case <-ctx.Done():
		logger.Warn("warmup timed out", zap.Duration("timeout", timeout))
		return Report{Completed: true, Success: false, Duration: time.Since(start), Error: ctx.Err().Error()}
	case err := <-done:
		report := Report{Completed: true, Success: err == nil, Duration: time.Since(start)}
		if err != nil {
			report.Error = err.Error()
			logger.Warn("warmup failed", zap.Error(err))
		} else {
			logger.Info("warmup complete", zap.Duration("duration", report.Duration))
		}
		return report
	}
}

// validate pings the cache and makes sure the aggregate list key exists so
// the first discovery query gets a well-formed (possibly empty) answer.
func validate(ctx context.Context, store *cache.Store) error {
	if err := store.Ping(ctx); err != nil {
		return err
	}

	var records []model.ServiceRecord
	err := store.Get(ctx, cache.CategoryList, "", &records)
	if errors.Is(err, cache.ErrMiss) {
		return store.Set(ctx, cache.CategoryList, "", []model.ServiceRecord{})
	}
	return err
}
