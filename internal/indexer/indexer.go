// Package indexer keeps the cache store an eventually consistent projection
// of registry contract events: a one-time historical backfill followed by
// live tailing of new blocks.
//
// Neither path keeps a durable log of applied event identifiers, so a
// restart mid-range can reapply events. Handlers are idempotent upserts and
// cached state converges; the processed-event counter is best effort.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"registryScope/internal/archive"
	"registryScope/internal/cache"
	"registryScope/internal/chain"
	"registryScope/internal/model"
	"registryScope/internal/registry"
	"registryScope/internal/retry"
)

// Config holds runtime settings for the indexer.
type Config struct {
	ContractAddress common.Address
	StartBlock      uint64
	BatchSize       uint64
	PollInterval    time.Duration
	RebuildInterval time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

// Status is the indexer view reported on the health endpoint.
type Status struct {
	Running             bool   `json:"running"`
	LastProcessedBlock  uint64 `json:"last_processed_block"`
	ProcessedEventCount uint64 `json:"processed_event_count"`
}

// Indexer projects registry events into the cache store.
type Indexer struct {
	cfg      Config
	failover *chain.Failover
	cache    *cache.Store
	archive  archive.Sink
	decoder  *registry.Decoder
	logger   *zap.Logger

	mu         sync.Mutex
	running    bool
	watermark  uint64
	eventCount uint64
}

// New builds an Indexer with its dependencies.
func New(cfg Config, failover *chain.Failover, store *cache.Store, sink archive.Sink, logger *zap.Logger) (*Indexer, error) {
	if failover == nil {
		return nil, fmt.Errorf("failover client is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("cache store is nil")
	}
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RebuildInterval <= 0 {
		cfg.RebuildInterval = 5 * time.Minute
	}
	if sink == nil {
		sink = archive.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	decoder, err := registry.NewDecoder()
	if err != nil {
		return nil, err
	}

	return &Indexer{
		cfg:      cfg,
		failover: failover,
		cache:    store,
		archive:  sink,
		decoder:  decoder,
		logger:   logger,
	}, nil
}

// Status returns the current indexer state.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Status{
		Running:             ix.running,
		LastProcessedBlock:  ix.watermark,
		ProcessedEventCount: ix.eventCount,
	}
}

// Watermark returns the highest fully applied block.
func (ix *Indexer) Watermark() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.watermark
}

// Backfill syncs [StartBlock, head] in bounded batches. A batch that keeps
// failing after the retry budget aborts the backfill; the caller is expected
// to start live tailing regardless. The aggregate list is rebuilt once at
// the end.
func (ix *Indexer) Backfill(ctx context.Context) error {
	head, err := ix.failover.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get chain head: %w", err)
	}

	from := ix.cfg.StartBlock
	if wm, ok := ix.loadWatermark(ctx); ok && wm.LastProcessedBlock >= from {
		from = wm.LastProcessedBlock + 1
		ix.setProgress(wm.LastProcessedBlock, wm.ProcessedEventCount)
		ix.logger.Info("resume from cached watermark",
			zap.Uint64("last_processed", wm.LastProcessedBlock),
			zap.Uint64("from", from))
	}

	if from > head {
		ix.logger.Info("nothing to backfill", zap.Uint64("from", from), zap.Uint64("head", head))
		return ix.RebuildList(ctx)
	}

	ranges, err := SplitRange(from, head, ix.cfg.BatchSize)
	if err != nil {
		return err
	}

	policy := retry.Linear(ix.cfg.MaxRetries, ix.cfg.RetryBackoff)
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ix.logger.Info("backfill batch", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		logs, err := ix.fetchLogs(ctx, policy, blockRange.From, blockRange.To)
		if err != nil {
			return fmt.Errorf("backfill batch %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		applied := ix.applyLogs(ctx, logs, false)
		ix.advance(ctx, blockRange.To, applied)

		ix.logger.Info("backfill batch complete",
			zap.Int("events", applied),
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To))
	}

	if err := ix.RebuildList(ctx); err != nil {
		ix.logger.Warn("list rebuild after backfill failed", zap.Error(err))
	}
	return nil
}

// Run tails new blocks until ctx is cancelled: on each poll the head is
// fetched and logs for exactly the new range are applied before the
// watermark advances. A second timer forces periodic list rebuilds as a
// self-healing measure independent of event traffic.
func (ix *Indexer) Run(ctx context.Context) {
	ix.setRunning(true)
	defer ix.setRunning(false)

	poll := time.NewTicker(ix.cfg.PollInterval)
	defer poll.Stop()
	rebuild := time.NewTicker(ix.cfg.RebuildInterval)
	defer rebuild.Stop()

	ix.logger.Info("live tailing started",
		zap.Duration("poll_interval", ix.cfg.PollInterval),
		zap.Uint64("watermark", ix.Watermark()))

	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("live tailing stopped")
			return
		case <-rebuild.C:
			if err := ix.RebuildList(ctx); err != nil {
				ix.logger.Warn("periodic list rebuild failed", zap.Error(err))
			}
		case <-poll.C:
			ix.pollOnce(ctx)
		}
	}
}

// pollOnce applies one head-to-watermark increment. Failures are logged and
// skipped; the loop is never halted by one bad poll.
func (ix *Indexer) pollOnce(ctx context.Context) {
	head, err := ix.failover.LatestBlockNumber(ctx)
	if err != nil {
		ix.logger.Warn("head poll failed", zap.Error(err))
		return
	}

	watermark := ix.Watermark()
	if head <= watermark {
		return
	}

	from := watermark + 1
	if watermark == 0 {
		from = head
	}

	logs, err := ix.failover.FilterLogs(ctx, from, head,
		[]common.Address{ix.cfg.ContractAddress}, ix.decoder.Topics())
	if err != nil {
		ix.logger.Warn("log fetch failed", zap.Uint64("from", from), zap.Uint64("to", head), zap.Error(err))
		return
	}

	applied := ix.applyLogs(ctx, logs, true)
	ix.advance(ctx, head, applied)

	if applied > 0 {
		ix.logger.Info("applied new events",
			zap.Int("events", applied),
			zap.Uint64("from", from),
			zap.Uint64("to", head))
	}
}

func (ix *Indexer) fetchLogs(ctx context.Context, policy retry.Policy, from, to uint64) ([]types.Log, error) {
	var logs []types.Log
	err := policy.Do(ctx, ix.logger, "filter_logs", func(ctx context.Context) error {
		var err error
		logs, err = ix.failover.FilterLogs(ctx, from, to,
			[]common.Address{ix.cfg.ContractAddress}, ix.decoder.Topics())
		return err
	})
	return logs, err
}

// applyLogs decodes and applies logs strictly in the order returned by the
// ledger query. A failure on one log is logged and skipped. When rebuild is
// set, the aggregate list is rebuilt after the batch if any applied event
// invalidated it.
func (ix *Indexer) applyLogs(ctx context.Context, logs []types.Log, rebuild bool) int {
	applied := 0
	listDirty := false
	var archived []archive.AppliedEvent

	for _, raw := range logs {
		event, err := ix.decoder.Decode(raw)
		if err != nil {
			ix.logger.Warn("undecodable log skipped",
				zap.Uint64("block", raw.BlockNumber),
				zap.String("tx", raw.TxHash.Hex()),
				zap.Error(err))
			continue
		}

		if err := ix.apply(ctx, event); err != nil {
			ix.logger.Warn("event apply failed, skipped",
				zap.String("kind", string(event.Kind())),
				zap.String("service_id", event.ServiceID()),
				zap.Uint64("block", event.Block()),
				zap.Error(err))
			continue
		}

		applied++
		if invalidatesList(event.Kind()) {
			listDirty = true
		}
		archived = append(archived, archive.AppliedEvent{
			Kind:        string(event.Kind()),
			ServiceID:   event.ServiceID(),
			BlockNumber: event.Block(),
			TxHash:      raw.TxHash.Hex(),
			LogIndex:    uint64(raw.Index),
			ObservedAt:  time.Now().UTC(),
		})
	}

	if len(archived) > 0 {
		if err := ix.archive.PutEvents(ctx, archived); err != nil {
			ix.logger.Warn("event archive write failed", zap.Error(err))
		}
	}

	if rebuild && listDirty {
		if err := ix.RebuildList(ctx); err != nil {
			ix.logger.Warn("list rebuild failed", zap.Error(err))
		}
	}
	return applied
}

func invalidatesList(kind registry.Kind) bool {
	switch kind {
	case registry.KindRegistered, registry.KindActivated, registry.KindChallenged,
		registry.KindSlashed, registry.KindWithdrawn:
		return true
	default:
		return false
	}
}

// advance moves the watermark forward and persists it. The watermark never
// decreases and is only advanced after every log in the range was applied.
func (ix *Indexer) advance(ctx context.Context, block uint64, applied int) {
	ix.mu.Lock()
	if block > ix.watermark {
		ix.watermark = block
	}
	ix.eventCount += uint64(applied)
	wm := model.Watermark{
		LastProcessedBlock:  ix.watermark,
		ProcessedEventCount: ix.eventCount,
		UpdatedAt:           time.Now().UTC().Format(time.RFC3339Nano),
	}
	ix.mu.Unlock()

	if err := ix.cache.Set(ctx, cache.CategoryWatermark, "", wm); err != nil {
		ix.logger.Warn("watermark persist failed", zap.Error(err))
	}
}

func (ix *Indexer) loadWatermark(ctx context.Context) (model.Watermark, bool) {
	var wm model.Watermark
	if err := ix.cache.Get(ctx, cache.CategoryWatermark, "", &wm); err != nil {
		return model.Watermark{}, false
	}
	return wm, true
}

func (ix *Indexer) setProgress(block, events uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if block > ix.watermark {
		ix.watermark = block
	}
	ix.eventCount = events
}

func (ix *Indexer) setRunning(v bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.running = v
}
