package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"registryScope/internal/cache"
	"registryScope/internal/model"
)

// RebuildList reconstructs the aggregate list from every per-entity detail
// key: one scan, one pipelined batch read of details and reputations, then
// a single write of the flat array under the default list key.
//
// The scan is unbounded over the detail key space and the write is not
// atomic with concurrent per-entity updates; both are accepted, given the
// periodic rebuild self-heals. Ids are sorted so two rebuilds with no
// intervening writes produce identical output.
func (ix *Indexer) RebuildList(ctx context.Context) error {
	ids, err := ix.cache.ScanIDs(ctx, cache.CategoryDetail)
	if err != nil {
		return fmt.Errorf("scan detail keys: %w", err)
	}
	sort.Strings(ids)

	details, err := ix.cache.BatchGet(ctx, cache.CategoryDetail, ids)
	if err != nil {
		return fmt.Errorf("batch read details: %w", err)
	}
	reputations, err := ix.cache.BatchGet(ctx, cache.CategoryReputation, ids)
	if err != nil {
		return fmt.Errorf("batch read reputations: %w", err)
	}

	records := make([]model.ServiceRecord, 0, len(ids))
	for _, id := range ids {
		data, ok := details[id]
		if !ok {
			continue
		}
		var record model.ServiceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			ix.logger.Warn("corrupt detail entry skipped during rebuild",
				zap.String("service_id", id), zap.Error(err))
			continue
		}
		if repData, ok := reputations[id]; ok {
			var rep model.ReputationRecord
			if err := json.Unmarshal(repData, &rep); err == nil {
				record.Reputation = &rep
			}
		}
		records = append(records, record)
	}

	if err := ix.cache.Set(ctx, cache.CategoryList, "", records); err != nil {
		return fmt.Errorf("write list: %w", err)
	}

	ix.logger.Debug("list rebuilt", zap.Int("services", len(records)))
	return nil
}
