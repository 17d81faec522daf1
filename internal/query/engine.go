// Package query filters, ranks, sorts, and paginates the cached service
// projection. It reads exclusively from the cache store and never
// synthesizes records: population is the indexer's job alone.
package query

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"

	"registryScope/internal/cache"
	"registryScope/internal/model"
)

// Sort field names accepted by Discover.
const (
	SortByScore        = "score"
	SortByStake        = "stake"
	SortByRegisteredAt = "registeredAt"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// weiPerToken converts whole-token request units into the smallest ledger
// unit used for stored stakes.
var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Params is a normalized discovery query.
type Params struct {
	Capability string
	Tag        string
	MinScore   int
	// MinStake is in whole tokens; converted to the smallest unit before
	// comparison.
	MinStake  *big.Int
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// Result is one discovery response page.
type Result struct {
	Items       []model.ServiceRecord `json:"items"`
	Total       int                   `json:"total"`
	Page        int                   `json:"page"`
	PerPage     int                   `json:"per_page"`
	QueryTimeMs int64                 `json:"query_time_ms"`
}

// Config tunes the engine per deployment.
type Config struct {
	// StakeCap is the large-stake threshold where the stake contribution to
	// the rank score saturates, in the smallest ledger unit.
	StakeCap     *big.Int
	MaxLimit     int
	DefaultLimit int
	ActiveOnly   bool
	// NeutralScore is the display score assumed for services with no
	// reputation data when ranking.
	NeutralScore int
}

// Engine answers discovery queries from the cache store.
type Engine struct {
	cache  *cache.Store
	cfg    Config
	logger *zap.Logger
}

// New builds an Engine.
func New(store *cache.Store, cfg Config, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is nil")
	}
	if cfg.StakeCap == nil || cfg.StakeCap.Sign() <= 0 {
		return nil, fmt.Errorf("stake cap must be positive")
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.NeutralScore <= 0 {
		cfg.NeutralScore = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cache: store, cfg: cfg, logger: logger}, nil
}

// Discover runs one paginated discovery query. Out-of-range limit and
// offset values are clamped, never rejected.
func (e *Engine) Discover(ctx context.Context, params Params) (*Result, error) {
	start := time.Now()

	limit := params.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	records, err := e.sourceRecords(ctx, params)
	if err != nil {
		return nil, err
	}

	ranked := e.rank(records)
	e.sortItems(ranked, params.SortBy, params.SortOrder)

	total := len(ranked)
	pageStart := offset
	if pageStart > total {
		pageStart = total
	}
	pageEnd := pageStart + limit
	if pageEnd > total {
		pageEnd = total
	}

	return &Result{
		Items:       ranked[pageStart:pageEnd],
		Total:       total,
		Page:        offset/limit + 1,
		PerPage:     limit,
		QueryTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Detail returns one cached service by id, with its reputation attached
// when present. A missing entity is unknown, never fabricated.
func (e *Engine) Detail(ctx context.Context, id string) (*model.ServiceRecord, error) {
	var record model.ServiceRecord
	if err := e.cache.Get(ctx, cache.CategoryDetail, id, &record); err != nil {
		return nil, err
	}

	var rep model.ReputationRecord
	if err := e.cache.Get(ctx, cache.CategoryReputation, id, &rep); err == nil {
		record.Reputation = &rep
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}
	return &record, nil
}

// sourceRecords resolves the filtered record set: the per-query cache entry
// when present, otherwise a fresh filter over the aggregate list (cached
// back under the query hash), otherwise empty.
func (e *Engine) sourceRecords(ctx context.Context, params Params) ([]model.ServiceRecord, error) {
	hash := QueryHash(params)

	var records []model.ServiceRecord
	err := e.cache.Get(ctx, cache.CategoryQuery, hash, &records)
	if err == nil {
		return records, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}

	var all []model.ServiceRecord
	err = e.cache.Get(ctx, cache.CategoryList, "", &all)
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	records = e.filter(all, params)
	if err := e.cache.Set(ctx, cache.CategoryQuery, hash, records); err != nil {
		e.logger.Warn("query result cache write failed", zap.String("hash", hash), zap.Error(err))
	}
	return records, nil
}

// QueryHash derives the cache-key discriminator from the filter parameters
// only; sort and pagination never change the cached set.
func QueryHash(params Params) string {
	filters := map[string]any{}
	if params.Capability != "" {
		filters["capability"] = params.Capability
	}
	if params.Tag != "" {
		filters["tag"] = params.Tag
	}
	if params.MinScore > 0 {
		filters["minScore"] = params.MinScore
	}
	if params.MinStake != nil && params.MinStake.Sign() > 0 {
		filters["minStake"] = params.MinStake.String()
	}
	return cache.QueryHash(filters)
}

func (e *Engine) filter(records []model.ServiceRecord, params Params) []model.ServiceRecord {
	var minStakeWei *big.Int
	if params.MinStake != nil && params.MinStake.Sign() > 0 {
		minStakeWei = new(big.Int).Mul(params.MinStake, weiPerToken)
	}

	out := make([]model.ServiceRecord, 0, len(records))
	for _, rec := range records {
		if e.cfg.ActiveOnly && rec.State != model.StateActive {
			continue
		}
		if params.MinScore > 0 {
			if rec.Reputation == nil || rec.Reputation.DisplayScore < params.MinScore {
				continue
			}
		}
		if minStakeWei != nil {
			if rec.Stake == nil || rec.Stake.Cmp(minStakeWei) < 0 {
				continue
			}
		}
		if params.Capability != "" && !contains(rec.Capabilities(), params.Capability) {
			continue
		}
		if params.Tag != "" && !contains(rec.Tags(), params.Tag) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// rank recomputes the composite score, orders descending, and assigns the
// dense 1-based display rank. Rank is derived output, never stored.
func (e *Engine) rank(records []model.ServiceRecord) []model.ServiceRecord {
	scores := make([]float64, len(records))
	for i := range records {
		scores[i] = e.RankScore(&records[i])
	}

	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	out := make([]model.ServiceRecord, len(records))
	for pos, idx := range order {
		out[pos] = records[idx]
		out[pos].Rank = pos + 1
	}
	return out
}

// RankScore is 0.7 × displayScore + 0.3 × min(stake/cap, 1) × 100. The
// stake ratio is derived with integer arithmetic; floating point enters
// only at this final scoring step.
func (e *Engine) RankScore(rec *model.ServiceRecord) float64 {
	display := e.cfg.NeutralScore
	if rec.Reputation != nil {
		display = rec.Reputation.DisplayScore
	}
	return 0.7*float64(display) + 0.3*(float64(stakeRatioBps(rec.Stake, e.cfg.StakeCap))/10000)*100
}

// stakeRatioBps returns min(stake/cap, 1) in basis-point-of-one units
// (0..10000), computed entirely in big.Int.
func stakeRatioBps(stake, stakeCap *big.Int) int64 {
	if stake == nil || stake.Sign() <= 0 || stakeCap == nil || stakeCap.Sign() <= 0 {
		return 0
	}
	if stake.Cmp(stakeCap) >= 0 {
		return 10000
	}
	ratio := new(big.Int).Mul(stake, big.NewInt(10000))
	ratio.Quo(ratio, stakeCap)
	return ratio.Int64()
}

func (e *Engine) sortItems(records []model.ServiceRecord, sortBy, sortOrder string) {
	if sortBy == "" {
		return
	}
	asc := sortOrder == SortAsc

	var less func(a, b *model.ServiceRecord) bool
	switch sortBy {
	case SortByScore:
		less = func(a, b *model.ServiceRecord) bool {
			return e.RankScore(a) < e.RankScore(b)
		}
	case SortByStake:
		less = func(a, b *model.ServiceRecord) bool {
			return cmpBig(a.Stake, b.Stake) < 0
		}
	case SortByRegisteredAt:
		less = func(a, b *model.ServiceRecord) bool {
			return a.RegisteredAt < b.RegisteredAt
		}
	default:
		return
	}

	sort.SliceStable(records, func(i, j int) bool {
		if asc {
			return less(&records[i], &records[j])
		}
		return less(&records[j], &records[i])
	})
}

func cmpBig(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
