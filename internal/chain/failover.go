package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Ledger is the read surface the failover client rotates across endpoints.
// *Client implements it; tests inject fakes.
type Ledger interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	Close()
}

// EndpointConfig describes one upstream RPC endpoint. Lower Priority is
// tried first.
type EndpointConfig struct {
	URL      string
	Priority int
	Label    string
}

// EndpointHealth is a point-in-time view of one endpoint's health state,
// exposed on the operational health endpoint.
type EndpointHealth struct {
	URL                 string    `json:"url"`
	Priority            int       `json:"priority"`
	Label               string    `json:"label"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

type endpoint struct {
	cfg    EndpointConfig
	ledger Ledger

	healthy             bool
	consecutiveFailures int
	lastFailureAt       time.Time
}

// FailoverOptions configures a Failover client.
type FailoverOptions struct {
	Endpoints          []EndpointConfig
	UnhealthyThreshold int
	RecoveryDelay      time.Duration
	MaxRetries         int

	// Dial builds the per-endpoint ledger; defaults to NewClient.
	Dial   func(ctx context.Context, url string) (Ledger, error)
	Logger *zap.Logger

	now func() time.Time
}

// Failover executes ledger reads against a prioritized, health-scored set of
// endpoints. Individual failures rotate to the next candidate; callers only
// see an error once the whole retry budget is exhausted.
type Failover struct {
	mu        sync.Mutex
	endpoints []*endpoint

	unhealthyThreshold int
	recoveryDelay      time.Duration
	maxRetries         int
	logger             *zap.Logger
	now                func() time.Time
}

// NewFailover dials every configured endpoint and returns the client.
func NewFailover(ctx context.Context, opts FailoverOptions) (*Failover, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = 3
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string) (Ledger, error) {
			return NewClient(ctx, url)
		}
	}

	f := &Failover{
		unhealthyThreshold: opts.UnhealthyThreshold,
		recoveryDelay:      opts.RecoveryDelay,
		maxRetries:         opts.MaxRetries,
		logger:             opts.Logger,
		now:                opts.now,
	}

	for _, cfg := range opts.Endpoints {
		ledger, err := dial(ctx, cfg.URL)
		if err != nil {
			f.closeAll()
			return nil, fmt.Errorf("dial %s: %w", cfg.Label, err)
		}
		f.endpoints = append(f.endpoints, &endpoint{cfg: cfg, ledger: ledger, healthy: true})
	}
	sort.SliceStable(f.endpoints, func(i, j int) bool {
		return f.endpoints[i].cfg.Priority < f.endpoints[j].cfg.Priority
	})

	return f, nil
}

// Close closes every endpoint client.
func (f *Failover) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeAll()
}

func (f *Failover) closeAll() {
	for _, ep := range f.endpoints {
		if ep.ledger != nil {
			ep.ledger.Close()
		}
	}
}

// candidates returns the endpoints eligible for the next attempt: healthy
// ones plus unhealthy ones past their recovery delay, in priority order.
// When that set is empty every endpoint is returned to avoid total lockout.
func (f *Failover) candidates() []*endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	eligible := make([]*endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		if ep.healthy || now.Sub(ep.lastFailureAt) > f.recoveryDelay {
			eligible = append(eligible, ep)
		}
	}
	if len(eligible) == 0 {
		return append([]*endpoint(nil), f.endpoints...)
	}
	return eligible
}

func (f *Failover) markSuccess(ep *endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !ep.healthy {
		f.logger.Info("endpoint recovered", zap.String("endpoint", ep.cfg.Label))
	}
	ep.healthy = true
	ep.consecutiveFailures = 0
}

func (f *Failover) markFailure(ep *endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep.consecutiveFailures++
	ep.lastFailureAt = f.now()
	if ep.healthy && ep.consecutiveFailures >= f.unhealthyThreshold {
		ep.healthy = false
		f.logger.Warn("endpoint marked unhealthy",
			zap.String("endpoint", ep.cfg.Label),
			zap.Int("consecutive_failures", ep.consecutiveFailures))
	}
}

// Execute runs op with the default retry budget.
func (f *Failover) Execute(ctx context.Context, op func(context.Context, Ledger) error) error {
	return f.ExecuteRetries(ctx, f.maxRetries, op)
}

// ExecuteRetries tries each candidate endpoint in priority order for up to
// maxRetries passes. The first success returns immediately; if everything
// fails the collected per-endpoint errors are joined into one.
func (f *Failover) ExecuteRetries(ctx context.Context, maxRetries int, op func(context.Context, Ledger) error) error {
	if maxRetries <= 0 {
		maxRetries = f.maxRetries
	}

	var failures []error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		for _, ep := range f.candidates() {
			if err := ctx.Err(); err != nil {
				failures = append(failures, err)
				return fmt.Errorf("ledger read aborted: %w", errors.Join(failures...))
			}

			err := op(ctx, ep.ledger)
			if err == nil {
				f.markSuccess(ep)
				return nil
			}
			f.markFailure(ep)
			failures = append(failures, fmt.Errorf("%s (attempt %d): %w", ep.cfg.Label, attempt, err))
		}
	}

	return fmt.Errorf("all endpoints failed: %w", errors.Join(failures...))
}

// LatestBlockNumber reads the chain head through the failover rotation.
func (f *Failover) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := f.Execute(ctx, func(ctx context.Context, l Ledger) error {
		var err error
		head, err = l.LatestBlockNumber(ctx)
		return err
	})
	return head, err
}

// FilterLogs fetches logs through the failover rotation.
func (f *Failover) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	var logs []types.Log
	err := f.Execute(ctx, func(ctx context.Context, l Ledger) error {
		var err error
		logs, err = l.FilterLogs(ctx, fromBlock, toBlock, addresses, topic0)
		return err
	})
	return logs, err
}

// TransactionReceipt fetches a receipt through the failover rotation.
func (f *Failover) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := f.Execute(ctx, func(ctx context.Context, l Ledger) error {
		var err error
		receipt, err = l.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

// CallContract performs a raw contract read through the failover rotation.
func (f *Failover) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := f.Execute(ctx, func(ctx context.Context, l Ledger) error {
		var err error
		out, err = l.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// BlockTimestamp fetches a block timestamp through the failover rotation.
func (f *Failover) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := f.Execute(ctx, func(ctx context.Context, l Ledger) error {
		var err error
		ts, err = l.BlockTimestamp(ctx, number)
		return err
	})
	return ts, err
}

// ProbeAll runs a cheap read against every endpoint, healthy or not, and
// updates health state. Used by the periodic probe loop; rotation does not
// depend on it.
func (f *Failover) ProbeAll(ctx context.Context) {
	f.mu.Lock()
	endpoints := append([]*endpoint(nil), f.endpoints...)
	f.mu.Unlock()

	for _, ep := range endpoints {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := ep.ledger.LatestBlockNumber(probeCtx)
		cancel()
		if err != nil {
			f.markFailure(ep)
			continue
		}
		f.markSuccess(ep)
	}
}

// RunProbeLoop probes all endpoints on the given interval until ctx ends.
func (f *Failover) RunProbeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.ProbeAll(ctx)
		}
	}
}

// HealthSnapshot reports per-endpoint health for the status endpoint.
func (f *Failover) HealthSnapshot() []EndpointHealth {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]EndpointHealth, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		out = append(out, EndpointHealth{
			URL:                 ep.cfg.URL,
			Priority:            ep.cfg.Priority,
			Label:               ep.cfg.Label,
			Healthy:             ep.healthy,
			ConsecutiveFailures: ep.consecutiveFailures,
			LastFailureAt:       ep.lastFailureAt,
		})
	}
	return out
}
