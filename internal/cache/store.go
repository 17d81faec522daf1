// Package cache implements the redis-backed projection store: typed get/set
// over category-specific keys with independent TTLs, pipelined batch
// operations, and event-kind-driven invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"registryScope/internal/registry"
)

// ErrMiss is returned when a key is absent or its value cannot be decoded.
// A corrupt value is treated identically to an absent key: readers fail open
// to a cache miss, never an error.
var ErrMiss = errors.New("cache miss")

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is the category-keyed cache layer shared by the indexer (writer) and
// the query engine (reader). Key namespaces are static and non-overlapping,
// so no cross-key atomicity is needed.
type Store struct {
	rdb        *redis.Client
	logger     *zap.Logger
	categories map[Category]CategoryConfig
}

// New connects to redis and returns a Store with the default categories.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("connected to redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return NewWithClient(rdb, logger), nil
}

// NewWithClient wraps an existing redis client; tests use this with
// miniredis.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rdb:        rdb,
		logger:     logger,
		categories: DefaultCategories(),
	}
}

// Close closes the redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Category returns the config for a category.
func (s *Store) Category(cat Category) (CategoryConfig, error) {
	cfg, ok := s.categories[cat]
	if !ok {
		return CategoryConfig{}, fmt.Errorf("unknown cache category %q", cat)
	}
	return cfg, nil
}

// Get reads and decodes one keyed value into out. Absent and corrupt values
// both surface as ErrMiss.
func (s *Store) Get(ctx context.Context, cat Category, id string, out any) error {
	cfg, err := s.Category(cat)
	if err != nil {
		return err
	}
	key := cfg.Key(id)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("discarding corrupt cached value", zap.String("key", key), zap.Error(err))
		return ErrMiss
	}
	return nil
}

// Set encodes and writes one keyed value with the category's TTL.
func (s *Store) Set(ctx context.Context, cat Category, id string, value any) error {
	cfg, err := s.Category(cat)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cfg.Key(id), err)
	}
	return s.rdb.Set(ctx, cfg.Key(id), data, cfg.TTL).Err()
}

// Delete removes one keyed value. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, cat Category, id string) error {
	cfg, err := s.Category(cat)
	if err != nil {
		return err
	}
	return s.rdb.Del(ctx, cfg.Key(id)).Err()
}

// BatchGet reads many keyed values in a single pipelined round trip and
// returns the raw payloads of the keys that were present.
func (s *Store) BatchGet(ctx context.Context, cat Category, ids []string) (map[string][]byte, error) {
	cfg, err := s.Category(cat)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string][]byte{}, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, cfg.Key(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch get %s: %w", cat, err)
	}

	out := make(map[string][]byte, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("batch get %s: %w", cfg.Key(ids[i]), err)
		}
		out[ids[i]] = data
	}
	return out, nil
}

// BatchSet writes many keyed values in a single pipelined round trip, each
// with the category's TTL. The pipeline is not atomic across keys; a partial
// failure may leave a subset written.
func (s *Store) BatchSet(ctx context.Context, cat Category, entries map[string]any) error {
	cfg, err := s.Category(cat)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	payloads := make(map[string][]byte, len(entries))
	for id, value := range entries {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", cfg.Key(id), err)
		}
		payloads[id] = data
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, data := range payloads {
			pipe.Set(ctx, cfg.Key(id), data, cfg.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch set %s: %w", cat, err)
	}
	return nil
}

// Invalidate deletes every category entry the event kind affects: the keyed
// entry for parameterized categories, the fixed key for global ones, or a
// pattern-based bulk delete for dynamically suffixed categories.
func (s *Store) Invalidate(ctx context.Context, kind registry.Kind, id string) error {
	var errs []error
	for cat, cfg := range s.categories {
		if !invalidatedBy(cfg, kind) {
			continue
		}
		switch {
		case cfg.PatternDelete:
			if err := s.deletePattern(ctx, cfg.KeyPrefix+"*"); err != nil {
				errs = append(errs, fmt.Errorf("invalidate %s: %w", cat, err))
			}
		case cfg.Parameterized:
			if id == "" {
				continue
			}
			if err := s.rdb.Del(ctx, cfg.Key(id)).Err(); err != nil {
				errs = append(errs, fmt.Errorf("invalidate %s: %w", cat, err))
			}
		default:
			if err := s.rdb.Del(ctx, cfg.KeyPrefix).Err(); err != nil {
				errs = append(errs, fmt.Errorf("invalidate %s: %w", cat, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ScanIDs lists the id suffixes of every key in a parameterized category.
// This is an unbounded key-pattern scan; acceptable at current registry
// sizes but a known limitation at scale.
func (s *Store) ScanIDs(ctx context.Context, cat Category) ([]string, error) {
	cfg, err := s.Category(cat)
	if err != nil {
		return nil, err
	}
	if !cfg.Parameterized {
		return nil, fmt.Errorf("category %q is not parameterized", cat)
	}

	var ids []string
	iter := s.rdb.Scan(ctx, 0, cfg.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids = append(ids, key[len(cfg.KeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", cat, err)
	}
	return ids, nil
}

func (s *Store) deletePattern(ctx context.Context, pattern string) error {
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func invalidatedBy(cfg CategoryConfig, kind registry.Kind) bool {
	for _, k := range cfg.InvalidatedBy {
		if k == kind {
			return true
		}
	}
	return false
}
