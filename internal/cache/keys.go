package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"registryScope/internal/registry"
)

// Category identifies one cached projection with its own key space and TTL.
type Category string

const (
	CategoryList       Category = "list"
	CategoryDetail     Category = "detail"
	CategoryReputation Category = "reputation"
	CategoryQuery      Category = "query"
	CategoryWatermark  Category = "watermark"
)

// CategoryConfig describes a category's key pattern, TTL, and the event
// kinds that invalidate it.
type CategoryConfig struct {
	KeyPrefix string
	TTL       time.Duration
	// Parameterized keys take an entity id (or query hash) suffix.
	Parameterized bool
	// PatternDelete invalidates by bulk-deleting every key under the prefix
	// instead of a single keyed delete.
	PatternDelete bool
	InvalidatedBy []registry.Kind
}

var lifecycleKinds = []registry.Kind{
	registry.KindRegistered,
	registry.KindActivated,
	registry.KindChallenged,
	registry.KindSlashed,
	registry.KindWithdrawn,
}

// DefaultCategories returns the category table used in production.
func DefaultCategories() map[Category]CategoryConfig {
	return map[Category]CategoryConfig{
		CategoryList: {
			KeyPrefix:     "services:list",
			TTL:           60 * time.Second,
			InvalidatedBy: lifecycleKinds,
		},
		CategoryDetail: {
			KeyPrefix:     "services:detail:",
			TTL:           300 * time.Second,
			Parameterized: true,
			InvalidatedBy: []registry.Kind{registry.KindChallengeResolved},
		},
		CategoryReputation: {
			KeyPrefix:     "services:rep:",
			TTL:           30 * time.Second,
			Parameterized: true,
			InvalidatedBy: []registry.Kind{registry.KindReputationUpdated},
		},
		CategoryQuery: {
			KeyPrefix:     "services:query:",
			TTL:           60 * time.Second,
			Parameterized: true,
			PatternDelete: true,
			InvalidatedBy: lifecycleKinds,
		},
		CategoryWatermark: {
			KeyPrefix: "indexer:watermark",
			TTL:       120 * time.Second,
		},
	}
}

// Key builds the redis key for a category, appending id for parameterized
// categories.
func (c CategoryConfig) Key(id string) string {
	if c.Parameterized {
		return c.KeyPrefix + id
	}
	return c.KeyPrefix
}

// QueryHash produces a compact, stable, non-cryptographic discriminator for
// a normalized filter parameter set. Collisions are a performance concern
// only, never a correctness one.
func QueryHash(params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, name := range names {
		value, err := json.Marshal(params[name])
		if err != nil {
			value = []byte(fmt.Sprintf("%v", params[name]))
		}
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write(value)
		_, _ = h.Write([]byte{';'})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
