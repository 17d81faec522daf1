package cache

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"registryScope/internal/model"
	"registryScope/internal/registry"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(rdb, nil)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func serviceID(suffix byte) string {
	id := make([]byte, 0, 66)
	id = append(id, '0', 'x')
	for i := 0; i < 62; i++ {
		id = append(id, '0')
	}
	return string(id) + string([]byte{hexDigit(suffix >> 4), hexDigit(suffix & 0x0f)})
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + n - 10
}

func TestGetSetRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	id := serviceID(0x01)
	record := model.ServiceRecord{
		ID:           id,
		Provider:     "0x1111111111111111111111111111111111111111",
		Stake:        big.NewInt(5000),
		State:        model.StateActive,
		RegisteredAt: 1700000000,
	}
	if err := store.Set(ctx, CategoryDetail, id, record); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	var got model.ServiceRecord
	if err := store.Get(ctx, CategoryDetail, id, &got); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != id || got.Stake.Cmp(record.Stake) != 0 || got.State != model.StateActive {
		t.Fatalf("record mismatch: %+v", got)
	}

	// The detail TTL applies and the key expires on its own.
	if ttl := mr.TTL("services:detail:" + id); ttl != 300*time.Second {
		t.Fatalf("detail TTL mismatch: %v", ttl)
	}
	mr.FastForward(301 * time.Second)
	if err := store.Get(ctx, CategoryDetail, id, &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after TTL, got %v", err)
	}
}

func TestGetMissAndCorrupt(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	var out model.ServiceRecord
	if err := store.Get(ctx, CategoryDetail, serviceID(0x02), &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss for absent key, got %v", err)
	}

	// A corrupt value is indistinguishable from a miss to the caller.
	mr.Set("services:detail:"+serviceID(0x02), "{not json")
	if err := store.Get(ctx, CategoryDetail, serviceID(0x02), &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss for corrupt value, got %v", err)
	}
}

func TestBatchGetSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entries := map[string]any{}
	ids := []string{serviceID(0x10), serviceID(0x11), serviceID(0x12)}
	for i, id := range ids {
		entries[id] = model.ServiceRecord{ID: id, Stake: big.NewInt(int64(i + 1)), State: model.StatePending}
	}
	if err := store.BatchSet(ctx, CategoryDetail, entries); err != nil {
		t.Fatalf("batch set failed: %v", err)
	}

	// One requested id is absent; the result simply omits it.
	want := append([]string{}, ids...)
	got, err := store.BatchGet(ctx, CategoryDetail, append(ids, serviceID(0xff)))
	if err != nil {
		t.Fatalf("batch get failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d hits, got %d", len(want), len(got))
	}
	for _, id := range want {
		if _, ok := got[id]; !ok {
			t.Fatalf("missing id %s in batch result", id)
		}
	}
}

func TestInvalidateLifecycleKind(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := serviceID(0x20)

	if err := store.Set(ctx, CategoryList, "", []model.ServiceRecord{}); err != nil {
		t.Fatalf("seed list failed: %v", err)
	}
	if err := store.Set(ctx, CategoryQuery, "abc123", []model.ServiceRecord{}); err != nil {
		t.Fatalf("seed query failed: %v", err)
	}
	if err := store.Set(ctx, CategoryDetail, id, model.ServiceRecord{ID: id}); err != nil {
		t.Fatalf("seed detail failed: %v", err)
	}

	// A lifecycle event drops the list and every query result, but not the
	// detail entry: the indexer rewrites that in place.
	if err := store.Invalidate(ctx, registry.KindActivated, id); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	var list []model.ServiceRecord
	if err := store.Get(ctx, CategoryList, "", &list); !errors.Is(err, ErrMiss) {
		t.Fatalf("list should be gone, got %v", err)
	}
	var query []model.ServiceRecord
	if err := store.Get(ctx, CategoryQuery, "abc123", &query); !errors.Is(err, ErrMiss) {
		t.Fatalf("query entries should be gone, got %v", err)
	}
	var detail model.ServiceRecord
	if err := store.Get(ctx, CategoryDetail, id, &detail); err != nil {
		t.Fatalf("detail should survive a lifecycle invalidation: %v", err)
	}
}

func TestInvalidateChallengeResolvedEvictsDetail(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := serviceID(0x21)

	if err := store.Set(ctx, CategoryDetail, id, model.ServiceRecord{ID: id}); err != nil {
		t.Fatalf("seed detail failed: %v", err)
	}
	if err := store.Invalidate(ctx, registry.KindChallengeResolved, id); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	var detail model.ServiceRecord
	if err := store.Get(ctx, CategoryDetail, id, &detail); !errors.Is(err, ErrMiss) {
		t.Fatalf("detail should be evicted, got %v", err)
	}
}

func TestInvalidateReputationKind(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := serviceID(0x22)

	if err := store.Set(ctx, CategoryReputation, id, model.ReputationRecord{DisplayScore: 80}); err != nil {
		t.Fatalf("seed reputation failed: %v", err)
	}
	if err := store.Set(ctx, CategoryList, "", []model.ServiceRecord{{ID: id}}); err != nil {
		t.Fatalf("seed list failed: %v", err)
	}

	if err := store.Invalidate(ctx, registry.KindReputationUpdated, id); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	var rep model.ReputationRecord
	if err := store.Get(ctx, CategoryReputation, id, &rep); !errors.Is(err, ErrMiss) {
		t.Fatalf("reputation should be gone, got %v", err)
	}
	// Reputation changes do not touch the ranked list snapshot.
	var list []model.ServiceRecord
	if err := store.Get(ctx, CategoryList, "", &list); err != nil {
		t.Fatalf("list should survive a reputation invalidation: %v", err)
	}
}

func TestScanIDs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	want := []string{serviceID(0x30), serviceID(0x31), serviceID(0x32)}
	for _, id := range want {
		if err := store.Set(ctx, CategoryDetail, id, model.ServiceRecord{ID: id}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	// Keys in other categories must not leak into the scan.
	if err := store.Set(ctx, CategoryReputation, serviceID(0x30), model.ReputationRecord{}); err != nil {
		t.Fatalf("seed reputation failed: %v", err)
	}

	got, err := store.ScanIDs(ctx, CategoryDetail)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("id mismatch at %d: got %s, want %s", i, got[i], want[i])
		}
	}

	if _, err := store.ScanIDs(ctx, CategoryList); err == nil {
		t.Fatalf("scan of a fixed-key category should error")
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	wm := model.Watermark{LastProcessedBlock: 1234, ProcessedEventCount: 99, UpdatedAt: "2026-08-30T12:00:00Z"}
	if err := store.Set(ctx, CategoryWatermark, "", wm); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	var got model.Watermark
	if err := store.Get(ctx, CategoryWatermark, "", &got); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.LastProcessedBlock != 1234 || got.ProcessedEventCount != 99 {
		t.Fatalf("watermark mismatch: %+v", got)
	}
	if ttl := mr.TTL("indexer:watermark"); ttl != 120*time.Second {
		t.Fatalf("watermark TTL mismatch: %v", ttl)
	}
}

func TestQueryHashStability(t *testing.T) {
	a := QueryHash(map[string]any{"capability": "tools", "minScore": 50})
	b := QueryHash(map[string]any{"minScore": 50, "capability": "tools"})
	if a != b {
		t.Fatalf("hash should not depend on map order: %s != %s", a, b)
	}

	c := QueryHash(map[string]any{"capability": "tools", "minScore": 51})
	if a == c {
		t.Fatalf("different params should produce different hashes")
	}

	if QueryHash(nil) != QueryHash(map[string]any{}) {
		t.Fatalf("empty parameter sets should hash identically")
	}
}
