package warmup

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"registryScope/internal/cache"
	"registryScope/internal/model"
)

func TestRunInitializesEmptyList(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	defer store.Close()

	report := Run(context.Background(), store, time.Second, nil)
	if !report.Completed || !report.Success {
		t.Fatalf("expected successful warmup: %+v", report)
	}

	var records []model.ServiceRecord
	if err := store.Get(context.Background(), cache.CategoryList, "", &records); err != nil {
		t.Fatalf("list key should exist after warmup: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("seeded list should be empty, got %d", len(records))
	}
}

func TestRunKeepsExistingList(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	defer store.Close()

	existing := []model.ServiceRecord{{ID: "0xabc", Stake: big.NewInt(1), State: model.StateActive}}
	if err := store.Set(context.Background(), cache.CategoryList, "", existing); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	report := Run(context.Background(), store, time.Second, nil)
	if !report.Success {
		t.Fatalf("expected success: %+v", report)
	}

	var records []model.ServiceRecord
	if err := store.Get(context.Background(), cache.CategoryList, "", &records); err != nil {
		t.Fatalf("list read failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("existing list must not be overwritten, got %d records", len(records))
	}
}

func TestRunReportsCacheFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	defer store.Close()
	mr.Close()

	report := Run(context.Background(), store, time.Second, nil)
	if !report.Completed {
		t.Fatalf("warmup must complete even on failure: %+v", report)
	}
	if report.Success || report.Error == "" {
		t.Fatalf("expected a failed report with an error: %+v", report)
	}
}
