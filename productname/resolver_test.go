package productname_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/dbtest"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/productname"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) *productname.GormCacheStore {
	store := productname.NewGormCacheStore(dbtest.Open(t))
	store.Clock = clock.NewFakeClock(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))
	return store
}

func TestResolve_PlaceholderCreatesPendingEntry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	r := productname.NewResolver(nil, store, nil)

	name, tier := r.Resolve(ctx, "ChannelA", "999")
	if name != "Item ChannelA ID 999" || tier != models.NameTierPlaceholder {
		t.Fatalf("got (%q, %s)", name, tier)
	}
	entry, err := store.Get(ctx, "ChannelA", "999")
	if err != nil || entry == nil {
		t.Fatalf("expected cache entry, got %v (%v)", entry, err)
	}
	if entry.SyncStatus != models.NameSyncStatusPending || entry.SourceTier == models.NameTierCanonical {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestResolve_TierOrdering(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	if err := store.MarkSynced(ctx, "ChannelA", "1", "Cached Soap"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	catalog := productname.MapCatalog{
		"1": "Catalog Soap",
		"2": "Item ChannelA ID 2",
	}
	r := productname.NewResolver(catalog, store, nil)

	if name, tier := r.Resolve(ctx, "ChannelA", "1"); name != "Catalog Soap" || tier != models.NameTierCanonical {
		t.Fatalf("canonical must win over cached, got (%q, %s)", name, tier)
	}
	if name, tier := r.Resolve(ctx, "ChannelA", "2"); tier == models.NameTierCanonical {
		t.Fatalf("placeholder-shaped catalog name must not be canonical, got (%q, %s)", name, tier)
	}

	r.Catalog = nil
	if name, tier := r.Resolve(ctx, "ChannelA", "1"); name != "Cached Soap" || tier != models.NameTierCached {
		t.Fatalf("expected cached tier, got (%q, %s)", name, tier)
	}
}

func TestResolve_PendingEntryNeverSurfaced(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	r := productname.NewResolver(nil, store, nil)

	_, _ = r.Resolve(ctx, "ChannelA", "7")
	if err := store.MarkFailed(ctx, "ChannelA", "7", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	name, tier := r.Resolve(ctx, "ChannelA", "7")
	if tier != models.NameTierPlaceholder || name != "Item ChannelA ID 7" {
		t.Fatalf("failed entry must not be surfaced, got (%q, %s)", name, tier)
	}
	entry, _ := store.Get(ctx, "ChannelA", "7")
	if entry.SyncStatus != models.NameSyncStatusFailed || entry.Attempts != 1 {
		t.Fatalf("resolving again must not reset a failed entry, got %s attempts=%d", entry.SyncStatus, entry.Attempts)
	}
}

func TestNameSyncJob_ExhaustedEntryStaysFailed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	r := productname.NewResolver(nil, store, nil)
	source := productname.NameSourceFunc(func(context.Context, string, stockkey.CanonicalKey) (string, error) {
		return "", errors.New("not found upstream")
	})
	job := productname.NewNameSyncJob(store, source, nil)
	job.MaxAttempts = 2

	_, _ = r.Resolve(ctx, "ChannelA", "42")
	for i := 0; i < 2; i++ {
		if _, err := job.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		// A later sync run sees the product again.
		_, _ = r.Resolve(ctx, "ChannelA", "42")
	}
	entry, _ := store.Get(ctx, "ChannelA", "42")
	if entry.SyncStatus != models.NameSyncStatusFailed || entry.Attempts != 2 {
		t.Fatalf("expected failed after 2 attempts, got %s attempts=%d", entry.SyncStatus, entry.Attempts)
	}
	stats, err := job.RunOnce(ctx)
	if err != nil || stats.Attempted != 0 {
		t.Fatalf("exhausted entry must not be retried, got %+v (%v)", stats, err)
	}
}

type failingCatalog struct{}

func (failingCatalog) LookupCanonicalName(context.Context, string, stockkey.CanonicalKey) (string, bool, error) {
	return "", false, errors.New("catalog down")
}

func TestResolve_StoreErrorsFallThrough(t *testing.T) {
	r := productname.NewResolver(failingCatalog{}, nil, nil)
	name, tier := r.Resolve(context.Background(), "ChannelB", "SKU-1")
	if name != "Item ChannelB ID SKU-1" || tier != models.NameTierPlaceholder {
		t.Fatalf("got (%q, %s)", name, tier)
	}
}

func TestChainCatalog(t *testing.T) {
	chain := productname.ChainCatalog{failingCatalog{}, productname.MapCatalog{"5": "Rice"}}
	name, ok, err := chain.LookupCanonicalName(context.Background(), "ChannelA", "5")
	if !ok || name != "Rice" || err != nil {
		t.Fatalf("got (%q, %v, %v)", name, ok, err)
	}
}

func TestIsPlaceholder(t *testing.T) {
	for _, s := range []string{"Item ChannelA ID 5", "item x id 9", "", "  "} {
		if !productname.IsPlaceholder(s) {
			t.Fatalf("%q should be a placeholder", s)
		}
	}
	for _, s := range []string{"Rice 5kg", "Item", "Item ChannelA"} {
		if productname.IsPlaceholder(s) {
			t.Fatalf("%q should not be a placeholder", s)
		}
	}
}

func TestNameSyncJob_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, k := range []stockkey.CanonicalKey{"1", "2", "3"} {
		if err := store.MarkPending(ctx, "ChannelA", k); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	source := productname.NameSourceFunc(func(_ context.Context, _ string, key stockkey.CanonicalKey) (string, error) {
		switch key {
		case "1":
			return "Green Tea", nil
		case "2":
			return "Item ChannelA ID 2", nil
		default:
			return "", errors.New("not found upstream")
		}
	})
	job := productname.NewNameSyncJob(store, source, nil)
	stats, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Attempted != 3 || stats.Synced != 1 || stats.Failed != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	e1, _ := store.Get(ctx, "ChannelA", "1")
	if e1.SyncStatus != models.NameSyncStatusSynced || e1.SourceTier != models.NameTierCanonical || e1.CachedName != "Green Tea" {
		t.Fatalf("unexpected synced entry %+v", e1)
	}
	e2, _ := store.Get(ctx, "ChannelA", "2")
	if e2.SyncStatus != models.NameSyncStatusFailed || e2.LastError == nil {
		t.Fatalf("placeholder from source must fail the entry, got %+v", e2)
	}

	job.MaxAttempts = 1
	stats, err = job.RunOnce(ctx)
	if err != nil || stats.Attempted != 0 {
		t.Fatalf("entries at max attempts must be skipped, got %+v (%v)", stats, err)
	}
}

func TestRedisCacheStore_FallsBackWhenRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	if err := store.MarkSynced(ctx, "ChannelA", "1", "Coffee"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	cached := productname.NewRedisCacheStore(rdb, store, nil)
	r := productname.NewResolver(nil, cached, nil)
	if name, tier := r.Resolve(ctx, "ChannelA", "1"); name != "Coffee" || tier != models.NameTierCached {
		t.Fatalf("got (%q, %s)", name, tier)
	}
}
