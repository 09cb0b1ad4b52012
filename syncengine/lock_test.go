package syncengine

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/dbtest"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
)

func TestGormLocker_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	l := &GormLocker{DB: db, Clock: clk}

	first, err := l.Acquire(ctx, "ChannelA", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "ChannelA", time.Minute); !utils.IsConcurrentSync(err) {
		t.Fatalf("expected ConcurrentSyncError, got %v", err)
	}
	if _, err := l.Acquire(ctx, "ChannelB", time.Minute); err != nil {
		t.Fatalf("other channel should be free: %v", err)
	}

	// A crashed holder never releases; the lease becomes reclaimable after its TTL.
	clk.Advance(2 * time.Minute)
	second, err := l.Acquire(ctx, "ChannelA", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := first.Refresh(ctx, time.Minute); err == nil {
		t.Fatalf("stale holder must not refresh a reclaimed lease")
	}
	if err := second.Refresh(ctx, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
