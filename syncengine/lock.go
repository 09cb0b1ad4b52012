package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Locker hands out the exclusive per-channel lease. A held lease yields *utils.ConcurrentSyncError.
type Locker interface {
	Acquire(ctx context.Context, channel models.Channel, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

func lockKey(channel models.Channel) string {
	return fmt.Sprintf("lock:stock-sync:%s", channel)
}

// RedisLocker leases through redislock; the key expires on its own if the process dies.
type RedisLocker struct {
	Client *redislock.Client
}

func (l *RedisLocker) Acquire(ctx context.Context, channel models.Channel, ttl time.Duration) (Lease, error) {
	if l.Client == nil {
		return nil, errors.New("redis lock client not ready")
	}
	lock, err := l.Client.Obtain(ctx, lockKey(channel), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, &utils.ConcurrentSyncError{Channel: channel.String()}
	}
	if err != nil {
		return nil, err
	}
	return &redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	return l.lock.Refresh(ctx, ttl, nil)
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// GormLocker leases through the sync_leases table for deployments without Redis.
type GormLocker struct {
	DB    *gorm.DB
	Clock clock.Clock
}

func (l *GormLocker) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now()
}

func (l *GormLocker) Acquire(ctx context.Context, channel models.Channel, ttl time.Duration) (Lease, error) {
	owner := uuid.NewString()
	ok, err := models.AcquireSyncLease(ctx, l.DB, channel, owner, l.now(), ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &utils.ConcurrentSyncError{Channel: channel.String()}
	}
	return &gormLease{locker: l, channel: channel, owner: owner}, nil
}

type gormLease struct {
	locker  *GormLocker
	channel models.Channel
	owner   string
}

func (l *gormLease) Refresh(ctx context.Context, ttl time.Duration) error {
	return models.RefreshSyncLease(ctx, l.locker.DB, l.channel, l.owner, l.locker.now(), ttl)
}

func (l *gormLease) Release(ctx context.Context) error {
	err := models.ReleaseSyncLease(ctx, l.locker.DB, l.channel, l.owner)
	if errors.Is(err, models.ErrLeaseNotHeld) {
		return nil
	}
	return err
}
