package productname

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisCacheStore keeps synced entries in Redis in front of a durable CacheStore.
// Redis failures are logged and the durable store answers instead.
type RedisCacheStore struct {
	Redis  *redis.Client
	Next   CacheStore
	TTL    time.Duration
	Logger *logrus.Logger
}

func NewRedisCacheStore(rdb *redis.Client, next CacheStore, logger *logrus.Logger) *RedisCacheStore {
	return &RedisCacheStore{Redis: rdb, Next: next, TTL: 6 * time.Hour, Logger: logger}
}

func redisKey(source string, key stockkey.CanonicalKey) string {
	return fmt.Sprintf("product_name:%s:%s", source, key)
}

func (s *RedisCacheStore) Get(ctx context.Context, source string, key stockkey.CanonicalKey) (*models.ProductNameCacheEntry, error) {
	if s.Redis != nil {
		val, err := s.Redis.Get(ctx, redisKey(source, key)).Bytes()
		switch {
		case err == nil:
			var entry models.ProductNameCacheEntry
			if jsonErr := json.Unmarshal(val, &entry); jsonErr == nil {
				return &entry, nil
			}
		case !errors.Is(err, redis.Nil):
			s.warn("get", source, key, err)
		}
	}
	entry, err := s.Next.Get(ctx, source, key)
	if err != nil || entry == nil {
		return entry, err
	}
	// Only synced entries are stable enough to cache.
	if entry.Usable() {
		s.set(ctx, source, key, entry)
	}
	return entry, nil
}

func (s *RedisCacheStore) MarkPending(ctx context.Context, source string, key stockkey.CanonicalKey) error {
	return s.Next.MarkPending(ctx, source, key)
}

func (s *RedisCacheStore) ListPending(ctx context.Context, limit int, maxAttempts int) ([]models.ProductNameCacheEntry, error) {
	return s.Next.ListPending(ctx, limit, maxAttempts)
}

func (s *RedisCacheStore) MarkSynced(ctx context.Context, source string, key stockkey.CanonicalKey, name string) error {
	if err := s.Next.MarkSynced(ctx, source, key, name); err != nil {
		return err
	}
	s.del(ctx, source, key)
	return nil
}

func (s *RedisCacheStore) MarkFailed(ctx context.Context, source string, key stockkey.CanonicalKey, reason string) error {
	if err := s.Next.MarkFailed(ctx, source, key, reason); err != nil {
		return err
	}
	s.del(ctx, source, key)
	return nil
}

func (s *RedisCacheStore) set(ctx context.Context, source string, key stockkey.CanonicalKey, entry *models.ProductNameCacheEntry) {
	if s.Redis == nil {
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.Redis.Set(ctx, redisKey(source, key), b, s.TTL).Err(); err != nil {
		s.warn("set", source, key, err)
	}
}

func (s *RedisCacheStore) del(ctx context.Context, source string, key stockkey.CanonicalKey) {
	if s.Redis == nil {
		return
	}
	if err := s.Redis.Del(ctx, redisKey(source, key)).Err(); err != nil {
		s.warn("del", source, key, err)
	}
}

func (s *RedisCacheStore) warn(op, source string, key stockkey.CanonicalKey, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"field":       "RedisCacheStore",
		"op":          op,
		"source":      source,
		"product_key": key.String(),
	}).Warn(err.Error())
}
