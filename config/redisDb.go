package config

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB is nil until ConnectRedisWithRetry returns.
func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry blocks until Redis answers a ping, then sets the client and the lock client.
func ConnectRedisWithRetry() {
	opts := &redis.Options{
		Addr:     utils.StringFromEnv("REDIS_ADDRESS", "localhost:6379"),
		Password: utils.StringFromEnv("REDIS_PASSWORD", ""),
		DB:       utils.IntFromEnv("REDIS_DB", 0),
		PoolSize: utils.IntFromEnv("REDIS_POOL_SIZE", 50),
	}
	entry := logg.WithFields(logrus.Fields{"field": "redis", "addr": opts.Addr})

	for attempt := 1; ; attempt++ {
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			rdb = client
			locker = redislock.New(client)
			entry.WithField("attempt", attempt).Info("redis connected")
			return
		}
		_ = client.Close()
		wait := connectBackoff(attempt)
		entry.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).Warn(err.Error())
		time.Sleep(wait)
	}
}
