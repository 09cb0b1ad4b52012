package productname

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"github.com/sirupsen/logrus"
)

var errPlaceholderName = errors.New("name source returned a placeholder name")

// NameSource fetches an authoritative name out of band, usually over the network.
type NameSource interface {
	FetchProductName(ctx context.Context, source string, key stockkey.CanonicalKey) (string, error)
}

type NameSourceFunc func(ctx context.Context, source string, key stockkey.CanonicalKey) (string, error)

func (f NameSourceFunc) FetchProductName(ctx context.Context, source string, key stockkey.CanonicalKey) (string, error) {
	return f(ctx, source, key)
}

// NameSyncJob drains pending and failed cache entries.
type NameSyncJob struct {
	Cache  CacheStore
	Source NameSource
	Clock  clock.Clock
	Logger *logrus.Logger

	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
}

type NameSyncStats struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

func NewNameSyncJob(cache CacheStore, source NameSource, logger *logrus.Logger) *NameSyncJob {
	return &NameSyncJob{
		Cache:        cache,
		Source:       source,
		Clock:        clock.SystemClock{},
		Logger:       logger,
		BatchSize:    100,
		MaxAttempts:  5,
		PollInterval: time.Minute,
	}
}

func (j *NameSyncJob) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := j.RunOnce(ctx); err != nil && j.Logger != nil {
			config.LogError(j.Logger, "NameSyncJob", "Run", "poll pending names", nil, err)
		}
		if err := j.Clock.Sleep(ctx, j.PollInterval); err != nil {
			return
		}
	}
}

// RunOnce processes one batch. Per-entry failures are recorded on the entry, not returned.
func (j *NameSyncJob) RunOnce(ctx context.Context) (NameSyncStats, error) {
	var stats NameSyncStats
	entries, err := j.Cache.ListPending(ctx, j.BatchSize, j.MaxAttempts)
	if err != nil {
		return stats, err
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Attempted++
		key := stockkey.CanonicalKey(e.ProductKey)
		name, fetchErr := j.Source.FetchProductName(ctx, e.Source, key)
		if fetchErr == nil && IsPlaceholder(name) {
			fetchErr = errPlaceholderName
		}
		if fetchErr != nil {
			stats.Failed++
			if err := j.Cache.MarkFailed(ctx, e.Source, key, fetchErr.Error()); err != nil {
				return stats, err
			}
			continue
		}
		if err := j.Cache.MarkSynced(ctx, e.Source, key, name); err != nil {
			return stats, err
		}
		stats.Synced++
	}
	if j.Logger != nil && stats.Attempted > 0 {
		j.Logger.WithFields(logrus.Fields{
			"field":     "NameSyncJob",
			"attempted": stats.Attempted,
			"synced":    stats.Synced,
			"failed":    stats.Failed,
		}).Info("name sync batch done")
	}
	return stats, nil
}
