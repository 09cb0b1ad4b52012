package productname

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormCacheStore struct {
	DB    *gorm.DB
	Clock clock.Clock
}

func NewGormCacheStore(db *gorm.DB) *GormCacheStore {
	return &GormCacheStore{DB: db, Clock: clock.SystemClock{}}
}

func (s *GormCacheStore) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func (s *GormCacheStore) Get(ctx context.Context, source string, key stockkey.CanonicalKey) (*models.ProductNameCacheEntry, error) {
	var entry models.ProductNameCacheEntry
	err := s.DB.WithContext(ctx).Where("source = ? AND product_key = ?", source, key.String()).Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// MarkPending creates a pending entry for a key not seen before. Existing entries keep their status:
// failed ones are retried by ListPending until they run out of attempts, then stay failed.
func (s *GormCacheStore) MarkPending(ctx context.Context, source string, key stockkey.CanonicalKey) error {
	entry := models.ProductNameCacheEntry{
		Source:     source,
		ProductKey: key.String(),
		SourceTier: models.NameTierPlaceholder,
		SyncStatus: models.NameSyncStatusPending,
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
}

func (s *GormCacheStore) ListPending(ctx context.Context, limit int, maxAttempts int) ([]models.ProductNameCacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.DB.WithContext(ctx).
		Where("sync_status IN ?", []models.NameSyncStatus{models.NameSyncStatusPending, models.NameSyncStatusFailed})
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	var rows []models.ProductNameCacheEntry
	err := q.Order("updated_at ASC, id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (s *GormCacheStore) MarkSynced(ctx context.Context, source string, key stockkey.CanonicalKey, name string) error {
	if IsPlaceholder(name) {
		return errors.New("refusing to cache a placeholder name as synced")
	}
	now := s.now()
	entry := models.ProductNameCacheEntry{
		Source:        source,
		ProductKey:    key.String(),
		CachedName:    name,
		SourceTier:    models.NameTierCanonical,
		SyncStatus:    models.NameSyncStatusSynced,
		Attempts:      1,
		LastAttemptAt: &now,
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source"}, {Name: "product_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"cached_name":     name,
			"source_tier":     models.NameTierCanonical,
			"sync_status":     models.NameSyncStatusSynced,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      nil,
			"last_attempt_at": now,
			"updated_at":      now,
		}),
	}).Create(&entry).Error
}

func (s *GormCacheStore) MarkFailed(ctx context.Context, source string, key stockkey.CanonicalKey, reason string) error {
	now := s.now()
	return s.DB.WithContext(ctx).Model(&models.ProductNameCacheEntry{}).
		Where("source = ? AND product_key = ?", source, key.String()).
		Updates(map[string]interface{}{
			"sync_status":     models.NameSyncStatusFailed,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      reason,
			"last_attempt_at": now,
			"updated_at":      now,
		}).Error
}
