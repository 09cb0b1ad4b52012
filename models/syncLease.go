package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrLeaseNotHeld = errors.New("sync lease not held")

// SyncLease is the per-channel exclusive lock row. An expired lease may be taken over.
type SyncLease struct {
	Channel    Channel   `gorm:"primaryKey;size:50" json:"channel"`
	Owner      string    `gorm:"size:64;not null" json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"index;not null" json:"expires_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AcquireSyncLease returns true when owner now holds the channel lease.
func AcquireSyncLease(ctx context.Context, db *gorm.DB, channel Channel, owner string, now time.Time, ttl time.Duration) (bool, error) {
	lease := SyncLease{Channel: channel, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	res = db.WithContext(ctx).Model(&SyncLease{}).
		Where("channel = ? AND (expires_at <= ? OR owner = ?)", channel, now, owner).
		Updates(map[string]interface{}{"owner": owner, "acquired_at": now, "expires_at": now.Add(ttl)})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func RefreshSyncLease(ctx context.Context, db *gorm.DB, channel Channel, owner string, now time.Time, ttl time.Duration) error {
	res := db.WithContext(ctx).Model(&SyncLease{}).
		Where("channel = ? AND owner = ?", channel, owner).
		Update("expires_at", now.Add(ttl))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func ReleaseSyncLease(ctx context.Context, db *gorm.DB, channel Channel, owner string) error {
	res := db.WithContext(ctx).Where("channel = ? AND owner = ?", channel, owner).Delete(&SyncLease{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
