package models

import "time"

// ProductNameCacheEntry holds the last known display name for a product key from one source.
// Entries are never hard-deleted.
type ProductNameCacheEntry struct {
	ID            uint           `gorm:"primary_key" json:"id"`
	Source        string         `gorm:"uniqueIndex:idx_product_name_cache_key,priority:1;size:50;not null" json:"source"`
	ProductKey    string         `gorm:"uniqueIndex:idx_product_name_cache_key,priority:2;size:128;not null" json:"product_key"`
	CachedName    string         `gorm:"size:255" json:"cached_name"`
	SourceTier    NameTier       `gorm:"size:20;not null" json:"source_tier"`
	SyncStatus    NameSyncStatus `gorm:"index;size:20;not null" json:"sync_status"`
	Attempts      int            `gorm:"default:0" json:"attempts"`
	LastError     *string        `gorm:"type:text" json:"last_error"`
	LastAttemptAt *time.Time     `json:"last_attempt_at"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// Usable reports whether the cached name may be surfaced to consumers.
func (e ProductNameCacheEntry) Usable() bool {
	return e.SyncStatus == NameSyncStatusSynced && e.CachedName != ""
}
