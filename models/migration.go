package models

import "gorm.io/gorm"

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&StockRecord{}, &StockComparison{},
		&ProductNameCacheEntry{},
		&SyncRun{}, &SyncRunError{}, &SyncLease{},
		&Anomaly{}, &AlertEvent{},
	)
}
