package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const SnapshotDateLayout = "2006-01-02"

// StockRecord is the single reconciled row per (channel, warehouse, product key, snapshot date).
// Rows from earlier snapshot dates are kept for trend queries.
type StockRecord struct {
	ID               uint         `gorm:"primary_key" json:"id"`
	Channel          Channel      `gorm:"uniqueIndex:idx_stock_record_key,priority:1;size:50;not null" json:"channel"`
	WarehouseName    string       `gorm:"uniqueIndex:idx_stock_record_key,priority:2;size:191;not null" json:"warehouse_name"`
	ProductKey       string       `gorm:"uniqueIndex:idx_stock_record_key,priority:3;size:128;not null" json:"product_key"`
	SnapshotDate     string       `gorm:"uniqueIndex:idx_stock_record_key,priority:4;size:10;not null" json:"snapshot_date"`
	ProductName      string       `gorm:"size:255" json:"product_name"`
	NameTier         NameTier     `gorm:"size:20" json:"name_tier"`
	QuantityPresent  int64        `gorm:"not null;default:0" json:"quantity_present"`
	QuantityReserved int64        `gorm:"not null;default:0" json:"quantity_reserved"`
	Source           RecordSource `gorm:"size:20;not null" json:"source"`
	HasAnalyticsData bool         `gorm:"default:false" json:"has_analytics_data"`
	HasPrimaryData   bool         `gorm:"default:false" json:"has_primary_data"`
	SyncRunId        uint         `gorm:"index" json:"sync_run_id"`
	SupersededBy     *uint        `gorm:"index" json:"superseded_by,omitempty"`
	LastSyncAt       time.Time    `gorm:"index" json:"last_sync_at"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecordKey identifies a StockRecord within one channel.
type RecordKey struct {
	WarehouseName string
	ProductKey    string
}

func (r StockRecord) Key() RecordKey {
	return RecordKey{WarehouseName: r.WarehouseName, ProductKey: r.ProductKey}
}

// Sellable reports whether the record counts toward sellable stock totals.
// Analytics-only rows describe warehouses the primary feed has not reported yet.
func (r StockRecord) Sellable() bool {
	return r.Source != RecordSourceAnalytics
}

var stockRecordConflictColumns = []clause.Column{
	{Name: "channel"}, {Name: "warehouse_name"}, {Name: "product_key"}, {Name: "snapshot_date"},
}

var stockRecordUpdateColumns = []string{
	"product_name", "name_tier", "quantity_present", "quantity_reserved", "source",
	"has_analytics_data", "has_primary_data", "sync_run_id", "superseded_by", "last_sync_at", "updated_at",
}

// UpsertMergedRecords writes one batch atomically. An existing row for the same key is
// replaced in place, so a key never has more than one row. A rewritten row is live again.
func UpsertMergedRecords(ctx context.Context, db *gorm.DB, batch []StockRecord) error {
	if db == nil {
		return errors.New("nil db")
	}
	if len(batch) == 0 {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   stockRecordConflictColumns,
			DoUpdates: clause.AssignmentColumns(stockRecordUpdateColumns),
		}).Create(&batch).Error
	})
}

// SupersedeUnreported marks the snapshot's rows that runId did not write. Only a run that
// covered the whole feed may call this; superseded rows drop out of snapshot reads.
func SupersedeUnreported(ctx context.Context, db *gorm.DB, channel Channel, snapshotDate string, runId uint) (int64, error) {
	res := db.WithContext(ctx).Model(&StockRecord{}).
		Where("channel = ? AND snapshot_date = ? AND sync_run_id <> ? AND superseded_by IS NULL", channel, snapshotDate, runId).
		Update("superseded_by", runId)
	return res.RowsAffected, res.Error
}

// ListStockRecordsBySnapshot returns the live rows of the snapshot.
func ListStockRecordsBySnapshot(ctx context.Context, db *gorm.DB, channel Channel, snapshotDate string) ([]StockRecord, error) {
	var rows []StockRecord
	err := db.WithContext(ctx).
		Where("channel = ? AND snapshot_date = ? AND superseded_by IS NULL", channel, snapshotDate).
		Order("warehouse_name, product_key").
		Find(&rows).Error
	return rows, err
}

// ListStockRecordsByRun returns the rows last written by the given run.
func ListStockRecordsByRun(ctx context.Context, db *gorm.DB, channel Channel, syncRunId uint) ([]StockRecord, error) {
	var rows []StockRecord
	err := db.WithContext(ctx).
		Where("channel = ? AND sync_run_id = ?", channel, syncRunId).
		Order("warehouse_name, product_key").
		Find(&rows).Error
	return rows, err
}

type WarehouseStockTotal struct {
	WarehouseName    string `json:"warehouse_name"`
	QuantityPresent  int64  `json:"quantity_present"`
	QuantityReserved int64  `json:"quantity_reserved"`
	ProductCount     int64  `json:"product_count"`
}

// SellableTotals sums sellable stock per warehouse, excluding analytics-only and superseded rows.
func SellableTotals(ctx context.Context, db *gorm.DB, channel Channel, snapshotDate string) ([]WarehouseStockTotal, error) {
	var totals []WarehouseStockTotal
	err := db.WithContext(ctx).Model(&StockRecord{}).
		Select("warehouse_name, SUM(quantity_present) AS quantity_present, SUM(quantity_reserved) AS quantity_reserved, COUNT(*) AS product_count").
		Where("channel = ? AND snapshot_date = ? AND source <> ? AND superseded_by IS NULL", channel, snapshotDate, RecordSourceAnalytics).
		Group("warehouse_name").
		Order("warehouse_name").
		Scan(&totals).Error
	return totals, err
}

// CountDuplicateStockKeys counts keys holding more than one row for the snapshot.
// The unique index makes this zero unless the schema was altered out of band.
func CountDuplicateStockKeys(ctx context.Context, db *gorm.DB, channel Channel, snapshotDate string) (int64, error) {
	var dupes int64
	sub := db.Model(&StockRecord{}).
		Select("warehouse_name, product_key").
		Where("channel = ? AND snapshot_date = ?", channel, snapshotDate).
		Group("warehouse_name, product_key").
		Having("COUNT(*) > 1")
	err := db.WithContext(ctx).Table("(?) AS d", sub).Count(&dupes).Error
	return dupes, err
}
