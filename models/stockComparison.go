package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockComparison is the side-record for a matched pair whose feeds disagree beyond threshold.
type StockComparison struct {
	ID                  uint            `gorm:"primary_key" json:"id"`
	SyncRunId           uint            `gorm:"index;not null" json:"sync_run_id"`
	Channel             Channel         `gorm:"index;size:50;not null" json:"channel"`
	WarehouseName       string          `gorm:"size:191;not null" json:"warehouse_name"`
	ProductKey          string          `gorm:"size:128;not null" json:"product_key"`
	PrimaryQuantity     int64           `json:"primary_quantity"`
	AnalyticsQuantity   int64           `json:"analytics_quantity"`
	Discrepancy         int64           `json:"discrepancy"`
	RelativeDiscrepancy decimal.Decimal `gorm:"type:decimal(12,4)" json:"relative_discrepancy"`
	// ZeroBase marks a pair where one side is zero and the other is not.
	ZeroBase  bool      `gorm:"default:false" json:"zero_base"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func RecordStockComparisons(ctx context.Context, db *gorm.DB, syncRunId uint, rows []StockComparison) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		rows[i].SyncRunId = syncRunId
	}
	return db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

func ListStockComparisons(ctx context.Context, db *gorm.DB, syncRunId uint) ([]StockComparison, error) {
	var rows []StockComparison
	err := db.WithContext(ctx).
		Where("sync_run_id = ?", syncRunId).
		Order("discrepancy DESC, warehouse_name, product_key").
		Find(&rows).Error
	return rows, err
}
