package models

import "time"

// FeedRecord is one normalized row from a primary or analytics feed.
// It is an ephemeral reconciliation input and is never persisted.
type FeedRecord struct {
	ProductKey       string       `json:"product_key" validate:"required,max=128"`
	Channel          Channel      `json:"channel" validate:"required,max=50"`
	WarehouseName    string       `json:"warehouse_name" validate:"required,max=191"`
	ProductName      string       `json:"product_name" validate:"max=255"`
	QuantityPresent  int64        `json:"quantity_present"`
	QuantityReserved int64        `json:"quantity_reserved"`
	Source           RecordSource `json:"source" validate:"required,oneof=primary analytics"`
	LastSyncAt       time.Time    `json:"last_sync_at" validate:"required"`
}
