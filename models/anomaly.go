package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"gorm.io/gorm"
)

// Anomaly is append-only and always points at a finished run.
type Anomaly struct {
	ID            uint        `gorm:"primary_key" json:"id"`
	SyncRunId     uint        `gorm:"index;not null" json:"sync_run_id"`
	Type          AnomalyType `gorm:"index;size:40;not null" json:"type"`
	Channel       Channel     `gorm:"index;size:50;not null" json:"channel"`
	Severity      Severity    `gorm:"size:20;not null" json:"severity"`
	AffectedCount int         `json:"affected_count"`
	Description   string      `gorm:"type:text" json:"description"`
	DetailsJSON   []byte      `gorm:"type:json" json:"details"`
	DetectedAt    time.Time   `gorm:"index;not null" json:"detected_at"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// RecordAnomaly inserts the anomaly after checking its run is terminal.
func RecordAnomaly(ctx context.Context, db *gorm.DB, a *Anomaly) error {
	if a == nil {
		return errors.New("nil anomaly")
	}
	if a.ID != 0 {
		return &utils.InvariantViolationError{Invariant: "anomaly_append_only", Detail: fmt.Sprintf("anomaly %d already recorded", a.ID)}
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var statuses []SyncRunStatus
		err := tx.Model(&SyncRun{}).Where("id = ?", a.SyncRunId).Pluck("status", &statuses).Error
		if err != nil {
			return err
		}
		var status SyncRunStatus
		if len(statuses) > 0 {
			status = statuses[0]
		}
		if !status.IsTerminal() {
			return &utils.InvariantViolationError{
				Invariant: "anomaly_terminal_run",
				Detail:    fmt.Sprintf("sync run %d has status %q", a.SyncRunId, status),
			}
		}
		return tx.Create(a).Error
	})
}

func ListAnomalies(ctx context.Context, db *gorm.DB, syncRunId uint) ([]Anomaly, error) {
	var rows []Anomaly
	err := db.WithContext(ctx).Where("sync_run_id = ?", syncRunId).Order("id").Find(&rows).Error
	return rows, err
}
