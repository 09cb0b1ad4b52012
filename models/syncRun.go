package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"gorm.io/gorm"
)

type SyncRun struct {
	ID               uint          `gorm:"primary_key" json:"id"`
	RunId            string        `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	Channel          Channel       `gorm:"index;size:50;not null" json:"channel"`
	Status           SyncRunStatus `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy      string        `gorm:"size:20" json:"triggered_by"`
	SnapshotDate     string        `gorm:"size:10" json:"snapshot_date"`
	RecordsProcessed int           `json:"records_processed"`
	RecordsFailed    int           `json:"records_failed"`
	RecordsInvalid   int           `json:"records_invalid"`
	RetryCount       int           `json:"retry_count"`
	BatchesCommitted int           `json:"batches_committed"`
	BatchesFailed    int           `json:"batches_failed"`
	AnalyticsFailed  bool          `gorm:"default:false" json:"analytics_failed"`
	CancelReason     *string       `gorm:"type:text" json:"cancel_reason"`
	ErrorMessage     *string       `gorm:"type:text" json:"error_message"`
	StartedAt        *time.Time    `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at"`
	DurationMs       int64         `json:"duration_ms"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

var syncRunTransitions = map[SyncRunStatus][]SyncRunStatus{
	SyncRunStatusPending: {SyncRunStatusRunning},
	SyncRunStatusRunning: {SyncRunStatusSuccess, SyncRunStatusPartial, SyncRunStatusFailed},
}

func (r *SyncRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Transition moves the run forward. Terminal transitions stamp FinishedAt and DurationMs once.
func (r *SyncRun) Transition(to SyncRunStatus, now time.Time) error {
	allowed := false
	for _, s := range syncRunTransitions[r.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &utils.InvariantViolationError{
			Invariant: "sync_run_transition",
			Detail:    fmt.Sprintf("run %s: %s -> %s", r.RunId, r.Status, to),
		}
	}
	r.Status = to
	switch {
	case to == SyncRunStatusRunning:
		r.StartedAt = &now
	case to.IsTerminal():
		r.FinishedAt = &now
		if r.StartedAt != nil {
			r.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
		}
	}
	return nil
}

// RecordSyncRun inserts or updates the run row.
func RecordSyncRun(ctx context.Context, db *gorm.DB, run *SyncRun) error {
	if run == nil {
		return errors.New("nil sync run")
	}
	if run.ID == 0 {
		return db.WithContext(ctx).Create(run).Error
	}
	return db.WithContext(ctx).Save(run).Error
}

func GetSyncRun(ctx context.Context, db *gorm.DB, id uint) (*SyncRun, error) {
	var run SyncRun
	if err := db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

// LatestTerminalSyncRun returns the most recent finished run for the channel other than excludeId,
// limited to statuses when given. A nil run with a nil error means there is no such run.
func LatestTerminalSyncRun(ctx context.Context, db *gorm.DB, channel Channel, excludeId uint, statuses ...SyncRunStatus) (*SyncRun, error) {
	if len(statuses) == 0 {
		statuses = []SyncRunStatus{SyncRunStatusSuccess, SyncRunStatusPartial, SyncRunStatusFailed}
	}
	var run SyncRun
	err := db.WithContext(ctx).
		Where("channel = ? AND id <> ? AND status IN ?", channel, excludeId, statuses).
		Order("id DESC").
		Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func ListSyncRuns(ctx context.Context, db *gorm.DB, channel Channel, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := db.WithContext(ctx).Order("id DESC").Limit(limit)
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var runs []SyncRun
	err := q.Find(&runs).Error
	return runs, err
}

const (
	SyncErrorInvalidRecord   = "invalid_record"
	SyncErrorBatchFailed     = "batch_failed"
	SyncErrorUpstream        = "upstream_error"
	SyncErrorInvariant       = "invariant_violation"
	SyncErrorDuplicateRecord = "duplicate_record"
)

type SyncRunError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	Channel     Channel   `gorm:"index;size:50;not null" json:"channel"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func RecordSyncRunError(ctx context.Context, db *gorm.DB, row *SyncRunError) error {
	return db.WithContext(ctx).Create(row).Error
}

func ListSyncRunErrors(ctx context.Context, db *gorm.DB, syncRunId uint, limit int) ([]SyncRunError, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []SyncRunError
	err := db.WithContext(ctx).Where("sync_run_id = ?", syncRunId).Order("id").Limit(limit).Find(&rows).Error
	return rows, err
}
