package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// AlertEvent is the audit row for one dispatched or suppressed notification.
type AlertEvent struct {
	ID              uint        `gorm:"primary_key" json:"id"`
	AnomalyId       *uint       `gorm:"index" json:"anomaly_id"`
	AlertType       AnomalyType `gorm:"index:idx_alert_event_key,priority:1;size:40;not null" json:"alert_type"`
	Channel         Channel     `gorm:"index:idx_alert_event_key,priority:2;size:50;not null" json:"channel"`
	Status          AlertStatus `gorm:"index:idx_alert_event_key,priority:3;size:30;not null" json:"status"`
	DispatchedAt    time.Time   `gorm:"index:idx_alert_event_key,priority:4;not null" json:"dispatched_at"`
	Severity        Severity    `gorm:"size:20;not null" json:"severity"`
	Notifiers       string      `gorm:"size:255" json:"notifiers"`
	FailedNotifiers string      `gorm:"size:255" json:"failed_notifiers"`
	Message         string      `gorm:"type:text" json:"message"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func RecordAlertEvent(ctx context.Context, db *gorm.DB, ev *AlertEvent) error {
	if ev == nil {
		return errors.New("nil alert event")
	}
	return db.WithContext(ctx).Create(ev).Error
}

// LastSentAlertEvent returns the newest sent event for (alertType, channel) strictly after since.
func LastSentAlertEvent(ctx context.Context, db *gorm.DB, alertType AnomalyType, channel Channel, since time.Time) (*AlertEvent, error) {
	var ev AlertEvent
	err := db.WithContext(ctx).
		Where("alert_type = ? AND channel = ? AND status = ? AND dispatched_at > ?", alertType, channel, AlertStatusSent, since).
		Order("dispatched_at DESC").
		Take(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

func ListAlertEvents(ctx context.Context, db *gorm.DB, channel Channel, limit int) ([]AlertEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Order("id DESC").Limit(limit)
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var rows []AlertEvent
	err := q.Find(&rows).Error
	return rows, err
}
