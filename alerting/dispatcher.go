// Package alerting fans anomalies out to notifiers, suppressing repeats of the same
// (type, channel) inside a cooldown window.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// CooldownPolicy is satisfied by config.SyncSettings.
type CooldownPolicy interface {
	CooldownFor(alertType string) time.Duration
}

type FixedCooldown time.Duration

func (c FixedCooldown) CooldownFor(string) time.Duration { return time.Duration(c) }

type Dispatcher struct {
	DB        *gorm.DB
	Notifiers []Notifier
	// Paging notifiers are added for critical alerts.
	Paging      []Notifier
	Cooldown    CooldownPolicy
	Clock       clock.Clock
	Logger      *logrus.Logger
	SendTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDispatcher(db *gorm.DB, cooldown CooldownPolicy, logger *logrus.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		DB:          db,
		Notifiers:   notifiers,
		Cooldown:    cooldown,
		Clock:       clock.SystemClock{},
		Logger:      logger,
		SendTimeout: 10 * time.Second,
	}
}

func (d *Dispatcher) keyLock(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks == nil {
		d.locks = make(map[string]*sync.Mutex)
	}
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	return l
}

// Dispatch records exactly one AlertEvent for the anomaly. The returned error is non-nil only when
// the cooldown lookup or the audit write fails; notifier failures are reflected in the event status.
func (d *Dispatcher) Dispatch(ctx context.Context, a models.Anomaly) (*models.AlertEvent, error) {
	key := string(a.Type) + "|" + string(a.Channel)
	l := d.keyLock(key)
	l.Lock()
	defer l.Unlock()

	now := d.Clock.Now()
	ev := &models.AlertEvent{
		AlertType:    a.Type,
		Channel:      a.Channel,
		Severity:     a.Severity,
		DispatchedAt: now,
		Message:      a.Description,
	}
	if a.ID != 0 {
		id := a.ID
		ev.AnomalyId = &id
	}

	var cooldown time.Duration
	if d.Cooldown != nil {
		cooldown = d.Cooldown.CooldownFor(string(a.Type))
	}
	if cooldown > 0 {
		last, err := models.LastSentAlertEvent(ctx, d.DB, a.Type, a.Channel, now.Add(-cooldown))
		if err != nil {
			return nil, fmt.Errorf("cooldown lookup: %w", err)
		}
		if last != nil {
			ev.Status = models.AlertStatusSuppressedCooldown
			if err := models.RecordAlertEvent(ctx, d.DB, ev); err != nil {
				return nil, err
			}
			d.log(ev, "alert suppressed by cooldown")
			return ev, nil
		}
	}

	notifiers := d.notifiersFor(a.Severity)
	msg := Message{
		Title:         fmt.Sprintf("%s on %s", a.Type, a.Channel),
		Body:          a.Description,
		AlertType:     a.Type,
		Channel:       a.Channel,
		Severity:      a.Severity,
		SyncRunId:     a.SyncRunId,
		AnomalyId:     a.ID,
		AffectedCount: a.AffectedCount,
		DetectedAt:    a.DetectedAt,
	}
	sent, failed := d.fanOut(ctx, notifiers, msg, a.Severity)

	names := make([]string, 0, len(notifiers))
	for _, n := range notifiers {
		names = append(names, n.Name())
	}
	ev.Notifiers = strings.Join(names, ",")
	ev.FailedNotifiers = strings.Join(failed, ",")
	ev.Status = models.AlertStatusFailed
	if sent > 0 {
		ev.Status = models.AlertStatusSent
	}
	if err := models.RecordAlertEvent(ctx, d.DB, ev); err != nil {
		return nil, err
	}
	d.log(ev, "alert dispatched")
	return ev, nil
}

func (d *Dispatcher) notifiersFor(severity models.Severity) []Notifier {
	out := append([]Notifier(nil), d.Notifiers...)
	if severity != models.SeverityCritical {
		return out
	}
	seen := make(map[string]bool, len(out))
	for _, n := range out {
		seen[n.Name()] = true
	}
	for _, p := range d.Paging {
		if !seen[p.Name()] {
			out = append(out, p)
			seen[p.Name()] = true
		}
	}
	return out
}

// fanOut calls every notifier independently; one failing never stops the others.
func (d *Dispatcher) fanOut(ctx context.Context, notifiers []Notifier, msg Message, severity models.Severity) (int, []string) {
	errs := make([]error, len(notifiers))
	var g errgroup.Group
	for i, n := range notifiers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("notifier panic: %v", r)
				}
			}()
			sendCtx := ctx
			if d.SendTimeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, d.SendTimeout)
				defer cancel()
			}
			errs[i] = n.Send(sendCtx, msg, severity)
			return nil
		})
	}
	_ = g.Wait()

	sent := 0
	var failed []string
	for i, err := range errs {
		if err == nil {
			sent++
			continue
		}
		failed = append(failed, notifiers[i].Name())
		if d.Logger != nil {
			config.LogError(d.Logger, "AlertDispatcher", "fanOut", "notifier "+notifiers[i].Name()+" failed",
				logrus.Fields{"alert_type": msg.AlertType, "channel": msg.Channel}, err)
		}
	}
	return sent, failed
}

func (d *Dispatcher) log(ev *models.AlertEvent, msg string) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"field":      "AlertDispatcher",
		"alert_type": ev.AlertType,
		"channel":    ev.Channel,
		"severity":   ev.Severity,
		"status":     ev.Status,
		"notifiers":  ev.Notifiers,
	}).Info(msg)
}
