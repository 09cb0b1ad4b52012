// Package syncengine runs one channel sync end to end: lease, fetch, reconcile, batched writes,
// status, then anomaly detection and alerting.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/anomaly"
	"bitbucket.org/mmdatafocus/stock_sync/channelsync"
	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/productname"
	"bitbucket.org/mmdatafocus/stock_sync/reconciler"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	maxSampleKeys = 20
	// maxRunErrors caps SyncRunError rows written per run.
	maxRunErrors = 200
)

// AlertDispatcher is satisfied by *alerting.Dispatcher.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, a models.Anomaly) (*models.AlertEvent, error)
}

type Engine struct {
	DB       *gorm.DB
	Clients  *channelsync.Registry
	Locker   Locker
	Names    *productname.Resolver
	Settings config.SyncSettings
	Clock    clock.Clock
	Logger   *logrus.Logger
	Detector *anomaly.Detector
	Alerts   AlertDispatcher
	Writer   RecordWriter
	Tracer   trace.Tracer
}

func NewEngine(db *gorm.DB, clients *channelsync.Registry, locker Locker, names *productname.Resolver, settings config.SyncSettings, logger *logrus.Logger) *Engine {
	return &Engine{
		DB:       db,
		Clients:  clients,
		Locker:   locker,
		Names:    names,
		Settings: settings,
		Clock:    clock.SystemClock{},
		Logger:   logger,
		Detector: anomaly.NewDetector(settings.Anomaly, db, logger),
		Writer:   &GormRecordWriter{DB: db},
	}
}

func (e *Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("stock-sync")
}

// runState accumulates counters for one run. Only retries is touched by concurrent fetches.
type runState struct {
	run    *models.SyncRun
	db     *gorm.DB
	logger *logrus.Entry

	retries          atomic.Int32
	recordsProcessed int
	recordsFailed    int
	recordsInvalid   int
	batchesCommitted int
	batchesFailed    int
	writeConflicts   int
	errorsRecorded   int
	stopReason       string
}

func (st *runState) log() *logrus.Entry { return st.logger }

func (st *runState) stop(reason string) {
	if st.stopReason == "" {
		st.stopReason = reason
	}
}

// recordError writes a SyncRunError row. Failures to write are logged only.
func (st *runState) recordError(ctx context.Context, code, externalId, message string, payload any, retryable bool) {
	if st.errorsRecorded >= maxRunErrors {
		return
	}
	st.errorsRecorded++
	var b []byte
	if payload != nil {
		b, _ = json.Marshal(payload)
	}
	row := &models.SyncRunError{
		SyncRunId:   st.run.ID,
		Channel:     st.run.Channel,
		ErrorCode:   code,
		ExternalId:  externalId,
		Message:     message,
		PayloadJSON: b,
		Retryable:   retryable,
	}
	if err := models.RecordSyncRunError(context.WithoutCancel(ctx), st.db, row); err != nil {
		config.LogError(st.log(), "SafeSyncEngine", "recordError", "record sync run error", code, err)
	}
}

// Run performs one sync for channel. A held lease returns *utils.ConcurrentSyncError and no run is
// recorded. Upstream and write failures never return an error: they are reflected in the returned
// run's status and counters. The error is non-nil only when the run itself could not be recorded.
func (e *Engine) Run(ctx context.Context, channel models.Channel, triggeredBy string) (*models.SyncRun, error) {
	client, ok := e.Clients.Get(channel)
	if !ok {
		return nil, fmt.Errorf("no channel client registered for %q", channel)
	}
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredSystem
	}

	ctx, span := e.tracer().Start(ctx, "syncengine.Run", trace.WithAttributes(attribute.String("channel", channel.String())))
	defer span.End()

	lease, err := e.Locker.Acquire(ctx, channel, e.Settings.LockTTL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil && e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{"field": "SafeSyncEngine", "channel": channel}).Warn("release sync lease: " + err.Error())
		}
	}()

	persist := context.WithoutCancel(ctx)
	now := e.Clock.Now()
	run := &models.SyncRun{
		RunId:        uuid.NewString(),
		Channel:      channel,
		Status:       models.SyncRunStatusPending,
		TriggeredBy:  triggeredBy,
		SnapshotDate: now.Format(models.SnapshotDateLayout),
	}
	if err := models.RecordSyncRun(persist, e.DB, run); err != nil {
		return nil, fmt.Errorf("record sync run: %w", err)
	}
	if err := run.Transition(models.SyncRunStatusRunning, now); err != nil {
		return nil, err
	}
	if err := models.RecordSyncRun(persist, e.DB, run); err != nil {
		return nil, fmt.Errorf("record sync run: %w", err)
	}
	span.SetAttributes(attribute.String("run_id", run.RunId))
	ctx = utils.SetRunIdInContext(utils.SetChannelInContext(ctx, channel.String()), run.RunId)
	ctx = utils.SetTriggeredByInContext(ctx, triggeredBy)

	st := &runState{run: run, db: e.DB, logger: e.entry(ctx)}
	st.log().Info("sync run started")

	current, previous, hasPrevious, comparisons, fatal := e.execute(ctx, client, st, lease)

	if err := e.finish(persist, st, fatal); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return run, err
	}
	span.SetAttributes(attribute.String("status", string(run.Status)))
	if run.Status != models.SyncRunStatusSuccess {
		span.SetStatus(codes.Error, string(run.Status))
	}

	e.detectAndAlert(persist, st, anomaly.Input{
		Run:            *run,
		Previous:       previous,
		HasPrevious:    hasPrevious,
		Current:        current,
		Comparisons:    comparisons,
		WriteConflicts: st.writeConflicts,
	})
	return run, nil
}

// execute fetches both feeds before any write, reconciles, and commits. fatal is set when the
// run must end FAILED without writing anything.
func (e *Engine) execute(ctx context.Context, client channelsync.ChannelClient, st *runState, lease Lease) (current, previous []models.StockRecord, hasPrevious bool, comparisons []models.StockComparison, fatal error) {
	run := st.run

	primaryRaw, primaryAt, err := e.fetchPrimary(ctx, client, st)
	if err != nil {
		if ctx.Err() != nil {
			st.stop(fmt.Sprintf("cancelled while fetching primary feed: %v", context.Cause(ctx)))
			return nil, nil, false, nil, ctx.Err()
		}
		st.recordError(ctx, models.SyncErrorUpstream, "primary", err.Error(), nil, utils.IsTransientUpstream(err))
		return nil, nil, false, nil, err
	}

	analyticsRaw, analyticsAt, err := e.fetchAnalytics(ctx, client, st)
	if err != nil {
		if ctx.Err() != nil {
			st.stop(fmt.Sprintf("cancelled while fetching analytics feed: %v", context.Cause(ctx)))
			return nil, nil, false, nil, ctx.Err()
		}
		run.AnalyticsFailed = true
		analyticsRaw = nil
		st.recordError(ctx, models.SyncErrorUpstream, "analytics", err.Error(), nil, utils.IsTransientUpstream(err))
		st.log().Warn("analytics feed unavailable, reconciling primary only: " + err.Error())
	}

	primary := e.ingest(ctx, st, primaryRaw, primaryAt)
	analytics := e.ingest(ctx, st, analyticsRaw, analyticsAt)

	rec := reconciler.New(e.Settings.Discrepancy, e.runResolver(run.Channel, primary, analytics)).Reconcile(ctx, primary, analytics)
	for i := range rec.Records {
		rec.Records[i].SnapshotDate = run.SnapshotDate
		rec.Records[i].SyncRunId = run.ID
	}
	for i := range rec.Comparisons {
		rec.Comparisons[i].SyncRunId = run.ID
	}
	for _, d := range rec.Duplicates {
		st.recordError(ctx, models.SyncErrorDuplicateRecord, d.ProductKey,
			fmt.Sprintf("duplicate %s row for %s/%s overridden by a later row", d.Source, d.WarehouseName, d.ProductKey), d, false)
	}
	st.log().WithFields(logrus.Fields{
		"matched":        rec.Stats.Matched,
		"primary_only":   rec.Stats.PrimaryOnly,
		"analytics_only": rec.Stats.AnalyticsOnly,
		"mismatched":     rec.Stats.SignificantMismatch,
	}).Info("feeds reconciled")

	// The previous run's rows are read before this run overwrites them.
	persist := context.WithoutCancel(ctx)
	prevRun, err := models.LatestTerminalSyncRun(persist, e.DB, run.Channel, run.ID, models.SyncRunStatusSuccess, models.SyncRunStatusPartial)
	if err != nil {
		config.LogError(st.log(), "SafeSyncEngine", "execute", "load previous run", nil, err)
	} else if prevRun != nil {
		if previous, err = models.ListStockRecordsByRun(persist, e.DB, run.Channel, prevRun.ID); err != nil {
			config.LogError(st.log(), "SafeSyncEngine", "execute", "load previous records", prevRun.ID, err)
		} else {
			hasPrevious = true
		}
	}

	if err := models.RecordStockComparisons(persist, e.DB, run.ID, rec.Comparisons); err != nil {
		st.recordError(ctx, models.SyncErrorBatchFailed, "comparisons", err.Error(), nil, isTransientDBError(err))
	}

	e.writeBatches(ctx, st, lease, rec.Records)
	return rec.Records, previous, hasPrevious, rec.Comparisons, nil
}

// ingest converts raw rows at the boundary. Rejected rows are counted and recorded, never fatal.
func (e *Engine) ingest(ctx context.Context, st *runState, raws []channelsync.RawFeedRecord, fetchedAt time.Time) []models.FeedRecord {
	at := fetchedAt
	if at.IsZero() {
		at = e.Clock.Now()
	}
	out := make([]models.FeedRecord, 0, len(raws))
	for _, raw := range raws {
		if raw.Channel == "" {
			raw.Channel = st.run.Channel
		}
		rec, err := channelsync.ToFeedRecord(raw, at)
		if err != nil {
			st.recordsInvalid++
			externalId := ""
			var iie *utils.InvalidIdentifierError
			if errors.As(err, &iie) {
				externalId = iie.Raw
			}
			st.recordError(ctx, models.SyncErrorInvalidRecord, externalId, err.Error(), raw.Fields, false)
			continue
		}
		if rec.Channel != st.run.Channel {
			st.recordsInvalid++
			st.recordError(ctx, models.SyncErrorInvalidRecord, rec.ProductKey,
				fmt.Sprintf("record tagged with channel %q", rec.Channel), raw.Fields, false)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// runResolver layers names reported by this run's feeds under the catalog. Primary names win
// over analytics names for the same key.
func (e *Engine) runResolver(channel models.Channel, primary, analytics []models.FeedRecord) *productname.Resolver {
	feedNames := productname.MapCatalog{}
	for _, rows := range [][]models.FeedRecord{analytics, primary} {
		for _, r := range rows {
			if !productname.IsPlaceholder(r.ProductName) {
				feedNames[stockkey.CanonicalKey(r.ProductKey)] = r.ProductName
			}
		}
	}
	if e.Names == nil {
		return &productname.Resolver{Catalog: feedNames, Clock: e.Clock, Logger: e.Logger}
	}
	chain := productname.ChainCatalog{}
	if e.Names.Catalog != nil {
		chain = append(chain, e.Names.Catalog)
	}
	chain = append(chain, feedNames)
	return &productname.Resolver{Catalog: chain, Cache: e.Names.Cache, Clock: e.Names.Clock, Logger: e.Names.Logger}
}

// finish derives the terminal status and records the run.
func (e *Engine) finish(ctx context.Context, st *runState, fatal error) error {
	run := st.run
	run.RecordsProcessed = st.recordsProcessed
	run.RecordsFailed = st.recordsFailed
	run.RecordsInvalid = st.recordsInvalid
	run.RetryCount = int(st.retries.Load())
	run.BatchesCommitted = st.batchesCommitted
	run.BatchesFailed = st.batchesFailed
	if st.stopReason != "" {
		reason := st.stopReason
		run.CancelReason = &reason
	}
	if fatal != nil {
		msg := fatal.Error()
		run.ErrorMessage = &msg
	}

	status := deriveStatus(st, fatal)
	if status == models.SyncRunStatusSuccess {
		// Only a complete run knows which of the day's keys the channel stopped reporting.
		n, err := models.SupersedeUnreported(ctx, e.DB, run.Channel, run.SnapshotDate, run.ID)
		if err != nil {
			config.LogError(st.log(), "SafeSyncEngine", "finish", "supersede unreported records", run.SnapshotDate, err)
		} else if n > 0 {
			st.log().WithField("superseded", n).Info("earlier same-day records superseded")
		}
	}
	if err := run.Transition(status, e.Clock.Now()); err != nil {
		return err
	}
	if err := models.RecordSyncRun(ctx, e.DB, run); err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}

	fields := logrus.Fields{
		"status":            run.Status,
		"records_processed": run.RecordsProcessed,
		"records_failed":    run.RecordsFailed,
		"records_invalid":   run.RecordsInvalid,
		"retry_count":       run.RetryCount,
		"duration_ms":       run.DurationMs,
	}
	if run.Status == models.SyncRunStatusSuccess {
		st.log().WithFields(fields).Info("sync run finished")
	} else {
		st.log().WithFields(fields).Warn("sync run finished")
	}
	return nil
}

// deriveStatus: FAILED when nothing committed, PARTIAL when something committed but a batch failed,
// the run was stopped early, or the analytics feed was lost, otherwise SUCCESS.
func deriveStatus(st *runState, fatal error) models.SyncRunStatus {
	if fatal != nil {
		return models.SyncRunStatusFailed
	}
	attempted := st.batchesCommitted + st.batchesFailed
	if st.batchesCommitted == 0 && (attempted > 0 || st.stopReason != "" || st.run.AnalyticsFailed) {
		return models.SyncRunStatusFailed
	}
	if st.batchesFailed > 0 || st.stopReason != "" || st.run.AnalyticsFailed {
		return models.SyncRunStatusPartial
	}
	return models.SyncRunStatusSuccess
}

// detectAndAlert never fails the run; errors are logged.
func (e *Engine) detectAndAlert(ctx context.Context, st *runState, in anomaly.Input) {
	if e.Detector == nil {
		return
	}
	dupes, err := models.CountDuplicateStockKeys(ctx, e.DB, st.run.Channel, st.run.SnapshotDate)
	if err != nil {
		config.LogError(st.log(), "SafeSyncEngine", "detectAndAlert", "count duplicate keys", st.run.SnapshotDate, err)
	}
	in.StoredDuplicateKeys = dupes
	in.Now = e.Clock.Now()

	found, err := e.Detector.DetectAndRecord(ctx, in)
	if err != nil {
		config.LogError(st.log(), "SafeSyncEngine", "detectAndAlert", "record anomalies", nil, err)
	}
	if e.Alerts == nil {
		return
	}
	for _, a := range found {
		if _, err := e.Alerts.Dispatch(ctx, a); err != nil {
			config.LogError(st.log(), "SafeSyncEngine", "detectAndAlert", "dispatch alert", a.Type, err)
		}
	}
}

func (e *Engine) entry(ctx context.Context) *logrus.Entry {
	logger := e.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return logger.WithFields(utils.ContextFields(ctx)).WithField("field", "SafeSyncEngine")
}
