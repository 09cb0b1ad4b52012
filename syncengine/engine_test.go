package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/channelsync"
	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/dbtest"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/productname"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var start = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

type fakeClient struct {
	channel   models.Channel
	primary   [][]channelsync.RawFeedRecord
	analytics [][]channelsync.RawFeedRecord

	primaryErr       error
	analyticsErr     error
	pastEndErr       error
	primaryTransient int
	onPrimary        func()

	mu             sync.Mutex
	primaryCalls   int
	analyticsCalls int
}

func (c *fakeClient) Channel() models.Channel { return c.channel }

func (c *fakeClient) FetchPrimaryStock(_ context.Context, cursor string) (channelsync.PrimaryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primaryCalls++
	if c.onPrimary != nil {
		c.onPrimary()
	}
	if c.primaryTransient > 0 {
		c.primaryTransient--
		return channelsync.PrimaryPage{}, &utils.TransientUpstreamError{Kind: utils.UpstreamTransient, Op: "fetchPrimaryStock", Err: errors.New("503")}
	}
	if c.primaryErr != nil {
		return channelsync.PrimaryPage{}, c.primaryErr
	}
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	page := channelsync.PrimaryPage{}
	if idx < len(c.primary) {
		page.Records = c.primary[idx]
	}
	if idx+1 < len(c.primary) {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func (c *fakeClient) FetchAnalyticsStock(_ context.Context, page, _ int) (channelsync.AnalyticsPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyticsCalls++
	if c.analyticsErr != nil {
		return channelsync.AnalyticsPage{}, c.analyticsErr
	}
	if page > len(c.analytics) {
		return channelsync.AnalyticsPage{}, c.pastEndErr
	}
	return channelsync.AnalyticsPage{Records: c.analytics[page-1], HasMore: page < len(c.analytics)}, nil
}

func raw(tier models.RecordSource, key any, warehouse string, qty any) channelsync.RawFeedRecord {
	return channelsync.RawFeedRecord{
		Channel:    "ChannelA",
		SourceTier: tier,
		Fields:     map[string]any{"product_id": key, "warehouse": warehouse, "quantity": qty},
	}
}

func primaryRows(n int) []channelsync.RawFeedRecord {
	out := make([]channelsync.RawFeedRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, raw(models.RecordSourcePrimary, i, "W1", 10))
	}
	return out
}

// flakyWriter fails chosen calls (1-based) with the given error and can run a hook after each call.
type flakyWriter struct {
	next  RecordWriter
	fail  map[int]error
	after func(call int)
	mu    sync.Mutex
	calls int
	sizes []int
}

func (w *flakyWriter) WriteBatch(ctx context.Context, batch []models.StockRecord) error {
	w.mu.Lock()
	w.calls++
	call := w.calls
	w.sizes = append(w.sizes, len(batch))
	w.mu.Unlock()

	err := w.fail[call]
	if err == nil {
		err = w.next.WriteBatch(ctx, batch)
	}
	if w.after != nil {
		w.after(call)
	}
	return err
}

type recordingDispatcher struct {
	mu  sync.Mutex
	got []models.Anomaly
}

func (d *recordingDispatcher) Dispatch(_ context.Context, a models.Anomaly) (*models.AlertEvent, error) {
	d.mu.Lock()
	d.got = append(d.got, a)
	d.mu.Unlock()
	return &models.AlertEvent{AlertType: a.Type, Channel: a.Channel, Status: models.AlertStatusSent}, nil
}

func (d *recordingDispatcher) types() map[models.AnomalyType]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[models.AnomalyType]bool{}
	for _, a := range d.got {
		out[a.Type] = true
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestEngine(db *gorm.DB, clk *clock.FakeClock, client *fakeClient) (*Engine, *recordingDispatcher) {
	s := config.DefaultSyncSettings()
	s.BatchSize = 3
	e := NewEngine(db, channelsync.NewRegistry(client), &GormLocker{DB: db, Clock: clk}, nil, s, quietLogger())
	e.Clock = clk
	alerts := &recordingDispatcher{}
	e.Alerts = alerts
	return e, alerts
}

func countRows(t *testing.T, db *gorm.DB) int {
	t.Helper()
	rows, err := models.ListStockRecordsBySnapshot(context.Background(), db, "ChannelA", start.Format(models.SnapshotDateLayout))
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return len(rows)
}

func TestRun_Success(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{
		channel:   "ChannelA",
		primary:   [][]channelsync.RawFeedRecord{primaryRows(4), {raw(models.RecordSourcePrimary, "5", "W1", 10)}},
		analytics: [][]channelsync.RawFeedRecord{{raw(models.RecordSourceAnalytics, "1", "W1", 10)}},
	}
	e, _ := newTestEngine(db, clk, client)

	run, err := e.Run(context.Background(), "ChannelA", models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if run.RecordsProcessed != 5 || run.BatchesCommitted != 2 || run.RecordsFailed != 0 {
		t.Fatalf("unexpected counters %+v", run)
	}
	if run.FinishedAt == nil || run.StartedAt == nil {
		t.Fatalf("expected start and finish timestamps")
	}
	if got := countRows(t, db); got != 5 {
		t.Fatalf("expected 5 rows, got %d", got)
	}
	stored, err := models.GetSyncRun(context.Background(), db, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != models.SyncRunStatusSuccess {
		t.Fatalf("stored status %s", stored.Status)
	}
}

func TestRun_BatchIsolation(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(10)}}
	e, _ := newTestEngine(db, clk, client)
	w := &flakyWriter{next: e.Writer, fail: map[int]error{2: errors.New("check constraint violated")}}
	e.Writer = w

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusPartial {
		t.Fatalf("expected partial, got %s", run.Status)
	}
	if run.RecordsFailed != 3 {
		t.Fatalf("expected recordsFailed == size of failed batch (3), got %d", run.RecordsFailed)
	}
	if run.BatchesCommitted != 3 || run.BatchesFailed != 1 {
		t.Fatalf("expected 3 committed and 1 failed batch, got %d/%d", run.BatchesCommitted, run.BatchesFailed)
	}
	if got := countRows(t, db); got != 7 {
		t.Fatalf("expected later batches to commit (7 rows), got %d", got)
	}
	errs, err := models.ListSyncRunErrors(context.Background(), db, run.ID, 10)
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorCode != models.SyncErrorBatchFailed {
		t.Fatalf("expected one batch_failed error row, got %+v", errs)
	}
}

func TestRun_TransientWriteIsRetried(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(3)}}
	e, _ := newTestEngine(db, clk, client)
	e.Writer = &flakyWriter{next: e.Writer, fail: map[int]error{1: &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}}}

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess || run.RetryCount != 1 {
		t.Fatalf("expected success after one retry, got %s retries=%d", run.Status, run.RetryCount)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != e.Settings.RetryBaseBackoff {
		t.Fatalf("expected one base backoff sleep, got %v", sleeps)
	}
}

func TestRun_TransientWriteExhaustsRetries(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(3)}}
	e, _ := newTestEngine(db, clk, client)
	lockWait := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	e.Writer = &flakyWriter{next: e.Writer, fail: map[int]error{1: lockWait, 2: lockWait, 3: lockWait, 4: lockWait}}

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("expected failed with no committed batch, got %s", run.Status)
	}
	if run.RetryCount != e.Settings.MaxBatchRetries || run.RecordsFailed != 3 {
		t.Fatalf("unexpected retries=%d failed=%d", run.RetryCount, run.RecordsFailed)
	}
}

func TestRun_ConcurrentRunRejected(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(3)}}
	e, _ := newTestEngine(db, clk, client)

	held, err := e.Locker.Acquire(context.Background(), "ChannelA", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = e.Run(context.Background(), "ChannelA", "")
	if !utils.IsConcurrentSync(err) {
		t.Fatalf("expected ConcurrentSyncError, got %v", err)
	}
	runs, _ := models.ListSyncRuns(context.Background(), db, "ChannelA", 10)
	if len(runs) != 0 {
		t.Fatalf("rejected run must not be recorded, got %d", len(runs))
	}

	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := e.Run(context.Background(), "ChannelA", ""); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestRun_PrimaryAuthFailureIsFailed(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{
		channel:    "ChannelA",
		primaryErr: &utils.PermanentUpstreamError{Kind: utils.UpstreamAuthFailed, Op: "fetchPrimaryStock", Err: errors.New("401")},
	}
	e, alerts := newTestEngine(db, clk, client)

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusFailed || run.ErrorMessage == nil {
		t.Fatalf("expected failed with error message, got %s", run.Status)
	}
	if client.primaryCalls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", client.primaryCalls)
	}
	if client.analyticsCalls != 0 {
		t.Fatalf("analytics should not be fetched after primary failure")
	}
	if got := countRows(t, db); got != 0 {
		t.Fatalf("expected no writes, got %d", got)
	}
	anomalies, _ := models.ListAnomalies(context.Background(), db, run.ID)
	if len(anomalies) != 1 || anomalies[0].Type != models.AnomalyAPIError {
		t.Fatalf("expected a single APIError anomaly, got %+v", anomalies)
	}
	if !alerts.types()[models.AnomalyAPIError] {
		t.Fatalf("expected APIError to be dispatched")
	}
}

func TestRun_TransientFetchIsRetried(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(2)}, primaryTransient: 2}
	e, _ := newTestEngine(db, clk, client)

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess || run.RetryCount != 2 {
		t.Fatalf("expected success after 2 retries, got %s retries=%d", run.Status, run.RetryCount)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 2 || sleeps[1] != 2*sleeps[0] {
		t.Fatalf("expected exponential backoff, got %v", sleeps)
	}
}

func TestRun_PagesPastFeedEndAreNotRetried(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{
		channel:    "ChannelA",
		primary:    [][]channelsync.RawFeedRecord{primaryRows(2)},
		analytics:  [][]channelsync.RawFeedRecord{{raw(models.RecordSourceAnalytics, 1, "W1", 7)}},
		pastEndErr: &utils.TransientUpstreamError{Kind: utils.UpstreamTransient, Op: "fetchAnalyticsStock", Err: errors.New("503")},
	}
	e, _ := newTestEngine(db, clk, client)

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess || run.AnalyticsFailed {
		t.Fatalf("expected success, got %s analyticsFailed=%v", run.Status, run.AnalyticsFailed)
	}
	if run.RetryCount != 0 {
		t.Fatalf("pages past the end must not count retries, got %d", run.RetryCount)
	}
	if sleeps := clk.Sleeps(); len(sleeps) != 0 {
		t.Fatalf("pages past the end must not back off, got %v", sleeps)
	}
	if client.analyticsCalls > e.Settings.FetchConcurrency {
		t.Fatalf("expected one attempt per page of the first wave, got %d calls", client.analyticsCalls)
	}
}

func TestRun_AnalyticsFailureDegradesToPartial(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{
		channel:      "ChannelA",
		primary:      [][]channelsync.RawFeedRecord{primaryRows(3)},
		analyticsErr: &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: "fetchAnalyticsStock", Err: errors.New("schema changed")},
	}
	e, _ := newTestEngine(db, clk, client)

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusPartial || !run.AnalyticsFailed {
		t.Fatalf("expected partial with analytics failure, got %s analyticsFailed=%v", run.Status, run.AnalyticsFailed)
	}
	rows, _ := models.ListStockRecordsBySnapshot(context.Background(), db, "ChannelA", run.SnapshotDate)
	for _, r := range rows {
		if r.Source != models.RecordSourcePrimary || r.HasAnalyticsData {
			t.Fatalf("expected primary-only rows, got %+v", r)
		}
	}
}

func TestRun_CancelStopsNewBatches(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(9)}}
	e, _ := newTestEngine(db, clk, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &flakyWriter{next: e.Writer, after: func(call int) {
		if call == 1 {
			cancel()
		}
	}}
	e.Writer = w

	run, err := e.Run(ctx, "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusPartial {
		t.Fatalf("expected partial after cancellation, got %s", run.Status)
	}
	if run.CancelReason == nil {
		t.Fatalf("expected a cancel reason")
	}
	if w.calls != 1 || run.RecordsProcessed != 3 {
		t.Fatalf("expected only the in-flight batch to commit, calls=%d processed=%d", w.calls, run.RecordsProcessed)
	}
	if got := countRows(t, db); got != 3 {
		t.Fatalf("expected 3 rows, got %d", got)
	}
}

func TestRun_CancelDuringFetchIsFailed(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(3)}, primaryTransient: 1, onPrimary: cancel}
	e, _ := newTestEngine(db, clk, client)

	run, err := e.Run(ctx, "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusFailed || run.CancelReason == nil {
		t.Fatalf("expected failed with cancel reason, got %s", run.Status)
	}
}

func TestRun_InvalidRecordsAreSkippedAndCounted(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	rows := primaryRows(2)
	rows = append(rows, raw(models.RecordSourcePrimary, "ab!c", "W1", 1), raw(models.RecordSourcePrimary, "  ", "W1", 1))
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{rows}}
	e, _ := newTestEngine(db, clk, client)

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("invalid records must not fail the run, got %s", run.Status)
	}
	if run.RecordsInvalid != 2 || run.RecordsProcessed != 2 || run.RecordsFailed != 0 {
		t.Fatalf("unexpected counters invalid=%d processed=%d failed=%d", run.RecordsInvalid, run.RecordsProcessed, run.RecordsFailed)
	}
}

func TestRun_OneMergedRecordPerKeyAcrossRuns(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	// The same product reported with string, numeric and padded ids.
	client := &fakeClient{
		channel: "ChannelA",
		primary: [][]channelsync.RawFeedRecord{{
			raw(models.RecordSourcePrimary, "500", "W1", 10),
			raw(models.RecordSourcePrimary, 501, "W1", 4),
		}},
		analytics: [][]channelsync.RawFeedRecord{{
			raw(models.RecordSourceAnalytics, 500, "W1", 12),
			raw(models.RecordSourceAnalytics, " 501 ", "W1", 4),
		}},
	}
	e, _ := newTestEngine(db, clk, client)

	var last *models.SyncRun
	for i := 0; i < 3; i++ {
		run, err := e.Run(context.Background(), "ChannelA", "")
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if run.Status != models.SyncRunStatusSuccess {
			t.Fatalf("run %d: expected success, got %s", i, run.Status)
		}
		last = run
		clk.Advance(time.Minute)
	}

	rows, _ := models.ListStockRecordsBySnapshot(context.Background(), db, "ChannelA", last.SnapshotDate)
	if len(rows) != 2 {
		t.Fatalf("expected one row per key, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Source != models.RecordSourceMerged || r.SyncRunId != last.ID {
			t.Fatalf("expected merged rows owned by the last run, got %+v", r)
		}
	}
	dupes, _ := models.CountDuplicateStockKeys(context.Background(), db, "ChannelA", last.SnapshotDate)
	if dupes != 0 {
		t.Fatalf("expected no duplicate keys, got %d", dupes)
	}

	// 10 vs 12 is a 20% discrepancy.
	cmps, _ := models.ListStockComparisons(context.Background(), db, last.ID)
	if len(cmps) != 1 || cmps[0].ProductKey != "500" || cmps[0].Discrepancy != 2 {
		t.Fatalf("expected one comparison for 500, got %+v", cmps)
	}
}

func TestRun_SameDayRerunReplacesSnapshot(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(3)}}
	e, _ := newTestEngine(db, clk, client)

	if run, err := e.Run(context.Background(), "ChannelA", ""); err != nil || run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("run 1: %v", err)
	}
	clk.Advance(time.Hour)
	client.primary = [][]channelsync.RawFeedRecord{primaryRows(1)}
	run2, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil || run2.Status != models.SyncRunStatusSuccess || run2.RecordsProcessed != 1 {
		t.Fatalf("run 2: %v", err)
	}

	if got := countRows(t, db); got != 1 {
		t.Fatalf("expected only run 2's row in the snapshot, got %d", got)
	}
	totals, err := models.SellableTotals(context.Background(), db, "ChannelA", run2.SnapshotDate)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(totals) != 1 || totals[0].ProductCount != 1 || totals[0].QuantityPresent != 10 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestRun_PartialRerunKeepsEarlierRows(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{primaryRows(6)}}
	e, _ := newTestEngine(db, clk, client)

	if _, err := e.Run(context.Background(), "ChannelA", ""); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	clk.Advance(time.Hour)
	client.analyticsErr = &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: "fetchAnalyticsStock", Err: errors.New("schema changed")}
	client.primary = [][]channelsync.RawFeedRecord{primaryRows(3)}
	run2, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil || run2.Status != models.SyncRunStatusPartial {
		t.Fatalf("run 2: expected partial (%v)", err)
	}
	if got := countRows(t, db); got != 6 {
		t.Fatalf("a partial run must not supersede rows, got %d", got)
	}
}

func TestRun_PlaceholderNamesQueueCacheEntries(t *testing.T) {
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	named := raw(models.RecordSourcePrimary, "1", "W1", 3)
	named.Fields["product_name"] = "Green Tea 500ml"
	client := &fakeClient{channel: "ChannelA", primary: [][]channelsync.RawFeedRecord{{named, raw(models.RecordSourcePrimary, "999", "W1", 1)}}}
	e, _ := newTestEngine(db, clk, client)
	cache := productname.NewGormCacheStore(db)
	e.Names = productname.NewResolver(nil, cache, quietLogger())

	run, err := e.Run(context.Background(), "ChannelA", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, _ := models.ListStockRecordsByRun(context.Background(), db, "ChannelA", run.ID)
	names := map[string]string{}
	for _, r := range rows {
		names[r.ProductKey] = fmt.Sprintf("%s|%s", r.ProductName, r.NameTier)
	}
	if names["1"] != "Green Tea 500ml|"+string(models.NameTierCanonical) {
		t.Fatalf("unexpected name for 1: %q", names["1"])
	}
	if names["999"] != "Item ChannelA ID 999|"+string(models.NameTierPlaceholder) {
		t.Fatalf("unexpected name for 999: %q", names["999"])
	}
	entry, err := cache.Get(context.Background(), "ChannelA", "999")
	if err != nil || entry == nil || entry.SyncStatus != models.NameSyncStatusPending {
		t.Fatalf("expected pending cache entry, got %+v err=%v", entry, err)
	}
}
