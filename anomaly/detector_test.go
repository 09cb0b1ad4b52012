package anomaly_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/anomaly"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/dbtest"
	"bitbucket.org/mmdatafocus/stock_sync/models"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func records(n, zeros int, qty int64) []models.StockRecord {
	out := make([]models.StockRecord, 0, n)
	for i := 0; i < n; i++ {
		q := qty
		if i < zeros {
			q = 0
		}
		out = append(out, models.StockRecord{
			Channel:         "ChannelA",
			WarehouseName:   "W1",
			ProductKey:      fmt.Sprint(i + 1),
			QuantityPresent: q,
			Source:          models.RecordSourceMerged,
			LastSyncAt:      now.Add(-time.Hour),
		})
	}
	return out
}

func successRun() models.SyncRun {
	return models.SyncRun{ID: 2, RunId: "run-2", Channel: "ChannelA", Status: models.SyncRunStatusSuccess}
}

func byType(found []models.Anomaly) map[models.AnomalyType]models.Anomaly {
	m := make(map[models.AnomalyType]models.Anomaly, len(found))
	for _, a := range found {
		m[a.Type] = a
	}
	return m
}

func newDetector() *anomaly.Detector {
	return anomaly.NewDetector(config.DefaultSyncSettings().Anomaly, nil, nil)
}

func TestDetect_ZeroStockSpike(t *testing.T) {
	found := byType(newDetector().Detect(anomaly.Input{
		Run:         successRun(),
		Previous:    records(1000, 100, 10),
		HasPrevious: true,
		Current:     records(1000, 300, 10),
		Now:         now,
	}))
	a, ok := found[models.AnomalyZeroStockSpike]
	if !ok {
		t.Fatalf("expected ZeroStockSpike, got %v", found)
	}
	if a.Severity != models.SeverityHigh || a.AffectedCount != 300 {
		t.Fatalf("unexpected anomaly %+v", a)
	}
	if len(found) != 1 {
		t.Fatalf("expected only ZeroStockSpike, got %v", found)
	}
}

func TestDetect_ZeroStockSpikeBelowThreshold(t *testing.T) {
	found := byType(newDetector().Detect(anomaly.Input{
		Run:         successRun(),
		Previous:    records(1000, 100, 10),
		HasPrevious: true,
		Current:     records(1000, 200, 10),
		Now:         now,
	}))
	if _, ok := found[models.AnomalyZeroStockSpike]; ok {
		t.Fatalf("+10pp is below the 15pp threshold")
	}
}

func TestDetect_MassiveChangeAndMissing(t *testing.T) {
	prev := records(4, 0, 10)
	cur := records(3, 0, 10)
	cur[0].QuantityPresent = 60   // 6x
	cur[1].QuantityPresent = 1015 // +1005 units
	cur[2].QuantityPresent = 45   // 4.5x, under both bounds
	found := byType(newDetector().Detect(anomaly.Input{
		Run: successRun(), Previous: prev, HasPrevious: true, Current: cur, Now: now,
	}))
	if a := found[models.AnomalyMassiveStockChange]; a.AffectedCount != 2 || a.Severity != models.SeverityHigh {
		t.Fatalf("unexpected MassiveStockChange %+v", a)
	}
	if a := found[models.AnomalyMissingProducts]; a.AffectedCount != 1 || a.Severity != models.SeverityMedium {
		t.Fatalf("unexpected MissingProducts %+v", a)
	}
}

func TestDetect_ContentRules(t *testing.T) {
	cur := records(4, 0, 10)
	cur[0].QuantityPresent = -1
	cur[1].QuantityReserved = -2
	cur[2].LastSyncAt = now.Add(-9 * time.Hour)
	cmp := []models.StockComparison{{WarehouseName: "W1", ProductKey: "1", Discrepancy: 7}}
	found := byType(newDetector().Detect(anomaly.Input{
		Run: successRun(), Current: cur, Comparisons: cmp, Now: now,
	}))
	if a := found[models.AnomalyNegativeStock]; a.AffectedCount != 2 || a.Severity != models.SeverityCritical {
		t.Fatalf("unexpected NegativeStock %+v", a)
	}
	if a := found[models.AnomalyStaleData]; a.AffectedCount != 1 || a.Severity != models.SeverityMedium {
		t.Fatalf("unexpected StaleData %+v", a)
	}
	if a := found[models.AnomalyFeedMismatch]; a.AffectedCount != 1 {
		t.Fatalf("unexpected FeedMismatch %+v", a)
	}
	if _, ok := found[models.AnomalyMissingProducts]; ok {
		t.Fatalf("no previous run means no comparative anomalies")
	}
}

func TestDetect_DuplicateRecordsIsCritical(t *testing.T) {
	cur := records(2, 0, 10)
	cur = append(cur, cur[0])
	found := byType(newDetector().Detect(anomaly.Input{Run: successRun(), Current: cur, WriteConflicts: 1, Now: now}))
	a, ok := found[models.AnomalyDuplicateRecords]
	if !ok || a.Severity != models.SeverityCritical || a.AffectedCount != 2 {
		t.Fatalf("unexpected DuplicateRecords %+v", a)
	}
}

func TestDetect_FailedRunOnlyReportsAPIError(t *testing.T) {
	run := successRun()
	run.Status = models.SyncRunStatusFailed
	found := newDetector().Detect(anomaly.Input{
		Run:         run,
		Previous:    records(10, 0, 10),
		HasPrevious: true,
		Now:         now,
	})
	if len(found) != 1 || found[0].Type != models.AnomalyAPIError || found[0].Severity != models.SeverityMedium {
		t.Fatalf("expected a single APIError, got %+v", found)
	}
}

func TestDetectAndRecord(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	run := &models.SyncRun{RunId: "run-1", Channel: "ChannelA", Status: models.SyncRunStatusPending}
	if err := models.RecordSyncRun(ctx, db, run); err != nil {
		t.Fatalf("record run: %v", err)
	}
	_ = run.Transition(models.SyncRunStatusRunning, now)
	_ = run.Transition(models.SyncRunStatusPartial, now)
	if err := models.RecordSyncRun(ctx, db, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	d := anomaly.NewDetector(config.DefaultSyncSettings().Anomaly, db, nil)
	cur := records(2, 0, 10)
	cur[0].QuantityPresent = -5
	got, err := d.DetectAndRecord(ctx, anomaly.Input{Run: *run, Current: cur, Now: now})
	if err != nil {
		t.Fatalf("DetectAndRecord: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected APIError and NegativeStock, got %+v", got)
	}
	stored, err := models.ListAnomalies(ctx, db, run.ID)
	if err != nil || len(stored) != 2 {
		t.Fatalf("expected 2 stored anomalies, got %d (%v)", len(stored), err)
	}
	for _, a := range got {
		if a.ID == 0 {
			t.Fatalf("returned anomalies must carry their ids")
		}
	}
}
