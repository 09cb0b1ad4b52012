// Package anomaly inspects a finished sync run against the previous one and records data-quality anomalies.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxSampleKeys = 20

// Input is everything one detection pass looks at. Current is the full reconciled set of the run,
// including rows whose batch failed to commit.
type Input struct {
	Run         models.SyncRun
	Previous    []models.StockRecord
	HasPrevious bool
	Current     []models.StockRecord
	Comparisons []models.StockComparison
	// StoredDuplicateKeys counts keys holding more than one persisted row.
	StoredDuplicateKeys int64
	// WriteConflicts counts batches rejected because they would have duplicated a key.
	WriteConflicts int
	Now            time.Time
}

type Detector struct {
	Thresholds config.AnomalyThresholds
	DB         *gorm.DB
	Logger     *logrus.Logger
}

func NewDetector(thresholds config.AnomalyThresholds, db *gorm.DB, logger *logrus.Logger) *Detector {
	return &Detector{Thresholds: thresholds, DB: db, Logger: logger}
}

type details struct {
	SampleKeys []string       `json:"sample_keys,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// Detect is read-only and yields at most one anomaly per type.
func (d *Detector) Detect(in Input) []models.Anomaly {
	var out []models.Anomaly
	add := func(t models.AnomalyType, affected int, desc string, det details) {
		if affected <= 0 && t != models.AnomalyAPIError {
			return
		}
		b, _ := json.Marshal(det)
		out = append(out, models.Anomaly{
			SyncRunId:     in.Run.ID,
			Type:          t,
			Channel:       in.Run.Channel,
			Severity:      models.SeverityFor(t),
			AffectedCount: affected,
			Description:   desc,
			DetailsJSON:   b,
			DetectedAt:    in.Now,
		})
	}

	if in.Run.Status == models.SyncRunStatusPartial || in.Run.Status == models.SyncRunStatusFailed {
		msg := ""
		if in.Run.ErrorMessage != nil {
			msg = ": " + *in.Run.ErrorMessage
		}
		add(models.AnomalyAPIError, in.Run.RecordsFailed,
			fmt.Sprintf("sync run %s finished %s with %d failed and %d invalid records%s",
				in.Run.RunId, in.Run.Status, in.Run.RecordsFailed, in.Run.RecordsInvalid, msg),
			details{Metrics: map[string]any{
				"status":            in.Run.Status,
				"batches_failed":    in.Run.BatchesFailed,
				"batches_committed": in.Run.BatchesCommitted,
				"analytics_failed":  in.Run.AnalyticsFailed,
			}})
	}
	if in.Run.Status == models.SyncRunStatusFailed {
		// A failed run wrote nothing, so its set says nothing about stock.
		return out
	}

	if n, keys := duplicateKeys(in.Current); n+int(in.StoredDuplicateKeys)+in.WriteConflicts > 0 {
		total := n + int(in.StoredDuplicateKeys) + in.WriteConflicts
		add(models.AnomalyDuplicateRecords, total,
			fmt.Sprintf("%d stock keys have more than one merged record", total),
			details{SampleKeys: keys, Metrics: map[string]any{
				"in_run":          n,
				"stored":          in.StoredDuplicateKeys,
				"write_conflicts": in.WriteConflicts,
			}})
	}

	var negKeys []string
	for _, r := range in.Current {
		if r.QuantityPresent < 0 || r.QuantityReserved < 0 {
			negKeys = append(negKeys, keyString(r.Key()))
		}
	}
	add(models.AnomalyNegativeStock, len(negKeys),
		fmt.Sprintf("%d records have negative present or reserved quantity", len(negKeys)),
		details{SampleKeys: sample(negKeys)})

	if d.Thresholds.StaleMaxAge > 0 {
		cutoff := in.Now.Add(-d.Thresholds.StaleMaxAge)
		var staleKeys []string
		for _, r := range in.Current {
			if r.LastSyncAt.Before(cutoff) {
				staleKeys = append(staleKeys, keyString(r.Key()))
			}
		}
		add(models.AnomalyStaleData, len(staleKeys),
			fmt.Sprintf("%d records were last synced more than %s ago", len(staleKeys), d.Thresholds.StaleMaxAge),
			details{SampleKeys: sample(staleKeys)})
	}

	if len(in.Comparisons) > 0 {
		keys := make([]string, 0, len(in.Comparisons))
		for _, c := range in.Comparisons {
			keys = append(keys, keyString(models.RecordKey{WarehouseName: c.WarehouseName, ProductKey: c.ProductKey}))
		}
		add(models.AnomalyFeedMismatch, len(in.Comparisons),
			fmt.Sprintf("%d products disagree between primary and analytics feeds beyond threshold", len(in.Comparisons)),
			details{SampleKeys: sample(keys)})
	}

	if !in.HasPrevious || len(in.Previous) == 0 {
		return out
	}
	d.compareRuns(in, add)
	return out
}

func (d *Detector) compareRuns(in Input, add func(models.AnomalyType, int, string, details)) {
	prev := make(map[models.RecordKey]models.StockRecord, len(in.Previous))
	for _, r := range in.Previous {
		prev[r.Key()] = r
	}
	cur := make(map[models.RecordKey]models.StockRecord, len(in.Current))
	for _, r := range in.Current {
		cur[r.Key()] = r
	}

	if prevShare, ok := zeroShare(in.Previous); ok {
		if curShare, ok := zeroShare(in.Current); ok {
			delta := curShare.Sub(prevShare)
			if delta.GreaterThanOrEqual(d.Thresholds.ZeroStockSpikeDelta) && delta.IsPositive() {
				zeros := countZero(in.Current)
				pp := decimal.NewFromInt(100)
				add(models.AnomalyZeroStockSpike, zeros,
					fmt.Sprintf("zero-stock share rose from %s%% to %s%% (+%spp)",
						prevShare.Mul(pp).StringFixed(2), curShare.Mul(pp).StringFixed(2), delta.Mul(pp).StringFixed(2)),
					details{Metrics: map[string]any{
						"previous_share": prevShare.StringFixed(4),
						"current_share":  curShare.StringFixed(4),
					}})
			}
		}
	}

	var massive []string
	for k, c := range cur {
		p, ok := prev[k]
		if ok && d.isMassiveChange(p.QuantityPresent, c.QuantityPresent) {
			massive = append(massive, keyString(k))
		}
	}
	sort.Strings(massive)
	add(models.AnomalyMassiveStockChange, len(massive),
		fmt.Sprintf("%d products changed quantity by more than %sx or %d units",
			len(massive), d.Thresholds.MassiveChangeMultiple.String(), d.Thresholds.MassiveChangeAbsolute),
		details{SampleKeys: sample(massive)})

	var missing []string
	for k := range prev {
		if _, ok := cur[k]; !ok {
			missing = append(missing, keyString(k))
		}
	}
	sort.Strings(missing)
	add(models.AnomalyMissingProducts, len(missing),
		fmt.Sprintf("%d products from the previous run are missing", len(missing)),
		details{SampleKeys: sample(missing)})
}

func (d *Detector) isMassiveChange(before, after int64) bool {
	diff := after - before
	if diff < 0 {
		diff = -diff
	}
	if d.Thresholds.MassiveChangeAbsolute > 0 && diff > d.Thresholds.MassiveChangeAbsolute {
		return true
	}
	lo, hi := before, after
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo <= 0 || d.Thresholds.MassiveChangeMultiple.IsZero() {
		return false
	}
	ratio := decimal.NewFromInt(hi).Div(decimal.NewFromInt(lo))
	return ratio.GreaterThan(d.Thresholds.MassiveChangeMultiple)
}

// DetectAndRecord persists every detected anomaly. Failed inserts are joined into the error.
func (d *Detector) DetectAndRecord(ctx context.Context, in Input) ([]models.Anomaly, error) {
	found := d.Detect(in)
	if d.DB == nil {
		return found, errors.New("anomaly detector has no database")
	}
	recorded := make([]models.Anomaly, 0, len(found))
	var errs []error
	for i := range found {
		a := found[i]
		if err := models.RecordAnomaly(ctx, d.DB, &a); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", a.Type, err))
			continue
		}
		recorded = append(recorded, a)
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":          "AnomalyDetector",
				"channel":        a.Channel,
				"sync_run_id":    a.SyncRunId,
				"type":           a.Type,
				"severity":       a.Severity,
				"affected_count": a.AffectedCount,
			}).Warn(a.Description)
		}
	}
	return recorded, errors.Join(errs...)
}

// zeroShare is the fraction of sellable records with zero present quantity.
func zeroShare(rows []models.StockRecord) (decimal.Decimal, bool) {
	total := 0
	zeros := 0
	for _, r := range rows {
		if !r.Sellable() {
			continue
		}
		total++
		if r.QuantityPresent == 0 {
			zeros++
		}
	}
	if total == 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(int64(zeros)).Div(decimal.NewFromInt(int64(total))), true
}

func countZero(rows []models.StockRecord) int {
	n := 0
	for _, r := range rows {
		if r.Sellable() && r.QuantityPresent == 0 {
			n++
		}
	}
	return n
}

func duplicateKeys(rows []models.StockRecord) (int, []string) {
	seen := make(map[models.RecordKey]int, len(rows))
	for _, r := range rows {
		seen[r.Key()]++
	}
	var keys []string
	for k, n := range seen {
		if n > 1 {
			keys = append(keys, keyString(k))
		}
	}
	sort.Strings(keys)
	return len(keys), sample(keys)
}

func keyString(k models.RecordKey) string {
	return k.WarehouseName + "/" + k.ProductKey
}

func sample(keys []string) []string {
	if len(keys) > maxSampleKeys {
		return keys[:maxSampleKeys]
	}
	return keys
}
