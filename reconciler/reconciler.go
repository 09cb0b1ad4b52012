// Package reconciler merges the primary and analytics feeds of one channel into one record per
// (warehouse, product key).
package reconciler

import (
	"context"

	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/productname"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"github.com/shopspring/decimal"
)

// NameResolver is satisfied by *productname.Resolver.
type NameResolver interface {
	Resolve(ctx context.Context, source string, key stockkey.CanonicalKey) (string, models.NameTier)
}

type Reconciler struct {
	Thresholds config.DiscrepancyThresholds
	Names      NameResolver
}

func New(thresholds config.DiscrepancyThresholds, names NameResolver) *Reconciler {
	return &Reconciler{Thresholds: thresholds, Names: names}
}

type Stats struct {
	Matched             int `json:"matched"`
	PrimaryOnly         int `json:"primary_only"`
	AnalyticsOnly       int `json:"analytics_only"`
	DuplicatePrimary    int `json:"duplicate_primary"`
	DuplicateAnalytics  int `json:"duplicate_analytics"`
	SignificantMismatch int `json:"significant_mismatch"`
}

type Result struct {
	// Records holds exactly one entry per (channel, warehouse, product key).
	Records     []models.StockRecord
	Comparisons []models.StockComparison
	// Duplicates lists input rows that repeated a key and were overridden by a later row.
	Duplicates []models.FeedRecord
	Stats      Stats
}

type joinKey struct {
	channel   models.Channel
	warehouse string
	product   string
}

func keyOf(r models.FeedRecord) joinKey {
	return joinKey{channel: r.Channel, warehouse: r.WarehouseName, product: r.ProductKey}
}

// index keeps the last row per key and preserves first-seen key order.
func index(rows []models.FeedRecord) (map[joinKey]models.FeedRecord, []joinKey, []models.FeedRecord) {
	byKey := make(map[joinKey]models.FeedRecord, len(rows))
	order := make([]joinKey, 0, len(rows))
	var dupes []models.FeedRecord
	for _, r := range rows {
		k := keyOf(r)
		if prev, ok := byKey[k]; ok {
			dupes = append(dupes, prev)
		} else {
			order = append(order, k)
		}
		byKey[k] = r
	}
	return byKey, order, dupes
}

// Reconcile joins both feeds on product key and warehouse. The primary quantity is authoritative;
// reserved quantity comes from analytics when a match exists.
func (r *Reconciler) Reconcile(ctx context.Context, primary, analytics []models.FeedRecord) Result {
	pByKey, pOrder, pDupes := index(primary)
	aByKey, aOrder, aDupes := index(analytics)

	res := Result{
		Records:    make([]models.StockRecord, 0, len(pOrder)+len(aOrder)),
		Duplicates: append(pDupes, aDupes...),
	}
	res.Stats.DuplicatePrimary = len(pDupes)
	res.Stats.DuplicateAnalytics = len(aDupes)

	for _, k := range pOrder {
		p := pByKey[k]
		rec := models.StockRecord{
			Channel:          p.Channel,
			WarehouseName:    p.WarehouseName,
			ProductKey:       p.ProductKey,
			QuantityPresent:  p.QuantityPresent,
			QuantityReserved: p.QuantityReserved,
			Source:           models.RecordSourcePrimary,
			HasPrimaryData:   true,
			LastSyncAt:       p.LastSyncAt,
		}
		if a, ok := aByKey[k]; ok {
			res.Stats.Matched++
			rec.Source = models.RecordSourceMerged
			rec.HasAnalyticsData = true
			rec.QuantityReserved = a.QuantityReserved
			if cmp, significant := r.compare(p, a); significant {
				res.Comparisons = append(res.Comparisons, cmp)
				res.Stats.SignificantMismatch++
			}
		} else {
			res.Stats.PrimaryOnly++
		}
		rec.ProductName, rec.NameTier = r.resolveName(ctx, p.Channel, p.ProductKey)
		res.Records = append(res.Records, rec)
	}

	for _, k := range aOrder {
		if _, ok := pByKey[k]; ok {
			continue
		}
		a := aByKey[k]
		res.Stats.AnalyticsOnly++
		rec := models.StockRecord{
			Channel:          a.Channel,
			WarehouseName:    a.WarehouseName,
			ProductKey:       a.ProductKey,
			QuantityPresent:  a.QuantityPresent,
			QuantityReserved: a.QuantityReserved,
			Source:           models.RecordSourceAnalytics,
			HasAnalyticsData: true,
			LastSyncAt:       a.LastSyncAt,
		}
		rec.ProductName, rec.NameTier = r.resolveName(ctx, a.Channel, a.ProductKey)
		res.Records = append(res.Records, rec)
	}
	return res
}

func (r *Reconciler) resolveName(ctx context.Context, channel models.Channel, key string) (string, models.NameTier) {
	ck := stockkey.CanonicalKey(key)
	if r.Names == nil {
		return productname.Placeholder(channel.String(), ck), models.NameTierPlaceholder
	}
	return r.Names.Resolve(ctx, channel.String(), ck)
}

func (r *Reconciler) compare(p, a models.FeedRecord) (models.StockComparison, bool) {
	d := Compare(p.QuantityPresent, a.QuantityPresent, r.Thresholds)
	return models.StockComparison{
		Channel:             p.Channel,
		WarehouseName:       p.WarehouseName,
		ProductKey:          p.ProductKey,
		PrimaryQuantity:     p.QuantityPresent,
		AnalyticsQuantity:   a.QuantityPresent,
		Discrepancy:         d.Absolute,
		RelativeDiscrepancy: d.Relative,
		ZeroBase:            d.ZeroBase,
	}, d.Significant
}

type Discrepancy struct {
	Absolute int64
	// Relative is |primary-analytics| / |primary|, zero when primary is zero.
	Relative    decimal.Decimal
	ZeroBase    bool
	Significant bool
}

// Compare measures a primary/analytics pair against the thresholds. Either bound being exceeded is
// significant. A zero primary base is significant only when analytics is non-zero.
func Compare(primaryQty, analyticsQty int64, th config.DiscrepancyThresholds) Discrepancy {
	diff := primaryQty - analyticsQty
	if diff < 0 {
		diff = -diff
	}
	d := Discrepancy{Absolute: diff, Relative: decimal.Zero}
	if diff == 0 {
		return d
	}
	if primaryQty == 0 {
		d.ZeroBase = true
		d.Significant = true
		return d
	}
	base := primaryQty
	if base < 0 {
		base = -base
	}
	rel := decimal.NewFromInt(diff).Div(decimal.NewFromInt(base))
	d.Significant = diff > th.Absolute || rel.GreaterThan(th.Relative)
	d.Relative = rel.Round(4)
	return d
}
