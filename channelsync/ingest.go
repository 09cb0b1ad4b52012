package channelsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalidRecord wraps every non-identifier ingestion failure.
var ErrInvalidRecord = errors.New("invalid feed record")

var validate = validator.New()

var (
	idFields        = []string{"product_key", "product_id", "productId", "sku_id", "item_id", "sku", "id"}
	warehouseFields = []string{"warehouse_name", "warehouseName", "warehouse", "location"}
	presentFields   = []string{"quantity_present", "quantityPresent", "quantity", "qty", "available", "stock"}
	reservedFields  = []string{"quantity_reserved", "quantityReserved", "reserved", "reserved_qty"}
	nameFields      = []string{"product_name", "productName", "name", "title"}
	syncedAtFields  = []string{"last_sync_at", "lastSyncAt", "updated_at", "updatedAt"}
)

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// ToFeedRecord validates raw into a strict FeedRecord. Identifier problems come back as
// *utils.InvalidIdentifierError; anything else wraps ErrInvalidRecord.
func ToFeedRecord(raw RawFeedRecord, fetchedAt time.Time) (models.FeedRecord, error) {
	if raw.SourceTier != models.RecordSourcePrimary && raw.SourceTier != models.RecordSourceAnalytics {
		return models.FeedRecord{}, fmt.Errorf("%w: unknown source tier %q", ErrInvalidRecord, raw.SourceTier)
	}
	source := fmt.Sprintf("%s/%s", raw.Channel, raw.SourceTier)

	rawId, _ := lookup(raw.Fields, idFields)
	key, err := stockkey.Normalize(rawId, source)
	if err != nil {
		return models.FeedRecord{}, err
	}

	rec := models.FeedRecord{
		ProductKey: key.String(),
		Channel:    raw.Channel,
		Source:     raw.SourceTier,
		LastSyncAt: fetchedAt.UTC(),
	}
	if v, ok := lookup(raw.Fields, warehouseFields); ok {
		rec.WarehouseName = strings.TrimSpace(fmt.Sprint(v))
	}
	if v, ok := lookup(raw.Fields, nameFields); ok && v != nil {
		rec.ProductName = strings.TrimSpace(fmt.Sprint(v))
	}

	v, ok := lookup(raw.Fields, presentFields)
	if !ok {
		return models.FeedRecord{}, fmt.Errorf("%w: %s: missing quantity", ErrInvalidRecord, key)
	}
	if rec.QuantityPresent, err = quantity(v); err != nil {
		return models.FeedRecord{}, fmt.Errorf("%w: %s: quantity: %v", ErrInvalidRecord, key, err)
	}
	if v, ok := lookup(raw.Fields, reservedFields); ok && v != nil {
		if rec.QuantityReserved, err = quantity(v); err != nil {
			return models.FeedRecord{}, fmt.Errorf("%w: %s: reserved: %v", ErrInvalidRecord, key, err)
		}
	}
	if v, ok := lookup(raw.Fields, syncedAtFields); ok && v != nil {
		ts, err := timestamp(v)
		if err != nil {
			return models.FeedRecord{}, fmt.Errorf("%w: %s: last sync time: %v", ErrInvalidRecord, key, err)
		}
		rec.LastSyncAt = ts
	}

	if err := validate.Struct(rec); err != nil {
		return models.FeedRecord{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, key, utils.ProcessValidationErrors(err))
	}
	return rec, nil
}

func lookup(fields map[string]any, names []string) (any, bool) {
	for _, n := range names {
		if v, ok := fields[n]; ok {
			return v, true
		}
	}
	return nil, false
}

// quantity accepts integral numbers in any JSON encoding. Negative values pass through.
func quantity(v any) (int64, error) {
	switch q := v.(type) {
	case int:
		return int64(q), nil
	case int32:
		return int64(q), nil
	case int64:
		return q, nil
	case float64:
		if q != math.Trunc(q) || math.IsInf(q, 0) || math.IsNaN(q) {
			return 0, fmt.Errorf("not an integer: %v", q)
		}
		// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if q >= math.MaxInt64 || q < math.MinInt64 {
			return 0, fmt.Errorf("out of range: %v", q)
		}
		return int64(q), nil
	case json.Number:
		return decimalQuantity(q.String())
	case string:
		return decimalQuantity(q)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func decimalQuantity(s string) (int64, error) {
	d, err := utils.ParseDecimal(s)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not an integer: %s", s)
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || d.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("out of range: %s", s)
	}
	return d.IntPart(), nil
}

func timestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case json.Number:
		n, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(n, 0).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable time %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}
