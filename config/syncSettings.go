package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/stock_sync/utils"
)

// DiscrepancyThresholds decide when a primary/analytics pair is significant.
// Either bound being exceeded is enough.
type DiscrepancyThresholds struct {
	Relative decimal.Decimal
	Absolute int64
}

type AnomalyThresholds struct {
	// ZeroStockSpikeDelta is a fraction: 0.15 means +15 percentage points.
	ZeroStockSpikeDelta   decimal.Decimal
	MassiveChangeMultiple decimal.Decimal
	MassiveChangeAbsolute int64
	StaleMaxAge           time.Duration
}

type SyncSettings struct {
	BatchSize        int           `validate:"gte=1,lte=10000"`
	MaxBatchRetries  int           `validate:"gte=0,lte=10"`
	RetryBaseBackoff time.Duration `validate:"gt=0"`
	RetryMaxBackoff  time.Duration `validate:"gt=0,gtefield=RetryBaseBackoff"`
	FetchConcurrency int           `validate:"gte=1,lte=8"`
	FetchPageSize    int           `validate:"gte=1,lte=5000"`
	FetchPageTimeout time.Duration `validate:"gt=0"`
	FetchMaxRetries  int           `validate:"gte=0,lte=10"`
	CommitTimeout    time.Duration `validate:"gt=0"`
	LockTTL          time.Duration `validate:"gt=0"`
	SyncInterval     time.Duration `validate:"gt=0"`

	Discrepancy DiscrepancyThresholds
	Anomaly     AnomalyThresholds

	AlertCooldown       time.Duration `validate:"gte=0"`
	AlertCooldownByType map[string]time.Duration
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		BatchSize:        500,
		MaxBatchRetries:  3,
		RetryBaseBackoff: 500 * time.Millisecond,
		RetryMaxBackoff:  30 * time.Second,
		FetchConcurrency: 4,
		FetchPageSize:    200,
		FetchPageTimeout: 30 * time.Second,
		FetchMaxRetries:  3,
		CommitTimeout:    15 * time.Second,
		LockTTL:          10 * time.Minute,
		SyncInterval:     time.Hour,
		Discrepancy: DiscrepancyThresholds{
			Relative: decimal.NewFromFloat(0.10),
			Absolute: 5,
		},
		Anomaly: AnomalyThresholds{
			ZeroStockSpikeDelta:   decimal.NewFromFloat(0.15),
			MassiveChangeMultiple: decimal.NewFromInt(5),
			MassiveChangeAbsolute: 1000,
			StaleMaxAge:           8 * time.Hour,
		},
		AlertCooldown:       5 * time.Minute,
		AlertCooldownByType: map[string]time.Duration{},
	}
}

// LoadSyncSettings applies env overrides on top of the defaults.
//
// Set via env:
// - SYNC_BATCH_SIZE, SYNC_MAX_BATCH_RETRIES, SYNC_RETRY_BASE_BACKOFF, SYNC_RETRY_MAX_BACKOFF
// - SYNC_FETCH_CONCURRENCY, SYNC_FETCH_PAGE_SIZE, SYNC_FETCH_PAGE_TIMEOUT, SYNC_FETCH_MAX_RETRIES
// - SYNC_COMMIT_TIMEOUT, SYNC_LOCK_TTL, SYNC_INTERVAL
// - DISCREPANCY_RELATIVE, DISCREPANCY_ABSOLUTE
// - ANOMALY_ZERO_STOCK_DELTA, ANOMALY_MASSIVE_MULTIPLE, ANOMALY_MASSIVE_ABSOLUTE, ANOMALY_STALE_MAX_AGE
// - ALERT_COOLDOWN, ALERT_COOLDOWN_OVERRIDES="StaleData=10m,APIError=15m"
func LoadSyncSettings() (SyncSettings, error) {
	s := DefaultSyncSettings()

	s.BatchSize = utils.IntFromEnv("SYNC_BATCH_SIZE", s.BatchSize)
	s.MaxBatchRetries = utils.IntFromEnv("SYNC_MAX_BATCH_RETRIES", s.MaxBatchRetries)
	s.RetryBaseBackoff = utils.DurationFromEnv("SYNC_RETRY_BASE_BACKOFF", s.RetryBaseBackoff)
	s.RetryMaxBackoff = utils.DurationFromEnv("SYNC_RETRY_MAX_BACKOFF", s.RetryMaxBackoff)
	s.FetchConcurrency = utils.IntFromEnv("SYNC_FETCH_CONCURRENCY", s.FetchConcurrency)
	s.FetchPageSize = utils.IntFromEnv("SYNC_FETCH_PAGE_SIZE", s.FetchPageSize)
	s.FetchPageTimeout = utils.DurationFromEnv("SYNC_FETCH_PAGE_TIMEOUT", s.FetchPageTimeout)
	s.FetchMaxRetries = utils.IntFromEnv("SYNC_FETCH_MAX_RETRIES", s.FetchMaxRetries)
	s.CommitTimeout = utils.DurationFromEnv("SYNC_COMMIT_TIMEOUT", s.CommitTimeout)
	s.LockTTL = utils.DurationFromEnv("SYNC_LOCK_TTL", s.LockTTL)
	s.SyncInterval = utils.DurationFromEnv("SYNC_INTERVAL", s.SyncInterval)

	var err error
	if s.Discrepancy.Relative, err = decimalFromEnv("DISCREPANCY_RELATIVE", s.Discrepancy.Relative); err != nil {
		return s, err
	}
	s.Discrepancy.Absolute = int64(utils.IntFromEnv("DISCREPANCY_ABSOLUTE", int(s.Discrepancy.Absolute)))

	if s.Anomaly.ZeroStockSpikeDelta, err = decimalFromEnv("ANOMALY_ZERO_STOCK_DELTA", s.Anomaly.ZeroStockSpikeDelta); err != nil {
		return s, err
	}
	if s.Anomaly.MassiveChangeMultiple, err = decimalFromEnv("ANOMALY_MASSIVE_MULTIPLE", s.Anomaly.MassiveChangeMultiple); err != nil {
		return s, err
	}
	s.Anomaly.MassiveChangeAbsolute = int64(utils.IntFromEnv("ANOMALY_MASSIVE_ABSOLUTE", int(s.Anomaly.MassiveChangeAbsolute)))
	s.Anomaly.StaleMaxAge = utils.DurationFromEnv("ANOMALY_STALE_MAX_AGE", s.Anomaly.StaleMaxAge)

	s.AlertCooldown = utils.DurationFromEnv("ALERT_COOLDOWN", s.AlertCooldown)
	if s.AlertCooldownByType, err = parseCooldownOverrides(os.Getenv("ALERT_COOLDOWN_OVERRIDES")); err != nil {
		return s, err
	}

	return s, s.Validate()
}

func (s SyncSettings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid sync settings: %v", utils.ProcessValidationErrors(err))
	}
	if s.Discrepancy.Relative.IsNegative() || s.Discrepancy.Absolute < 0 {
		return fmt.Errorf("invalid sync settings: discrepancy thresholds must be non-negative")
	}
	if !s.Anomaly.ZeroStockSpikeDelta.IsPositive() || s.Anomaly.ZeroStockSpikeDelta.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid sync settings: zero stock spike delta must be in (0, 1]")
	}
	if s.Anomaly.MassiveChangeMultiple.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid sync settings: massive change multiple must be greater than 1")
	}
	if s.Anomaly.MassiveChangeAbsolute <= 0 || s.Anomaly.StaleMaxAge <= 0 {
		return fmt.Errorf("invalid sync settings: massive change absolute and stale max age must be positive")
	}
	return nil
}

// CooldownFor returns the per-type override, falling back to AlertCooldown.
func (s SyncSettings) CooldownFor(alertType string) time.Duration {
	if d, ok := s.AlertCooldownByType[alertType]; ok {
		return d
	}
	return s.AlertCooldown
}

func decimalFromEnv(key string, def decimal.Decimal) (decimal.Decimal, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := utils.ParseDecimal(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseCooldownOverrides(raw string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	for _, part := range utils.SplitAndTrim(raw) {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("ALERT_COOLDOWN_OVERRIDES: malformed entry %q", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("ALERT_COOLDOWN_OVERRIDES: bad duration for %q", name)
		}
		out[strings.TrimSpace(name)] = d
	}
	return out, nil
}
