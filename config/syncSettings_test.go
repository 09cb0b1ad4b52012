package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadSyncSettings_Defaults(t *testing.T) {
	s, err := LoadSyncSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.BatchSize != 500 || s.FetchConcurrency != 4 || s.LockTTL != 10*time.Minute {
		t.Fatalf("unexpected defaults %+v", s)
	}
	if !s.Discrepancy.Relative.Equal(decimal.RequireFromString("0.1")) || s.Discrepancy.Absolute != 5 {
		t.Fatalf("unexpected discrepancy thresholds %+v", s.Discrepancy)
	}
}

func TestLoadSyncSettings_EnvOverrides(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "50")
	t.Setenv("SYNC_RETRY_MAX_BACKOFF", "2m")
	t.Setenv("DISCREPANCY_RELATIVE", "0.25")
	t.Setenv("ANOMALY_STALE_MAX_AGE", "2h")
	t.Setenv("ALERT_COOLDOWN", "1m")
	t.Setenv("ALERT_COOLDOWN_OVERRIDES", "StaleData=10m, APIError=15m")

	s, err := LoadSyncSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.BatchSize != 50 || s.RetryMaxBackoff != 2*time.Minute || s.Anomaly.StaleMaxAge != 2*time.Hour {
		t.Fatalf("overrides not applied: %+v", s)
	}
	if !s.Discrepancy.Relative.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("expected relative 0.25, got %s", s.Discrepancy.Relative)
	}
	if got := s.CooldownFor("StaleData"); got != 10*time.Minute {
		t.Fatalf("StaleData cooldown: got %s", got)
	}
	if got := s.CooldownFor("APIError"); got != 15*time.Minute {
		t.Fatalf("APIError cooldown: got %s", got)
	}
	if got := s.CooldownFor("ZeroStockSpike"); got != time.Minute {
		t.Fatalf("default cooldown: got %s", got)
	}
}

func TestLoadSyncSettings_Rejects(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"malformed override", "ALERT_COOLDOWN_OVERRIDES", "StaleData"},
		{"bad override duration", "ALERT_COOLDOWN_OVERRIDES", "StaleData=soon"},
		{"bad decimal", "DISCREPANCY_RELATIVE", "ten percent"},
		{"batch size too big", "SYNC_BATCH_SIZE", "20000"},
		{"zero concurrency", "SYNC_FETCH_CONCURRENCY", "0"},
		{"spike delta above one", "ANOMALY_ZERO_STOCK_DELTA", "1.5"},
		{"multiple not above one", "ANOMALY_MASSIVE_MULTIPLE", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadSyncSettings(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidate_MaxBackoffBelowBase(t *testing.T) {
	s := DefaultSyncSettings()
	s.RetryBaseBackoff = time.Minute
	s.RetryMaxBackoff = time.Second
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error when max backoff is below base")
	}
}
