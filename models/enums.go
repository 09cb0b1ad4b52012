package models

// Channel names one external sales platform, e.g. "ChannelA".
type Channel string

func (c Channel) String() string { return string(c) }

type RecordSource string

const (
	RecordSourcePrimary   RecordSource = "primary"
	RecordSourceAnalytics RecordSource = "analytics"
	RecordSourceMerged    RecordSource = "merged"
)

type NameTier string

const (
	NameTierCanonical   NameTier = "canonical"
	NameTierCached      NameTier = "cached"
	NameTierPlaceholder NameTier = "placeholder"
)

type NameSyncStatus string

const (
	NameSyncStatusPending NameSyncStatus = "pending"
	NameSyncStatusSynced  NameSyncStatus = "synced"
	NameSyncStatusFailed  NameSyncStatus = "failed"
)

type SyncRunStatus string

const (
	SyncRunStatusPending SyncRunStatus = "pending"
	SyncRunStatusRunning SyncRunStatus = "running"
	SyncRunStatusSuccess SyncRunStatus = "success"
	SyncRunStatusPartial SyncRunStatus = "partial"
	SyncRunStatusFailed  SyncRunStatus = "failed"
)

func (s SyncRunStatus) IsTerminal() bool {
	return s == SyncRunStatusSuccess || s == SyncRunStatusPartial || s == SyncRunStatusFailed
}

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

type AnomalyType string

const (
	AnomalyZeroStockSpike     AnomalyType = "ZeroStockSpike"
	AnomalyMassiveStockChange AnomalyType = "MassiveStockChange"
	AnomalyMissingProducts    AnomalyType = "MissingProducts"
	AnomalyDuplicateRecords   AnomalyType = "DuplicateRecords"
	AnomalyNegativeStock      AnomalyType = "NegativeStock"
	AnomalyStaleData          AnomalyType = "StaleData"
	AnomalyAPIError           AnomalyType = "APIError"
	AnomalyFeedMismatch       AnomalyType = "FeedMismatch"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// SeverityFor is the fixed type -> severity mapping.
func SeverityFor(t AnomalyType) Severity {
	switch t {
	case AnomalyDuplicateRecords, AnomalyNegativeStock:
		return SeverityCritical
	case AnomalyZeroStockSpike, AnomalyMassiveStockChange:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

type AlertStatus string

const (
	AlertStatusSent               AlertStatus = "sent"
	AlertStatusSuppressedCooldown AlertStatus = "suppressed_cooldown"
	AlertStatusFailed             AlertStatus = "failed"
)
