package channelsync

import (
	"context"

	"bitbucket.org/mmdatafocus/stock_sync/models"
)

// RawFeedRecord is one untyped row as a channel returned it. It never travels past ToFeedRecord.
type RawFeedRecord struct {
	Channel    models.Channel      `json:"channel"`
	SourceTier models.RecordSource `json:"source_tier"`
	Fields     map[string]any      `json:"fields"`
}

type PrimaryPage struct {
	Records    []RawFeedRecord
	NextCursor string
}

type AnalyticsPage struct {
	Records []RawFeedRecord
	HasMore bool
}

// ChannelClient fetches both feeds of one channel. Implementations return
// *utils.TransientUpstreamError or *utils.PermanentUpstreamError so callers can choose retry or abort.
type ChannelClient interface {
	Channel() models.Channel
	// FetchPrimaryStock returns one page; an empty NextCursor ends the feed.
	FetchPrimaryStock(ctx context.Context, cursor string) (PrimaryPage, error)
	// FetchAnalyticsStock pages are 1-based.
	FetchAnalyticsStock(ctx context.Context, page, pageSize int) (AnalyticsPage, error)
}

type SyncTriggerPayload struct {
	Channel       string `json:"channel"`
	TriggeredBy   string `json:"triggered_by"`
	CorrelationId string `json:"correlation_id"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageId  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
