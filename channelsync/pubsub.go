package channelsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
)

func SyncTopic() string {
	return utils.StringFromEnv("STOCK_SYNC_TOPIC", "stock-sync")
}

// PublishSyncTrigger queues a sync for the push endpoint and returns the Pub/Sub message id.
func PublishSyncTrigger(ctx context.Context, payload SyncTriggerPayload) (string, error) {
	if strings.TrimSpace(payload.Channel) == "" {
		return "", errors.New("channel is required")
	}
	topic := SyncTopic()
	if utils.EnvBoolDefault("STOCK_SYNC_CREATE_TOPIC", false) {
		client, err := config.GetClient(ctx)
		if err != nil {
			return "", err
		}
		if _, err := config.CreateTopicIfNotExists(ctx, client, topic); err != nil {
			return "", err
		}
	}
	return config.PublishJSON(ctx, topic, payload, map[string]string{"channel": payload.Channel})
}

// DecodePushEnvelope extracts the trigger payload from a Pub/Sub push request body.
func DecodePushEnvelope(body []byte) (SyncTriggerPayload, error) {
	var envelope PubSubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return SyncTriggerPayload{}, err
	}
	var payload SyncTriggerPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
		return SyncTriggerPayload{}, err
	}
	if strings.TrimSpace(payload.Channel) == "" {
		if ch := envelope.Message.Attributes["channel"]; ch != "" {
			payload.Channel = ch
		} else {
			return SyncTriggerPayload{}, errors.New("push message has no channel")
		}
	}
	return payload, nil
}
