package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const pubsubConnectAttempts = 5

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetClient returns the shared Pub/Sub client, creating it on first use.
// PUBSUB_CREDENTIALS_JSON overrides Application Default Credentials.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	project := firstEnv("PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT")
	if project == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if cred := os.Getenv("PUBSUB_CREDENTIALS_JSON"); cred != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cred)))
	}
	entry := logg.WithFields(logrus.Fields{"field": "pubsub", "project_id": project})

	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, project, opts...)
		if err == nil {
			pubsubClient = c
			entry.WithField("attempt", attempt).Info("pubsub client ready")
			return c, nil
		}
		if attempt >= pubsubConnectAttempts {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		wait := connectBackoff(attempt)
		entry.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).Warn(err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// CreateTopicIfNotExists returns the topic handle, creating the topic when missing.
func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil || topic == "" {
		return nil, errors.New("pubsub client and topic are required")
	}
	t := c.Topic(topic)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return t, nil
	}
	if t, err = c.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// PublishJSON marshals obj, publishes it with attrs and waits for the server-assigned message id.
func PublishJSON(ctx context.Context, topic string, obj interface{}, attrs map[string]string) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	client, err := GetClient(ctx)
	if err != nil {
		return "", err
	}
	return client.Topic(topic).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}
