// Package appctx holds the context keys shared by config and utils without an import cycle.
package appctx

import "context"

type ContextKey string

const (
	ContextKeyChannel       ContextKey = "channel"
	ContextKeyRunId         ContextKey = "run_id"
	ContextKeyCorrelationId ContextKey = "correlation_id"
	ContextKeyTriggeredBy   ContextKey = "triggered_by"
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}
