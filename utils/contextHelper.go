package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/stock_sync/appctx"
	"github.com/sirupsen/logrus"
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}

func SetChannelInContext(ctx context.Context, channel string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyChannel, channel)
}

func SetRunIdInContext(ctx context.Context, runId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyRunId, runId)
}

func SetTriggeredByInContext(ctx context.Context, triggeredBy string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyTriggeredBy, triggeredBy)
}

// ContextFields returns the run identifiers carried on ctx as log fields. Missing keys are omitted.
func ContextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	for key, name := range map[appctx.ContextKey]string{
		appctx.ContextKeyChannel:       "channel",
		appctx.ContextKeyRunId:         "run_id",
		appctx.ContextKeyCorrelationId: "correlation_id",
		appctx.ContextKeyTriggeredBy:   "triggered_by",
	} {
		if v, ok := appctx.GetString(ctx, key); ok && v != "" {
			fields[name] = v
		}
	}
	return fields
}
