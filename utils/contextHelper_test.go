package utils

import (
	"context"
	"testing"
)

func TestContextFields(t *testing.T) {
	ctx := SetRunIdInContext(SetChannelInContext(context.Background(), "ChannelA"), "run-1")
	ctx = SetCorrelationIdInContext(ctx, "cid-1")

	fields := ContextFields(ctx)
	if fields["channel"] != "ChannelA" || fields["run_id"] != "run-1" || fields["correlation_id"] != "cid-1" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields["triggered_by"]; ok {
		t.Fatalf("unset keys should be omitted: %v", fields)
	}
	if len(ContextFields(context.Background())) != 0 {
		t.Fatalf("expected no fields on a bare context")
	}
}
