package syncengine

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// RecordWriter commits one batch atomically.
type RecordWriter interface {
	WriteBatch(ctx context.Context, batch []models.StockRecord) error
}

type GormRecordWriter struct {
	DB *gorm.DB
}

func (w *GormRecordWriter) WriteBatch(ctx context.Context, batch []models.StockRecord) error {
	return models.UpsertMergedRecords(ctx, w.DB, batch)
}

// commitBatch retries transient failures up to MaxBatchRetries. Once a commit starts it is not
// interrupted by run cancellation, so a batch is either fully written or not at all.
func (e *Engine) commitBatch(ctx context.Context, st *runState, index int, batch []models.StockRecord) error {
	ctx, span := e.tracer().Start(ctx, "syncengine.commitBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.index", index), attribute.Int("batch.size", len(batch)))

	detached := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		commitCtx, cancel := context.WithTimeout(detached, e.Settings.CommitTimeout)
		err := e.Writer.WriteBatch(commitCtx, batch)
		cancel()
		if err == nil {
			return nil
		}
		if !isTransientDBError(err) || attempt > e.Settings.MaxBatchRetries {
			span.RecordError(err)
			return &utils.PermanentBatchError{BatchIndex: index, Size: len(batch), Attempts: attempt, Err: err}
		}
		delay := backoff(attempt, e.Settings.RetryBaseBackoff, e.Settings.RetryMaxBackoff)
		st.retries.Add(1)
		st.log().WithField("batch", index).WithField("attempt", attempt).Warn(fmt.Sprintf("transient write error, retrying in %s: %v", delay, err))
		if err := e.Clock.Sleep(detached, delay); err != nil {
			return &utils.PermanentBatchError{BatchIndex: index, Size: len(batch), Attempts: attempt, Err: err}
		}
	}
}

// writeBatches commits records in BatchSize chunks. A permanently failed batch is skipped and the
// next one still runs. No batch starts after ctx is done or the lease is lost.
func (e *Engine) writeBatches(ctx context.Context, st *runState, lease Lease, records []models.StockRecord) {
	size := max(e.Settings.BatchSize, 1)
	for start, index := 0, 0; start < len(records); start, index = start+size, index+1 {
		if err := ctx.Err(); err != nil {
			st.stop(fmt.Sprintf("cancelled before batch %d: %v", index, context.Cause(ctx)))
			return
		}
		if err := lease.Refresh(ctx, e.Settings.LockTTL); err != nil {
			if ctx.Err() != nil {
				st.stop(fmt.Sprintf("cancelled before batch %d: %v", index, context.Cause(ctx)))
			} else {
				st.stop(fmt.Sprintf("sync lease lost before batch %d: %v", index, err))
			}
			return
		}

		batch := records[start:min(start+size, len(records))]
		err := e.commitBatch(ctx, st, index, batch)
		if err == nil {
			st.batchesCommitted++
			st.recordsProcessed += len(batch)
			continue
		}

		st.batchesFailed++
		st.recordsFailed += len(batch)
		if isDuplicateKeyError(err) {
			st.writeConflicts++
		}
		var pbe *utils.PermanentBatchError
		retryable := errors.As(err, &pbe) && isTransientDBError(pbe.Err)
		st.recordError(ctx, models.SyncErrorBatchFailed, fmt.Sprintf("batch-%d", index), err.Error(), batchKeys(batch), retryable)
		config.LogError(st.log(), "SafeSyncEngine", "writeBatches", fmt.Sprintf("batch-%d", index), len(batch), err)
	}
}

func batchKeys(batch []models.StockRecord) map[string]any {
	keys := make([]string, 0, min(len(batch), maxSampleKeys))
	for _, r := range batch {
		if len(keys) == maxSampleKeys {
			break
		}
		keys = append(keys, r.WarehouseName+"/"+r.ProductKey)
	}
	return map[string]any{"size": len(batch), "sample_keys": keys}
}
