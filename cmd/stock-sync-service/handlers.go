package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/channelsync"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/reports"
	"bitbucket.org/mmdatafocus/stock_sync/syncengine"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// service holds what the handlers need once startup has finished.
// Fields are written before ready is set and read only after.
type service struct {
	ready    atomic.Bool
	engine   *syncengine.Engine
	db       *gorm.DB
	uploader reports.Uploader

	logger    *logrus.Logger
	baseCtx   context.Context
	secret    []byte
	usePubSub bool
	publish   func(ctx context.Context, payload channelsync.SyncTriggerPayload) (string, error)

	inflight sync.WaitGroup
}

func (s *service) setReady(engine *syncengine.Engine, db *gorm.DB, uploader reports.Uploader) {
	s.engine = engine
	s.db = db
	s.uploader = uploader
	if s.publish == nil {
		s.publish = channelsync.PublishSyncTrigger
	}
	s.ready.Store(true)
}

func (s *service) isReady() bool { return s.ready.Load() }

func (s *service) goBackground(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

func (s *service) wait() { s.inflight.Wait() }

// runInBackground starts a run detached from the request; it stops with the service context.
func (s *service) runInBackground(channel models.Channel, triggeredBy, correlationId string) {
	s.goBackground(func() {
		ctx := utils.SetCorrelationIdInContext(s.baseCtx, correlationId)
		run, err := s.engine.Run(ctx, channel, triggeredBy)
		s.logRun(channel, run, err)
	})
}

func (s *service) logRun(channel models.Channel, run *models.SyncRun, err error) {
	entry := s.logger.WithFields(logrus.Fields{"field": "StockSyncService", "channel": channel})
	switch {
	case utils.IsConcurrentSync(err):
		entry.Info(err.Error())
	case err != nil:
		config.LogError(entry, "StockSyncService", "logRun", "background sync run", channel, err)
	case run != nil:
		entry.WithFields(logrus.Fields{"run_id": run.RunId, "status": run.Status}).Info("sync run finished")
	}
}

func (s *service) channelParam(c *gin.Context) (models.Channel, bool) {
	ch := models.Channel(strings.TrimSpace(c.Param("channel")))
	if _, ok := s.engine.Clients.Get(ch); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown channel %q", ch)})
		return "", false
	}
	return ch, true
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func limitQuery(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// triggerSync starts a manual run. With wait=true the run happens inline and
// the finished record is returned; otherwise it is queued and 202 is returned.
func (s *service) triggerSync(c *gin.Context) {
	channel, ok := s.channelParam(c)
	if !ok {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())

	if c.Query("wait") == "true" {
		run, err := s.engine.Run(c.Request.Context(), channel, models.SyncTriggeredManual)
		if err != nil {
			if utils.IsConcurrentSync(err) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
		return
	}

	if s.usePubSub {
		msgId, err := s.publish(c.Request.Context(), channelsync.SyncTriggerPayload{
			Channel:       string(channel),
			TriggeredBy:   models.SyncTriggeredManual,
			CorrelationId: cid,
		})
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "message_id": msgId})
		return
	}

	s.runInBackground(channel, models.SyncTriggeredManual, cid)
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (s *service) retryRun(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	run, err := models.GetSyncRun(c.Request.Context(), s.db, id)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	if !run.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "sync run is still in progress"})
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	s.runInBackground(run.Channel, models.SyncTriggeredRetry, cid)
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "channel": run.Channel})
}

func (s *service) listRuns(c *gin.Context) {
	channel, ok := s.channelParam(c)
	if !ok {
		return
	}
	runs, err := models.ListSyncRuns(c.Request.Context(), s.db, channel, limitQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}

type runDetailResponse struct {
	Run         *models.SyncRun          `json:"run"`
	Errors      []models.SyncRunError    `json:"errors"`
	Anomalies   []models.Anomaly         `json:"anomalies"`
	Comparisons []models.StockComparison `json:"comparisons"`
}

func (s *service) runDetail(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	run, err := models.GetSyncRun(ctx, s.db, id)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	resp := runDetailResponse{Run: run}
	if resp.Errors, err = models.ListSyncRunErrors(ctx, s.db, id, limitQuery(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp.Anomalies, err = models.ListAnomalies(ctx, s.db, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp.Comparisons, err = models.ListStockComparisons(ctx, s.db, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *service) downloadReport(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	run, err := reports.WriteRunReport(c.Request.Context(), s.db, id, &buf)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="discrepancies-%s.xlsx"`, run.RunId))
	c.Data(http.StatusOK, reports.ContentTypeXLSX, buf.Bytes())
}

func (s *service) uploadReport(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if s.uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report storage is not configured"})
		return
	}
	location, err := reports.Publish(c.Request.Context(), s.db, s.uploader, id)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": location})
}

func (s *service) listAlerts(c *gin.Context) {
	events, err := models.ListAlertEvents(c.Request.Context(), s.db, models.Channel(c.Query("channel")), limitQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": events})
}

func (s *service) sellableTotals(c *gin.Context) {
	channel, ok := s.channelParam(c)
	if !ok {
		return
	}
	date := strings.TrimSpace(c.Query("date"))
	if date == "" {
		date = s.engine.Clock.Now().Format(models.SnapshotDateLayout)
	} else if _, err := time.Parse(models.SnapshotDateLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	totals, err := models.SellableTotals(c.Request.Context(), s.db, channel, date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot_date": date, "items": totals})
}

// pubSubPush always acknowledges: a malformed or contended message is logged,
// never redelivered.
func (s *service) pubSubPush(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.logger.WithFields(logrus.Fields{"field": "StockSyncPush"}).Warn(err.Error())
		c.Status(http.StatusNoContent)
		return
	}
	payload, err := channelsync.DecodePushEnvelope(body)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"field": "StockSyncPush"}).Warn("bad push message: " + err.Error())
		c.Status(http.StatusNoContent)
		return
	}
	channel := models.Channel(payload.Channel)
	if _, ok := s.engine.Clients.Get(channel); !ok {
		s.logger.WithFields(logrus.Fields{"field": "StockSyncPush", "channel": channel}).Warn("unknown channel")
		c.Status(http.StatusNoContent)
		return
	}
	triggeredBy := payload.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredSystem
	}
	ctx := context.WithoutCancel(c.Request.Context())
	if payload.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
	}
	ctx, cancel := context.WithTimeout(ctx, s.engine.Settings.LockTTL)
	defer cancel()
	run, err := s.engine.Run(ctx, channel, triggeredBy)
	s.logRun(channel, run, err)
	c.Status(http.StatusNoContent)
}

func (s *service) notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
