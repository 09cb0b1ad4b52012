package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/alerting"
	"bitbucket.org/mmdatafocus/stock_sync/channelsync"
	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/middlewares"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/productname"
	"bitbucket.org/mmdatafocus/stock_sync/reports"
	"bitbucket.org/mmdatafocus/stock_sync/syncengine"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("stock-sync")

func main() {
	port := os.Getenv("STOCK_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	settings, err := config.LoadSyncSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err.Error())
	}
	registry, err := channelsync.RegistryFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err.Error())
	}

	svc := &service{
		logger:    logger,
		baseCtx:   sigCtx,
		secret:    []byte(os.Getenv("OPS_API_SECRET")),
		usePubSub: utils.EnvBoolDefault("STOCK_SYNC_USE_PUBSUB", false),
	}
	if len(svc.secret) == 0 && isProduction() {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal("OPS_API_SECRET is required in production")
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(svc, logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	useRedis := !strings.EqualFold(utils.StringFromEnv("LOCK_BACKEND", "redis"), "db")
	if useRedis {
		config.ConnectRedisWithRetry()
	}

	if !utils.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	var locker syncengine.Locker = &syncengine.GormLocker{DB: db, Clock: clock.SystemClock{}}
	var cache productname.CacheStore = productname.NewGormCacheStore(db)
	if useRedis {
		locker = &syncengine.RedisLocker{Client: config.GetRedisLock()}
		cache = productname.NewRedisCacheStore(config.GetRedisDB(), cache, logger)
	}

	engine := syncengine.NewEngine(db, registry, locker, productname.NewResolver(nil, cache, logger), settings, logger)
	engine.Tracer = tracer
	notifiers, paging := notifiersFromEnv(logger)
	dispatcher := alerting.NewDispatcher(db, settings, logger, notifiers...)
	dispatcher.Paging = paging
	engine.Alerts = dispatcher

	var uploader reports.Uploader
	if strings.TrimSpace(os.Getenv("GCS_BUCKET")) != "" {
		gcs, err := reports.NewGCSUploaderFromEnv(sigCtx)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "reports"}).Warn("report upload disabled: " + err.Error())
		} else {
			defer gcs.Close()
			uploader = gcs
		}
	}
	svc.setReady(engine, db, uploader)

	if utils.EnvBoolDefault("STOCK_SYNC_SCHEDULER_ENABLED", true) {
		sched := &scheduler{
			engine:   engine,
			channels: registry.Channels(),
			interval: settings.SyncInterval,
			clock:    clock.SystemClock{},
			logger:   logger,
		}
		svc.goBackground(func() { sched.Run(sigCtx) })
	}
	if utils.EnvBoolDefault("NAME_SYNC_ENABLED", true) {
		job := productname.NewNameSyncJob(cache, registry, logger)
		job.PollInterval = utils.DurationFromEnv("NAME_SYNC_INTERVAL", job.PollInterval)
		svc.goBackground(func() { job.Run(sigCtx) })
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			config.LogError(logger, "StockSyncService", "main", "http server", nil, err)
		}
		stopSignals()
	}
	// Runs in flight finish their current batch before returning.
	svc.wait()
}

func newRouter(svc *service, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !svc.isReady() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if isProduction() {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	ops := r.Group("/api/stock-sync", middlewares.OperatorAuthMiddleware(svc.secret))
	ops.POST("/channels/:channel/sync", svc.triggerSync)
	ops.GET("/channels/:channel/sync-runs", svc.listRuns)
	ops.GET("/channels/:channel/totals", svc.sellableTotals)
	ops.GET("/sync-runs/:id", svc.runDetail)
	ops.POST("/sync-runs/:id/retry", svc.retryRun)
	ops.GET("/sync-runs/:id/report", svc.downloadReport)
	ops.POST("/sync-runs/:id/report", svc.uploadReport)
	ops.GET("/alerts", svc.listAlerts)

	// Pub/Sub push endpoint for queued triggers.
	r.POST("/pubsub/stock-sync", svc.pubSubPush)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func isProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
