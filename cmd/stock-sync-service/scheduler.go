package main

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/syncengine"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// scheduler runs every channel on a fixed interval, one loop per channel.
type scheduler struct {
	engine   *syncengine.Engine
	channels []models.Channel
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Logger
}

func (s *scheduler) Run(ctx context.Context) {
	var g errgroup.Group
	for _, ch := range s.channels {
		g.Go(func() error {
			s.loop(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *scheduler) loop(ctx context.Context, channel models.Channel) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx, channel)
		if err := s.clock.Sleep(ctx, s.interval); err != nil {
			return
		}
	}
}

// runOnce never panics out of the loop.
func (s *scheduler) runOnce(ctx context.Context, channel models.Channel) {
	entry := s.logger.WithFields(logrus.Fields{"field": "Scheduler", "channel": channel})
	defer func() {
		if r := recover(); r != nil {
			entry.Error(fmt.Sprintf("sync run panicked: %v", r))
		}
	}()
	run, err := s.engine.Run(ctx, channel, models.SyncTriggeredSystem)
	switch {
	case utils.IsConcurrentSync(err):
		entry.Info("skipping tick: " + err.Error())
	case err != nil:
		config.LogError(entry, "Scheduler", "runOnce", "scheduled sync run", channel, err)
	default:
		entry.WithFields(logrus.Fields{
			"run_id":            run.RunId,
			"status":            run.Status,
			"records_processed": run.RecordsProcessed,
		}).Info("scheduled sync finished")
	}
}
