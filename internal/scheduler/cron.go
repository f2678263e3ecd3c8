package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled entry point.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Cron fires the daily run and the reconciliation sweep on their
// schedules, in the billing timezone.
type Cron struct {
	engine *cron.Cron
	logger *zap.Logger
}

func NewCron(loc *time.Location, logger *zap.Logger) *Cron {
	if loc == nil {
		loc = time.UTC
	}
	return &Cron{
		engine: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger,
	}
}

// Add registers job. A job still running when its next tick fires is
// skipped for that tick.
func (c *Cron) Add(job Job) error {
	_, err := c.engine.AddFunc(job.Spec, func() {
		ctx := context.Background()
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}

		start := time.Now()
		c.logger.Info("cron job triggered", zap.String("job", job.Name))
		if err := job.Run(ctx); err != nil {
			c.logger.Error("cron job failed",
				zap.String("job", job.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		c.logger.Info("cron job finished",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	return nil
}

func (c *Cron) Start() {
	c.engine.Start()
	c.logger.Info("cron started", zap.Int("jobs", len(c.engine.Entries())))
}

// Stop prevents new runs and waits for running jobs until ctx ends.
func (c *Cron) Stop(ctx context.Context) {
	done := c.engine.Stop()
	select {
	case <-done.Done():
		c.logger.Info("cron stopped")
	case <-ctx.Done():
		c.logger.Warn("cron stop timed out with jobs still running")
	}
}
