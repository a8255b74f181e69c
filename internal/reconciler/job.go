package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSchedule = "@every 5m"

// Job runs the reconciler on a cron schedule
type Job struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	timeout    time.Duration
	logger     *zap.Logger
}

func NewJob(reconciler *Reconciler, schedule string, timeout time.Duration, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Job{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    timeout,
		logger:     logger,
	}
}

func (j *Job) Start() error {
	if j == nil || j.cron == nil || j.reconciler == nil {
		return nil
	}

	if _, err := j.cron.AddFunc(j.schedule, j.tick); err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("reconciler scheduled", zap.String("schedule", j.schedule))
	return nil
}

func (j *Job) Stop() {
	if j == nil || j.cron == nil {
		return
	}

	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
	}
}

func (j *Job) tick() {
	defer func() {
		if recovered := recover(); recovered != nil {
			j.logger.Error("reconciler job panic recovered", zap.Any("panic", recovered))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	if _, err := j.reconciler.Run(ctx); err != nil {
		j.logger.Warn("reconciler pass failed", zap.Error(err))
		return
	}
	j.logger.Debug("reconciler job finished", zap.Duration("cost", time.Since(start)))
}
