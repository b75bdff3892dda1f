// Package scheduler triggers pipeline runs at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mdmguard/internal/metrics"
	"mdmguard/internal/pipeline"
)

type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Scheduler runs the pipeline on every tick. Ticks never overlap: a tick that
// finds a run in progress is counted and dropped.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger
}

func New(runner Runner, interval time.Duration, runOnStart bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{runner: runner, interval: interval, runOnStart: runOnStart, logger: logger}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled", "interval", s.interval)
		return
	}
	s.logger.Info("scheduler started", "interval", s.interval.String(), "run_on_start", s.runOnStart)
	if s.runOnStart {
		s.tick(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.runner.Run(ctx, pipeline.Request{})
	switch {
	case err == nil:
		s.logger.Info("scheduled run finished", "run_id", res.Record.ID, "status", res.Record.Status, "alerts", res.Record.Alerts)
	case errors.Is(err, pipeline.ErrRunInProgress):
		metrics.SkippedTicks.Inc()
		s.logger.Warn("scheduled run skipped", "reason", err.Error())
	case errors.Is(err, pipeline.ErrNoInput):
		s.logger.Info("no new input", "reason", err.Error())
	case ctx.Err() != nil:
		return
	default:
		s.logger.Error("scheduled run failed", "err", err)
	}
}
