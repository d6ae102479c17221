package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"trade-consensus/config"
	"trade-consensus/models"
	"trade-consensus/observability"
)

// Sweeper runs one resolver sweep
type Sweeper interface {
	ResolvePendingPicks(ctx context.Context) *models.ResolutionSummary
}

// Recalibrator recomputes every agent's calibration
type Recalibrator interface {
	RecomputeAll(ctx context.Context) ([]*models.Calibration, []error)
}

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs the resolver sweep and calibration recompute on cron
// schedules. A job still running when its next tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers both jobs. Specs have six fields, seconds first.
func NewScheduler(cfg config.SchedulerConfig, sweeper Sweeper, recalibrator Recalibrator) (*Scheduler, error) {
	logger := cronLogger{log: observability.WithComponent("scheduler")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(cfg.ResolveSpec, func() {
		summary := sweeper.ResolvePendingPicks(s.ctx)
		if len(summary.Errors) > 0 {
			logger.log.Warn("scheduled sweep finished with errors",
				"processed", summary.Processed, "errors", len(summary.Errors))
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid resolve schedule %q: %w", cfg.ResolveSpec, err)
	}

	if _, err := c.AddFunc(cfg.CalibrationSpec, func() {
		results, errs := recalibrator.RecomputeAll(s.ctx)
		for _, err := range errs {
			logger.log.Warn("scheduled calibration failed", "error", err)
		}
		logger.log.Info("scheduled calibration complete", "agents", len(results), "errors", len(errs))
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid calibration schedule %q: %w", cfg.CalibrationSpec, err)
	}

	return s, nil
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	observability.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop cancels in-flight jobs and returns a context that is done once they
// have all returned
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}
