package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/service/updater"
)

// Runner performs one update attempt.
type Runner interface {
	Run(ctx context.Context) (*updater.Result, error)
}

// Watcher triggers update attempts on a schedule.
type Watcher struct {
	runner   Runner
	schedule string
	cron     *cron.Cron

	// ctx is the context attempts run under; set by Start.
	ctx context.Context //nolint:containedctx // Cron jobs take no context.
	mu  sync.Mutex
	// initial tracks the attempt started by Start itself.
	initial sync.WaitGroup
}

// NewWatcher validates schedule and prepares a watcher.
func NewWatcher(runner Runner, schedule string) (*Watcher, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	return &Watcher{
		runner:   runner,
		schedule: schedule,
	}, nil
}

// Start runs one attempt right away and then follows the schedule until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx = logger.WithName(ctx, "watch")
	w.ctx = ctx

	cronLogger := &cronLogger{ctx: ctx}
	w.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	), cron.WithLogger(cronLogger))

	if _, err := w.cron.AddFunc(w.schedule, w.attempt); err != nil {
		return fmt.Errorf("schedule checks: %w", err)
	}

	logger.InfoKV(ctx, "Scheduled update checks", "schedule", w.schedule)

	w.cron.Start()

	w.initial.Go(w.attempt)

	return nil
}

// Stop stops the schedule and waits for a running attempt to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	c := w.cron
	w.mu.Unlock()

	if c == nil {
		return
	}

	<-c.Stop().Done()
	w.initial.Wait()
}

// attempt runs one update attempt and logs its outcome.
func (w *Watcher) attempt() {
	ctx := w.ctx
	if ctx.Err() != nil {
		return
	}

	result, err := w.runner.Run(ctx)
	if err != nil {
		if failure, ok := updater.AsFailure(err); ok {
			logger.WarnKV(ctx, "Scheduled update attempt failed",
				"reason", failure.Reason,
				"message", failure.Message())

			return
		}

		logger.ErrorKV(ctx, "Scheduled update attempt failed", "error", err)

		return
	}

	logger.InfoKV(ctx, "Scheduled update attempt finished",
		"phase", result.Attempt.Phase,
		"target_version", result.Attempt.TargetVersion)
}

// cronLogger adapts the launcher logger to cron.Logger.
type cronLogger struct {
	ctx context.Context //nolint:containedctx // cron.Logger methods take no context.
}

// Info implements cron.Logger.
func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	logger.DebugKV(l.ctx, msg, keysAndValues...)
}

// Error implements cron.Logger.
func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if errors.Is(err, context.Canceled) {
		return
	}

	logger.ErrorKV(l.ctx, msg, append(keysAndValues, "error", err)...)
}
