// Package jobs runs periodic maintenance (health checks, policy refresh,
// pool stats) on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func is one run of a job.
type Func func(ctx context.Context) error

// Runner owns a cron instance. A job still running when its next tick
// fires is skipped for that tick.
type Runner struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration
	logger  *zap.Logger
	entries map[string]cron.EntryID
}

// NewRunner creates a runner. Each run gets at most timeout; zero means no
// limit. ctx is the parent of every run and cancels in-flight jobs.
func NewRunner(ctx context.Context, timeout time.Duration, logger *zap.Logger) *Runner {
	cl := cronLogger{logger: logger}
	return &Runner{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:     ctx,
		timeout: timeout,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers fn under name on a standard five-field spec or a
// descriptor such as "@every 1m".
func (r *Runner) Add(name, spec string, fn Func) error {
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := r.cron.AddFunc(spec, func() { r.run(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule job %q (%s): %w", name, spec, err)
	}
	r.entries[name] = id
	r.logger.Info("registered job", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// RunNow executes a registered job immediately on the caller's goroutine.
func (r *Runner) RunNow(name string) error {
	id, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	r.cron.Entry(id).Job.Run()
	return nil
}

// Next returns when name fires next, zero before Start.
func (r *Runner) Next(name string) time.Time {
	id, ok := r.entries[name]
	if !ok {
		return time.Time{}
	}
	return r.cron.Entry(id).Next
}

// Start begins firing jobs in the background.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("job runner started", zap.Int("jobs", len(r.entries)))
}

// Stop prevents new runs and returns a context that is done once running
// jobs finish.
func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Runner) run(name string, fn Func) {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := fn(ctx); err != nil {
		r.logger.Error("job failed",
			zap.String("job", name),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("job completed", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
