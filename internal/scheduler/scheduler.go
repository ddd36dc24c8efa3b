// Package scheduler runs StampPipe's periodic jobs: weekly journal reminders,
// dead-letter replay and pruning of the idempotency table.
//
// Jobs are registered with standard 5-field cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds one run of a named job.
const DefaultJobTimeout = 5 * time.Minute

// Job is a named periodic task.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	loc     *time.Location
	timeout time.Duration
}

// WithLocation evaluates cron expressions in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

// WithJobTimeout overrides DefaultJobTimeout.
func WithJobTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	o := options{loc: time.Local, timeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(o.loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c, timeout: o.timeout}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddNamedJob schedules job under expr. Each run gets its own timeout and its outcome
// is logged under name.
func (s *Scheduler) AddNamedJob(name, expr string, job Job) error {
	err := s.AddJob(expr, func() {
		s.run(name, job)
	})
	if err != nil {
		return err
	}
	slog.Info("Scheduler.AddNamedJob: scheduled", "job", name, "expr", expr)
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "job", name, "error", err, "elapsed", time.Since(start))
		return
	}
	slog.Debug("Scheduler.run: job done", "job", name, "elapsed", time.Since(start))
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
