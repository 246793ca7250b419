package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is how often the store is polled for due jobs.
	DefaultPollInterval = 30 * time.Second
	// DefaultMaxAttempts bounds how often a job is tried before it fails.
	DefaultMaxAttempts = 5
	// DefaultLease is how long a running job may go without an update
	// before another runner takes it over.
	DefaultLease = 10 * time.Minute
	// maxPerTick bounds the jobs run in one poll so a tick always ends.
	maxPerTick = 100
)

// ErrNoHandler is recorded on jobs whose kind has no registered handler.
var ErrNoHandler = errors.New("no handler for job kind")

// ErrLeaseExpired is recorded on jobs whose last allowed attempt never reported back.
var ErrLeaseExpired = errors.New("lease expired on final attempt")

// Runner polls a Store and dispatches due jobs to handlers by kind.
type Runner struct {
	store       Store
	handlers    map[Kind]Handler
	interval    time.Duration
	maxAttempts int
	retryBase   time.Duration
	lease       time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMaxAttempts sets the attempt limit.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryBase sets the first retry delay; later retries back off exponentially.
func WithRetryBase(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.retryBase = d
		}
	}
}

// WithLease sets how long a claimed job stays owned by this runner.
func WithLease(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.lease = d
		}
	}
}

// NewRunner returns a Runner over store.
func NewRunner(store Store, log *zap.Logger, opts ...Option) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		store:       store,
		handlers:    map[Kind]Handler{},
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
		retryBase:   DefaultPollInterval,
		lease:       DefaultLease,
		now:         time.Now,
		log:         log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle registers h for kind.
func (r *Runner) Handle(kind Kind, h Handler) {
	r.handlers[kind] = h
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("job runner started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ticker.C:
			if n, err := r.Tick(ctx); err != nil {
				r.log.Warn("job tick finished with errors", zap.Int("processed", n), zap.Error(err))
			}
		case <-ctx.Done():
			r.log.Info("job runner stopped")
			return
		}
	}
}

// Tick runs every due job once and returns how many were processed. Job
// failures are rescheduled and aggregated into the returned error; a store
// failure stops the tick.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	var result *multierror.Error
	processed := 0
	for processed < maxPerTick {
		if ctx.Err() != nil {
			break
		}
		now := r.now()
		job, err := r.store.Claim(ctx, now, now.Add(-r.lease))
		if err != nil {
			return processed, multierror.Append(result, fmt.Errorf("claim: %w", err)).ErrorOrNil()
		}
		if job == nil {
			break
		}
		processed++
		if err := r.dispatch(ctx, job); err != nil {
			result = multierror.Append(result, fmt.Errorf("job %s (%s): %w", job.ID, job.Kind, err))
		}
	}
	return processed, result.ErrorOrNil()
}

func (r *Runner) dispatch(ctx context.Context, job *Job) error {
	log := r.log.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)), zap.Int("attempt", job.Attempts))
	// Outcomes are recorded even when ctx is cancelled mid-handler, so a
	// shutdown never leaves the job running.
	sctx := context.WithoutCancel(ctx)

	h, ok := r.handlers[job.Kind]
	if !ok {
		if err := r.store.Fail(sctx, job.ID, ErrNoHandler.Error()); err != nil {
			return err
		}
		return ErrNoHandler
	}
	if job.Attempts > r.maxAttempts {
		// reclaimed after its lease expired on the last attempt
		log.Warn("job abandoned after final attempt")
		if err := r.store.Fail(sctx, job.ID, ErrLeaseExpired.Error()); err != nil {
			return err
		}
		return ErrLeaseExpired
	}

	runErr := h.Handle(ctx, job)
	if runErr == nil {
		log.Debug("job done")
		return r.store.Complete(sctx, job.ID)
	}

	if job.Attempts >= r.maxAttempts {
		log.Warn("job failed permanently", zap.Error(runErr))
		if err := r.store.Fail(sctx, job.ID, runErr.Error()); err != nil {
			return multierror.Append(runErr, err)
		}
		return runErr
	}
	next := r.now().Add(r.retryDelay(job.Attempts))
	log.Info("job rescheduled", zap.Time("run_at", next), zap.Error(runErr))
	if err := r.store.Retry(sctx, job.ID, runErr.Error(), next); err != nil {
		return multierror.Append(runErr, err)
	}
	return runErr
}

// retryDelay returns the delay after the given attempt: retryBase doubled per
// attempt, capped at 64 times retryBase.
func (r *Runner) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 64 * r.retryBase
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
