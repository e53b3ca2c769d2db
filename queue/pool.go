package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/deepnoodle-ai/flow"
)

// PoolOptions configures a worker pool.
type PoolOptions struct {
	// Workers is the number of executions advanced concurrently.
	// Defaults to 4.
	Workers int

	// Rate limits how many jobs per second the pool starts. Zero means
	// unlimited.
	Rate rate.Limit

	// Burst is the limiter's burst size. Defaults to Workers.
	Burst int

	// MaxAttempts bounds redeliveries of a job whose execution failed to
	// advance. Defaults to 3.
	MaxAttempts int

	Logger *slog.Logger
}

// Pool consumes jobs from a queue and advances their executions.
type Pool struct {
	queue       Queue
	runner      flow.Runner
	workers     int
	limiter     *rate.Limiter
	maxAttempts int
	logger      *slog.Logger
}

// NewPool returns a pool reading from q and advancing executions with runner.
func NewPool(q Queue, runner flow.Runner, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.Workers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = flow.NewDiscardLogger()
	}
	limit := opts.Rate
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Pool{
		queue:       q,
		runner:      runner,
		workers:     opts.Workers,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
}

// Run processes jobs until ctx is cancelled. It returns nil on cancellation.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	logger := p.logger.With("worker", worker)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			logger.Error("failed to dequeue job", "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if job == nil {
			continue
		}
		p.process(ctx, logger, job)
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, job *Job) {
	logger = logger.With("execution_id", job.ExecutionID, "attempt", job.Attempt)
	err := p.runner.Continue(ctx, job.ExecutionID)
	if err != nil && ctx.Err() != nil {
		// Left unacknowledged so a durable queue redelivers it
		logger.Info("worker stopped while advancing execution")
		return
	}
	ackCtx := context.WithoutCancel(ctx)
	var claimed *flow.ClaimedError
	if errors.As(err, &claimed) {
		logger.Debug("execution owned by another worker, retrying after its claim",
			"worker", claimed.Worker, "until", claimed.ExpiresAt)
		p.requeueAfter(ackCtx, logger, *job, time.Until(claimed.ExpiresAt))
		err = nil
	}
	if err != nil {
		logger.Error("execution failed to advance", "error", err)
		if job.Attempt < p.maxAttempts {
			retry := Job{ExecutionID: job.ExecutionID, EnqueuedAt: time.Now().UTC(), Attempt: job.Attempt + 1}
			if err := p.queue.Enqueue(ackCtx, retry); err != nil {
				logger.Error("failed to requeue job", "error", err)
			}
		}
	}
	if err := p.queue.Ack(ackCtx, job); err != nil {
		logger.Error("failed to acknowledge job", "error", err)
	}
}

// requeueAfter enqueues job again once delay has passed. The delayed job
// lives in memory; a restart relies on the engine's recovery instead.
func (p *Pool) requeueAfter(ctx context.Context, logger *slog.Logger, job Job, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	job.Receipt = ""
	job.EnqueuedAt = time.Now().UTC().Add(delay)
	time.AfterFunc(delay, func() {
		if err := p.queue.Enqueue(ctx, job); err != nil {
			logger.Error("failed to requeue job", "error", err)
		}
	})
}
