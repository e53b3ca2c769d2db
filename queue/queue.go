// Package queue distributes executions to workers through a job queue.
// Dispatcher enqueues executions and Pool consumes them, advancing each one
// through a flow.Runner.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a queue once it has been closed
var ErrClosed = errors.New("queue closed")

// Job asks a worker to advance one execution.
type Job struct {
	ExecutionID string    `msgpack:"executionId"`
	EnqueuedAt  time.Time `msgpack:"enqueuedAt"`
	Attempt     int       `msgpack:"attempt"`

	// Receipt is set by the queue on dequeue and identifies the delivery
	// when the job is acknowledged.
	Receipt string `msgpack:"-"`
}

// Queue is a durable or in-process job queue.
type Queue interface {
	// Enqueue adds a job
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available or ctx is done
	Dequeue(ctx context.Context) (*Job, error)

	// Ack marks a dequeued job as processed
	Ack(ctx context.Context, job *Job) error

	// Len returns the approximate number of queued jobs
	Len(ctx context.Context) (int, error)
}
