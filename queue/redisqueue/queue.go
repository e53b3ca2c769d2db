// Package redisqueue provides a durable job queue on Redis lists.
//
// Jobs wait in <prefix>jobs. Dequeue moves a job atomically to
// <prefix>processing, where it stays until acknowledged. Recover moves
// unacknowledged jobs back after a worker crash.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepnoodle-ai/flow/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Queue is a Redis-backed queue.Queue. Jobs are msgpack encoded.
type Queue struct {
	client     redis.UniversalClient
	jobs       string
	processing string
	poll       time.Duration
}

// New returns a queue using keys under prefix, "flow:" if empty.
func New(client redis.UniversalClient, prefix string) *Queue {
	if prefix == "" {
		prefix = "flow:"
	}
	return &Queue{
		client:     client,
		jobs:       prefix + "jobs",
		processing: prefix + "processing",
		poll:       time.Second,
	}
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	data, err := msgpack.Marshal(&job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return q.client.LPush(ctx, q.jobs, data).Err()
}

// Dequeue polls with a blocking move so that cancellation of ctx is noticed
// within one poll interval.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := q.client.BLMove(ctx, q.jobs, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil, queue.ErrClosed
		}
		if err != nil {
			return nil, err
		}
		var job queue.Job
		if err := msgpack.Unmarshal([]byte(raw), &job); err != nil {
			// Drop undecodable payloads rather than redelivering them forever
			_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		job.Receipt = raw
		return &job, nil
	}
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	if job.Receipt == "" {
		return nil
	}
	return q.client.LRem(ctx, q.processing, 1, job.Receipt).Err()
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.jobs).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Recover moves every unacknowledged job back to the queue and returns how
// many were moved. Call it before starting workers.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.jobs, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}
