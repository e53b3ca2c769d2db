package queue

import (
	"context"
)

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is a Queue backed by a buffered channel. Jobs do not survive
// a restart; the engine re-dispatches running executions when it starts.
type MemoryQueue struct {
	ch chan Job
}

// NewMemoryQueue creates a queue holding up to capacity jobs. Zero or less
// uses 1024.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan Job, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.ch:
		return &job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op; a dequeued job has already left the channel.
func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error {
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	return len(q.ch), nil
}
