package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flow"
)

var _ flow.Dispatcher = (*Dispatcher)(nil)

// Dispatcher implements flow.Dispatcher by enqueueing a job per execution.
type Dispatcher struct {
	queue Queue
}

// NewDispatcher returns a dispatcher writing to q
func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{queue: q}
}

func (d *Dispatcher) Dispatch(ctx context.Context, executionID string) error {
	job := Job{ExecutionID: executionID, EnqueuedAt: time.Now().UTC(), Attempt: 1}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue execution %s: %w", executionID, err)
	}
	return nil
}
