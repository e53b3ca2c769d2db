package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Dispatcher hands an execution to whatever advances it: a goroutine in
// this process or a job on a queue consumed by workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string) error
}

// Runner advances a persisted execution. *Engine implements it.
type Runner interface {
	Continue(ctx context.Context, executionID string) error
}

// DirectDispatcher runs each dispatched execution on its own goroutine,
// bounded by a maximum number in flight.
type DirectDispatcher struct {
	runner Runner
	logger *slog.Logger
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewDirectDispatcher returns a dispatcher running at most maxInFlight
// executions at once. Zero or less means no limit.
func NewDirectDispatcher(runner Runner, maxInFlight int, logger *slog.Logger) *DirectDispatcher {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	d := &DirectDispatcher{runner: runner, logger: logger}
	if maxInFlight > 0 {
		d.slots = make(chan struct{}, maxInFlight)
	}
	return d
}

// Dispatch starts advancing the execution in the background. The caller's
// context only bounds the hand-off.
func (d *DirectDispatcher) Dispatch(ctx context.Context, executionID string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.slots != nil {
			d.slots <- struct{}{}
			defer func() { <-d.slots }()
		}
		err := d.runner.Continue(context.Background(), executionID)
		var claimed *ClaimedError
		switch {
		case errors.As(err, &claimed):
			// The engine's recovery sweep takes it over once the claim lapses
			d.logger.Debug("execution owned by another worker",
				"execution_id", executionID, "worker", claimed.Worker, "until", claimed.ExpiresAt)
		case err != nil:
			d.logger.Error("execution failed to advance", "execution_id", executionID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched execution has returned.
func (d *DirectDispatcher) Wait() {
	d.wg.Wait()
}
