package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WaitCondition describes when a suspended execution may continue.
type WaitCondition struct {
	Kind  WaitKind
	Delay time.Duration
	Until time.Time
}

// ResumeAfter waits for a fixed delay
func ResumeAfter(d time.Duration) WaitCondition {
	return WaitCondition{Kind: WaitDelay, Delay: d}
}

// ResumeAt waits until an absolute time
func ResumeAt(t time.Time) WaitCondition {
	return WaitCondition{Kind: WaitUntil, Until: t}
}

// ResumeOnCallback waits until an external caller presents the resume token
func ResumeOnCallback() WaitCondition {
	return WaitCondition{Kind: WaitCallback}
}

// WaitSignal is returned by handlers to suspend the execution at the
// current node.
type WaitSignal struct {
	Condition WaitCondition
}

func (s *WaitSignal) Error() string {
	return fmt.Sprintf("execution suspended (%s)", s.Condition.Kind)
}

// Suspend returns an error that pauses the execution until cond is met. The
// node's input becomes its output on resume unless resume items are given.
func Suspend(cond WaitCondition) error {
	return &WaitSignal{Condition: cond}
}

func asWaitSignal(err error) (*WaitSignal, bool) {
	var signal *WaitSignal
	if errors.As(err, &signal) {
		return signal, true
	}
	return nil, false
}

// WaitSchedulerOptions configure a WaitScheduler.
type WaitSchedulerOptions struct {
	Executions   ExecutionStore
	Checkpointer Checkpointer

	// OnDue is called when a timer fires or a callback resumes an
	// execution. It normally dispatches the execution.
	OnDue func(ctx context.Context, executionID string) error

	// MaxWait applies to workflows whose settings leave MaxWait unset.
	// Zero means waits never expire.
	MaxWait time.Duration

	Logger *slog.Logger
}

// WaitScheduler suspends executions and hands them back for coordination
// when their timer fires, their callback arrives or their wait expires. A
// waiting execution holds no goroutine, only a timer.
type WaitScheduler struct {
	executions   ExecutionStore
	checkpointer Checkpointer
	onDue        func(ctx context.Context, executionID string) error
	maxWait      time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mutex   sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewWaitScheduler returns a scheduler backed by the given stores.
func NewWaitScheduler(opts WaitSchedulerOptions) (*WaitScheduler, error) {
	if opts.Executions == nil {
		return nil, fmt.Errorf("execution store is required")
	}
	if opts.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer is required")
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.OnDue == nil {
		opts.OnDue = func(ctx context.Context, executionID string) error { return nil }
	}
	return &WaitScheduler{
		executions:   opts.Executions,
		checkpointer: opts.Checkpointer,
		onDue:        opts.OnDue,
		maxWait:      opts.MaxWait,
		logger:       opts.Logger,
		now:          time.Now,
		timers:       map[string]*time.Timer{},
	}, nil
}

// Suspend moves exec to the waiting state with entry as the pending node.
// The record is written with a version check, then the checkpoint is saved
// and a timer armed. For callback waits the returned token resumes the
// execution; token is used when non-empty, otherwise one is generated.
func (w *WaitScheduler) Suspend(ctx context.Context, exec *Execution, cp *Checkpoint, entry *ReadyEntry, cond WaitCondition, token string) (string, error) {
	now := w.now()
	pending := &PendingWait{
		Entry:       *entry,
		Kind:        cond.Kind,
		SuspendedAt: now,
	}
	switch cond.Kind {
	case WaitDelay:
		pending.ResumeAt = ptr(now.Add(cond.Delay))
	case WaitUntil:
		pending.ResumeAt = ptr(cond.Until)
	case WaitCallback:
		if token == "" {
			token = NewResumeToken()
		}
		pending.Token = token
	default:
		return "", fmt.Errorf("unknown wait kind %q", cond.Kind)
	}
	if limit := w.limitFor(exec); limit > 0 {
		pending.ExpiresAt = ptr(now.Add(limit))
	}

	cp.Wait = pending
	exec.Status = ExecutionStatusWaiting
	exec.WaitUntil = clonePtr(pending.ResumeAt)
	exec.ResumeToken = nil
	if pending.Token != "" {
		exec.ResumeToken = ptr(pending.Token)
	}
	exec.release()
	if err := w.executions.UpdateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to suspend execution: %w", err)
	}
	cp.CheckpointAt = now
	if err := w.checkpointer.SaveCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	w.logger.Info("execution suspended",
		"execution_id", exec.ID,
		"node", entry.Node,
		"kind", cond.Kind)
	if at := pending.nextDeadline(); at != nil {
		w.arm(exec.ID, *at)
	}
	return pending.Token, nil
}

// Resume consumes token and continues its execution with items as the
// waiting node's output. Unknown or consumed tokens fail with
// ErrResumeTokenInvalid and change nothing.
func (w *WaitScheduler) Resume(ctx context.Context, token string, items []Item) error {
	if token == "" {
		return ErrResumeTokenInvalid
	}
	exec, err := w.executions.GetExecutionByResumeToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrResumeTokenInvalid
		}
		return err
	}
	if exec.Status != ExecutionStatusWaiting {
		return ErrResumeTokenInvalid
	}
	cp, err := w.checkpointer.LoadCheckpoint(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp.Wait == nil || cp.Wait.Token != token {
		return ErrResumeTokenInvalid
	}

	// Consuming the token is the commit point; a concurrent resume loses
	// the version check.
	exec.ResumeToken = nil
	if err := w.executions.UpdateExecution(ctx, exec); err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrResumeTokenInvalid
		}
		return fmt.Errorf("failed to consume resume token: %w", err)
	}
	cp.Wait.Resumed = true
	cp.Wait.ResumeItems = cloneItems(items)
	if err := w.checkpointer.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	w.disarm(exec.ID)
	w.logger.Info("execution resumed", "execution_id", exec.ID, "items", len(items))
	return w.onDue(ctx, exec.ID)
}

// Restore re-arms timers for every waiting execution. It is called when the
// engine starts.
func (w *WaitScheduler) Restore(ctx context.Context) error {
	waiting, err := w.executions.ListExecutionsByStatus(ctx, ExecutionStatusWaiting)
	if err != nil {
		return err
	}
	for _, exec := range waiting {
		cp, err := w.checkpointer.LoadCheckpoint(ctx, exec.ID)
		if err != nil {
			w.logger.Error("failed to load waiting execution", "execution_id", exec.ID, "error", err)
			continue
		}
		if cp.Wait == nil {
			continue
		}
		if cp.Wait.Kind == WaitCallback && exec.ResumeToken == nil {
			// Token consumed before the process stopped
			w.arm(exec.ID, w.now())
			continue
		}
		if at := cp.Wait.nextDeadline(); at != nil {
			w.arm(exec.ID, *at)
		}
	}
	return nil
}

// Rearm schedules another check of a waiting execution at the given time.
func (w *WaitScheduler) Rearm(executionID string, at time.Time) {
	w.arm(executionID, at)
}

// Stop cancels all timers.
func (w *WaitScheduler) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.stopped = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

func (w *WaitScheduler) limitFor(exec *Execution) time.Duration {
	if d := exec.WorkflowSnapshot.Settings.MaxWait.Std(); d > 0 {
		return d
	}
	return w.maxWait
}

func (w *WaitScheduler) arm(executionID string, at time.Time) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[executionID]; ok {
		t.Stop()
	}
	delay := at.Sub(w.now())
	if delay < 0 {
		delay = 0
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		w.mutex.Lock()
		if w.timers[executionID] == timer {
			delete(w.timers, executionID)
		}
		w.mutex.Unlock()
		if err := w.onDue(context.Background(), executionID); err != nil {
			w.logger.Error("failed to continue waiting execution", "execution_id", executionID, "error", err)
		}
	})
	w.timers[executionID] = timer
}

func (w *WaitScheduler) disarm(executionID string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if t, ok := w.timers[executionID]; ok {
		t.Stop()
		delete(w.timers, executionID)
	}
}

// pendingTimers returns the number of armed timers
func (w *WaitScheduler) pendingTimers() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.timers)
}
