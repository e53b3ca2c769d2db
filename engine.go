package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// maxSubWorkflowDepth bounds nested ExecuteWorkflow calls
const maxSubWorkflowDepth = 16

type subWorkflowDepthKey struct{}

// EngineOptions configure an Engine.
type EngineOptions struct {
	// Store persists workflows, executions, checkpoints and step logs.
	// Defaults to a MemoryStore.
	Store Store

	// Checkpointer and StepLogger override the store for those concerns,
	// for example to keep checkpoints on disk.
	Checkpointer Checkpointer
	StepLogger   StepLogger

	Handlers []Handler

	// Dispatcher hands production executions to workers. Defaults to a
	// DirectDispatcher running executions in this process.
	Dispatcher Dispatcher

	// MaxInFlight bounds the default dispatcher. Zero means no limit.
	MaxInFlight int

	Callbacks ExecutionCallbacks
	Logger    *slog.Logger
	WorkerID  string
	ClaimTTL  time.Duration

	// MaxWait applies to workflows that leave settings.maxWait unset
	MaxWait time.Duration
}

// ExecuteOptions describe a request to run a workflow.
type ExecuteOptions struct {
	Mode       ExecutionMode
	Items      []Item
	StartNode  string
	TargetNode string
}

// Engine is the public surface of the workflow engine. It wires the
// stores, the trigger registry, the wait scheduler, the node engine and
// the coordinator together.
type Engine struct {
	store        Store
	checkpointer Checkpointer
	stepLogger   StepLogger
	handlers     *HandlerRegistry
	nodes        *NodeEngine
	coordinator  *Coordinator
	waits        *WaitScheduler
	triggers     *TriggerRegistry
	dispatcher   Dispatcher
	direct       *DirectDispatcher
	logger       *slog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewEngine returns an Engine. Call Start to restore activations and
// pending executions from the store.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = opts.Store
	}
	if opts.StepLogger == nil {
		opts.StepLogger = opts.Store
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	handlers, err := NewHandlerRegistry(opts.Handlers...)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:        opts.Store,
		checkpointer: opts.Checkpointer,
		stepLogger:   opts.StepLogger,
		handlers:     handlers,
		logger:       opts.Logger,
	}
	if opts.Dispatcher != nil {
		e.dispatcher = opts.Dispatcher
	} else {
		e.direct = NewDirectDispatcher(e, opts.MaxInFlight, opts.Logger)
		e.dispatcher = e.direct
	}

	e.nodes, err = NewNodeEngine(NodeEngineOptions{
		Handlers:     handlers,
		StepLogger:   opts.StepLogger,
		SubWorkflows: e,
		Callbacks:    opts.Callbacks,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.waits, err = NewWaitScheduler(WaitSchedulerOptions{
		Executions:   opts.Store,
		Checkpointer: opts.Checkpointer,
		OnDue:        func(ctx context.Context, id string) error { return e.dispatcher.Dispatch(ctx, id) },
		MaxWait:      opts.MaxWait,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.coordinator, err = NewCoordinator(CoordinatorOptions{
		Executions:   opts.Store,
		Checkpointer: opts.Checkpointer,
		Workflows:    opts.Store,
		Handlers:     handlers,
		Nodes:        e.nodes,
		Waits:        e.waits,
		Dispatcher:   e.dispatcher,
		Callbacks:    opts.Callbacks,
		Logger:       opts.Logger,
		WorkerID:     opts.WorkerID,
		ClaimTTL:     opts.ClaimTTL,
	})
	if err != nil {
		return nil, err
	}
	e.triggers, err = NewTriggerRegistry(TriggerRegistryOptions{
		Handlers: handlers,
		Fire:     e.fire,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Handlers returns the engine's handler registry
func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}

// Triggers returns the engine's trigger registry
func (e *Engine) Triggers() *TriggerRegistry {
	return e.triggers
}

// Start re-activates workflows marked active, re-arms timers of waiting
// executions, re-dispatches running executions whose claims lapsed and
// starts the scheduler. While started, running executions are swept for
// lapsed claims every half claim TTL.
func (e *Engine) Start(ctx context.Context) error {
	active, err := e.store.ListWorkflows(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list active workflows: %w", err)
	}
	for _, wf := range active {
		if err := e.triggers.Activate(ctx, wf); err != nil {
			e.logger.Error("failed to re-activate workflow", "workflow_id", wf.ID(), "error", err)
		}
	}
	if err := e.waits.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore waits: %w", err)
	}
	if err := e.recoverRunning(ctx, true); err != nil {
		return err
	}
	e.triggers.Start()
	if e.sweepStop == nil {
		e.sweepStop = make(chan struct{})
		e.sweepDone = make(chan struct{})
		go e.sweep(e.coordinator.ClaimTTL() / 2)
	}
	return nil
}

// recoverRunning dispatches running executions that no live worker owns.
// At startup every unclaimed execution is recovered; later sweeps leave
// unclaimed executions younger than the claim TTL to the dispatch that is
// still on its way.
func (e *Engine) recoverRunning(ctx context.Context, startup bool) error {
	running, err := e.store.ListExecutionsByStatus(ctx, ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running executions: %w", err)
	}
	now := time.Now()
	worker := e.coordinator.WorkerID()
	for _, exec := range running {
		if e.coordinator.Advancing(exec.ID) || exec.claimedByOther(worker, now) {
			continue
		}
		if !startup && exec.ClaimedBy == "" && exec.StartedAt.After(now.Add(-e.coordinator.ClaimTTL())) {
			continue
		}
		e.logger.Info("recovering execution", "execution_id", exec.ID, "previous_worker", exec.ClaimedBy)
		if err := e.dispatcher.Dispatch(ctx, exec.ID); err != nil {
			e.logger.Error("failed to dispatch recovered execution", "execution_id", exec.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) sweep(every time.Duration) {
	defer close(e.sweepDone)
	if every < time.Millisecond {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			if err := e.recoverRunning(context.Background(), false); err != nil {
				e.logger.Error("execution recovery sweep failed", "error", err)
			}
		}
	}
}

// Stop halts triggers and timers and waits for in-process executions when
// the default dispatcher is used.
func (e *Engine) Stop(ctx context.Context) error {
	if e.sweepStop != nil {
		close(e.sweepStop)
		<-e.sweepDone
		e.sweepStop = nil
	}
	e.triggers.Stop()
	e.waits.Stop()
	if e.direct == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.direct.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveWorkflow stores a new version of a workflow. An active workflow's
// listeners move to the new version.
func (e *Engine) SaveWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error) {
	if err := e.handlers.check(wf); err != nil {
		return nil, err
	}
	stored, err := e.store.SaveWorkflow(ctx, wf)
	if err != nil {
		return nil, err
	}
	if !e.triggers.IsActive(stored.ID()) {
		e.triggers.NotifyUpdated(ctx, stored)
		return stored, nil
	}
	if err := e.triggers.Activate(ctx, stored); err != nil {
		e.triggers.Deactivate(ctx, stored.ID())
		if serr := e.store.SetWorkflowActive(ctx, stored.ID(), false); serr != nil {
			e.logger.Error("failed to record deactivation", "workflow_id", stored.ID(), "error", serr)
		}
		return stored, fmt.Errorf("workflow saved but deactivated: %w", err)
	}
	return stored, nil
}

// GetWorkflow returns the current version of a workflow
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns stored workflows
func (e *Engine) ListWorkflows(ctx context.Context, activeOnly bool) ([]*Workflow, error) {
	return e.store.ListWorkflows(ctx, activeOnly)
}

// ActivateWorkflow registers the workflow's triggers and marks it active.
func (e *Engine) ActivateWorkflow(ctx context.Context, id string) error {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if err := e.triggers.Activate(ctx, wf); err != nil {
		return err
	}
	if err := e.store.SetWorkflowActive(ctx, id, true); err != nil {
		e.triggers.Deactivate(ctx, id)
		return err
	}
	return nil
}

// DeactivateWorkflow removes the workflow's listeners and marks it
// inactive. Running executions are not affected.
func (e *Engine) DeactivateWorkflow(ctx context.Context, id string) error {
	if _, err := e.store.GetWorkflow(ctx, id); err != nil {
		return err
	}
	e.triggers.Deactivate(ctx, id)
	return e.store.SetWorkflowActive(ctx, id, false)
}

// Execute starts a run of the stored workflow. Manual and partial runs
// are advanced before Execute returns; production runs are dispatched and
// returned while running.
func (e *Engine) Execute(ctx context.Context, workflowID string, opts ExecuteOptions) (*Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.ExecuteWorkflow(ctx, wf, opts)
}

// ExecuteWorkflow runs wf without requiring it to be stored.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *Workflow, opts ExecuteOptions) (*Execution, error) {
	if opts.Mode == "" {
		opts.Mode = ModeManual
		if opts.TargetNode != "" {
			opts.Mode = ModePartial
		}
	}
	exec, err := e.coordinator.Start(ctx, wf, StartOptions{
		Mode:       opts.Mode,
		SeedItems:  opts.Items,
		StartNode:  opts.StartNode,
		TargetNode: opts.TargetNode,
	})
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, exec)
}

// advance runs manual and partial executions inline and dispatches the
// rest.
func (e *Engine) advance(ctx context.Context, exec *Execution) (*Execution, error) {
	if exec.Mode == ModeProduction {
		if err := e.dispatcher.Dispatch(ctx, exec.ID); err != nil {
			return nil, fmt.Errorf("failed to dispatch execution: %w", err)
		}
		return exec, nil
	}
	if err := e.coordinator.Continue(context.WithoutCancel(ctx), exec.ID); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// Continue advances a persisted execution. Dispatchers and queue workers
// call it.
func (e *Engine) Continue(ctx context.Context, executionID string) error {
	return e.coordinator.Continue(ctx, executionID)
}

// GetExecution returns the execution with its step log, failure and
// pending wait.
func (e *Engine) GetExecution(ctx context.Context, id string) (*ExecutionDetail, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.stepLogger.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	detail := &ExecutionDetail{Execution: exec, Steps: steps}
	cp, err := e.checkpointer.LoadCheckpoint(ctx, id)
	switch {
	case err == nil:
		detail.Error = cp.Error
		detail.Wait = cp.Wait
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return detail, nil
}

// ListExecutions returns a workflow's executions, newest first
func (e *Engine) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*Execution, error) {
	return e.store.ListExecutions(ctx, workflowID, limit, offset)
}

// Output returns the main output of the last node of a successful
// execution.
func (e *Engine) Output(ctx context.Context, executionID string) ([]Item, error) {
	cp, err := e.checkpointer.LoadCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return cloneItems(cp.Output), nil
}

// RetryExecution re-runs a failed execution from its original snapshot and
// seed. With fromFailedNode, nodes that succeeded keep their outputs and
// only the failed node and what follows it run again.
func (e *Engine) RetryExecution(ctx context.Context, id string, fromFailedNode bool) (*Execution, error) {
	original, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.Status != ExecutionStatusError {
		return nil, fmt.Errorf("execution %s has status %s, only failed executions can be retried: %w",
			id, original.Status, ErrConflict)
	}
	wf, err := New(original.WorkflowSnapshot)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow snapshot: %w", err)
	}
	cp, err := e.checkpointer.LoadCheckpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	opts := StartOptions{
		Mode:       original.Mode,
		SeedItems:  cp.SeedItems,
		StartNodes: cp.StartNodes,
		Scope:      cp.Scope,
		RetryOf:    original.ID,
	}
	if fromFailedNode {
		opts.Pinned = map[string]*NodeRun{}
		for name := range original.RunData {
			if run, ok := original.RunData.Last(name); ok && run.Status == NodeRunSuccess {
				pinned := *run
				opts.Pinned[name] = &pinned
			}
		}
	}
	exec, err := e.coordinator.Start(ctx, wf, opts)
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, exec)
}

// CancelExecution stops a running or waiting execution
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	return e.coordinator.Cancel(ctx, id)
}

// Resume continues the execution waiting on token with items as the
// waiting node's output.
func (e *Engine) Resume(ctx context.Context, token string, items []Item) error {
	return e.waits.Resume(ctx, token, items)
}

// HandleWebhook starts the workflow listening on method and path
func (e *Engine) HandleWebhook(ctx context.Context, method, path string, items []Item) (string, error) {
	return e.triggers.HandleWebhook(ctx, method, path, items)
}

// PublishEvent starts every workflow subscribed to the event
func (e *Engine) PublishEvent(ctx context.Context, event string, items []Item) ([]string, error) {
	return e.triggers.Publish(ctx, event, items)
}

// RunSubWorkflow runs a stored workflow as an independent execution and
// returns the main output of its last node. A sub-workflow that fails or
// suspends is an error for the caller.
func (e *Engine) RunSubWorkflow(ctx context.Context, parentExecutionID, workflowID string, items []Item) ([]Item, error) {
	depth, _ := ctx.Value(subWorkflowDepthKey{}).(int)
	if depth >= maxSubWorkflowDepth {
		return nil, fmt.Errorf("sub-workflow nesting exceeds %d levels", maxSubWorkflowDepth)
	}
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	child, err := e.coordinator.Start(ctx, wf, StartOptions{
		Mode:      ModeProduction,
		Trigger:   TriggerSubWorkflow,
		SeedItems: items,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("sub-workflow started",
		"execution_id", child.ID,
		"parent_execution_id", parentExecutionID,
		"workflow_id", workflowID)

	// The child keeps no link to the parent's deadline or cancellation.
	// The parent stops waiting when its own context ends.
	cctx := context.WithValue(context.WithoutCancel(ctx), subWorkflowDepthKey{}, depth+1)
	done := make(chan error, 1)
	go func() { done <- e.coordinator.Continue(cctx, child.ID) }()
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		e.logger.Warn("parent stopped waiting for sub-workflow",
			"execution_id", child.ID,
			"parent_execution_id", parentExecutionID,
			"error", context.Cause(ctx))
		return nil, context.Cause(ctx)
	}
	result, err := e.store.GetExecution(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case ExecutionStatusSuccess:
		return e.Output(ctx, child.ID)
	case ExecutionStatusError:
		if cp, err := e.checkpointer.LoadCheckpoint(ctx, child.ID); err == nil && cp.Error != nil {
			return nil, fmt.Errorf("sub-workflow execution %s failed: %w", child.ID, cp.Error)
		}
		return nil, fmt.Errorf("sub-workflow execution %s failed", child.ID)
	case ExecutionStatusWaiting:
		if err := e.coordinator.Cancel(ctx, child.ID); err != nil {
			e.logger.Warn("failed to cancel suspended sub-workflow", "execution_id", child.ID, "error", err)
		}
		return nil, fmt.Errorf("sub-workflow execution %s suspended, waits are not supported in sub-workflows", child.ID)
	default:
		return nil, fmt.Errorf("sub-workflow execution %s ended with status %s", child.ID, result.Status)
	}
}

// fire starts a production execution from a trigger
func (e *Engine) fire(ctx context.Context, wf *Workflow, node string, kind TriggerKind, items []Item) (string, error) {
	exec, err := e.coordinator.Start(ctx, wf, StartOptions{
		Mode:      ModeProduction,
		StartNode: node,
		Trigger:   kind,
		SeedItems: items,
	})
	if err != nil {
		return "", err
	}
	if err := e.dispatcher.Dispatch(ctx, exec.ID); err != nil {
		return exec.ID, fmt.Errorf("failed to dispatch execution: %w", err)
	}
	return exec.ID, nil
}
