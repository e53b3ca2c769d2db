package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// CoordinatorOptions configure a Coordinator.
type CoordinatorOptions struct {
	Executions   ExecutionStore
	Checkpointer Checkpointer
	Workflows    WorkflowStore
	Handlers     *HandlerRegistry
	Nodes        *NodeEngine
	Waits        *WaitScheduler

	// Dispatcher starts error workflows. Without one, error workflows are
	// not run.
	Dispatcher Dispatcher

	Callbacks ExecutionCallbacks
	Logger    *slog.Logger

	// WorkerID identifies this process in execution claims. Defaults to
	// the host name and process ID.
	WorkerID string

	// ClaimTTL is how long a claim stays valid without a checkpoint.
	ClaimTTL time.Duration
}

// StartOptions describe a new execution.
type StartOptions struct {
	Mode      ExecutionMode
	SeedItems []Item

	// StartNode forces the node the run starts from.
	StartNode string

	// Trigger selects the start node by trigger kind when StartNode is
	// empty.
	Trigger TriggerKind

	// TargetNode is the node a partial run must reach.
	TargetNode string

	// RetryOf links the execution to the failed execution it retries.
	RetryOf string

	// Pinned node outputs are reused instead of running those nodes.
	Pinned map[string]*NodeRun

	// StartNodes and Scope, when set, replace start node resolution. They
	// are used to replay a previous execution's seeding.
	StartNodes []string
	Scope      []string
}

// Coordinator drives executions: it creates execution records, advances
// the ready queue node by node through the NodeEngine, merges fan-in
// arrivals and decides the terminal status.
type Coordinator struct {
	executions   ExecutionStore
	checkpointer Checkpointer
	workflows    WorkflowStore
	handlers     *HandlerRegistry
	nodes        *NodeEngine
	waits        *WaitScheduler
	dispatcher   Dispatcher
	callbacks    ExecutionCallbacks
	logger       *slog.Logger
	workerID     string
	claimTTL     time.Duration
	now          func() time.Time

	// advancing holds executions this process is advancing, flagged when
	// another Continue arrived meanwhile
	mu        sync.Mutex
	advancing map[string]bool
}

// NewCoordinator returns a Coordinator
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Executions == nil {
		return nil, fmt.Errorf("execution store is required")
	}
	if opts.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer is required")
	}
	if opts.Handlers == nil {
		return nil, fmt.Errorf("handler registry is required")
	}
	if opts.Nodes == nil {
		return nil, fmt.Errorf("node engine is required")
	}
	if opts.Waits == nil {
		return nil, fmt.Errorf("wait scheduler is required")
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = defaultWorkerID()
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 5 * time.Minute
	}
	return &Coordinator{
		executions:   opts.Executions,
		checkpointer: opts.Checkpointer,
		workflows:    opts.Workflows,
		handlers:     opts.Handlers,
		nodes:        opts.Nodes,
		waits:        opts.Waits,
		dispatcher:   opts.Dispatcher,
		callbacks:    opts.Callbacks,
		logger:       opts.Logger,
		workerID:     opts.WorkerID,
		claimTTL:     opts.ClaimTTL,
		now:          time.Now,
		advancing:    map[string]bool{},
	}, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// WorkerID returns the identity this coordinator claims executions with
func (c *Coordinator) WorkerID() string {
	return c.workerID
}

// ClaimTTL returns how long a claim lasts without a checkpoint
func (c *Coordinator) ClaimTTL() time.Duration {
	return c.claimTTL
}

// Advancing reports whether this process is advancing the execution
func (c *Coordinator) Advancing(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.advancing[executionID]
	return ok
}

// enter registers an execution as advancing. If it already is, the owner
// is asked to look at it again and enter returns false.
func (c *Coordinator) enter(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.advancing[executionID]; ok {
		c.advancing[executionID] = true
		return false
	}
	c.advancing[executionID] = false
	return true
}

// leave unregisters an execution unless another Continue was requested
// while it advanced and again is allowed. It reports whether to go again.
func (c *Coordinator) leave(executionID string, again bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if again && c.advancing[executionID] {
		c.advancing[executionID] = false
		return true
	}
	delete(c.advancing, executionID)
	return false
}

// Start snapshots wf into a new execution record with status running and
// seeds its ready queue. It does not advance the execution; call Continue
// or dispatch it.
func (c *Coordinator) Start(ctx context.Context, wf *Workflow, opts StartOptions) (*Execution, error) {
	if opts.Mode == "" {
		opts.Mode = ModeManual
	}
	if !opts.Mode.valid() {
		return nil, NewValidationError("", fmt.Sprintf("invalid execution mode %q", opts.Mode))
	}
	if err := c.handlers.check(wf); err != nil {
		return nil, err
	}

	starts, scope, err := c.plan(wf, opts)
	if err != nil {
		return nil, err
	}

	now := c.now()
	exec := &Execution{
		ID:               NewExecutionID(),
		WorkflowID:       wf.ID(),
		Mode:             opts.Mode,
		Status:           ExecutionStatusRunning,
		StartedAt:        now,
		WorkflowSnapshot: wf.Options(),
		RunData:          RunData{},
	}
	if opts.RetryOf != "" {
		exec.RetryOf = ptr(opts.RetryOf)
	}

	cp := &Checkpoint{
		ExecutionID:  exec.ID,
		StartNodes:   starts,
		SeedItems:    cloneItems(opts.SeedItems),
		Scope:        scope,
		Pinned:       opts.Pinned,
		CheckpointAt: now,
	}
	for _, name := range starts {
		seed := cloneItems(opts.SeedItems)
		if len(seed) == 0 {
			seed = []Item{NewItem(nil)}
		}
		cp.push(&ReadyEntry{Node: name, Inputs: [][]Item{seed}})
	}

	if err := c.executions.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	if err := c.checkpointer.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	c.logger.Info("execution created",
		"execution_id", exec.ID,
		"workflow_id", wf.ID(),
		"mode", exec.Mode,
		"start_nodes", starts)
	return exec, nil
}

// plan resolves the start nodes and the set of nodes taking part in a run.
func (c *Coordinator) plan(wf *Workflow, opts StartOptions) ([]string, []string, error) {
	if len(opts.StartNodes) > 0 {
		for _, name := range append(append([]string{}, opts.StartNodes...), opts.Scope...) {
			if _, ok := wf.GetNode(name); !ok {
				return nil, nil, NewValidationError(name, "node not found")
			}
		}
		scope := opts.Scope
		if len(scope) == 0 {
			scope = sortedKeys(wf.graph.downstream(opts.StartNodes))
		}
		return opts.StartNodes, scope, nil
	}

	if opts.Mode == ModePartial {
		if opts.TargetNode == "" {
			return nil, nil, NewValidationError("", "partial execution requires a target node")
		}
		if _, ok := wf.GetNode(opts.TargetNode); !ok {
			return nil, nil, NewValidationError(opts.TargetNode, "target node not found")
		}
		scope := wf.graph.upstream(opts.TargetNode)
		return wf.graph.roots(wf.Nodes(), scope), sortedKeys(scope), nil
	}

	start, err := c.resolveStart(wf, opts)
	if err != nil {
		return nil, nil, err
	}
	starts := []string{start}
	return starts, sortedKeys(wf.graph.downstream(starts)), nil
}

func (c *Coordinator) resolveStart(wf *Workflow, opts StartOptions) (string, error) {
	if opts.StartNode != "" {
		if _, ok := wf.GetNode(opts.StartNode); !ok {
			return "", NewValidationError(opts.StartNode, "start node not found")
		}
		return opts.StartNode, nil
	}
	want := opts.Trigger
	if want == "" && opts.Mode == ModeManual {
		want = TriggerManual
	}
	var firstTrigger string
	for _, node := range wf.Nodes() {
		if node.Disabled {
			continue
		}
		kind, ok := c.handlers.TriggerKind(node.Type)
		if !ok {
			continue
		}
		if kind == want {
			return node.Name, nil
		}
		if firstTrigger == "" {
			firstTrigger = node.Name
		}
	}
	if firstTrigger != "" {
		return firstTrigger, nil
	}
	all := make(map[string]bool, len(wf.Nodes()))
	for _, node := range wf.Nodes() {
		all[node.Name] = true
	}
	roots := wf.graph.roots(wf.Nodes(), all)
	if len(roots) == 0 {
		return "", NewValidationError("", "workflow has no start node")
	}
	return roots[0], nil
}

// Continue claims a persisted execution and advances it until it finishes,
// waits, is cancelled or the context ends. Finished executions and
// executions this process is already advancing are left untouched, so
// redelivered jobs are harmless. An execution claimed by another live
// worker returns a *ClaimedError.
func (c *Coordinator) Continue(ctx context.Context, executionID string) error {
	if !c.enter(executionID) {
		c.logger.Debug("execution already advancing in this process", "execution_id", executionID)
		return nil
	}
	for {
		err := c.continueOnce(ctx, executionID)
		if !c.leave(executionID, err == nil) {
			return err
		}
	}
}

func (c *Coordinator) continueOnce(ctx context.Context, executionID string) error {
	exec, err := c.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	logger := c.logger.With("execution_id", exec.ID)
	if exec.Status.Terminal() {
		logger.Debug("execution already finished", "status", exec.Status)
		return nil
	}
	now := c.now()
	if exec.claimedByOther(c.workerID, now) {
		logger.Debug("execution claimed by another worker", "worker", exec.ClaimedBy)
		return &ClaimedError{ExecutionID: exec.ID, Worker: exec.ClaimedBy, ExpiresAt: *exec.ClaimExpiresAt}
	}
	cp, err := c.checkpointer.LoadCheckpoint(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if exec.Status == ExecutionStatusWaiting && cp.Wait != nil {
		w := cp.Wait
		resumed := w.Resumed || (w.Kind == WaitCallback && exec.ResumeToken == nil)
		switch {
		case resumed, w.due(now):
		case w.expired(now):
			limit := w.ExpiresAt.Sub(w.SuspendedAt)
			return c.failWaiting(ctx, exec, cp, &TimeoutError{ExecutionID: exec.ID, Limit: limit, Waiting: true})
		default:
			if at := w.nextDeadline(); at != nil {
				c.waits.Rearm(exec.ID, *at)
			}
			return nil
		}
	}

	wf, err := New(exec.WorkflowSnapshot)
	if err != nil {
		return fmt.Errorf("invalid workflow snapshot: %w", err)
	}

	exec.Status = ExecutionStatusRunning
	exec.WaitUntil = nil
	exec.ResumeToken = nil
	exec.claim(c.workerID, now.Add(c.claimTTL))
	if err := c.executions.UpdateExecution(ctx, exec); err != nil {
		if errors.Is(err, ErrConflict) {
			logger.Debug("execution claimed concurrently")
			return nil
		}
		return fmt.Errorf("failed to claim execution: %w", err)
	}

	r := &run{c: c, exec: exec, cp: cp, wf: wf, logger: logger, mark: now}
	return r.advance(ctx)
}

// Cancel marks a running or waiting execution cancelled. The worker owning
// it stops before its next node.
func (c *Coordinator) Cancel(ctx context.Context, executionID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		exec, err := c.executions.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return fmt.Errorf("execution %s is already %s: %w", executionID, exec.Status, ErrConflict)
		}
		exec.finish(ExecutionStatusCancelled, c.now())
		err = c.executions.UpdateExecution(ctx, exec)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		c.waits.disarm(executionID)
		c.logger.Info("execution cancelled", "execution_id", executionID)
		return nil
	}
	return fmt.Errorf("execution %s changed concurrently: %w", executionID, ErrConflict)
}

// failWaiting ends a waiting execution whose wait expired.
func (c *Coordinator) failWaiting(ctx context.Context, exec *Execution, cp *Checkpoint, cause error) error {
	wf, err := New(exec.WorkflowSnapshot)
	if err != nil {
		return fmt.Errorf("invalid workflow snapshot: %w", err)
	}
	node := ""
	if cp.Wait != nil {
		node = cp.Wait.Entry.Node
	}
	now := c.now()
	r := &run{c: c, exec: exec, cp: cp, wf: wf, logger: c.logger.With("execution_id", exec.ID), mark: now, start: now}
	c.waits.disarm(exec.ID)
	return r.fail(ctx, node, cause)
}

// run is one segment of an execution advanced by this worker.
type run struct {
	c      *Coordinator
	exec   *Execution
	cp     *Checkpoint
	wf     *Workflow
	logger *slog.Logger
	mark   time.Time
	start  time.Time
}

func (r *run) advance(parent context.Context) error {
	r.start = r.c.now()
	ctx, cancel := r.budget(parent)
	defer cancel()

	r.c.callbacks.BeforeExecution(ctx, &ExecutionEvent{
		ExecutionID:  r.exec.ID,
		WorkflowID:   r.exec.WorkflowID,
		WorkflowName: r.wf.Name(),
		Mode:         r.exec.Mode,
		Status:       r.exec.Status,
		StartTime:    r.start,
	})

	if r.cp.Wait != nil {
		r.completeWait()
		if stop, err := r.checkpoint(ctx); stop || err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return r.interrupted(ctx, nil)
		}
		entry := r.cp.pop()
		if entry == nil {
			return r.succeed(ctx)
		}
		node, ok := r.wf.GetNode(entry.Node)
		if !ok {
			return r.fail(ctx, entry.Node, &ExecutionError{Type: ErrorTypeFatal, Node: entry.Node, Message: "node not found in snapshot"})
		}

		stop, err := r.step(ctx, node, entry)
		if stop || err != nil {
			return err
		}
		if stop, err := r.checkpoint(ctx); stop || err != nil {
			return err
		}
	}
}

// step runs one ready entry. It returns stop when the segment ended.
func (r *run) step(ctx context.Context, node *Node, entry *ReadyEntry) (bool, error) {
	if node.Disabled {
		r.route(node, Outputs{entry.Items()}, nil)
		return false, nil
	}
	if pinned, ok := r.cp.Pinned[node.Name]; ok {
		reused := *pinned
		reused.Pinned = true
		r.exec.recordRun(node.Name, &reused)
		delete(r.cp.Pinned, node.Name)
		r.cp.LastNode = node.Name
		r.cp.Output = reused.Outputs.Output(0)
		r.route(node, reused.Outputs, reused.ErrorOutput)
		return false, nil
	}
	if len(entry.Items()) == 0 && r.fedInScope(node.Name) {
		r.logger.Debug("skipping node with no input", "node", node.Name)
		r.route(node, nil, nil)
		return false, nil
	}

	res, err := r.c.nodes.Run(ctx, NodeInvocation{
		ExecutionID:  r.exec.ID,
		WorkflowID:   r.exec.WorkflowID,
		Mode:         r.exec.Mode,
		Node:         node,
		Inputs:       entry.Inputs,
		NextSequence: r.cp.nextSequence,
	})
	if err != nil {
		if ctx.Err() != nil {
			return true, r.interrupted(ctx, entry)
		}
		now := r.c.now()
		attempts := 0
		var nodeErr *NodeExecutionError
		if errors.As(err, &nodeErr) {
			attempts = nodeErr.Attempts
		}
		r.exec.recordRun(node.Name, &NodeRun{
			StartedAt:  now,
			FinishedAt: now,
			Status:     NodeRunError,
			Attempts:   attempts,
			Error:      err.Error(),
		})
		r.cp.LastNode = node.Name
		return true, r.fail(ctx, node.Name, err)
	}

	if res.Wait != nil {
		token, err := r.c.waits.Suspend(r.persistCtx(ctx), r.exec, r.cp, entry, res.Wait.Condition, res.Token)
		if err != nil {
			return true, r.handleConflict(ctx, err)
		}
		r.cp.LastNode = node.Name
		r.afterSegment(ctx, nil)
		r.logger.Info("execution waiting", "node", node.Name, "has_token", token != "")
		return true, nil
	}

	rec := &NodeRun{
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		Status:      res.Status(),
		Attempts:    res.Attempts,
		Outputs:     res.Outputs,
		ErrorOutput: res.ErrorOutput,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	r.exec.recordRun(node.Name, rec)
	r.cp.LastNode = node.Name
	r.cp.Output = res.Outputs.Output(0)
	r.route(node, res.Outputs, res.ErrorOutput)
	return false, nil
}

// completeWait records the resumed wait node and releases its outputs.
func (r *run) completeWait() {
	w := r.cp.Wait
	r.cp.Wait = nil
	node, ok := r.wf.GetNode(w.Entry.Node)
	if !ok {
		return
	}
	items := w.ResumeItems
	if len(items) == 0 {
		items = w.Entry.Items()
	}
	now := r.c.now()
	outputs := Outputs{cloneItems(items)}
	r.exec.recordRun(node.Name, &NodeRun{
		StartedAt:  w.SuspendedAt,
		FinishedAt: now,
		Status:     NodeRunSuccess,
		Attempts:   1,
		Outputs:    outputs,
	})
	r.cp.LastNode = node.Name
	r.cp.Output = outputs.Output(0)
	r.route(node, outputs, nil)
	r.logger.Info("execution continuing after wait", "node", node.Name)
}

// route delivers a node's outputs over its outgoing connections. Every
// in-scope connection receives a delivery, possibly empty, so fan-in
// targets learn that this branch is done.
func (r *run) route(node *Node, outputs Outputs, errorOutput []Item) {
	g := r.wf.graph
	for _, ci := range g.outgoing[node.Name] {
		conn := g.conns[ci]
		if !r.cp.inScope(conn.Target) {
			continue
		}
		var items []Item
		if conn.IsErrorOutput() {
			items = errorOutput
		} else {
			items = outputs.Output(conn.SourceOutput)
		}
		r.cp.buffer(conn.Target, ci, cloneItems(items))
		r.tryReady(conn.Target)
	}
}

// tryReady moves target to the ready queue once every in-scope incoming
// connection delivered.
func (r *run) tryReady(target string) {
	g := r.wf.graph
	var required []int
	width := 1
	for _, ci := range g.incoming[target] {
		conn := g.conns[ci]
		if !r.cp.inScope(conn.Source) {
			continue
		}
		if _, ok := r.cp.arrived(target, ci); !ok {
			return
		}
		required = append(required, ci)
		if conn.TargetInput+1 > width {
			width = conn.TargetInput + 1
		}
	}
	inputs := make([][]Item, width)
	for _, ci := range required {
		items, _ := r.cp.arrived(target, ci)
		idx := g.conns[ci].TargetInput
		inputs[idx] = append(inputs[idx], items...)
	}
	r.cp.clearBuffer(target)
	r.cp.push(&ReadyEntry{Node: target, Inputs: inputs})
}

func (r *run) fedInScope(name string) bool {
	g := r.wf.graph
	for _, ci := range g.incoming[name] {
		if r.cp.inScope(g.conns[ci].Source) {
			return true
		}
	}
	return false
}

// budget bounds the segment by what is left of the execution timeout.
func (r *run) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	limit := r.wf.Settings().ExecutionTimeout.Std()
	if limit <= 0 {
		return context.WithCancel(ctx)
	}
	cause := &TimeoutError{ExecutionID: r.exec.ID, Limit: limit}
	remaining := limit - r.cp.Elapsed
	if remaining < 0 {
		remaining = 0
	}
	return context.WithTimeoutCause(ctx, remaining, cause)
}

func (r *run) persistCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// checkpoint persists the record then the state. It returns stop when the
// execution was cancelled or taken over by another worker.
func (r *run) checkpoint(ctx context.Context) (bool, error) {
	now := r.c.now()
	r.cp.Elapsed += now.Sub(r.mark)
	r.mark = now
	r.cp.CheckpointAt = now
	r.exec.claim(r.c.workerID, now.Add(r.c.claimTTL))

	pctx := r.persistCtx(ctx)
	if err := r.c.executions.UpdateExecution(pctx, r.exec); err != nil {
		return true, r.handleConflict(ctx, err)
	}
	if err := r.c.checkpointer.SaveCheckpoint(pctx, r.cp); err != nil {
		return true, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return false, nil
}

// handleConflict resolves a failed version check. A cancelled execution
// stops quietly; any other change means this worker lost ownership.
func (r *run) handleConflict(ctx context.Context, err error) error {
	if !errors.Is(err, ErrConflict) {
		return err
	}
	latest, gerr := r.c.executions.GetExecution(r.persistCtx(ctx), r.exec.ID)
	if gerr != nil {
		return gerr
	}
	if latest.Status == ExecutionStatusCancelled {
		r.logger.Info("execution cancelled, stopping")
		r.exec = latest
		r.afterSegment(ctx, nil)
		return nil
	}
	return fmt.Errorf("execution %s lost ownership: %w", r.exec.ID, err)
}

// interrupted handles the end of the segment's context. A timeout fails the
// execution; any other cancellation releases the claim so the execution can
// be picked up again, re-queueing the interrupted entry first.
func (r *run) interrupted(ctx context.Context, entry *ReadyEntry) error {
	var timeoutErr *TimeoutError
	if errors.As(context.Cause(ctx), &timeoutErr) {
		node := ""
		if entry != nil {
			node = entry.Node
		}
		return r.fail(ctx, node, timeoutErr)
	}
	if entry != nil {
		r.cp.Stack = append([]*ReadyEntry{entry}, r.cp.Stack...)
	}
	now := r.c.now()
	r.cp.Elapsed += now.Sub(r.mark)
	r.mark = now
	r.cp.CheckpointAt = now
	r.exec.release()
	pctx := r.persistCtx(ctx)
	if err := r.c.executions.UpdateExecution(pctx, r.exec); err != nil {
		return r.handleConflict(ctx, err)
	}
	if err := r.c.checkpointer.SaveCheckpoint(pctx, r.cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	r.logger.Warn("execution interrupted", "error", ctx.Err())
	return ctx.Err()
}

func (r *run) succeed(ctx context.Context) error {
	now := r.c.now()
	r.exec.finish(ExecutionStatusSuccess, now)
	if r.wf.Settings().SaveDataOnSuccess == SaveNone {
		r.exec.RunData = RunData{}
	}
	if err := r.finalize(ctx, now); err != nil {
		return err
	}
	r.logger.Info("execution succeeded", "duration", r.cp.Elapsed)
	r.afterSegment(ctx, nil)
	if r.exec.RetryOf != nil {
		r.c.markRetrySuccess(r.persistCtx(ctx), *r.exec.RetryOf, r.exec.ID)
	}
	return nil
}

// fail ends the execution with status error and starts the workflow's
// error workflow, if any.
func (r *run) fail(ctx context.Context, node string, cause error) error {
	now := r.c.now()
	r.cp.Error = newExecutionError(node, cause)
	r.exec.finish(ExecutionStatusError, now)
	if r.wf.Settings().SaveDataOnError == SaveNone {
		r.exec.RunData = RunData{}
	}
	if err := r.finalize(ctx, now); err != nil {
		return err
	}
	r.logger.Error("execution failed", "node", node, "error", cause)
	r.afterSegment(ctx, cause)
	r.c.startErrorWorkflow(r.persistCtx(ctx), r.wf, r.exec, r.cp)
	return nil
}

func (r *run) finalize(ctx context.Context, now time.Time) error {
	r.cp.Elapsed += now.Sub(r.mark)
	r.mark = now
	r.cp.CheckpointAt = now
	pctx := r.persistCtx(ctx)
	if err := r.c.executions.UpdateExecution(pctx, r.exec); err != nil {
		return r.handleConflict(ctx, err)
	}
	if err := r.c.checkpointer.SaveCheckpoint(pctx, r.cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (r *run) afterSegment(ctx context.Context, err error) {
	end := r.c.now()
	r.c.callbacks.AfterExecution(ctx, &ExecutionEvent{
		ExecutionID:  r.exec.ID,
		WorkflowID:   r.exec.WorkflowID,
		WorkflowName: r.wf.Name(),
		Mode:         r.exec.Mode,
		Status:       r.exec.Status,
		StartTime:    r.start,
		EndTime:      end,
		Duration:     end.Sub(r.start),
		Error:        err,
	})
}

// markRetrySuccess writes the back-reference onto the retried execution.
// It is the only change ever made to a finished execution.
func (c *Coordinator) markRetrySuccess(ctx context.Context, originalID, retryID string) {
	for attempt := 0; attempt < 3; attempt++ {
		original, err := c.executions.GetExecution(ctx, originalID)
		if err != nil {
			c.logger.Error("failed to load retried execution", "execution_id", originalID, "error", err)
			return
		}
		original.RetrySuccessOf = ptr(retryID)
		err = c.executions.UpdateExecution(ctx, original)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrConflict) {
			c.logger.Error("failed to link retry", "execution_id", originalID, "error", err)
			return
		}
	}
}

// startErrorWorkflow runs the workflow's error workflow with a description
// of the failure. Failures to start it are logged and never affect the
// failed execution.
func (c *Coordinator) startErrorWorkflow(ctx context.Context, wf *Workflow, exec *Execution, cp *Checkpoint) {
	target := wf.Settings().ErrorWorkflow
	if target == "" || target == wf.ID() || c.workflows == nil || c.dispatcher == nil {
		return
	}
	errWf, err := c.workflows.GetWorkflow(ctx, target)
	if err != nil {
		c.logger.Error("failed to load error workflow", "workflow_id", target, "error", err)
		return
	}
	failure := map[string]any{"message": "", "node": "", "type": ""}
	if cp.Error != nil {
		failure = map[string]any{"message": cp.Error.Message, "node": cp.Error.Node, "type": cp.Error.Type}
	}
	payload := NewItem(map[string]any{
		"execution": map[string]any{
			"id":               exec.ID,
			"mode":             string(exec.Mode),
			"error":            failure,
			"lastNodeExecuted": cp.LastNode,
		},
		"workflow": map[string]any{
			"id":   wf.ID(),
			"name": wf.Name(),
		},
	})
	child, err := c.Start(ctx, errWf, StartOptions{
		Mode:      ModeProduction,
		Trigger:   TriggerError,
		SeedItems: []Item{payload},
	})
	if err != nil {
		c.logger.Error("failed to start error workflow", "workflow_id", target, "error", err)
		return
	}
	if err := c.dispatcher.Dispatch(ctx, child.ID); err != nil {
		c.logger.Error("failed to dispatch error workflow", "execution_id", child.ID, "error", err)
	}
}
