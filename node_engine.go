package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/flow/retry"
)

// NodeEngineOptions configure a NodeEngine.
type NodeEngineOptions struct {
	Handlers     *HandlerRegistry
	StepLogger   StepLogger
	SubWorkflows SubWorkflowRunner
	Callbacks    ExecutionCallbacks
	Logger       *slog.Logger
}

// NodeEngine runs one node against its input, applying the node's retry
// and error policy. Every attempt is written to the step log before Run
// returns.
type NodeEngine struct {
	handlers   *HandlerRegistry
	stepLogger StepLogger
	subflows   SubWorkflowRunner
	callbacks  ExecutionCallbacks
	logger     *slog.Logger
	now        func() time.Time
}

// NewNodeEngine returns a NodeEngine
func NewNodeEngine(opts NodeEngineOptions) (*NodeEngine, error) {
	if opts.Handlers == nil {
		return nil, fmt.Errorf("handler registry is required")
	}
	if opts.StepLogger == nil {
		return nil, fmt.Errorf("step logger is required")
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	return &NodeEngine{
		handlers:   opts.Handlers,
		stepLogger: opts.StepLogger,
		subflows:   opts.SubWorkflows,
		callbacks:  opts.Callbacks,
		logger:     opts.Logger,
		now:        time.Now,
	}, nil
}

// NodeInvocation is one request to run a node.
type NodeInvocation struct {
	ExecutionID string
	WorkflowID  string
	Mode        ExecutionMode
	Node        *Node
	Inputs      [][]Item

	// NextSequence allocates step log sequence numbers.
	NextSequence func() int
}

// NodeResult is the outcome of a node run that did not stop the execution.
type NodeResult struct {
	Outputs     Outputs
	ErrorOutput []Item
	Attempts    int
	StartedAt   time.Time
	FinishedAt  time.Time

	// Err is the handler error recovered by the node's policy.
	Err error

	// Wait is set when the handler suspended the execution.
	Wait *WaitSignal

	// Token is the resume token handed to the handler, if it asked for one.
	Token string
}

// Status returns the run status recorded in run data.
func (r *NodeResult) Status() NodeRunStatus {
	if r.Err != nil {
		return NodeRunError
	}
	return NodeRunSuccess
}

// Run executes the node. It returns a *NodeExecutionError when the handler
// failed every attempt and the node's policy is OnErrorStop. When ctx ends
// during the run, the context's cause is returned.
func (e *NodeEngine) Run(ctx context.Context, inv NodeInvocation) (*NodeResult, error) {
	node := inv.Node
	handler, ok := e.handlers.Get(node.Type)
	if !ok {
		return nil, &ExecutionError{
			Type:    ErrorTypeFatal,
			Node:    node.Name,
			Message: fmt.Sprintf("no handler registered for node type %q", node.Type),
		}
	}
	if inv.NextSequence == nil {
		seq := 0
		inv.NextSequence = func() int { seq++; return seq }
	}

	state := &invocation{
		executionID: inv.ExecutionID,
		workflowID:  inv.WorkflowID,
		mode:        inv.Mode,
		node:        node,
		inputs:      inv.Inputs,
		logger:      e.logger.With("execution_id", inv.ExecutionID, "node", node.Name),
		subflows:    e.subflows,
	}
	items := flattenInputs(inv.Inputs)
	perItem := node.Mode() == PerItem && !isBatch(handler)

	result := &NodeResult{StartedAt: e.now()}
	e.callbacks.BeforeNode(ctx, &NodeEvent{
		ExecutionID: inv.ExecutionID,
		Node:        node.Name,
		NodeType:    node.Type,
		InputCount:  len(items),
		StartTime:   result.StartedAt,
	})

	// Per-item outputs survive across attempts; a retry only re-runs the
	// items that failed.
	perItemOutputs := make([]Outputs, len(items))
	failures := map[int]error{}
	pending := make([]int, len(items))
	for i := range items {
		pending[i] = i
	}
	var allOutputs Outputs
	var logErr error

	attemptFn := func(attempt int) error {
		result.Attempts = attempt
		step := &StepLog{
			ExecutionID: inv.ExecutionID,
			Sequence:    inv.NextSequence(),
			Node:        node.Name,
			NodeType:    node.Type,
			Attempt:     attempt,
			StartedAt:   e.now(),
		}
		e.callbacks.BeforeStep(ctx, &StepEvent{
			ExecutionID: inv.ExecutionID,
			Node:        node.Name,
			NodeType:    node.Type,
			Attempt:     attempt,
			Sequence:    step.Sequence,
			StartTime:   step.StartedAt,
		})

		var attemptErr error
		if perItem {
			var failed []int
			var produced Outputs
			for _, i := range pending {
				step.Input = append(step.Input, items[i])
				out, err := e.call(ctx, handler, state, attempt, i, items[i:i+1])
				if err != nil {
					if signal, ok := asWaitSignal(err); ok {
						result.Wait = signal
						attemptErr = err
						break
					}
					failures[i] = err
					failed = append(failed, i)
					if attemptErr == nil {
						attemptErr = err
					}
					continue
				}
				delete(failures, i)
				for _, outItems := range out {
					for k := range outItems {
						if outItems[k].Lineage == nil {
							outItems[k].Lineage = &Lineage{SourceItemIndex: i}
						}
					}
				}
				perItemOutputs[i] = out
				produced = mergeOutputs(produced, out)
			}
			if result.Wait == nil {
				pending = failed
			}
			step.Output = produced
		} else {
			step.Input = items
			out, err := e.call(ctx, handler, state, attempt, -1, items)
			if err != nil {
				if signal, ok := asWaitSignal(err); ok {
					result.Wait = signal
				}
				attemptErr = err
			} else {
				allOutputs = out
				step.Output = out
			}
		}

		step.FinishedAt = e.now()
		switch {
		case result.Wait != nil:
			step.Status = StepWaiting
		case attemptErr != nil:
			step.Status = StepError
			step.Error = attemptErr.Error()
		default:
			step.Status = StepSuccess
		}
		if err := e.stepLogger.AppendStep(ctx, step); err != nil {
			logErr = fmt.Errorf("failed to append step log: %w", err)
		}
		e.callbacks.AfterStep(ctx, &StepEvent{
			ExecutionID: inv.ExecutionID,
			Node:        node.Name,
			NodeType:    node.Type,
			Attempt:     attempt,
			Sequence:    step.Sequence,
			StartTime:   step.StartedAt,
			EndTime:     step.FinishedAt,
			Duration:    step.FinishedAt.Sub(step.StartedAt),
			Error:       attemptErr,
		})
		if logErr != nil {
			return retry.NewNonRecoverableError(logErr)
		}
		return attemptErr
	}

	err := retry.Do(ctx, attemptFn,
		retry.WithMaxAttempts(node.Attempts()),
		retry.WithDelay(node.RetryDelay.Std()),
		retry.WithBackoff(node.RetryBackoff, node.RetryMaxDelay.Std()),
		retry.WithRetryIf(func(err error) bool {
			if _, ok := asWaitSignal(err); ok {
				return false
			}
			if ctx.Err() != nil {
				return false
			}
			if node.RetryPolicy() == RetryOnTransient {
				return retry.IsRecoverable(err)
			}
			return !retry.IsPermanent(err)
		}),
		retry.WithOnRetry(func(attempt int, err error) {
			state.logger.Warn("node attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", node.Attempts(),
				"error", err)
		}))

	result.FinishedAt = e.now()
	result.Token = state.token
	defer func() {
		e.callbacks.AfterNode(ctx, &NodeEvent{
			ExecutionID: inv.ExecutionID,
			Node:        node.Name,
			NodeType:    node.Type,
			InputCount:  len(items),
			OutputCount: result.Outputs.Count(),
			Attempts:    result.Attempts,
			StartTime:   result.StartedAt,
			EndTime:     result.FinishedAt,
			Duration:    result.FinishedAt.Sub(result.StartedAt),
			Error:       err,
		})
	}()

	if logErr != nil {
		return nil, logErr
	}
	if result.Wait != nil {
		return result, nil
	}
	if err != nil && ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	if perItem {
		for i := range items {
			if _, failed := failures[i]; failed {
				continue
			}
			result.Outputs = mergeOutputs(result.Outputs, perItemOutputs[i])
		}
	} else if err == nil {
		result.Outputs = allOutputs
	}
	if err == nil {
		if result.Outputs == nil {
			result.Outputs = Outputs{{}}
		}
		return result, nil
	}

	switch node.ErrorPolicy() {
	case OnErrorContinueNormal:
		state.logger.Warn("node failed, continuing", "error", err)
		if result.Outputs == nil {
			result.Outputs = Outputs{{}}
		}
		result.Err = err
		return result, nil

	case OnErrorContinueErrorOutput:
		state.logger.Warn("node failed, routing to error output", "error", err)
		if perItem {
			for i := range items {
				if itemErr, failed := failures[i]; failed {
					result.ErrorOutput = append(result.ErrorOutput, withItemError(items[i], node, itemErr))
				}
			}
		} else {
			for _, item := range items {
				result.ErrorOutput = append(result.ErrorOutput, withItemError(item, node, err))
			}
		}
		if result.Outputs == nil {
			result.Outputs = Outputs{{}}
		}
		result.Err = err
		return result, nil

	default:
		return nil, &NodeExecutionError{
			Node:     node.Name,
			NodeType: node.Type,
			Attempts: result.Attempts,
			Err:      err,
		}
	}
}

// call invokes the handler, converting panics into errors.
func (e *NodeEngine) call(ctx context.Context, h Handler, inv *invocation, attempt, index int, items []Item) (out Outputs, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %q panicked: %v", h.Type(), r)
		}
	}()
	nctx := &nodeContext{Context: ctx, inv: inv, attempt: attempt, itemIndex: index}
	return h.Execute(nctx, inv.node.Parameters, cloneItems(items))
}

func withItemError(item Item, node *Node, err error) Item {
	out := item.Clone()
	errType := ErrorTypeNodeFailed
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		errType = "credential"
	}
	out.Error = &ItemError{Message: err.Error(), Node: node.Name, Type: errType}
	return out
}

// mergeOutputs appends b to a output by output.
func mergeOutputs(a, b Outputs) Outputs {
	for len(a) < len(b) {
		a = append(a, nil)
	}
	for i, items := range b {
		a[i] = append(a[i], items...)
	}
	return a
}
