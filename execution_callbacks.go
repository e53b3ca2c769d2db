package flow

import (
	"context"
	"time"
)

// ExecutionCallbacks defines the callback interface for execution events.
// Callbacks run synchronously on the goroutine advancing the execution.
type ExecutionCallbacks interface {
	// Execution-level callbacks, called around each segment of a run. A
	// run that waits and resumes produces one segment per resume.
	BeforeExecution(ctx context.Context, event *ExecutionEvent)
	AfterExecution(ctx context.Context, event *ExecutionEvent)

	// Node-level callbacks, called once per node run
	BeforeNode(ctx context.Context, event *NodeEvent)
	AfterNode(ctx context.Context, event *NodeEvent)

	// Step-level callbacks, called once per attempt
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// ExecutionEvent provides context for execution-level events
type ExecutionEvent struct {
	ExecutionID  string
	WorkflowID   string
	WorkflowName string
	Mode         ExecutionMode
	Status       ExecutionStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// NodeEvent provides context for node-level events
type NodeEvent struct {
	ExecutionID string
	Node        string
	NodeType    string
	InputCount  int
	OutputCount int
	Attempts    int
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Error       error
}

// StepEvent provides context for attempt-level events
type StepEvent struct {
	ExecutionID string
	Node        string
	NodeType    string
	Attempt     int
	Sequence    int
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Error       error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeExecution(ctx context.Context, event *ExecutionEvent) {}

func (n *BaseExecutionCallbacks) AfterExecution(ctx context.Context, event *ExecutionEvent) {}

func (n *BaseExecutionCallbacks) BeforeNode(ctx context.Context, event *NodeEvent) {}

func (n *BaseExecutionCallbacks) AfterNode(ctx context.Context, event *NodeEvent) {}

func (n *BaseExecutionCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {}

func (n *BaseExecutionCallbacks) AfterStep(ctx context.Context, event *StepEvent) {}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed BaseExecutionCallbacks in your own callbacks to only implement the
// events you need.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeNode(ctx, event)
	}
}

func (c *CallbackChain) AfterNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.AfterNode(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}
