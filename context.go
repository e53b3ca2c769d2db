package flow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Context is passed to handlers. It carries the identity of the running
// node and the services a handler may call back into.
type Context interface {
	context.Context

	// ExecutionID returns the ID of the running execution
	ExecutionID() string

	// WorkflowID returns the ID of the workflow being executed
	WorkflowID() string

	// Mode returns the execution mode
	Mode() ExecutionMode

	// Node returns the node being executed
	Node() *Node

	// Logger returns a logger annotated with the execution and node
	Logger() *slog.Logger

	// Attempt returns the 1-based attempt number
	Attempt() int

	// ItemIndex returns the position of the current item in per-item mode,
	// or -1 in all-items mode
	ItemIndex() int

	// Inputs returns the node's input items grouped by input index
	Inputs() [][]Item

	// ResumeToken returns the token that will resume this execution if the
	// handler suspends on a callback. It is stable for the invocation.
	ResumeToken() string

	// ExecuteWorkflow runs another workflow as an independent execution
	// and returns the items produced by its last node
	ExecuteWorkflow(workflowID string, items []Item) ([]Item, error)
}

// SubWorkflowRunner starts child executions on behalf of handlers.
type SubWorkflowRunner interface {
	RunSubWorkflow(ctx context.Context, parentExecutionID, workflowID string, items []Item) ([]Item, error)
}

// invocation is the per-node state shared by every attempt.
type invocation struct {
	executionID string
	workflowID  string
	mode        ExecutionMode
	node        *Node
	inputs      [][]Item
	logger      *slog.Logger
	subflows    SubWorkflowRunner
	token       string
}

// nodeContext implements Context for one handler call
type nodeContext struct {
	context.Context
	inv       *invocation
	attempt   int
	itemIndex int
}

var _ Context = (*nodeContext)(nil)

func (c *nodeContext) ExecutionID() string { return c.inv.executionID }

func (c *nodeContext) WorkflowID() string { return c.inv.workflowID }

func (c *nodeContext) Mode() ExecutionMode { return c.inv.mode }

func (c *nodeContext) Node() *Node { return c.inv.node }

func (c *nodeContext) Attempt() int { return c.attempt }

func (c *nodeContext) ItemIndex() int { return c.itemIndex }

func (c *nodeContext) Inputs() [][]Item { return c.inv.inputs }

func (c *nodeContext) Logger() *slog.Logger {
	if c.itemIndex >= 0 {
		return c.inv.logger.With("attempt", c.attempt, "item", c.itemIndex)
	}
	return c.inv.logger.With("attempt", c.attempt)
}

func (c *nodeContext) ResumeToken() string {
	if c.inv.token == "" {
		c.inv.token = NewResumeToken()
	}
	return c.inv.token
}

func (c *nodeContext) ExecuteWorkflow(workflowID string, items []Item) ([]Item, error) {
	if c.inv.subflows == nil {
		return nil, &ExecutionError{Type: ErrorTypeFatal, Message: "sub-workflow calls are not available", Node: c.inv.node.Name}
	}
	return c.inv.subflows.RunSubWorkflow(c, c.inv.executionID, workflowID, items)
}

// NewResumeToken returns a new opaque resume token
func NewResumeToken() string {
	return uuid.NewString()
}
