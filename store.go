package flow

import (
	"context"
)

// WorkflowStore holds workflow definitions. Saving a workflow increments its
// version; executions never read the live definition once started.
type WorkflowStore interface {
	// SaveWorkflow creates or replaces a workflow and returns the stored
	// version. An empty ID is assigned.
	SaveWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error)

	// GetWorkflow returns the current version of a workflow
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// ListWorkflows returns all workflows, optionally only active ones
	ListWorkflows(ctx context.Context, activeOnly bool) ([]*Workflow, error)

	// SetWorkflowActive records the activation flag without changing the
	// workflow's version
	SetWorkflowActive(ctx context.Context, id string, active bool) error
}

// ExecutionStore holds execution records.
type ExecutionStore interface {
	// CreateExecution inserts a new record with Version 1
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution returns a record by ID
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecution replaces a record if its stored version equals
	// exec.Version, then increments exec.Version. It returns ErrConflict
	// when the versions differ.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// ListExecutions returns a workflow's executions, newest first
	ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*Execution, error)

	// ListExecutionsByStatus returns all executions with the given status
	ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error)

	// GetExecutionByResumeToken returns the execution holding token
	GetExecutionByResumeToken(ctx context.Context, token string) (*Execution, error)
}

// Store bundles every persistence concern of the engine. The memory, SQLite
// and Postgres stores implement it.
type Store interface {
	WorkflowStore
	ExecutionStore
	Checkpointer
	StepLogger
}
