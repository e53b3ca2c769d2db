package flow

import (
	"context"
	"time"
)

// StepStatus is the outcome of one node invocation
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepWaiting StepStatus = "waiting"
)

// StepLog records one node invocation: a single attempt of a single node.
// Rows are appended during execution and never modified.
type StepLog struct {
	ExecutionID string     `json:"executionId"`
	Sequence    int        `json:"sequence"`
	Node        string     `json:"node"`
	NodeType    string     `json:"nodeType"`
	Attempt     int        `json:"attempt"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  time.Time  `json:"finishedAt"`
	Status      StepStatus `json:"status"`
	Input       []Item     `json:"input"`
	Output      Outputs    `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StepLogger defines the append-only step log
type StepLogger interface {
	// AppendStep appends one row to an execution's step log
	AppendStep(ctx context.Context, step *StepLog) error

	// ListSteps returns an execution's step log ordered by sequence
	ListSteps(ctx context.Context, executionID string) ([]*StepLog, error)
}
