package flow

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"

	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// NewExecutionID returns a new prefixed execution identifier
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further progress can be made.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	}
	return false
}

// ExecutionMode records how an execution was started
type ExecutionMode string

const (
	ModeManual     ExecutionMode = "manual"
	ModeProduction ExecutionMode = "production"
	ModePartial    ExecutionMode = "partial"
)

func (m ExecutionMode) valid() bool {
	switch m {
	case ModeManual, ModeProduction, ModePartial:
		return true
	}
	return false
}

// NodeRunStatus is the outcome of one node run
type NodeRunStatus string

const (
	NodeRunSuccess NodeRunStatus = "success"
	NodeRunError   NodeRunStatus = "error"
)

// NodeRun is the stored outcome of one run of a node within an execution.
type NodeRun struct {
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
	Status      NodeRunStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	Outputs     Outputs       `json:"outputs"`
	ErrorOutput []Item        `json:"errorOutput,omitempty"`
	Error       string        `json:"error,omitempty"`
	Pinned      bool          `json:"pinned,omitempty"`
}

// RunData maps node names to their runs in execution order
type RunData map[string][]*NodeRun

// Last returns the most recent run of the named node.
func (r RunData) Last(node string) (*NodeRun, bool) {
	runs := r[node]
	if len(runs) == 0 {
		return nil, false
	}
	return runs[len(runs)-1], true
}

// Execution is the persisted record of one run of a workflow snapshot.
//
// Version, ClaimedBy and ClaimExpiresAt are store bookkeeping and are not
// part of the serialized record.
type Execution struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflowId"`
	Mode             ExecutionMode   `json:"mode"`
	Status           ExecutionStatus `json:"status"`
	Finished         bool            `json:"finished"`
	StartedAt        time.Time       `json:"startedAt"`
	StoppedAt        *time.Time      `json:"stoppedAt"`
	WaitUntil        *time.Time      `json:"waitUntil"`
	ResumeToken      *string         `json:"resumeToken"`
	RetryOf          *string         `json:"retryOf"`
	RetrySuccessOf   *string         `json:"retrySuccessOf"`
	WorkflowSnapshot Options         `json:"workflowSnapshot"`
	RunData          RunData         `json:"runData"`

	Version        int        `json:"-"`
	ClaimedBy      string     `json:"-"`
	ClaimExpiresAt *time.Time `json:"-"`
}

// ExecutionDetail is an execution together with its step log and the
// recorded failure, if any.
type ExecutionDetail struct {
	*Execution
	Steps []*StepLog      `json:"steps"`
	Error *ExecutionError `json:"error,omitempty"`
	Wait  *PendingWait    `json:"wait,omitempty"`
}

// claimedByOther reports whether another worker holds a live claim.
func (e *Execution) claimedByOther(worker string, now time.Time) bool {
	if e.ClaimedBy == "" || e.ClaimedBy == worker {
		return false
	}
	return e.ClaimExpiresAt != nil && e.ClaimExpiresAt.After(now)
}

func (e *Execution) claim(worker string, until time.Time) {
	e.ClaimedBy = worker
	e.ClaimExpiresAt = &until
}

func (e *Execution) release() {
	e.ClaimedBy = ""
	e.ClaimExpiresAt = nil
}

func (e *Execution) finish(status ExecutionStatus, at time.Time) {
	e.Status = status
	e.Finished = true
	e.StoppedAt = &at
	e.WaitUntil = nil
	e.ResumeToken = nil
	e.release()
}

func (e *Execution) recordRun(node string, run *NodeRun) {
	if e.RunData == nil {
		e.RunData = RunData{}
	}
	e.RunData[node] = append(e.RunData[node], run)
}

// Clone returns a deep copy of the record including its bookkeeping fields.
// It fails when the snapshot or run data holds values JSON cannot encode.
func (e *Execution) Clone() (*Execution, error) {
	out := *e
	out.StoppedAt = clonePtr(e.StoppedAt)
	out.WaitUntil = clonePtr(e.WaitUntil)
	out.ResumeToken = clonePtr(e.ResumeToken)
	out.RetryOf = clonePtr(e.RetryOf)
	out.RetrySuccessOf = clonePtr(e.RetrySuccessOf)
	out.ClaimExpiresAt = clonePtr(e.ClaimExpiresAt)
	out.WorkflowSnapshot = Options{}
	out.RunData = nil
	if err := xjson.Clone(e.WorkflowSnapshot, &out.WorkflowSnapshot); err != nil {
		return nil, fmt.Errorf("failed to copy workflow snapshot of execution %s: %w", e.ID, err)
	}
	if e.RunData != nil {
		if err := xjson.Clone(e.RunData, &out.RunData); err != nil {
			return nil, fmt.Errorf("failed to copy run data of execution %s: %w", e.ID, err)
		}
	}
	return &out, nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }
