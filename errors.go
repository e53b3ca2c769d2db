package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error type constants used to classify execution failures
const (
	// ErrorTypeNodeFailed indicates a handler failed and its node's policy
	// did not recover the error
	ErrorTypeNodeFailed = "node_failed"

	// ErrorTypeTimeout indicates the execution exceeded its time budget or a
	// wait exceeded the maximum wait
	ErrorTypeTimeout = "timeout"

	// ErrorTypeValidation indicates a malformed workflow or request
	ErrorTypeValidation = "validation"

	// ErrorTypeFatal indicates an engine failure unrelated to node logic,
	// for example a missing handler or a storage error.
	ErrorTypeFatal = "fatal_error"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by stores when an optimistic version check fails.
	ErrConflict = errors.New("version conflict")

	// ErrResumeTokenInvalid is returned when a resume token is unknown or
	// was already consumed.
	ErrResumeTokenInvalid = errors.New("resume token invalid")
)

// ClaimedError is returned by Continue when another worker holds a live
// claim on the execution. The claim can be taken over after ExpiresAt.
type ClaimedError struct {
	ExecutionID string
	Worker      string
	ExpiresAt   time.Time
}

func (e *ClaimedError) Error() string {
	return fmt.Sprintf("execution %s is claimed by worker %s until %s",
		e.ExecutionID, e.Worker, e.ExpiresAt.Format(time.RFC3339Nano))
}

// ValidationError reports a malformed workflow or an activation that cannot
// be performed. It is raised before any execution is created.
type ValidationError struct {
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

// NewValidationError returns a ValidationError for the given node. The node
// may be empty when the problem concerns the workflow as a whole.
func NewValidationError(node, message string) *ValidationError {
	return &ValidationError{Node: node, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("validation error: node %q: %s", e.Node, e.Message)
	}
	return "validation error: " + e.Message
}

// NodeExecutionError is raised when a node's handler failed on every
// attempt and its policy is OnErrorStop.
type NodeExecutionError struct {
	Node     string
	NodeType string
	Attempts int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q (%s) failed after %d attempt(s): %v", e.Node, e.NodeType, e.Attempts, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError is raised when an execution exceeds its configured duration
// or a waiting execution is not resumed within the maximum wait. It is
// always fatal to the execution.
type TimeoutError struct {
	ExecutionID string
	Limit       time.Duration
	Waiting     bool
}

func (e *TimeoutError) Error() string {
	if e.Waiting {
		return fmt.Sprintf("execution %s was not resumed within %s", e.ExecutionID, e.Limit)
	}
	return fmt.Sprintf("execution %s exceeded its timeout of %s", e.ExecutionID, e.Limit)
}

// CredentialError is surfaced by handlers when a credential is missing or
// rejected. The engine treats it like any other handler error.
type CredentialError struct {
	Credential string
	Err        error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %q: %v", e.Credential, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// ExecutionError is the recorded cause of a failed execution.
type ExecutionError struct {
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
	Type    string `json:"type"`
}

func (e *ExecutionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Type, e.Node, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ClassifyError returns the error type constant matching err
func ClassifyError(err error) string {
	var (
		timeoutErr    *TimeoutError
		validationErr *ValidationError
		nodeErr       *NodeExecutionError
		execErr       *ExecutionError
	)
	switch {
	case errors.As(err, &execErr):
		return execErr.Type
	case errors.As(err, &timeoutErr):
		return ErrorTypeTimeout
	case errors.As(err, &validationErr):
		return ErrorTypeValidation
	case errors.As(err, &nodeErr):
		return ErrorTypeNodeFailed
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return ErrorTypeTimeout
	default:
		return ErrorTypeFatal
	}
}

// newExecutionError records err as the cause of an execution failure.
func newExecutionError(node string, err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) && node == "" {
		node = nodeErr.Node
	}
	return &ExecutionError{Message: err.Error(), Node: node, Type: ClassifyError(err)}
}
