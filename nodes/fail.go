package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/flow"
)

// FailParams defines the parameters for the fail node
type FailParams struct {
	Message string `json:"message"`
}

// NewFail returns a handler that always fails with the message parameter
func NewFail() flow.Handler {
	return flow.TypedHandlerFunc(TypeFail, func(ctx flow.Context, params FailParams, items []flow.Item) (flow.Outputs, error) {
		message := params.Message
		if message == "" {
			message = "intentional failure"
		}
		return nil, fmt.Errorf("fail: %s", message)
	})
}

// NewNoOp returns a handler that passes its input through
func NewNoOp() flow.Handler {
	return flow.NewHandlerFunc(TypeNoOp, func(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
		return flow.Single(items), nil
	})
}
