package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/flow"
)

// ExecuteWorkflow runs another stored workflow as an independent execution
// with the node's input and outputs the items its last node produced.
type ExecuteWorkflow struct{}

func NewExecuteWorkflow() *ExecuteWorkflow { return &ExecuteWorkflow{} }

func (e *ExecuteWorkflow) Type() string { return TypeExecuteWorkflow }

func (e *ExecuteWorkflow) Batch() bool { return true }

func (e *ExecuteWorkflow) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	workflowID, _ := params["workflowId"].(string)
	if workflowID == "" {
		return nil, fmt.Errorf("executeWorkflow requires a workflowId")
	}
	out, err := ctx.ExecuteWorkflow(workflowID, items)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []flow.Item{}
	}
	return flow.Single(out), nil
}
