// Package nodes provides the built-in node handlers: triggers, data
// shaping, routing, waits and sub-workflow calls.
package nodes

import (
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/script"
)

// Node type tags of the built-in handlers
const (
	TypeManualTrigger          = "manualTrigger"
	TypeWebhookTrigger         = "webhookTrigger"
	TypeScheduleTrigger        = "scheduleTrigger"
	TypeEventTrigger           = "eventTrigger"
	TypeExecuteWorkflowTrigger = "executeWorkflowTrigger"
	TypeLifecycleTrigger       = "lifecycleTrigger"
	TypeErrorTrigger           = "errorTrigger"
	TypeNoOp                   = "noOp"
	TypeSet                    = "set"
	TypeFilter                 = "filter"
	TypeIf                     = "if"
	TypeMerge                  = "merge"
	TypeWait                   = "wait"
	TypeFail                   = "fail"
	TypeExecuteWorkflow        = "executeWorkflow"
	TypeCode                   = "code"
	TypeHTTPRequest            = "httpRequest"
)

// All returns every built-in handler. Expression parameters are compiled
// with engine; nil uses a Risor engine with the default globals.
func All(engine script.Compiler) []flow.Handler {
	if engine == nil {
		engine = script.NewRisorEngine(script.DefaultGlobals())
	}
	return []flow.Handler{
		NewManualTrigger(),
		NewWebhookTrigger(),
		NewScheduleTrigger(),
		NewEventTrigger(),
		NewExecuteWorkflowTrigger(),
		NewLifecycleTrigger(),
		NewErrorTrigger(),
		NewNoOp(),
		NewSet(engine),
		NewFilter(engine),
		NewIf(engine),
		NewMerge(),
		NewWait(),
		NewFail(),
		NewExecuteWorkflow(),
		NewCode(engine),
		NewHTTPRequest(nil, engine),
	}
}

// globals exposes an item to expressions.
func globals(ctx flow.Context, params map[string]any, item flow.Item, index int, items []flow.Item) map[string]any {
	all := make([]any, len(items))
	for i, it := range items {
		all[i] = it.Data
	}
	data := item.Data
	if data == nil {
		data = map[string]any{}
	}
	node := ctx.Node()
	return map[string]any{
		"item":   data,
		"index":  index,
		"items":  all,
		"params": params,
		"node": map[string]any{
			"name": node.Name,
			"type": node.Type,
		},
		"execution": map[string]any{
			"id":         ctx.ExecutionID(),
			"workflowId": ctx.WorkflowID(),
			"mode":       string(ctx.Mode()),
		},
	}
}

// itemIndex returns the position of the i-th item of a call within the
// node's whole input.
func itemIndex(ctx flow.Context, i int) int {
	if idx := ctx.ItemIndex(); idx >= 0 {
		return idx
	}
	return i
}

// parseDuration accepts Go duration strings and numbers of seconds.
func parseDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	case float64:
		return time.Duration(d * float64(time.Second)), true
	case int:
		return time.Duration(d) * time.Second, true
	case int64:
		return time.Duration(d) * time.Second, true
	default:
		return 0, false
	}
}
