package nodes

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/flow"
)

// Trigger is a start node. Its output is the items the trigger fired with.
type Trigger struct {
	typ      string
	kind     flow.TriggerKind
	validate func(node *flow.Node) error
}

func (t *Trigger) Type() string { return t.typ }

func (t *Trigger) TriggerKind() flow.TriggerKind { return t.kind }

func (t *Trigger) Batch() bool { return true }

func (t *Trigger) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	return flow.Single(items), nil
}

// ValidateActivation checks the trigger's parameters before listeners are
// registered.
func (t *Trigger) ValidateActivation(ctx context.Context, node *flow.Node) error {
	if t.validate == nil {
		return nil
	}
	return t.validate(node)
}

// NewManualTrigger starts executions requested by a user
func NewManualTrigger() *Trigger {
	return &Trigger{typ: TypeManualTrigger, kind: flow.TriggerManual}
}

// NewWebhookTrigger starts executions from HTTP requests. Parameters:
// path (required) and method (default POST).
func NewWebhookTrigger() *Trigger {
	return &Trigger{typ: TypeWebhookTrigger, kind: flow.TriggerWebhook, validate: func(node *flow.Node) error {
		if path, _ := node.Parameters[flow.ParamWebhookPath].(string); path == "" {
			return fmt.Errorf("webhook trigger requires a %q parameter", flow.ParamWebhookPath)
		}
		return nil
	}}
}

// NewScheduleTrigger starts executions on a cron rule given by the cron
// parameter.
func NewScheduleTrigger() *Trigger {
	return &Trigger{typ: TypeScheduleTrigger, kind: flow.TriggerSchedule, validate: func(node *flow.Node) error {
		rule, _ := node.Parameters[flow.ParamCron].(string)
		if rule == "" {
			return fmt.Errorf("schedule trigger requires a %q parameter", flow.ParamCron)
		}
		return nil
	}}
}

// NewEventTrigger starts executions when the named event is published
func NewEventTrigger() *Trigger {
	return &Trigger{typ: TypeEventTrigger, kind: flow.TriggerEvent}
}

// NewExecuteWorkflowTrigger receives the items of an executeWorkflow call
func NewExecuteWorkflowTrigger() *Trigger {
	return &Trigger{typ: TypeExecuteWorkflowTrigger, kind: flow.TriggerSubWorkflow}
}

// NewLifecycleTrigger starts executions when workflows are activated,
// deactivated or updated. The events parameter filters the kinds.
func NewLifecycleTrigger() *Trigger {
	return &Trigger{typ: TypeLifecycleTrigger, kind: flow.TriggerLifecycle}
}

// NewErrorTrigger starts error workflows
func NewErrorTrigger() *Trigger {
	return &Trigger{typ: TypeErrorTrigger, kind: flow.TriggerError}
}
