package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/script"
)

// SetParams configure the set node
type SetParams struct {
	// Values are written into each item. Strings may contain ${...}
	// expressions evaluated against the item.
	Values map[string]any `json:"values"`

	// KeepOnlySet drops the item's existing fields
	KeepOnlySet bool `json:"keepOnlySet"`
}

// Set writes fields into items
type Set struct {
	engine script.Compiler
}

func NewSet(engine script.Compiler) *Set {
	return &Set{engine: engine}
}

func (s *Set) Type() string { return TypeSet }

func (s *Set) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	var p SetParams
	if values, ok := params["values"].(map[string]any); ok {
		p.Values = values
	}
	p.KeepOnlySet, _ = params["keepOnlySet"].(bool)

	all := flattenAll(ctx, items)
	out := make([]flow.Item, 0, len(items))
	for i, item := range items {
		rendered, err := script.Render(ctx, s.engine, p.Values, globals(ctx, params, item, itemIndex(ctx, i), all))
		if err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
		values, _ := rendered.(map[string]any)
		next := item.Clone()
		if p.KeepOnlySet || next.Data == nil {
			next.Data = map[string]any{}
		}
		for key, value := range values {
			next.Data[key] = value
		}
		out = append(out, next)
	}
	return flow.Single(out), nil
}

// flattenAll returns the node's whole input, used for the items global.
func flattenAll(ctx flow.Context, fallback []flow.Item) []flow.Item {
	var all []flow.Item
	for _, input := range ctx.Inputs() {
		all = append(all, input...)
	}
	if len(all) == 0 {
		return fallback
	}
	return all
}
