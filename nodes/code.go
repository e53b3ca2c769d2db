package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/script"
)

// Code runs a Risor program per item. A map result replaces the item's
// data, a list of maps produces one item per entry and nil drops the item.
type Code struct {
	engine script.Compiler
}

func NewCode(engine script.Compiler) *Code {
	return &Code{engine: engine}
}

func (c *Code) Type() string { return TypeCode }

func (c *Code) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	code, _ := params["code"].(string)
	if code == "" {
		return nil, fmt.Errorf("code requires a code parameter")
	}
	compiled, err := c.engine.Compile(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile code: %w", err)
	}
	all := flattenAll(ctx, items)
	out := []flow.Item{}
	for i, item := range items {
		result, err := compiled.Evaluate(ctx, globals(ctx, params, item, itemIndex(ctx, i), all))
		if err != nil {
			return nil, err
		}
		produced, err := toItems(result.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, produced...)
	}
	return flow.Single(out), nil
}

func toItems(value any) ([]flow.Item, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []flow.Item{flow.NewItem(v)}, nil
	case []any:
		var out []flow.Item
		for _, entry := range v {
			data, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("code must return maps, got %T in list", entry)
			}
			out = append(out, flow.NewItem(data))
		}
		return out, nil
	default:
		return []flow.Item{flow.NewItem(map[string]any{"value": v})}, nil
	}
}
