package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/script"
)

// Filter keeps the items matching the condition parameter on output 0 and
// sends the rest to output 1.
type Filter struct {
	typ    string
	engine script.Compiler
}

func NewFilter(engine script.Compiler) *Filter {
	return &Filter{typ: TypeFilter, engine: engine}
}

// NewIf routes items by the condition parameter: true on output 0, false
// on output 1.
func NewIf(engine script.Compiler) *Filter {
	return &Filter{typ: TypeIf, engine: engine}
}

func (f *Filter) Type() string { return f.typ }

func (f *Filter) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	condition, _ := params["condition"].(string)
	if condition == "" {
		return nil, fmt.Errorf("%s requires a condition", f.typ)
	}
	all := flattenAll(ctx, items)
	matched, rest := []flow.Item{}, []flow.Item{}
	for i, item := range items {
		ok, err := script.EvalBool(ctx, f.engine, condition, globals(ctx, params, item, itemIndex(ctx, i), all))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.typ, err)
		}
		if ok {
			matched = append(matched, item)
		} else {
			rest = append(rest, item)
		}
	}
	return flow.Outputs{matched, rest}, nil
}
