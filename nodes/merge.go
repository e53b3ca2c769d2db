package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/flow"
)

// Merge modes
const (
	MergeAppend            = "append"
	MergeCombineByPosition = "combineByPosition"
	MergeChooseBranch      = "chooseBranch"
)

// Merge joins the items of its inputs. It runs once per node run with all
// inputs, after every upstream branch delivered.
//
//   - append: items of input 0, then input 1, and so on
//   - combineByPosition: the i-th items of every input merged into one
//   - chooseBranch: only the items of the input given by the input parameter
type Merge struct{}

func NewMerge() *Merge { return &Merge{} }

func (m *Merge) Type() string { return TypeMerge }

func (m *Merge) Batch() bool { return true }

func (m *Merge) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	inputs := ctx.Inputs()
	mode, _ := params["mode"].(string)
	switch mode {
	case "", MergeAppend:
		out := []flow.Item{}
		for _, input := range inputs {
			for _, item := range input {
				out = append(out, item.Clone())
			}
		}
		return flow.Single(out), nil

	case MergeCombineByPosition:
		width := 0
		for _, input := range inputs {
			if len(input) > width {
				width = len(input)
			}
		}
		out := make([]flow.Item, 0, width)
		for i := 0; i < width; i++ {
			data := map[string]any{}
			for _, input := range inputs {
				if i < len(input) {
					for k, v := range input[i].Data {
						data[k] = v
					}
				}
			}
			out = append(out, flow.NewItem(data))
		}
		return flow.Single(out), nil

	case MergeChooseBranch:
		idx := 0
		switch v := params["input"].(type) {
		case float64:
			idx = int(v)
		case int:
			idx = v
		}
		if idx < 0 || idx >= len(inputs) {
			return flow.Single([]flow.Item{}), nil
		}
		out := make([]flow.Item, 0, len(inputs[idx]))
		for _, item := range inputs[idx] {
			out = append(out, item.Clone())
		}
		return flow.Single(out), nil

	default:
		return nil, fmt.Errorf("merge: unknown mode %q", mode)
	}
}
