package flow

import (
	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// Item is one JSON record flowing between nodes. Items always travel as an
// ordered collection.
type Item struct {
	Data       map[string]any       `json:"data"`
	BinaryRefs map[string]BinaryRef `json:"binaryRefs,omitempty"`
	Lineage    *Lineage             `json:"lineage,omitempty"`
	Error      *ItemError           `json:"error,omitempty"`
}

// BinaryRef points to a blob stored outside the execution record.
type BinaryRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Lineage links an item to the upstream item it was derived from.
type Lineage struct {
	SourceItemIndex int `json:"sourceItemIndex"`
}

// ItemError describes the failure attached to an item routed to a node's
// error output.
type ItemError struct {
	Message string `json:"message"`
	Node    string `json:"node"`
	Type    string `json:"type,omitempty"`
}

// Outputs holds a node's produced items indexed by output.
type Outputs [][]Item

// NewItem returns an item with the given data.
func NewItem(data map[string]any) Item {
	if data == nil {
		data = map[string]any{}
	}
	return Item{Data: data}
}

// NewItems returns one item per data map, in order.
func NewItems(data ...map[string]any) []Item {
	items := make([]Item, 0, len(data))
	for _, d := range data {
		items = append(items, NewItem(d))
	}
	return items
}

// Single wraps items as the main output of a node.
func Single(items []Item) Outputs {
	return Outputs{items}
}

// Get returns the value at key in the item's data.
func (i Item) Get(key string) (any, bool) {
	v, ok := i.Data[key]
	return v, ok
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	var out Item
	if err := xjson.Clone(i, &out); err != nil {
		// Item data is JSON by contract; fall back to a shallow copy.
		out = i
		out.Data = copyMap(i.Data)
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return out
}

// Output returns the items at output index or nil when absent.
func (o Outputs) Output(index int) []Item {
	if index < 0 || index >= len(o) {
		return nil
	}
	return o[index]
}

// Count returns the number of items across all outputs.
func (o Outputs) Count() int {
	var n int
	for _, items := range o {
		n += len(items)
	}
	return n
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func flattenInputs(inputs [][]Item) []Item {
	var out []Item
	for _, items := range inputs {
		out = append(out, items...)
	}
	return out
}
