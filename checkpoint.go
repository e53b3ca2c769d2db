package flow

import (
	"strconv"
	"time"

	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// ReadyEntry is a node whose inputs have all arrived, with its inputs
// grouped by input index.
type ReadyEntry struct {
	Node   string   `json:"node"`
	Inputs [][]Item `json:"inputs"`
}

// Items returns all input items in input index order.
func (e *ReadyEntry) Items() []Item {
	return flattenInputs(e.Inputs)
}

// WaitKind is the kind of condition a suspended execution waits for
type WaitKind string

const (
	WaitDelay    WaitKind = "delay"
	WaitUntil    WaitKind = "until"
	WaitCallback WaitKind = "callback"
)

// PendingWait describes the suspended node of a waiting execution.
type PendingWait struct {
	Entry       ReadyEntry `json:"entry"`
	Kind        WaitKind   `json:"kind"`
	SuspendedAt time.Time  `json:"suspendedAt"`
	ResumeAt    *time.Time `json:"resumeAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Token       string     `json:"token,omitempty"`
	ResumeItems []Item     `json:"resumeItems,omitempty"`
	Resumed     bool       `json:"resumed,omitempty"`
}

// due reports whether a timer wait has reached its resume time.
func (w *PendingWait) due(now time.Time) bool {
	return w.ResumeAt != nil && !now.Before(*w.ResumeAt)
}

// expired reports whether the wait passed its maximum duration.
func (w *PendingWait) expired(now time.Time) bool {
	return w.ExpiresAt != nil && !now.Before(*w.ExpiresAt)
}

// nextDeadline returns the earliest time the wait needs attention.
func (w *PendingWait) nextDeadline() *time.Time {
	switch {
	case w.ResumeAt != nil && w.ExpiresAt != nil:
		if w.ExpiresAt.Before(*w.ResumeAt) {
			return w.ExpiresAt
		}
		return w.ResumeAt
	case w.ResumeAt != nil:
		return w.ResumeAt
	default:
		return w.ExpiresAt
	}
}

// Checkpoint is the full resumable state of an execution: the ready queue,
// the fan-in buffers of nodes still waiting for inputs, and the bookkeeping
// needed to continue the run on any worker.
type Checkpoint struct {
	ExecutionID string `json:"executionId"`

	// StartNodes and SeedItems describe how the run was seeded.
	StartNodes []string `json:"startNodes"`
	SeedItems  []Item   `json:"seedItems,omitempty"`

	// Scope lists the nodes taking part in the run.
	Scope []string `json:"scope"`

	// Stack holds ready entries, oldest first.
	Stack []*ReadyEntry `json:"stack"`

	// Buffers holds arrivals per target node, keyed by connection index.
	Buffers map[string]map[string][]Item `json:"buffers,omitempty"`

	// Pinned holds outputs reused instead of running the node again.
	Pinned map[string]*NodeRun `json:"pinned,omitempty"`

	Wait         *PendingWait    `json:"wait,omitempty"`
	Sequence     int             `json:"sequence"`
	LastNode     string          `json:"lastNode,omitempty"`
	Elapsed      time.Duration   `json:"elapsed"`
	Error        *ExecutionError `json:"error,omitempty"`
	CheckpointAt time.Time       `json:"checkpointAt"`

	// Output is the main output of the last node run, set on success.
	Output []Item `json:"output,omitempty"`

	scope map[string]bool
}

func (c *Checkpoint) inScope(node string) bool {
	if c.scope == nil {
		c.scope = make(map[string]bool, len(c.Scope))
		for _, n := range c.Scope {
			c.scope[n] = true
		}
	}
	return c.scope[node]
}

func (c *Checkpoint) push(entry *ReadyEntry) {
	c.Stack = append(c.Stack, entry)
}

func (c *Checkpoint) pop() *ReadyEntry {
	if len(c.Stack) == 0 {
		return nil
	}
	entry := c.Stack[0]
	c.Stack = c.Stack[1:]
	return entry
}

func (c *Checkpoint) buffer(target string, conn int, items []Item) {
	if c.Buffers == nil {
		c.Buffers = map[string]map[string][]Item{}
	}
	arrivals := c.Buffers[target]
	if arrivals == nil {
		arrivals = map[string][]Item{}
		c.Buffers[target] = arrivals
	}
	key := strconv.Itoa(conn)
	arrivals[key] = append(arrivals[key], items...)
	if arrivals[key] == nil {
		arrivals[key] = []Item{}
	}
}

func (c *Checkpoint) arrived(target string, conn int) ([]Item, bool) {
	items, ok := c.Buffers[target][strconv.Itoa(conn)]
	return items, ok
}

func (c *Checkpoint) clearBuffer(target string) {
	delete(c.Buffers, target)
}

func (c *Checkpoint) nextSequence() int {
	c.Sequence++
	return c.Sequence
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() (*Checkpoint, error) {
	var out Checkpoint
	if err := xjson.Clone(c, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
