package flow

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.jetify.com/typeid"
	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// NewWorkflowID returns a new prefixed workflow identifier.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// SavePolicy controls whether run data is kept once an execution finishes.
type SavePolicy string

const (
	SaveAll  SavePolicy = "all"
	SaveNone SavePolicy = "none"
)

// Settings are workflow-wide execution settings.
type Settings struct {
	ExecutionTimeout  Duration   `json:"executionTimeout,omitempty" yaml:"executionTimeout,omitempty"`
	SaveDataOnSuccess SavePolicy `json:"saveDataOnSuccess,omitempty" yaml:"saveDataOnSuccess,omitempty"`
	SaveDataOnError   SavePolicy `json:"saveDataOnError,omitempty" yaml:"saveDataOnError,omitempty"`
	ErrorWorkflow     string     `json:"errorWorkflow,omitempty" yaml:"errorWorkflow,omitempty"`
	Timezone          string     `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	MaxWait           Duration   `json:"maxWait,omitempty" yaml:"maxWait,omitempty"`
}

// Options are used to configure a workflow. Options is also the serialized
// form of a workflow, frozen into every execution as its snapshot.
type Options struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int          `json:"version,omitempty" yaml:"version,omitempty"`
	Active      bool         `json:"active,omitempty" yaml:"active,omitempty"`
	Nodes       []*Node      `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
	Settings    Settings     `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Workflow is a validated, immutable graph of nodes and connections.
type Workflow struct {
	opts        Options
	nodesByName map[string]*Node
	graph       *graph
}

// New returns a new Workflow configured with the given options. The
// options are copied; later changes to opts do not affect the workflow.
func New(opts Options) (*Workflow, error) {
	var copied Options
	if err := xjson.Clone(opts, &copied); err != nil {
		return nil, fmt.Errorf("failed to copy workflow options: %w", err)
	}
	if copied.Name == "" {
		return nil, NewValidationError("", "workflow name required")
	}
	if len(copied.Nodes) == 0 {
		return nil, NewValidationError("", "nodes required")
	}

	nodesByName := make(map[string]*Node, len(copied.Nodes))
	for _, node := range copied.Nodes {
		if node == nil {
			return nil, NewValidationError("", "nil node")
		}
		if err := node.validate(); err != nil {
			return nil, NewValidationError(node.Name, err.Error())
		}
		if _, dup := nodesByName[node.Name]; dup {
			return nil, NewValidationError(node.Name, "duplicate node name")
		}
		nodesByName[node.Name] = node
	}

	for _, c := range copied.Connections {
		src, ok := nodesByName[c.Source]
		if !ok {
			return nil, NewValidationError(c.Source, fmt.Sprintf("connection source %q not found", c.Source))
		}
		if _, ok := nodesByName[c.Target]; !ok {
			return nil, NewValidationError(c.Target, fmt.Sprintf("connection target %q not found", c.Target))
		}
		if c.SourceOutput < ErrorOutput {
			return nil, NewValidationError(c.Source, fmt.Sprintf("invalid output index %d", c.SourceOutput))
		}
		if c.TargetInput < 0 {
			return nil, NewValidationError(c.Target, fmt.Sprintf("invalid input index %d", c.TargetInput))
		}
		if c.IsErrorOutput() && src.ErrorPolicy() != OnErrorContinueErrorOutput {
			return nil, NewValidationError(c.Source, "error output connected but onError is not continueErrorOutput")
		}
	}

	g := newGraph(copied.Nodes, copied.Connections)
	if cycle := g.findCycle(copied.Nodes); cycle != nil {
		return nil, NewValidationError(cycle[0], "cycle detected: "+formatCycle(cycle))
	}

	switch copied.Settings.SaveDataOnSuccess {
	case "", SaveAll, SaveNone:
	default:
		return nil, NewValidationError("", fmt.Sprintf("invalid saveDataOnSuccess %q", copied.Settings.SaveDataOnSuccess))
	}
	switch copied.Settings.SaveDataOnError {
	case "", SaveAll, SaveNone:
	default:
		return nil, NewValidationError("", fmt.Sprintf("invalid saveDataOnError %q", copied.Settings.SaveDataOnError))
	}
	if tz := copied.Settings.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, NewValidationError("", fmt.Sprintf("invalid timezone %q", tz))
		}
	}

	return &Workflow{opts: copied, nodesByName: nodesByName, graph: g}, nil
}

// ID returns the workflow ID
func (w *Workflow) ID() string {
	return w.opts.ID
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.opts.Name
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.opts.Description
}

// Version returns the stored version of the workflow
func (w *Workflow) Version() int {
	return w.opts.Version
}

// Active reports whether the workflow was stored as activated
func (w *Workflow) Active() bool {
	return w.opts.Active
}

// Settings returns the workflow settings
func (w *Workflow) Settings() Settings {
	return w.opts.Settings
}

// Nodes returns the workflow nodes in definition order. Callers must not
// modify them.
func (w *Workflow) Nodes() []*Node {
	return w.opts.Nodes
}

// Connections returns the workflow connections
func (w *Workflow) Connections() []Connection {
	return w.opts.Connections
}

// GetNode returns a node by name
func (w *Workflow) GetNode(name string) (*Node, bool) {
	node, ok := w.nodesByName[name]
	return node, ok
}

// Options returns a deep copy of the workflow's options.
func (w *Workflow) Options() Options {
	var out Options
	if err := xjson.Clone(w.opts, &out); err != nil {
		panic(fmt.Sprintf("workflow options are not serializable: %v", err))
	}
	return out
}

// Upstream returns the named node plus every node it depends on.
func (w *Workflow) Upstream(name string) []string {
	return sortedKeys(w.graph.upstream(name))
}

// withIdentity returns a copy of w carrying the stored identity fields.
func (w *Workflow) withIdentity(id string, version int, active bool) *Workflow {
	opts := w.opts
	opts.ID = id
	opts.Version = version
	opts.Active = active
	return &Workflow{opts: opts, nodesByName: w.nodesByName, graph: w.graph}
}

// LoadFile loads a workflow from a YAML or JSON file
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	if strings.HasSuffix(path, ".json") {
		var opts Options
		if err := xjson.Unmarshal(data, &opts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
		}
		return New(opts)
	}
	return LoadString(string(data))
}

// LoadString loads a workflow from a YAML string
func LoadString(data string) (*Workflow, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	return New(opts)
}
