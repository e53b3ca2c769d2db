package flow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkflowNodes(t *testing.T) {
	wf, err := New(Options{
		Name: "test-workflow",
		Nodes: []*Node{
			{Name: "a", Type: "noOp"},
			{Name: "b", Type: "noOp"},
		},
		Connections: []Connection{{Source: "a", Target: "b"}},
	})
	require.NoError(t, err)

	nodes := wf.Nodes()
	require.Len(t, nodes, 2)
	require.Equal(t, "a", nodes[0].Name)
	node, ok := wf.GetNode("b")
	require.True(t, ok)
	require.Equal(t, "noOp", node.Type)
	require.Equal(t, []string{"a", "b"}, wf.Upstream("b"))
}

func TestWorkflowOptionsAreCopied(t *testing.T) {
	opts := Options{
		Name:  "copy",
		Nodes: []*Node{{Name: "a", Type: "noOp", Parameters: map[string]any{"x": "1"}}},
	}
	wf, err := New(opts)
	require.NoError(t, err)

	opts.Nodes[0].Parameters["x"] = "2"
	opts.Nodes[0].Name = "renamed"

	node, ok := wf.GetNode("a")
	require.True(t, ok)
	require.Equal(t, "1", node.Parameters["x"])
}

func TestInvalidWorkflows(t *testing.T) {
	validation := func(t *testing.T, err error, contains string) {
		t.Helper()
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
		require.Contains(t, err.Error(), contains)
	}

	t.Run("empty workflow", func(t *testing.T) {
		_, err := New(Options{})
		validation(t, err, "workflow name required")
	})

	t.Run("no nodes", func(t *testing.T) {
		_, err := New(Options{Name: "test-workflow"})
		validation(t, err, "nodes required")
	})

	t.Run("duplicate node", func(t *testing.T) {
		_, err := New(Options{Name: "dup", Nodes: []*Node{{Name: "a", Type: "noOp"}, {Name: "a", Type: "noOp"}}})
		validation(t, err, "duplicate node name")
	})

	t.Run("unknown connection target", func(t *testing.T) {
		_, err := New(Options{
			Name:        "dangling",
			Nodes:       []*Node{{Name: "a", Type: "noOp"}},
			Connections: []Connection{{Source: "a", Target: "missing"}},
		})
		validation(t, err, `connection target "missing" not found`)
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := New(Options{
			Name:  "loop",
			Nodes: []*Node{{Name: "a", Type: "noOp"}, {Name: "b", Type: "noOp"}, {Name: "c", Type: "noOp"}},
			Connections: []Connection{
				{Source: "a", Target: "b"},
				{Source: "b", Target: "c"},
				{Source: "c", Target: "b"},
			},
		})
		validation(t, err, "cycle detected")
	})

	t.Run("error output without policy", func(t *testing.T) {
		_, err := New(Options{
			Name:        "errout",
			Nodes:       []*Node{{Name: "a", Type: "noOp"}, {Name: "b", Type: "noOp"}},
			Connections: []Connection{{Source: "a", SourceOutput: ErrorOutput, Target: "b"}},
		})
		validation(t, err, "onError is not continueErrorOutput")
	})

	t.Run("bad timezone", func(t *testing.T) {
		_, err := New(Options{
			Name:     "tz",
			Nodes:    []*Node{{Name: "a", Type: "noOp"}},
			Settings: Settings{Timezone: "Mars/Olympus"},
		})
		validation(t, err, "invalid timezone")
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: from-yaml
settings:
  executionTimeout: 90s
  saveDataOnSuccess: none
nodes:
  - name: start
    type: manualTrigger
  - name: fetch
    type: httpRequest
    retryOnFail: true
    maxAttempts: 3
    retryDelay: 250ms
    onError: continueErrorOutput
  - name: recover
    type: noOp
connections:
  - {source: start, target: fetch}
  - {source: fetch, sourceOutput: -1, target: recover}
`), 0o644))

	wf, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "from-yaml", wf.Name())
	require.Equal(t, 90*time.Second, wf.Settings().ExecutionTimeout.Std())
	require.Equal(t, SaveNone, wf.Settings().SaveDataOnSuccess)

	fetch, ok := wf.GetNode("fetch")
	require.True(t, ok)
	require.Equal(t, 3, fetch.Attempts())
	require.Equal(t, 250*time.Millisecond, fetch.RetryDelay.Std())
	require.Equal(t, OnErrorContinueErrorOutput, fetch.ErrorPolicy())
	require.True(t, wf.Connections()[1].IsErrorOutput())

	jsonPath := filepath.Join(dir, "wf.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name": "from-json", "nodes": [{"name": "a", "type": "noOp"}]}`), 0o644))
	fromJSON, err := LoadFile(jsonPath)
	require.NoError(t, err)
	require.Equal(t, "from-json", fromJSON.Name())
}
