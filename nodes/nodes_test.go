package nodes_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/nodes"
	"github.com/deepnoodle-ai/flow/script"
)

func newEngine(t *testing.T) *flow.Engine {
	t.Helper()
	engine, err := flow.NewEngine(flow.EngineOptions{Handlers: nodes.All(nil)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return engine
}

func save(t *testing.T, engine *flow.Engine, opts flow.Options) *flow.Workflow {
	t.Helper()
	wf, err := flow.New(opts)
	require.NoError(t, err)
	stored, err := engine.SaveWorkflow(context.Background(), wf)
	require.NoError(t, err)
	return stored
}

func run(t *testing.T, engine *flow.Engine, opts flow.Options, items []flow.Item) (*flow.Execution, []flow.Item) {
	t.Helper()
	ctx := context.Background()
	wf := save(t, engine, opts)
	exec, err := engine.Execute(ctx, wf.ID(), flow.ExecuteOptions{Items: items})
	require.NoError(t, err)
	out, err := engine.Output(ctx, exec.ID)
	require.NoError(t, err)
	return exec, out
}

func data(items []flow.Item) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = item.Data
	}
	return out
}

func TestSetAndCode(t *testing.T) {
	engine := newEngine(t)
	exec, out := run(t, engine, flow.Options{
		Name: "shape",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "set", Type: nodes.TypeSet, Parameters: map[string]any{
				"values": map[string]any{
					"greeting": "hi ${item.name}",
					"double":   "${item.n * 2}",
				},
			}},
			{Name: "code", Type: nodes.TypeCode, Parameters: map[string]any{
				"code": `{"greeting": item.greeting, "next": item.double + 1}`,
			}},
		},
		Connections: []flow.Connection{
			{Source: "start", Target: "set"},
			{Source: "set", Target: "code"},
		},
	}, flow.NewItems(
		map[string]any{"name": "ada", "n": 2},
		map[string]any{"name": "bob", "n": 5},
	))

	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, []map[string]any{
		{"greeting": "hi ada", "next": float64(5)},
		{"greeting": "hi bob", "next": float64(11)},
	}, data(out))
}

func TestIfBranchesMerge(t *testing.T) {
	engine := newEngine(t)
	exec, out := run(t, engine, flow.Options{
		Name: "route",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "check", Type: nodes.TypeIf, Parameters: map[string]any{"condition": "item.n > 2"}},
			{Name: "big", Type: nodes.TypeSet, Parameters: map[string]any{"values": map[string]any{"size": "big"}}},
			{Name: "small", Type: nodes.TypeSet, Parameters: map[string]any{"values": map[string]any{"size": "small"}}},
			{Name: "join", Type: nodes.TypeMerge},
		},
		Connections: []flow.Connection{
			{Source: "start", Target: "check"},
			{Source: "check", SourceOutput: 0, Target: "big"},
			{Source: "check", SourceOutput: 1, Target: "small"},
			{Source: "big", Target: "join", TargetInput: 0},
			{Source: "small", Target: "join", TargetInput: 1},
		},
	}, flow.NewItems(
		map[string]any{"n": 1},
		map[string]any{"n": 3},
		map[string]any{"n": 4},
	))

	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, []map[string]any{
		{"n": float64(3), "size": "big"},
		{"n": float64(4), "size": "big"},
		{"n": float64(1), "size": "small"},
	}, data(out))
}

func TestFilterDropsToSecondOutput(t *testing.T) {
	engine := newEngine(t)
	exec, out := run(t, engine, flow.Options{
		Name: "filter",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "active", Type: nodes.TypeFilter, Parameters: map[string]any{"condition": `item.status == "active"`}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "active"}},
	}, flow.NewItems(
		map[string]any{"status": "active"},
		map[string]any{"status": "closed"},
	))

	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, []map[string]any{{"status": "active"}}, data(out))
	last, ok := exec.RunData.Last("active")
	require.True(t, ok)
	require.Len(t, last.Outputs.Output(1), 1)
}

func TestExprEngineNodes(t *testing.T) {
	engine, err := flow.NewEngine(flow.EngineOptions{Handlers: nodes.All(script.NewExprEngine(nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	exec, out := run(t, engine, flow.Options{
		Name: "expr",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "big", Type: nodes.TypeFilter, Parameters: map[string]any{"condition": "item.n > 2"}},
			{Name: "label", Type: nodes.TypeSet, Parameters: map[string]any{
				"values": map[string]any{"label": "n=${item.n}"},
			}},
		},
		Connections: []flow.Connection{
			{Source: "start", Target: "big"},
			{Source: "big", Target: "label"},
		},
	}, flow.NewItems(map[string]any{"n": 1}, map[string]any{"n": 3}))

	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, []map[string]any{{"n": float64(3), "label": "n=3"}}, data(out))
}

func TestMergeModes(t *testing.T) {
	branches := func(mode string, extra map[string]any) flow.Options {
		params := map[string]any{"mode": mode}
		for k, v := range extra {
			params[k] = v
		}
		return flow.Options{
			Name: "merge-" + mode,
			Nodes: []*flow.Node{
				{Name: "start", Type: nodes.TypeManualTrigger},
				{Name: "a", Type: nodes.TypeSet, Parameters: map[string]any{"values": map[string]any{"a": "${index}"}, "keepOnlySet": true}},
				{Name: "b", Type: nodes.TypeSet, Parameters: map[string]any{"values": map[string]any{"b": "${index}"}, "keepOnlySet": true}},
				{Name: "join", Type: nodes.TypeMerge, Parameters: params},
			},
			Connections: []flow.Connection{
				{Source: "start", Target: "a"},
				{Source: "start", Target: "b"},
				{Source: "a", Target: "join", TargetInput: 0},
				{Source: "b", Target: "join", TargetInput: 1},
			},
		}
	}
	seed := flow.NewItems(map[string]any{}, map[string]any{})

	t.Run("combine by position", func(t *testing.T) {
		_, out := run(t, newEngine(t), branches(nodes.MergeCombineByPosition, nil), seed)
		require.Equal(t, []map[string]any{
			{"a": float64(0), "b": float64(0)},
			{"a": float64(1), "b": float64(1)},
		}, data(out))
	})

	t.Run("choose branch", func(t *testing.T) {
		_, out := run(t, newEngine(t), branches(nodes.MergeChooseBranch, map[string]any{"input": 1}), seed)
		require.Equal(t, []map[string]any{{"b": float64(0)}, {"b": float64(1)}}, data(out))
	})
}

func TestFailStopsExecution(t *testing.T) {
	engine := newEngine(t)
	exec, _ := run(t, engine, flow.Options{
		Name: "fails",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "boom", Type: nodes.TypeFail, Parameters: map[string]any{"message": "nope"}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "boom"}},
	}, nil)

	require.Equal(t, flow.ExecutionStatusError, exec.Status)
	detail, err := engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Error)
	require.Equal(t, "boom", detail.Error.Node)
	require.Contains(t, detail.Error.Message, "nope")
}

func TestWaitCallback(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	wf := save(t, engine, flow.Options{
		Name: "approval",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "approve", Type: nodes.TypeWait, Parameters: map[string]any{"mode": "callback"}},
			{Name: "done", Type: nodes.TypeNoOp},
		},
		Connections: []flow.Connection{
			{Source: "start", Target: "approve"},
			{Source: "approve", Target: "done"},
		},
	})

	exec, err := engine.Execute(ctx, wf.ID(), flow.ExecuteOptions{Items: flow.NewItems(map[string]any{"id": "r1"})})
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionStatusWaiting, exec.Status)
	require.Nil(t, exec.WaitUntil)
	require.NotNil(t, exec.ResumeToken)
	token := *exec.ResumeToken

	require.NoError(t, engine.Resume(ctx, token, flow.NewItems(map[string]any{"approved": true})))
	require.Eventually(t, func() bool {
		got, err := engine.GetExecution(ctx, exec.ID)
		return err == nil && got.Status == flow.ExecutionStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	out, err := engine.Output(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"approved": true}}, data(out))

	require.ErrorIs(t, engine.Resume(ctx, token, nil), flow.ErrResumeTokenInvalid)
}

func TestWaitDelay(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	wf := save(t, engine, flow.Options{
		Name: "delay",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "pause", Type: nodes.TypeWait, Parameters: map[string]any{"duration": "50ms"}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "pause"}},
	})

	exec, err := engine.Execute(ctx, wf.ID(), flow.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionStatusWaiting, exec.Status)
	require.NotNil(t, exec.WaitUntil)
	require.Nil(t, exec.ResumeToken)

	require.Eventually(t, func() bool {
		got, err := engine.GetExecution(ctx, exec.ID)
		return err == nil && got.Status == flow.ExecutionStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecuteWorkflow(t *testing.T) {
	engine := newEngine(t)
	child := save(t, engine, flow.Options{
		Name: "child",
		Nodes: []*flow.Node{
			{Name: "in", Type: nodes.TypeExecuteWorkflowTrigger},
			{Name: "mark", Type: nodes.TypeSet, Parameters: map[string]any{"values": map[string]any{"child": true}}},
		},
		Connections: []flow.Connection{{Source: "in", Target: "mark"}},
	})

	exec, out := run(t, engine, flow.Options{
		Name: "parent",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "call", Type: nodes.TypeExecuteWorkflow, Parameters: map[string]any{"workflowId": child.ID()}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "call"}},
	}, flow.NewItems(map[string]any{"x": "y"}))

	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)
	require.Equal(t, []map[string]any{{"x": "y", "child": true}}, data(out))

	children, err := engine.ListExecutions(context.Background(), child.ID(), 10, 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, flow.ExecutionStatusSuccess, children[0].Status)
}

func TestHTTPRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"hello":"world"}`))
		case "/unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	engine := newEngine(t)
	exec, out := run(t, engine, flow.Options{
		Name: "http",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "get", Type: nodes.TypeHTTPRequest, Parameters: map[string]any{"url": server.URL + "/ok"}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "get"}},
	}, nil)
	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)
	require.Len(t, out, 1)
	require.Equal(t, float64(200), out[0].Data["statusCode"])
	require.Equal(t, map[string]any{"hello": "world"}, out[0].Data["body"])

	exec, _ = run(t, engine, flow.Options{
		Name: "http-missing",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "get", Type: nodes.TypeHTTPRequest, RetryOnFail: true, MaxAttempts: 3,
				Parameters: map[string]any{"url": server.URL + "/missing"}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "get"}},
	}, nil)
	require.Equal(t, flow.ExecutionStatusError, exec.Status)
	last, ok := exec.RunData.Last("get")
	require.True(t, ok)
	require.Equal(t, 1, last.Attempts)

	exec, _ = run(t, engine, flow.Options{
		Name: "http-unavailable",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "get", Type: nodes.TypeHTTPRequest, RetryOnFail: true, MaxAttempts: 2, RetryOn: flow.RetryOnTransient,
				Parameters: map[string]any{"url": server.URL + "/unavailable"}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "get"}},
	}, nil)
	require.Equal(t, flow.ExecutionStatusError, exec.Status)
	last, ok = exec.RunData.Last("get")
	require.True(t, ok)
	require.Equal(t, 2, last.Attempts)
}
