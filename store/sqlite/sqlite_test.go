package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/internal/storetest"
	"github.com/deepnoodle-ai/flow/nodes"
	"github.com/deepnoodle-ai/flow/store/sqlite"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) flow.Store {
		store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "flow.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.DB().Close() })
		return store
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flow.db")

	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	wf, err := flow.New(flow.Options{
		Name:  "persisted",
		Nodes: []*flow.Node{{Name: "start", Type: "manualTrigger"}},
	})
	require.NoError(t, err)
	saved, err := store.SaveWorkflow(ctx, wf)
	require.NoError(t, err)
	require.NoError(t, store.DB().Close())

	reopened, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer reopened.DB().Close()
	got, err := reopened.GetWorkflow(ctx, saved.ID())
	require.NoError(t, err)
	require.Equal(t, "persisted", got.Name())
	require.Equal(t, 1, got.Version())
}

func TestEngineOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	defer store.DB().Close()

	engine, err := flow.NewEngine(flow.EngineOptions{
		Store: store,
		Handlers: append(nodes.All(nil),
			flow.NewHandlerFunc("double", func(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
				n, _ := items[0].Data["n"].(float64)
				return flow.Outputs{{{Data: map[string]any{"n": n * 2}}}}, nil
			}),
		),
	})
	require.NoError(t, err)

	wf, err := flow.New(flow.Options{
		Name: "double",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "double", Type: "double"},
		},
		Connections: []flow.Connection{{Source: "start", Target: "double"}},
	})
	require.NoError(t, err)
	wf, err = engine.SaveWorkflow(ctx, wf)
	require.NoError(t, err)

	exec, err := engine.Execute(ctx, wf.ID(), flow.ExecuteOptions{
		Items: []flow.Item{{Data: map[string]any{"n": 21.0}}},
	})
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)

	out, err := engine.Output(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, float64(42), out[0].Data["n"])

	steps, err := store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
}
