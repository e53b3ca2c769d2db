package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/internal/storetest"
	"github.com/deepnoodle-ai/flow/nodes"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) flow.Store {
		return flow.NewMemoryStore()
	})
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := flow.NewMemoryStore()
	exec := &flow.Execution{
		ID:         "exec_1",
		WorkflowID: "wf_1",
		Mode:       flow.ModeManual,
		Status:     flow.ExecutionStatusRunning,
		StartedAt:  time.Now(),
		RunData:    flow.RunData{},
	}
	require.NoError(t, store.CreateExecution(ctx, exec))
	exec.Status = flow.ExecutionStatusSuccess

	got, err := store.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionStatusRunning, got.Status)

	require.ErrorIs(t, store.CreateExecution(ctx, got), flow.ErrConflict)

	t.Run("unencodable run data is rejected", func(t *testing.T) {
		got.RunData = flow.RunData{"n": {{Outputs: flow.Outputs{{flow.NewItem(map[string]any{"ch": make(chan int)})}}}}}
		version := got.Version
		require.Error(t, store.UpdateExecution(ctx, got))
		require.Equal(t, version, got.Version)

		stored, err := store.GetExecution(ctx, "exec_1")
		require.NoError(t, err)
		require.Empty(t, stored.RunData)
	})
}

func TestFileCheckpointer(t *testing.T) {
	ctx := context.Background()
	files, err := flow.NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	_, err = files.LoadCheckpoint(ctx, "exec_1")
	require.ErrorIs(t, err, flow.ErrNotFound)

	cp := &flow.Checkpoint{
		ExecutionID: "exec_1",
		StartNodes:  []string{"start"},
		Scope:       []string{"start", "end"},
		Stack:       []*flow.ReadyEntry{{Node: "end", Inputs: [][]flow.Item{flow.NewItems(map[string]any{"a": "b"})}}},
		Sequence:    1,
	}
	require.NoError(t, files.SaveCheckpoint(ctx, cp))
	cp.Sequence = 2
	cp.Stack = nil
	require.NoError(t, files.SaveCheckpoint(ctx, cp))

	latest, err := files.LoadCheckpoint(ctx, "exec_1")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Sequence)
	require.Empty(t, latest.Stack)

	require.NoError(t, files.DeleteCheckpoint(ctx, "exec_1"))
	_, err = files.LoadCheckpoint(ctx, "exec_1")
	require.ErrorIs(t, err, flow.ErrNotFound)
}

func TestFileStepLogger(t *testing.T) {
	ctx := context.Background()
	steps := flow.NewFileStepLogger(t.TempDir())

	none, err := steps.ListSteps(ctx, "exec_1")
	require.NoError(t, err)
	require.Empty(t, none)

	for _, row := range []struct {
		seq    int
		status flow.StepStatus
	}{{2, flow.StepSuccess}, {1, flow.StepSuccess}, {2, flow.StepError}} {
		require.NoError(t, steps.AppendStep(ctx, &flow.StepLog{
			ExecutionID: "exec_1",
			Sequence:    row.seq,
			Node:        "n",
			Status:      row.status,
		}))
	}
	rows, err := steps.ListSteps(ctx, "exec_1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 1, rows[0].Sequence)
	require.Equal(t, 2, rows[1].Sequence)
	require.Equal(t, flow.StepError, rows[1].Status)
}

func TestEngineWithFileState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	checkpoints, err := flow.NewFileCheckpointer(dir)
	require.NoError(t, err)
	steps := flow.NewFileStepLogger(dir)

	engine, err := flow.NewEngine(flow.EngineOptions{
		Handlers:     nodes.All(nil),
		Checkpointer: checkpoints,
		StepLogger:   steps,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(ctx) })

	wf := saveWorkflow(t, engine, flow.Options{
		Name: "file state",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "set", Type: nodes.TypeSet, Parameters: map[string]any{"values": map[string]any{"done": true}}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "set"}},
	})
	exec, err := engine.Execute(ctx, wf.ID(), flow.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)

	detail, err := engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, detail.Steps, 2)

	cp, err := checkpoints.LoadCheckpoint(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, "set", cp.LastNode)
	require.Equal(t, true, cp.Output[0].Data["done"])
}
