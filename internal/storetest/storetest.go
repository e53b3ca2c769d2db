// Package storetest checks flow.Store implementations against the behavior
// the engine relies on.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flow"
)

// Run exercises every Store operation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) flow.Store) {
	t.Run("workflow versions", func(t *testing.T) {
		store := newStore(t)
		testWorkflows(t, store)
	})
	t.Run("execution compare and swap", func(t *testing.T) {
		store := newStore(t)
		testExecutionCAS(t, store)
	})
	t.Run("execution listing", func(t *testing.T) {
		store := newStore(t)
		testExecutionListing(t, store)
	})
	t.Run("checkpoints", func(t *testing.T) {
		store := newStore(t)
		testCheckpoints(t, store)
	})
	t.Run("steps", func(t *testing.T) {
		store := newStore(t)
		testSteps(t, store)
	})
}

func workflow(t *testing.T, name string) *flow.Workflow {
	t.Helper()
	wf, err := flow.New(flow.Options{
		Name: name,
		Nodes: []*flow.Node{
			{Name: "start", Type: "manualTrigger"},
			{Name: "noop", Type: "noOp"},
		},
		Connections: []flow.Connection{{Source: "start", Target: "noop"}},
	})
	require.NoError(t, err)
	return wf
}

func testWorkflows(t *testing.T, store flow.Store) {
	ctx := context.Background()

	first, err := store.SaveWorkflow(ctx, workflow(t, "orders"))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID())
	require.Equal(t, 1, first.Version())
	require.False(t, first.Active())

	require.NoError(t, store.SetWorkflowActive(ctx, first.ID(), true))

	renamed := first.Options()
	renamed.Name = "orders v2"
	wf, err := flow.New(renamed)
	require.NoError(t, err)
	second, err := store.SaveWorkflow(ctx, wf)
	require.NoError(t, err)
	require.Equal(t, first.ID(), second.ID())
	require.Equal(t, 2, second.Version())
	require.True(t, second.Active(), "saving keeps the activation flag")

	got, err := store.GetWorkflow(ctx, first.ID())
	require.NoError(t, err)
	require.Equal(t, "orders v2", got.Name())
	require.Len(t, got.Nodes(), 2)
	require.Len(t, got.Connections(), 1)

	_, err = store.SaveWorkflow(ctx, workflow(t, "other"))
	require.NoError(t, err)

	all, err := store.ListWorkflows(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	active, err := store.ListWorkflows(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, first.ID(), active[0].ID())

	_, err = store.GetWorkflow(ctx, "wf_missing")
	require.ErrorIs(t, err, flow.ErrNotFound)
	require.ErrorIs(t, store.SetWorkflowActive(ctx, "wf_missing", true), flow.ErrNotFound)
}

func execution(id, workflowID string, startedAt time.Time) *flow.Execution {
	return &flow.Execution{
		ID:         id,
		WorkflowID: workflowID,
		Mode:       flow.ModeManual,
		Status:     flow.ExecutionStatusRunning,
		StartedAt:  startedAt,
		RunData:    flow.RunData{},
	}
}

func testExecutionCAS(t *testing.T, store flow.Store) {
	ctx := context.Background()
	exec := execution("exec_1", "wf_1", time.Now().UTC())
	require.NoError(t, store.CreateExecution(ctx, exec))
	require.Equal(t, 1, exec.Version)

	a, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	b, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)

	until := time.Now().Add(time.Minute)
	a.ClaimedBy = "worker-a"
	a.ClaimExpiresAt = &until
	require.NoError(t, store.UpdateExecution(ctx, a))
	require.Equal(t, 2, a.Version)

	b.Status = flow.ExecutionStatusCancelled
	err = store.UpdateExecution(ctx, b)
	require.ErrorIs(t, err, flow.ErrConflict)

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionStatusRunning, got.Status)
	require.Equal(t, 2, got.Version)
	require.Equal(t, "worker-a", got.ClaimedBy)
	require.NotNil(t, got.ClaimExpiresAt)
	require.WithinDuration(t, until, *got.ClaimExpiresAt, time.Millisecond)

	token := "token-1"
	got.Status = flow.ExecutionStatusWaiting
	got.ResumeToken = &token
	require.NoError(t, store.UpdateExecution(ctx, got))
	byToken, err := store.GetExecutionByResumeToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, exec.ID, byToken.ID)

	twin := execution("exec_twin", "wf_1", time.Now())
	require.NoError(t, store.CreateExecution(ctx, twin))
	twin.ResumeToken = &token
	require.Error(t, store.UpdateExecution(ctx, twin), "resume tokens are unique")
	byToken, err = store.GetExecutionByResumeToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, exec.ID, byToken.ID)

	_, err = store.GetExecutionByResumeToken(ctx, "unknown")
	require.ErrorIs(t, err, flow.ErrNotFound)
	_, err = store.GetExecution(ctx, "exec_missing")
	require.ErrorIs(t, err, flow.ErrNotFound)
	err = store.UpdateExecution(ctx, execution("exec_missing", "wf_1", time.Now()))
	require.ErrorIs(t, err, flow.ErrNotFound)
}

func testExecutionListing(t *testing.T, store flow.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"exec_a", "exec_b", "exec_c"} {
		require.NoError(t, store.CreateExecution(ctx, execution(id, "wf_1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.CreateExecution(ctx, execution("exec_other", "wf_2", base)))

	listed, err := store.ListExecutions(ctx, "wf_1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"exec_c", "exec_b", "exec_a"}, ids(listed))

	page, err := store.ListExecutions(ctx, "wf_1", 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"exec_b"}, ids(page))

	rest, err := store.ListExecutions(ctx, "wf_1", 0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"exec_a"}, ids(rest))

	everything, err := store.ListExecutions(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, everything, 4)

	running, err := store.ListExecutionsByStatus(ctx, flow.ExecutionStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 4)
	waiting, err := store.ListExecutionsByStatus(ctx, flow.ExecutionStatusWaiting)
	require.NoError(t, err)
	require.Empty(t, waiting)
}

func ids(execs []*flow.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}

func testCheckpoints(t *testing.T, store flow.Store) {
	ctx := context.Background()
	_, err := store.LoadCheckpoint(ctx, "exec_1")
	require.True(t, errors.Is(err, flow.ErrNotFound))

	cp := &flow.Checkpoint{
		ExecutionID: "exec_1",
		StartNodes:  []string{"start"},
		Scope:       []string{"start", "merge"},
		Stack: []*flow.ReadyEntry{
			{Node: "merge", Inputs: [][]flow.Item{{{Data: map[string]any{"n": 1}}}, {}}},
		},
		Buffers: map[string]map[string][]flow.Item{
			"merge": {"0": {{Data: map[string]any{"x": "y"}}}},
		},
		Sequence: 3,
		LastNode: "start",
	}
	require.NoError(t, store.SaveCheckpoint(ctx, cp))
	cp.Sequence = 4
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	loaded, err := store.LoadCheckpoint(ctx, "exec_1")
	require.NoError(t, err)
	require.Equal(t, 4, loaded.Sequence)
	require.Equal(t, "start", loaded.LastNode)
	require.Len(t, loaded.Stack, 1)
	require.Equal(t, "merge", loaded.Stack[0].Node)
	require.Len(t, loaded.Stack[0].Inputs, 2)
	require.Equal(t, float64(1), loaded.Stack[0].Inputs[0][0].Data["n"])
	require.Equal(t, "y", loaded.Buffers["merge"]["0"][0].Data["x"])

	require.NoError(t, store.DeleteCheckpoint(ctx, "exec_1"))
	_, err = store.LoadCheckpoint(ctx, "exec_1")
	require.ErrorIs(t, err, flow.ErrNotFound)
}

func testSteps(t *testing.T, store flow.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for _, seq := range []int{2, 1, 3} {
		require.NoError(t, store.AppendStep(ctx, &flow.StepLog{
			ExecutionID: "exec_1",
			Sequence:    seq,
			Node:        "n",
			NodeType:    "noOp",
			Attempt:     seq,
			StartedAt:   now,
			FinishedAt:  now,
			Status:      flow.StepSuccess,
		}))
	}
	steps, err := store.ListSteps(ctx, "exec_1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		require.Equal(t, i+1, step.Sequence)
	}

	none, err := store.ListSteps(ctx, "exec_2")
	require.NoError(t, err)
	require.Empty(t, none)
}
