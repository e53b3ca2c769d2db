package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/nodes"
	"github.com/deepnoodle-ai/flow/queue"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	// claimed counts calls answered with a live claim before succeeding
	claimed map[string]int
	done    chan string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{
		calls:   map[string]int{},
		fail:    map[string]bool{},
		claimed: map[string]int{},
		done:    make(chan string, 16),
	}
}

func (r *recordingRunner) Continue(ctx context.Context, id string) error {
	r.mu.Lock()
	r.calls[id]++
	fail := r.fail[id]
	claimed := r.claimed[id] > 0
	if claimed {
		r.claimed[id]--
	}
	r.mu.Unlock()
	r.done <- id
	if claimed {
		return &flow.ClaimedError{ExecutionID: id, Worker: "other", ExpiresAt: time.Now().Add(30 * time.Millisecond)}
	}
	if fail {
		return errors.New("store unavailable")
	}
	return nil
}

func (r *recordingRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func runPool(t *testing.T, pool *queue.Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errs)
	})
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(2)
	require.NoError(t, q.Enqueue(ctx, queue.Job{ExecutionID: "a"}))
	require.NoError(t, q.Enqueue(ctx, queue.Job{ExecutionID: "b"}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	t.Run("full queue respects context", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, q.Enqueue(short, queue.Job{ExecutionID: "c"}), context.DeadlineExceeded)
	})

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", job.ExecutionID)
	require.NoError(t, q.Ack(ctx, job))

	t.Run("empty queue respects context", func(t *testing.T) {
		_, err := q.Dequeue(ctx)
		require.NoError(t, err)
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = q.Dequeue(short)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPoolRetriesFailedJobs(t *testing.T) {
	q := queue.NewMemoryQueue(16)
	runner := newRecordingRunner()
	runner.fail["bad"] = true
	runPool(t, queue.NewPool(q, runner, queue.PoolOptions{Workers: 2, MaxAttempts: 3}))

	d := queue.NewDispatcher(q)
	require.NoError(t, d.Dispatch(context.Background(), "good"))
	require.NoError(t, d.Dispatch(context.Background(), "bad"))

	for i := 0; i < 4; i++ {
		select {
		case <-runner.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	require.Eventually(t, func() bool { return runner.count("bad") == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, runner.count("good"))

	// No fourth delivery
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, runner.count("bad"))
}

func TestPoolRequeuesClaimedJobs(t *testing.T) {
	q := queue.NewMemoryQueue(16)
	runner := newRecordingRunner()
	runner.claimed["busy"] = 2
	runPool(t, queue.NewPool(q, runner, queue.PoolOptions{Workers: 1, MaxAttempts: 1}))

	require.NoError(t, queue.NewDispatcher(q).Dispatch(context.Background(), "busy"))

	// Claimed deliveries do not use up attempts
	require.Eventually(t, func() bool { return runner.count("busy") == 3 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 3, runner.count("busy"))
}

func TestEngineWithQueueDispatcher(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(16)
	engine, err := flow.NewEngine(flow.EngineOptions{
		Handlers:   nodes.All(nil),
		Dispatcher: queue.NewDispatcher(q),
	})
	require.NoError(t, err)
	runPool(t, queue.NewPool(q, engine, queue.PoolOptions{Workers: 2, Rate: 100}))

	wf, err := flow.New(flow.Options{
		Name: "queued",
		Nodes: []*flow.Node{
			{Name: "start", Type: nodes.TypeManualTrigger},
			{Name: "tag", Type: nodes.TypeSet, Parameters: map[string]any{
				"values": map[string]any{"queued": true},
			}},
		},
		Connections: []flow.Connection{{Source: "start", Target: "tag"}},
	})
	require.NoError(t, err)
	wf, err = engine.SaveWorkflow(ctx, wf)
	require.NoError(t, err)

	exec, err := engine.Execute(ctx, wf.ID(), flow.ExecuteOptions{Mode: flow.ModeProduction})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		detail, err := engine.GetExecution(ctx, exec.ID)
		return err == nil && detail.Status == flow.ExecutionStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	out, err := engine.Output(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, true, out[0].Data["queued"])
}
