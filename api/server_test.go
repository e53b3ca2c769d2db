package api_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/api"
	"github.com/deepnoodle-ai/flow/internal/xjson"
	"github.com/deepnoodle-ai/flow/nodes"
)

func newServer(t *testing.T) (*flow.Engine, *httptest.Server) {
	t.Helper()
	engine, err := flow.NewEngine(flow.EngineOptions{Handlers: nodes.All(nil)})
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(api.Config{Engine: engine}).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = engine.Stop(context.Background())
	})
	return engine, srv
}

func call(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		require.NoError(t, xjson.Unmarshal(buf.Bytes(), out), buf.String())
	}
	return resp.StatusCode
}

const greetWorkflow = `{
  "name": "greet",
  "nodes": [
    {"name": "start", "type": "manualTrigger"},
    {"name": "hook", "type": "webhookTrigger", "parameters": {"path": "greet", "method": "POST"}},
    {"name": "set", "type": "set", "parameters": {"values": {"greeting": "hello"}}}
  ],
  "connections": [
    {"source": "start", "target": "set"},
    {"source": "hook", "target": "set"}
  ]
}`

func TestWorkflowLifecycle(t *testing.T) {
	engine, srv := newServer(t)

	var saved flow.Options
	status := call(t, http.MethodPost, srv.URL+"/v1/workflows", greetWorkflow, &saved)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, saved.ID)
	require.Equal(t, 1, saved.Version)

	t.Run("get", func(t *testing.T) {
		var got flow.Options
		require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/workflows/"+saved.ID, "", &got))
		require.Equal(t, "greet", got.Name)
	})

	t.Run("execute manually", func(t *testing.T) {
		var exec flow.Execution
		status := call(t, http.MethodPost, srv.URL+"/v1/workflows/"+saved.ID+"/execute",
			`{"items": [{"name": "ada"}]}`, &exec)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, flow.ExecutionStatusSuccess, exec.Status)

		var output struct {
			Items []map[string]any `json:"items"`
		}
		require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/executions/"+exec.ID+"/output", "", &output))
		require.Equal(t, []map[string]any{{"name": "ada", "greeting": "hello"}}, output.Items)

		var detail flow.ExecutionDetail
		require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/executions/"+exec.ID, "", &detail))
		require.Len(t, detail.Steps, 2)

		var list struct {
			Executions []*flow.Execution `json:"executions"`
		}
		require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/v1/workflows/"+saved.ID+"/executions?limit=10", "", &list))
		require.Len(t, list.Executions, 1)
	})

	t.Run("webhook", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, call(t, http.MethodPost, srv.URL+"/webhook/greet", `{}`, nil))
		require.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/v1/workflows/"+saved.ID+"/activate", "", nil))

		var started struct {
			ExecutionID string `json:"executionId"`
		}
		status := call(t, http.MethodPost, srv.URL+"/webhook/greet?source=test", `{"name": "grace"}`, &started)
		require.Equal(t, http.StatusAccepted, status)
		require.NotEmpty(t, started.ExecutionID)

		require.Eventually(t, func() bool {
			detail, err := engine.GetExecution(context.Background(), started.ExecutionID)
			return err == nil && detail.Status == flow.ExecutionStatusSuccess
		}, 5*time.Second, 10*time.Millisecond)

		out, err := engine.Output(context.Background(), started.ExecutionID)
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, "hello", out[0].Data["greeting"])
		require.Equal(t, map[string]any{"name": "grace"}, out[0].Data["body"])
		require.Equal(t, map[string]any{"source": "test"}, out[0].Data["query"])

		require.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/v1/workflows/"+saved.ID+"/deactivate", "", nil))
		require.Equal(t, http.StatusNotFound, call(t, http.MethodPost, srv.URL+"/webhook/greet", `{}`, nil))
	})
}

func TestErrorStatuses(t *testing.T) {
	_, srv := newServer(t)

	t.Run("unknown workflow", func(t *testing.T) {
		var body struct {
			Error string `json:"error"`
		}
		require.Equal(t, http.StatusNotFound, call(t, http.MethodGet, srv.URL+"/v1/workflows/wf_missing", "", &body))
		require.Contains(t, body.Error, "not found")
	})

	t.Run("invalid workflow", func(t *testing.T) {
		cyclic := `{"name": "loop", "nodes": [{"name": "a", "type": "noOp"}, {"name": "b", "type": "noOp"}],
			"connections": [{"source": "a", "target": "b"}, {"source": "b", "target": "a"}]}`
		require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, srv.URL+"/v1/workflows", cyclic, nil))
	})

	t.Run("unknown resume token", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, call(t, http.MethodPost, srv.URL+"/v1/resume/nope", "", nil))
	})

	t.Run("retry of a successful execution conflicts", func(t *testing.T) {
		var saved flow.Options
		require.Equal(t, http.StatusCreated, call(t, http.MethodPost, srv.URL+"/v1/workflows", greetWorkflow, &saved))
		var exec flow.Execution
		require.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/v1/workflows/"+saved.ID+"/execute", "", &exec))
		require.Equal(t, http.StatusConflict, call(t, http.MethodPost, srv.URL+"/v1/executions/"+exec.ID+"/retry", "", nil))
	})

	t.Run("manual-only workflow cannot be activated", func(t *testing.T) {
		manual := `{"name": "manual", "nodes": [{"name": "start", "type": "manualTrigger"}]}`
		var saved flow.Options
		require.Equal(t, http.StatusCreated, call(t, http.MethodPost, srv.URL+"/v1/workflows", manual, &saved))
		require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, srv.URL+"/v1/workflows/"+saved.ID+"/activate", "", nil))
	})

	t.Run("bad pagination", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, srv.URL+"/v1/workflows/x/executions?limit=-1", "", nil))
	})
}
