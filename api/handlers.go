package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/internal/xjson"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	workflows, err := s.engine.ListWorkflows(r.Context(), activeOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]flow.Options, len(workflows))
	for i, wf := range workflows {
		out[i] = wf.Options()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf.Options())
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.saveWorkflow(w, r, "", http.StatusCreated)
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	s.saveWorkflow(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *Server) saveWorkflow(w http.ResponseWriter, r *http.Request, id string, status int) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	// Definitions are JSON or YAML; LoadString accepts both
	wf, err := flow.LoadString(string(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id != "" {
		opts := wf.Options()
		opts.ID = id
		if wf, err = flow.New(opts); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	saved, err := s.engine.SaveWorkflow(r.Context(), wf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, status, saved.Options())
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ActivateWorkflow(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "active": true})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeactivateWorkflow(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "active": false})
}

type executeRequest struct {
	Mode       flow.ExecutionMode `json:"mode"`
	Items      []map[string]any   `json:"items"`
	StartNode  string             `json:"startNode"`
	TargetNode string             `json:"targetNode"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decode(w, r, &req) {
		return
	}
	exec, err := s.engine.Execute(r.Context(), r.PathValue("id"), flow.ExecuteOptions{
		Mode:       req.Mode,
		Items:      toItems(req.Items),
		StartNode:  req.StartNode,
		TargetNode: req.TargetNode,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !exec.Status.Terminal() {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	execs, err := s.engine.ListExecutions(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if execs == nil {
		execs = []*flow.Execution{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.Output(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": itemData(items)})
}

type retryRequest struct {
	FromFailedNode bool `json:"fromFailedNode"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !s.decode(w, r, &req) {
		return
	}
	exec, err := s.engine.RetryExecution(r.Context(), r.PathValue("id"), req.FromFailedNode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelExecution(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": flow.ExecutionStatusCancelled})
}

type itemsRequest struct {
	Items []map[string]any `json:"items"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req itemsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.Resume(r.Context(), r.PathValue("token"), toItems(req.Items)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"resumed": true})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req itemsRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.engine.PublishEvent(r.Context(), r.PathValue("name"), toItems(req.Items))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"executions": ids})
}

// handleWebhook starts the workflow listening on the request's method and
// path. The request becomes a single item.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"method": r.Method,
		"path":   "/" + r.PathValue("path"),
	}
	query := map[string]any{}
	for key, values := range r.URL.Query() {
		query[key] = strings.Join(values, ",")
	}
	data["query"] = query
	headers := map[string]any{}
	for key, values := range r.Header {
		headers[strings.ToLower(key)] = strings.Join(values, ",")
	}
	data["headers"] = headers

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		var parsed any
		if err := xjson.Unmarshal(body, &parsed); err == nil {
			data["body"] = parsed
		} else {
			data["body"] = string(body)
		}
	}

	id, err := s.engine.HandleWebhook(r.Context(), r.Method, r.PathValue("path"), []flow.Item{flow.NewItem(data)})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"executionId": id})
}
