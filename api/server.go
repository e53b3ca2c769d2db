// Package api exposes an Engine over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 10 << 20

// Config configures the HTTP server.
type Config struct {
	Engine *flow.Engine
	Logger *slog.Logger
}

// Server serves the workflow API and webhook ingress.
type Server struct {
	engine *flow.Engine
	logger *slog.Logger
}

// NewServer returns a server for the engine
func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: config.Engine,
		logger: logger.With("component", "api"),
	}
}

// RegisterRoutes adds the API routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /v1/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /v1/workflows/{id}", s.handleSaveWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /v1/workflows/{id}/deactivate", s.handleDeactivate)
	mux.HandleFunc("POST /v1/workflows/{id}/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/workflows/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /v1/executions/{id}/output", s.handleOutput)
	mux.HandleFunc("POST /v1/executions/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/resume/{token}", s.handleResume)
	mux.HandleFunc("POST /v1/events/{name}", s.handlePublish)
	mux.HandleFunc("/webhook/{path...}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns an http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := xjson.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// fail maps engine errors to HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var validation *flow.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrNotFound), errors.Is(err, flow.ErrResumeTokenInvalid):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := xjson.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, flow.NewValidationError("", "invalid "+name+" parameter")
	}
	return n, nil
}

// toItems converts request objects into items
func toItems(objects []map[string]any) []flow.Item {
	if len(objects) == 0 {
		return nil
	}
	return flow.NewItems(objects...)
}

func itemData(items []flow.Item) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = item.Data
	}
	return out
}
