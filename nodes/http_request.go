package nodes

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/internal/xjson"
	"github.com/deepnoodle-ai/flow/retry"
	"github.com/deepnoodle-ai/flow/script"
)

// HTTPRequestParams define the request made for each item
type HTTPRequestParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`

	// JSON is sent as the request body when set, encoded as JSON
	JSON map[string]any `json:"json"`

	// Timeout in seconds, default 30
	Timeout float64 `json:"timeout"`
}

// HTTPRequest makes one HTTP request per item. String parameters may hold
// ${...} expressions evaluated against the item. The output item holds
// statusCode, headers and body, with body decoded when the response is
// JSON. Network failures and responses with status 429 or 5xx fail as
// recoverable errors, so they are retried even under retryOn transient;
// other 4xx responses fail without retrying.
type HTTPRequest struct {
	client *http.Client
	engine script.Compiler
}

// NewHTTPRequest returns the handler. A nil client uses a default client.
func NewHTTPRequest(client *http.Client, engine script.Compiler) *HTTPRequest {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRequest{client: client, engine: engine}
}

func (h *HTTPRequest) Type() string { return TypeHTTPRequest }

func (h *HTTPRequest) Execute(ctx flow.Context, params map[string]any, items []flow.Item) (flow.Outputs, error) {
	all := flattenAll(ctx, items)
	out := make([]flow.Item, 0, len(items))
	for i, item := range items {
		p, err := h.params(ctx, params, item, itemIndex(ctx, i), all)
		if err != nil {
			return nil, err
		}
		result, err := h.do(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return flow.Single(out), nil
}

// params renders the node parameters for one item
func (h *HTTPRequest) params(ctx flow.Context, raw map[string]any, item flow.Item, index int, all []flow.Item) (HTTPRequestParams, error) {
	var p HTTPRequestParams
	rendered, err := script.Render(ctx, h.engine, raw, globals(ctx, raw, item, index, all))
	if err != nil {
		return p, retry.NewNonRecoverableError(fmt.Errorf("httpRequest: %w", err))
	}
	if err := xjson.Clone(rendered, &p); err != nil {
		return p, retry.NewNonRecoverableError(fmt.Errorf("invalid parameters: %w", err))
	}
	if p.URL == "" {
		return p, retry.NewNonRecoverableError(fmt.Errorf("httpRequest requires a url"))
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	if p.Timeout <= 0 {
		p.Timeout = 30
	}
	return p, nil
}

func (h *HTTPRequest) do(ctx flow.Context, p HTTPRequestParams) (flow.Item, error) {
	var body io.Reader
	if p.JSON != nil {
		data, err := xjson.Marshal(p.JSON)
		if err != nil {
			return flow.Item{}, fmt.Errorf("failed to encode json body: %w", err)
		}
		body = bytes.NewReader(data)
	} else if p.Body != "" {
		body = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.Method), p.URL, body)
	if err != nil {
		return flow.Item{}, retry.NewNonRecoverableError(fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}
	if p.JSON != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := *h.client
	client.Timeout = time.Duration(p.Timeout * float64(time.Second))
	resp, err := client.Do(req)
	if err != nil {
		return flow.Item{}, retry.NewRecoverableError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return flow.Item{}, fmt.Errorf("failed to read response body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return flow.Item{}, retry.NewRecoverableError(fmt.Errorf("request failed with status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return flow.Item{}, retry.NewNonRecoverableError(fmt.Errorf("request failed with status %d", resp.StatusCode))
	}

	headers := map[string]any{}
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := xjson.Unmarshal(raw, &v); err == nil {
			decoded = v
		}
	}
	return flow.NewItem(map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    headers,
		"body":       decoded,
	}), nil
}
