package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voxflow/voxflow/pkg/schema"
)

// HTTPReasoningProvider calls a reasoning backend over HTTP. The backend
// receives the prompt, action vocabulary, and context as JSON and answers
// with the chosen action, an optional user-facing message, and extracted
// bindings.
type HTTPReasoningProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPReasoningProvider builds a provider against the given endpoint.
func NewHTTPReasoningProvider(endpoint string, timeout time.Duration) *HTTPReasoningProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReasoningProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPReasoningProvider) Complete(ctx context.Context, req *ReasoningRequest) (*ReasoningResult, error) {
	body := map[string]any{
		"session_id": req.SessionID,
		"node_id":    req.NodeID,
		"prompt":     req.Prompt,
		"actions":    req.Actions,
		"context":    req.Context,
		"history":    req.History,
	}
	var out struct {
		Action   string         `json:"action"`
		Message  string         `json:"message"`
		Bindings map[string]any `json:"bindings"`
	}
	if err := p.post(ctx, body, &out); err != nil {
		return nil, err
	}
	return &ReasoningResult{Action: out.Action, Message: out.Message, Bindings: out.Bindings}, nil
}

func (p *HTTPReasoningProvider) post(ctx context.Context, body any, out any) error {
	return postJSON(ctx, p.client, p.endpoint, body, out)
}

// HTTPToolInvoker calls tool backends over HTTP, one endpoint for all
// tools with the tool name in the payload. A non-2xx status is an
// infrastructure failure; a 2xx body with ok=false is a domain failure.
type HTTPToolInvoker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPToolInvoker builds an invoker against the given endpoint.
func NewHTTPToolInvoker(endpoint string, timeout time.Duration) *HTTPToolInvoker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPToolInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *HTTPToolInvoker) Invoke(ctx context.Context, req *ToolRequest) (*ToolResult, error) {
	body := map[string]any{
		"session_id": req.SessionID,
		"node_id":    req.NodeID,
		"tool":       req.Tool,
		"params":     req.Params,
	}
	var out struct {
		OK     bool            `json:"ok"`
		Output json.RawMessage `json:"output"`
		Error  string          `json:"error"`
	}
	if err := postJSON(ctx, t.client, t.endpoint, body, &out); err != nil {
		return nil, err
	}
	var output any
	if len(out.Output) > 0 {
		if err := json.Unmarshal(out.Output, &output); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeProvider,
				"tool %q returned malformed output", req.Tool).WithCause(err)
		}
	}
	return &ToolResult{OK: out.OK, Output: output, ErrorMessage: out.Error}, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeProvider, "request to %s failed", endpoint).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeProvider,
			"%s answered %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeProvider,
			"%s returned malformed JSON", endpoint).WithCause(err)
	}
	return nil
}
