// Package provider defines the contracts between the engine and the
// external systems it delegates to: the reasoning backend that powers
// agentic nodes and the tool backends invoked by tool-call nodes.
package provider

import (
	"context"
	"time"
)

// ReasoningRequest is one agentic completion request. Actions is the
// closed vocabulary the backend must choose from; it is derived from the
// node's outgoing edge handles.
type ReasoningRequest struct {
	SessionID string
	NodeID    string
	Prompt    string
	Actions   []string
	Context   map[string]any
	History   []string
}

// ReasoningResult is the backend's answer. Action selects the output
// port; Message, when set, is emitted to the user; Bindings are variables
// the backend extracted during the exchange.
type ReasoningResult struct {
	Action   string
	Message  string
	Bindings map[string]any
}

// ReasoningProvider completes agentic reasoning requests.
type ReasoningProvider interface {
	Complete(ctx context.Context, req *ReasoningRequest) (*ReasoningResult, error)
}

// ToolRequest is one tool invocation with already-interpolated parameters.
type ToolRequest struct {
	SessionID string
	NodeID    string
	Tool      string
	Params    map[string]any
	Timeout   time.Duration
}

// ToolResult distinguishes the two failure planes: OK=false with an
// ErrorMessage is a domain-level failure the flow can route on, while a
// non-nil error from Invoke is an infrastructure failure.
type ToolResult struct {
	OK           bool
	Output       any
	ErrorMessage string
}

// ToolInvoker executes named tools against external systems.
type ToolInvoker interface {
	Invoke(ctx context.Context, req *ToolRequest) (*ToolResult, error)
}
