// Package node implements the executors for each node kind. An executor
// performs one node's work and reports everything it wants to change
// through its Result; it never routes, never persists, and never touches
// session state other than the turn's working copy handed to it.
package node

import (
	"context"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/internal/memory"
	"github.com/voxflow/voxflow/internal/provider"
	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/schema"
)

// Request carries everything an executor may consult for one execution.
type Request struct {
	Node    *schema.NodeSpec
	Ports   []string // the node's declared output ports
	Session *store.Session
	Memory  *memory.Coordinator
	Scope   *expressions.Scope

	// Input is the user utterance for this turn. HasInput is true only for
	// the execution that is entitled to consume it (the capture phase of
	// the node the session suspended on).
	Input    string
	HasInput bool

	// Resuming is true when this node suspended the previous turn and is
	// now re-executing. Pending is the suspension being resumed, Event names
	// the external event that resumed the turn (if any), and TimerFired is
	// true only when the scheduler resumed the turn for a due wait timer.
	Resuming   bool
	Pending    *store.Suspension
	Event      string
	TimerFired bool
}

// Result is the single side-effect channel of a node execution. The driver
// applies Bindings to working memory, hands Writes to the memory
// coordinator, appends Emitted to the conversation, and then either
// suspends or routes on Port.
type Result struct {
	Port      string
	Emitted   string
	Bindings  map[string]any
	Writes    []memory.Write
	Suspend   *store.Suspension
	EndOfFlow bool
}

// Executor executes one node kind.
type Executor interface {
	Kind() schema.NodeKind
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry resolves executors by node kind.
type Registry struct {
	byKind map[schema.NodeKind]Executor
}

// NewRegistry builds a registry from the given executors.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{byKind: make(map[schema.NodeKind]Executor, len(execs))}
	for _, e := range execs {
		r.byKind[e.Kind()] = e
	}
	return r
}

// For returns the executor for a kind.
func (r *Registry) For(kind schema.NodeKind) (Executor, bool) {
	e, ok := r.byKind[kind]
	return e, ok
}

// Deps are the external collaborators executors need.
type Deps struct {
	Reasoner provider.ReasoningProvider
	Tools    provider.ToolInvoker
	CEL      *expressions.CELEngine
	Expr     *expressions.ExprEngine
	JQ       *expressions.GoJQEngine
}

// DefaultRegistry wires the standard executor set.
func DefaultRegistry(deps Deps) *Registry {
	return NewRegistry(
		&ElicitExecutor{},
		&ReasonExecutor{Provider: deps.Reasoner},
		&ToolExecutor{Invoker: deps.Tools, JQ: deps.JQ},
		NewConditionExecutor(deps.CEL, deps.Expr),
		&MemoryOpExecutor{},
		&WaitExecutor{},
		&TerminalExecutor{},
	)
}

// engineData shapes a scope for the expression engines' namespaces.
func engineData(scope *expressions.Scope) map[string]any {
	return map[string]any{"vars": scope.Vars, "turn": scope.Turn}
}
