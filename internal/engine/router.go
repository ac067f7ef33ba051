package engine

import (
	"github.com/voxflow/voxflow/internal/flow"
	"github.com/voxflow/voxflow/pkg/schema"
)

// Router resolves the unique edge for a (node, port) pair. A port with no
// edge is a routing error; the engine never falls through to a default
// target.
type Router struct {
	graph *flow.Graph
}

// NewRouter builds a router over a compiled graph.
func NewRouter(graph *flow.Graph) *Router {
	return &Router{graph: graph}
}

// Resolve returns the target node of the edge leaving nodeID via port.
func (r *Router) Resolve(nodeID, port string) (string, error) {
	target, ok := r.graph.Route(nodeID, port)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeRouting,
			"no edge from port %q (declared ports: %v)", port, r.graph.Ports(nodeID)).
			WithNode(nodeID)
	}
	return target, nil
}
