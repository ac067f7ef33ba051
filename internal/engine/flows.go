package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxflow/voxflow/internal/flow"
	"github.com/voxflow/voxflow/internal/store"
)

// FlowRegistry resolves deployed flow documents into compiled graphs,
// caching by (slug, version). Deployed documents are immutable per
// version, so cache entries never invalidate.
type FlowRegistry struct {
	flows  store.FlowStore
	loader *flow.Loader

	mu    sync.RWMutex
	cache map[string]*flow.Graph
}

// NewFlowRegistry builds a registry over the flow store.
func NewFlowRegistry(flows store.FlowStore) (*FlowRegistry, error) {
	loader, err := flow.NewLoader()
	if err != nil {
		return nil, err
	}
	return &FlowRegistry{
		flows:  flows,
		loader: loader,
		cache:  make(map[string]*flow.Graph),
	}, nil
}

// Loader exposes the underlying document loader for deploy-time validation.
func (r *FlowRegistry) Loader() *flow.Loader { return r.loader }

// Resolve returns the compiled graph for a flow. Version 0 resolves the
// latest active version; pinned versions are served from cache.
func (r *FlowRegistry) Resolve(ctx context.Context, slug string, version int) (*flow.Graph, error) {
	if version != 0 {
		key := fmt.Sprintf("%s@%d", slug, version)
		r.mu.RLock()
		g, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return g, nil
		}
	}

	rec, err := r.flows.GetFlow(ctx, slug, version)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s@%d", rec.Slug, rec.Version)

	r.mu.RLock()
	g, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err = r.loader.Load(rec.Document)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = g
	r.mu.Unlock()
	return g, nil
}
