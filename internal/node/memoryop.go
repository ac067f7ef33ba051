package node

import (
	"context"
	"time"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/internal/memory"
	"github.com/voxflow/voxflow/pkg/schema"
)

// MemoryOpExecutor runs memory_op nodes: explicit store, retrieve, and
// check operations against the coordinator. Store exits "done"; retrieve
// and check exit "found" or "missing", and absence is a routed outcome,
// not an error.
type MemoryOpExecutor struct{}

func (e *MemoryOpExecutor) Kind() schema.NodeKind { return schema.KindMemoryOp }

func (e *MemoryOpExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg schema.MemoryOpConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	scope := memory.ScopeSemantic
	if cfg.Scope == "working" {
		scope = memory.ScopeWorking
	}

	switch cfg.Op {
	case schema.MemoryOpStore:
		return e.storeOp(req, &cfg, scope)
	case schema.MemoryOpRetrieve:
		return e.retrieveOp(ctx, req, &cfg, scope)
	case schema.MemoryOpCheck:
		return e.checkOp(ctx, req, &cfg, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown memory op %q", cfg.Op).WithNode(req.Node.ID)
	}
}

func (e *MemoryOpExecutor) storeOp(req *Request, cfg *schema.MemoryOpConfig, scope memory.Scope) (*Result, error) {
	value, err := resolveText(cfg.Value, req)
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	if cfg.TTL != "" {
		d, perr := time.ParseDuration(cfg.TTL)
		if perr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid ttl %q", cfg.TTL).WithNode(req.Node.ID).WithCause(perr)
		}
		ttl = d
	}
	return &Result{
		Port: schema.PortDone,
		Writes: []memory.Write{{
			Scope:      scope,
			EntityType: cfg.EntityType,
			Attribute:  cfg.Attribute,
			Variable:   cfg.Variable,
			Value:      value,
			Overwrite:  cfg.Overwrite,
			TTL:        ttl,
		}},
	}, nil
}

func (e *MemoryOpExecutor) retrieveOp(ctx context.Context, req *Request, cfg *schema.MemoryOpConfig, scope memory.Scope) (*Result, error) {
	value, found, err := e.read(ctx, req, cfg, scope)
	if err != nil {
		return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
	}
	if !found {
		return &Result{Port: schema.PortMissing}, nil
	}
	variable := cfg.Variable
	if variable == "" {
		variable = cfg.Attribute
	}
	return &Result{
		Port:     schema.PortFound,
		Bindings: map[string]any{variable: value},
	}, nil
}

func (e *MemoryOpExecutor) checkOp(ctx context.Context, req *Request, cfg *schema.MemoryOpConfig, scope memory.Scope) (*Result, error) {
	_, found, err := e.read(ctx, req, cfg, scope)
	if err != nil {
		return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
	}
	if found {
		return &Result{Port: schema.PortFound}, nil
	}
	return &Result{Port: schema.PortMissing}, nil
}

func (e *MemoryOpExecutor) read(ctx context.Context, req *Request, cfg *schema.MemoryOpConfig, scope memory.Scope) (any, bool, error) {
	if scope == memory.ScopeWorking {
		v, err := expressions.ResolvePath(cfg.Attribute, req.Scope)
		if err != nil {
			return nil, false, nil // unresolved working path = missing
		}
		return v, v != nil, nil
	}
	return req.Memory.Retrieve(ctx, req.Session, cfg.EntityType, cfg.Attribute)
}
