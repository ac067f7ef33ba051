package node

import (
	"context"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/pkg/schema"
)

// ConditionExecutor runs condition nodes. Without branches, the single
// expression picks true/false. With branches, the expression gates them:
// false routes the false port without evaluating any branch; true requires
// a branch to match, first-in-declaration-order, and zero matches is a
// configuration error, never a silent fall-through.
type ConditionExecutor struct {
	engines map[string]expressions.Engine
}

// NewConditionExecutor builds the executor over the available engines.
func NewConditionExecutor(cel *expressions.CELEngine, expr *expressions.ExprEngine) *ConditionExecutor {
	engines := map[string]expressions.Engine{}
	if cel != nil {
		engines[cel.Name()] = cel
	}
	if expr != nil {
		engines[expr.Name()] = expr
	}
	return &ConditionExecutor{engines: engines}
}

func (e *ConditionExecutor) Kind() schema.NodeKind { return schema.KindCondition }

func (e *ConditionExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg schema.ConditionConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	name := cfg.Engine
	if name == "" {
		name = "cel"
	}
	engine, ok := e.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCondition,
			"expression engine %q is not available", name).WithNode(req.Node.ID)
	}

	data := engineData(req.Scope)

	verdict, err := expressions.EvaluateBool(ctx, engine, cfg.Expression, data)
	if err != nil {
		return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
	}

	if len(cfg.Branches) == 0 {
		port := schema.PortFalse
		if verdict {
			port = schema.PortTrue
		}
		return &Result{Port: port}, nil
	}

	// False gates the branches out entirely.
	if !verdict {
		return &Result{Port: schema.PortFalse}, nil
	}

	for _, b := range cfg.Branches {
		match, err := expressions.EvaluateBool(ctx, engine, b.Condition, data)
		if err != nil {
			return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
		}
		if match {
			return &Result{Port: b.Port}, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeCondition,
		"expression is true but no branch condition matched").WithNode(req.Node.ID)
}
