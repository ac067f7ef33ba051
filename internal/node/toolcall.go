package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/internal/provider"
	"github.com/voxflow/voxflow/pkg/schema"
)

// ToolExecutor runs tool_call nodes. Failures live on two planes: a
// domain-level failure (the tool answered "no") routes out the error port
// so the flow can react, while an infrastructure failure surfaces as a
// provider error for the driver to degrade on.
type ToolExecutor struct {
	Invoker provider.ToolInvoker
	JQ      *expressions.GoJQEngine
}

func (e *ToolExecutor) Kind() schema.NodeKind { return schema.KindToolCall }

func (e *ToolExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg schema.ToolConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if e.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "no tool invoker configured").WithNode(req.Node.ID)
	}

	params, err := resolveToolParams(cfg.Params, req)
	if err != nil {
		return nil, err
	}

	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		d, perr := time.ParseDuration(cfg.Timeout)
		if perr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timeout %q", cfg.Timeout).WithNode(req.Node.ID).WithCause(perr)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.Invoker.Invoke(ctx, &provider.ToolRequest{
		SessionID: req.Session.ID,
		NodeID:    req.Node.ID,
		Tool:      cfg.Tool,
		Params:    params,
		Timeout:   timeout,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"tool %q timed out after %s", cfg.Tool, timeout).WithNode(req.Node.ID).WithCause(err)
		}
		if fe := schema.AsFlowError(err); fe != nil {
			return nil, fe.WithNode(req.Node.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"tool %q failed", cfg.Tool).WithNode(req.Node.ID).WithCause(err)
	}

	bindings := map[string]any{}
	if !res.OK {
		if cfg.ResultVar != "" {
			bindings[cfg.ResultVar] = res.Output
			bindings[cfg.ResultVar+"_error"] = res.ErrorMessage
		}
		return &Result{Port: schema.PortError, Bindings: bindings}, nil
	}

	output := res.Output
	if cfg.Extract != "" {
		extracted, xerr := e.JQ.Apply(ctx, cfg.Extract, output)
		if xerr != nil {
			// Extraction over a successful call is a domain failure: the
			// answer exists but not in the shape the flow expected.
			if cfg.ResultVar != "" {
				bindings[cfg.ResultVar] = output
				bindings[cfg.ResultVar+"_error"] = xerr.Error()
			}
			return &Result{Port: schema.PortError, Bindings: bindings}, nil
		}
		output = extracted
	}
	if cfg.ResultVar != "" {
		bindings[cfg.ResultVar] = output
	}
	return &Result{Port: schema.PortSuccess, Bindings: bindings}, nil
}

// resolveToolParams interpolates the templated params document and decodes
// it into the invoker's map form.
func resolveToolParams(raw json.RawMessage, req *Request) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	resolved, err := expressions.ResolveParams(raw, req.Scope)
	if err != nil {
		return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
	}
	var params map[string]any
	if err := json.Unmarshal(resolved, &params); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"tool params must be a JSON object").WithNode(req.Node.ID).WithCause(err)
	}
	return params, nil
}
