package node

import (
	"context"
	"strings"
	"time"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/internal/provider"
	"github.com/voxflow/voxflow/pkg/schema"
)

// historyWindow bounds how much conversation context a reasoning request
// carries.
const historyWindow = 12

// ReasonExecutor runs agentic_reason nodes. The provider chooses one
// action from the node's outgoing edge handles; choosing outside that
// vocabulary is a provider failure, never a silent default.
type ReasonExecutor struct {
	Provider provider.ReasoningProvider
}

func (e *ReasonExecutor) Kind() schema.NodeKind { return schema.KindAgenticReason }

func (e *ReasonExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg schema.ReasonConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if e.Provider == nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "no reasoning provider configured").WithNode(req.Node.ID)
	}

	prompt, err := resolveText(cfg.Prompt, req)
	if err != nil {
		return nil, err
	}

	injected := make(map[string]any, len(cfg.Inject))
	for name, ref := range cfg.Inject {
		path := strings.TrimPrefix(ref, "@")
		v, err := expressions.ResolvePath(path, req.Scope)
		if err != nil {
			return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
		}
		injected[name] = v
	}

	if cfg.Timeout != "" {
		d, perr := time.ParseDuration(cfg.Timeout)
		if perr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timeout %q", cfg.Timeout).WithNode(req.Node.ID).WithCause(perr)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	preq := &provider.ReasoningRequest{
		SessionID: req.Session.ID,
		NodeID:    req.Node.ID,
		Prompt:    prompt,
		Actions:   req.Ports,
		Context:   injected,
		History:   recentHistory(req, historyWindow),
	}
	res, err := e.Provider.Complete(ctx, preq)
	if err != nil {
		if fe := schema.AsFlowError(err); fe != nil {
			return nil, fe.WithNode(req.Node.ID)
		}
		return nil, schema.NewError(schema.ErrCodeProvider, "reasoning request failed").
			WithNode(req.Node.ID).WithCause(err)
	}

	if !portIn(req.Ports, res.Action) {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"provider chose action %q outside the vocabulary %v", res.Action, req.Ports).
			WithNode(req.Node.ID)
	}

	bindings := make(map[string]any, len(res.Bindings)+1)
	for k, v := range res.Bindings {
		bindings[k] = v
	}
	if cfg.ResponseVar != "" && res.Message != "" {
		bindings[cfg.ResponseVar] = res.Message
	}

	return &Result{
		Port:     res.Action,
		Emitted:  res.Message,
		Bindings: bindings,
	}, nil
}

func portIn(ports []string, p string) bool {
	for _, candidate := range ports {
		if candidate == p {
			return true
		}
	}
	return false
}

// recentHistory flattens the tail of the conversation for provider context.
func recentHistory(req *Request, n int) []string {
	hist := req.Session.History
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	out := make([]string, 0, len(hist))
	for _, rec := range hist {
		out = append(out, rec.Role+": "+rec.Text)
	}
	return out
}
