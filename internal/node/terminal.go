package node

import (
	"context"

	"github.com/voxflow/voxflow/pkg/schema"
)

// TerminalExecutor runs terminal nodes: speak the closing message, if any,
// and end the flow. Terminal is the only way a flow ends normally.
type TerminalExecutor struct{}

func (e *TerminalExecutor) Kind() schema.NodeKind { return schema.KindTerminal }

func (e *TerminalExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg schema.TerminalConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	res := &Result{EndOfFlow: true}
	if cfg.Message != "" {
		text, err := resolveText(cfg.Message, req)
		if err != nil {
			return nil, err
		}
		res.Emitted = text
	}
	return res, nil
}
