package node

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/internal/memory"
	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/schema"
)

// DefaultElicitRetries is the retry budget when the node does not set one.
const DefaultElicitRetries = 3

// ElicitExecutor runs elicit_input nodes. Execution is two-phase: the
// prompt phase asks (or skips via memory) and suspends, and the capture
// phase on the following turn validates the user's answer.
type ElicitExecutor struct{}

func (e *ElicitExecutor) Kind() schema.NodeKind { return schema.KindElicitInput }

func (e *ElicitExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg schema.ElicitConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if req.Resuming && req.HasInput {
		return e.capture(req, &cfg)
	}
	return e.prompt(ctx, req, &cfg)
}

// prompt asks the user for the slot, unless memory already holds it.
func (e *ElicitExecutor) prompt(ctx context.Context, req *Request, cfg *schema.ElicitConfig) (*Result, error) {
	policy := req.Memory.NodePolicy(cfg.AutoRetrieve, cfg.AutoStore)
	skip, err := req.Memory.ResolveElicitationSkip(ctx, req.Session, cfg.Slot, cfg.EntityType, policy)
	if err != nil {
		return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
	}
	if skip.Skip {
		return &Result{
			Port:     schema.PortFromMemory,
			Bindings: map[string]any{cfg.Slot: skip.Value},
		}, nil
	}

	text, err := resolveText(cfg.Prompt, req)
	if err != nil {
		return nil, err
	}
	return &Result{
		Emitted: text,
		Suspend: &store.Suspension{
			NodeID: req.Node.ID,
			Reason: store.SuspendOnInput,
			Since:  time.Now().UTC(),
		},
	}, nil
}

// capture validates the turn's utterance against the slot format. Invalid
// input consumes one retry; exhausting the budget exits via max_retries.
func (e *ElicitExecutor) capture(req *Request, cfg *schema.ElicitConfig) (*Result, error) {
	value, ok, err := validateSlot(req.Input, cfg)
	if err != nil {
		return nil, schema.AsFlowError(err).WithNode(req.Node.ID)
	}
	if ok {
		delete(req.Session.RetryCounters, req.Node.ID)
		res := &Result{
			Port:     schema.PortResponse,
			Bindings: map[string]any{cfg.Slot: value},
		}
		policy := req.Memory.NodePolicy(cfg.AutoRetrieve, cfg.AutoStore)
		if policy.AutoStore && cfg.EntityType != "" {
			res.Writes = []memory.Write{{
				Scope:      memory.ScopeSemantic,
				EntityType: cfg.EntityType,
				Attribute:  cfg.Slot,
				Value:      value,
			}}
		}
		return res, nil
	}

	budget := cfg.MaxRetries
	if budget <= 0 {
		budget = DefaultElicitRetries
	}
	if req.Session.RetryCounters == nil {
		req.Session.RetryCounters = map[string]int{}
	}
	req.Session.RetryCounters[req.Node.ID]++
	if req.Session.RetryCounters[req.Node.ID] >= budget {
		delete(req.Session.RetryCounters, req.Node.ID)
		return &Result{Port: schema.PortMaxRetries}, nil
	}

	retry := cfg.RetryPrompt
	if retry == "" {
		retry = cfg.Prompt
	}
	text, err := resolveText(retry, req)
	if err != nil {
		return nil, err
	}
	return &Result{
		Emitted: text,
		Suspend: &store.Suspension{
			NodeID: req.Node.ID,
			Reason: store.SuspendOnInput,
			Since:  time.Now().UTC(),
		},
	}, nil
}

// validateSlot normalizes and checks the raw utterance. The returned value
// is the normalized form. A raw pattern takes precedence over a named
// validator; with neither, any non-empty input is accepted.
func validateSlot(raw string, cfg *schema.ElicitConfig) (string, bool, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return "", false, nil
	}
	if cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return "", false, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid slot pattern %q", cfg.Pattern).WithCause(err)
		}
		return input, re.MatchString(input), nil
	}
	if cfg.Validator != "" {
		v, ok := schema.LookupSlotValidator(cfg.Validator)
		if !ok {
			return "", false, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown validator %q", cfg.Validator)
		}
		normalized := input
		if v.Normalize != nil {
			normalized = v.Normalize(input)
		}
		return normalized, v.Pattern.MatchString(normalized), nil
	}
	return input, true, nil
}

// resolveText interpolates a user-facing template, tagging failures with
// the node.
func resolveText(tpl string, req *Request) (string, error) {
	text, err := expressions.ResolveTemplate(tpl, req.Scope)
	if err != nil {
		return "", schema.AsFlowError(err).WithNode(req.Node.ID)
	}
	return text, nil
}
