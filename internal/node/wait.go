package node

import (
	"context"
	"time"

	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/schema"
)

// WaitExecutor runs wait nodes. On first execution it optionally speaks a
// message and suspends; the scheduler or an external event resumes the
// session, and the resumed execution routes on what woke it up.
type WaitExecutor struct{}

func (e *WaitExecutor) Kind() schema.NodeKind { return schema.KindWait }

func (e *WaitExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg schema.WaitConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	if req.Resuming {
		if req.Event != "" && cfg.Event != "" && req.Event == cfg.Event {
			return &Result{Port: schema.PortEvent}, nil
		}
		if req.TimerFired {
			return &Result{Port: schema.PortTimeout}, nil
		}
		if d := deadlineOf(req.Pending); d != nil && !time.Now().UTC().Before(*d) {
			return &Result{Port: schema.PortTimeout}, nil
		}
		// Anything else — a user utterance, a wrong-named event — must not
		// cut the wait short. Keep the original suspension.
		if req.Pending != nil {
			return &Result{Suspend: req.Pending}, nil
		}
		return &Result{Port: schema.PortTimeout}, nil
	}

	susp := &store.Suspension{
		NodeID: req.Node.ID,
		Reason: store.SuspendOnTimer,
		Since:  time.Now().UTC(),
	}
	if cfg.Event != "" {
		susp.Reason = store.SuspendOnEvent
		susp.Event = cfg.Event
	}
	if cfg.Duration != "" {
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid duration %q", cfg.Duration).WithNode(req.Node.ID).WithCause(err)
		}
		deadline := time.Now().UTC().Add(d)
		susp.Deadline = &deadline
	}

	var emitted string
	if cfg.Message != "" {
		text, err := resolveText(cfg.Message, req)
		if err != nil {
			return nil, err
		}
		emitted = text
	}
	return &Result{Emitted: emitted, Suspend: susp}, nil
}

func deadlineOf(s *store.Suspension) *time.Time {
	if s == nil {
		return nil
	}
	return s.Deadline
}
