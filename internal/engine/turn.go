// Package engine drives flow execution turn by turn. A turn locks its
// session, executes nodes from the current position until the flow
// suspends, terminates, or fails, and then persists the whole session
// state in one atomic save. Failures roll back to the pre-turn state and
// degrade to the flow's configured message.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/internal/flow"
	"github.com/voxflow/voxflow/internal/logging"
	"github.com/voxflow/voxflow/internal/memory"
	"github.com/voxflow/voxflow/internal/metrics"
	"github.com/voxflow/voxflow/internal/node"
	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/schema"
)

// DefaultLockTTL bounds how long a crashed replica can strand a session
// behind a distributed lock.
const DefaultLockTTL = 30 * time.Second

// TurnInput describes one inbound turn. Exactly one of Utterance, Event,
// or TimerFired drives the turn; a bare utterance starts or continues a
// conversation.
type TurnInput struct {
	OrgID      string
	UserID     string
	FlowSlug   string
	Isolation  string // optional explicit session isolation suffix
	SessionKey string // set to resume a known session directly

	Utterance  string
	Event      string
	TimerFired bool
}

// TurnOutput is what the channel adapter relays back to the user.
type TurnOutput struct {
	SessionKey string
	TurnID     string
	Messages   []string
	Status     store.SessionStatus
	EndOfFlow  bool
}

// Engine executes turns against compiled flow graphs.
type Engine struct {
	registry *FlowRegistry
	sessions store.SessionStore
	semantic store.SemanticStore
	events   store.EventStore
	timers   store.TimerStore
	nodes    *node.Registry
	locker   Locker
	logger   *slog.Logger
	metrics  *metrics.Collector
	lockTTL  time.Duration
}

// Config wires an Engine.
type Config struct {
	Registry *FlowRegistry
	Sessions store.SessionStore
	Semantic store.SemanticStore
	Events   store.EventStore
	Timers   store.TimerStore
	Nodes    *node.Registry
	Locker   Locker
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	LockTTL  time.Duration
}

// New builds an Engine. Locker defaults to an in-process keyed mutex and
// Logger to slog.Default().
func New(cfg Config) *Engine {
	e := &Engine{
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		semantic: cfg.Semantic,
		events:   cfg.Events,
		timers:   cfg.Timers,
		nodes:    cfg.Nodes,
		locker:   cfg.Locker,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		lockTTL:  cfg.LockTTL,
	}
	if e.locker == nil {
		e.locker = NewKeyedMutex()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.lockTTL <= 0 {
		e.lockTTL = DefaultLockTTL
	}
	return e
}

// ProcessTurn runs one turn to quiescence. The returned output is non-nil
// even when the turn fails: it then carries the flow's degradation message
// and the session is left exactly as it was before the turn.
func (e *Engine) ProcessTurn(ctx context.Context, in *TurnInput) (*TurnOutput, error) {
	turnID := uuid.NewString()
	started := time.Now()

	key := in.SessionKey
	if key == "" {
		key = store.SessionKeyOf(in.OrgID, in.UserID, in.FlowSlug, in.Isolation)
	}
	ctx = logging.WithIDs(ctx, key, turnID, "")

	unlock, err := e.locker.Lock(ctx, key, e.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	if e.metrics != nil {
		e.metrics.ActiveSessions.Inc()
		defer e.metrics.ActiveSessions.Dec()
	}

	sess, err := e.loadOrCreateSession(ctx, key, in)
	if err != nil {
		return nil, err
	}
	graph, err := e.registry.Resolve(ctx, sess.FlowSlug, sess.FlowVersion)
	if err != nil {
		return nil, err
	}

	out, err := e.runTurn(ctx, graph, sess, in, turnID)
	if e.metrics != nil {
		outcome := "completed"
		switch {
		case err != nil:
			outcome = "failed"
		case out != nil && out.Status == store.SessionSuspended:
			outcome = "suspended"
		}
		e.metrics.TurnsTotal.WithLabelValues(graph.Slug, outcome).Inc()
		e.metrics.TurnDuration.WithLabelValues(graph.Slug).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		e.appendEvent(ctx, sess.ID, turnID, "", store.EventTurnFailed, map[string]any{
			"error": err.Error(),
		})
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "turn failed", "error", err)
		return &TurnOutput{
			SessionKey: key,
			TurnID:     turnID,
			Messages:   []string{graph.DegradationMessage},
			Status:     sess.Status,
		}, err
	}
	return out, nil
}

// loadOrCreateSession fetches the session or initializes a fresh one. A
// completed session restarts from the top with empty working memory; what
// the user told us before survives only in semantic memory.
func (e *Engine) loadOrCreateSession(ctx context.Context, key string, in *TurnInput) (*store.Session, error) {
	sess, err := e.sessions.GetSession(ctx, key)
	if err != nil {
		if schema.ErrorCodeOf(err) != schema.ErrCodeNotFound {
			return nil, err
		}
		if in.FlowSlug == "" {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", key)
		}
		rec, err := e.registry.flows.GetFlow(ctx, in.FlowSlug, 0)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		return &store.Session{
			ID:            uuid.NewString(),
			Key:           key,
			OrgID:         in.OrgID,
			UserID:        in.UserID,
			FlowSlug:      in.FlowSlug,
			FlowVersion:   rec.Version,
			Status:        store.SessionActive,
			Vars:          map[string]any{},
			RetryCounters: map[string]int{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}, nil
	}
	if sess.Status == store.SessionCompleted {
		sess.Status = store.SessionActive
		sess.CurrentNodeID = ""
		sess.Pending = nil
		sess.Vars = map[string]any{}
		sess.RetryCounters = map[string]int{}
	}
	return sess, nil
}

// runTurn drives the node loop over a working copy of the session. The
// original session stays untouched until the single save at the end, so
// any error rolls the turn back for free.
func (e *Engine) runTurn(ctx context.Context, graph *flow.Graph, sess *store.Session, in *TurnInput, turnID string) (*TurnOutput, error) {
	work := sess.Clone()
	router := NewRouter(graph)
	coord := memory.NewCoordinator(e.semantic, graph.EntityTypeList(), graph.MemoryDefaults())

	out := &TurnOutput{SessionKey: work.Key, TurnID: turnID}
	turnBindings := map[string]any{}
	prevEmitted := false

	e.appendEvent(ctx, work.ID, turnID, "", store.EventTurnStarted, map[string]any{
		"utterance": in.Utterance != "",
		"event":     in.Event,
	})
	if in.Utterance != "" {
		work.History = append(work.History, store.TurnRecord{
			Role: "user", Text: in.Utterance, At: time.Now().UTC(),
		})
	}

	// Resolve where this turn starts and whether the first node re-executes
	// in capture mode.
	current := graph.Start
	resuming := false
	hasInput := false
	var resumed *store.Suspension
	if work.Pending != nil {
		current = work.Pending.NodeID
		resuming = true
		resumed = work.Pending
		// Only an input suspension consumes the utterance; timer and event
		// suspensions resume without input.
		hasInput = work.Pending.Reason == store.SuspendOnInput && in.Utterance != ""
		work.Pending = nil
	} else if work.CurrentNodeID != "" {
		current = work.CurrentNodeID
	}

	for step := 0; ; step++ {
		if step >= graph.MaxSteps {
			return nil, schema.NewErrorf(schema.ErrCodeStepLimit,
				"turn exceeded %d steps without suspending", graph.MaxSteps).WithNode(current)
		}

		spec, ok := graph.Node(current)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"session points at unknown node %q", current)
		}
		nodeCtx := logging.WithNodeID(ctx, current)
		executor, ok := e.nodes.For(spec.Kind)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"no executor for node kind %q", spec.Kind).WithNode(current)
		}

		scope := &expressions.Scope{Vars: work.Vars, Turn: turnBindings}
		result, err := executor.Execute(nodeCtx, &node.Request{
			Node:     spec,
			Ports:    graph.Ports(current),
			Session:  work,
			Memory:   coord,
			Scope:    scope,
			Input:      in.Utterance,
			HasInput:   hasInput,
			Resuming:   resuming,
			Pending:    resumed,
			Event:      in.Event,
			TimerFired: resuming && in.TimerFired,
		})
		if err != nil {
			return nil, err
		}
		resuming = false
		hasInput = false

		// A port outside the node's declared vocabulary is a contract
		// violation by the executor, not a routing miss.
		if result.Port != "" && !graph.HasPort(current, result.Port) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"executor emitted undeclared port %q (declared: %v)",
				result.Port, graph.Ports(current)).WithNode(current)
		}

		// A timed suspension that made progress leaves no timers behind.
		if resumed != nil && resumed.Deadline != nil && result.Suspend != resumed && e.timers != nil {
			_ = e.timers.DeleteSessionTimers(ctx, work.Key)
		}

		for k, v := range result.Bindings {
			work.Vars[k] = v
			turnBindings[k] = v
		}
		if len(result.Writes) > 0 {
			if err := coord.Apply(nodeCtx, work, current, result.Writes); err != nil {
				return nil, err
			}
			if e.metrics != nil {
				for _, w := range result.Writes {
					e.metrics.MemoryWrites.WithLabelValues(string(w.Scope)).Inc()
				}
			}
		}

		emitted := result.Emitted
		if result.EndOfFlow && prevEmitted {
			// The terminal's closing message is mutually exclusive with a
			// message the immediately preceding node just spoke: the turn
			// closes with exactly one.
			emitted = ""
		}
		if emitted != "" {
			out.Messages = append(out.Messages, emitted)
			work.History = append(work.History, store.TurnRecord{
				Role: "agent", Text: emitted, NodeID: current, At: time.Now().UTC(),
			})
		}
		prevEmitted = emitted != ""

		if e.metrics != nil {
			e.metrics.NodeExecutions.WithLabelValues(graph.Slug, string(spec.Kind), result.Port).Inc()
		}
		e.appendEvent(nodeCtx, work.ID, turnID, current, store.EventNodeExecuted, map[string]any{
			"kind": string(spec.Kind),
			"port": result.Port,
		})

		if result.Suspend != nil {
			work.CurrentNodeID = current
			work.Pending = result.Suspend
			work.Status = store.SessionSuspended
			// Semantic writes commit at the same point as the session so a
			// failed turn rolls back as a whole.
			if err := coord.Flush(ctx); err != nil {
				return nil, err
			}
			if err := e.sessions.SaveSession(ctx, work); err != nil {
				return nil, err
			}
			// Re-suspending on the suspension we just resumed keeps its
			// existing timer; only a fresh suspension gets one.
			if result.Suspend != resumed && result.Suspend.Deadline != nil && e.timers != nil {
				timer := &store.WaitTimer{
					ID:         uuid.NewString(),
					SessionKey: work.Key,
					NodeID:     current,
					DueAt:      *result.Suspend.Deadline,
				}
				if err := e.timers.CreateWaitTimer(ctx, timer); err != nil {
					logging.LogWith(nodeCtx, e.logger).WarnContext(nodeCtx,
						"failed to persist wait timer", "error", err)
				}
			}
			e.appendEvent(nodeCtx, work.ID, turnID, current, store.EventTurnSuspended, map[string]any{
				"reason": string(result.Suspend.Reason),
			})
			out.Status = store.SessionSuspended
			return out, nil
		}

		if result.EndOfFlow {
			work.CurrentNodeID = current
			work.Status = store.SessionCompleted
			if err := coord.Flush(ctx); err != nil {
				return nil, err
			}
			if err := e.sessions.SaveSession(ctx, work); err != nil {
				return nil, err
			}
			if e.timers != nil {
				_ = e.timers.DeleteSessionTimers(ctx, work.Key)
			}
			e.appendEvent(nodeCtx, work.ID, turnID, current, store.EventTurnCompleted, nil)
			out.Status = store.SessionCompleted
			out.EndOfFlow = true
			return out, nil
		}

		next, err := router.Resolve(current, result.Port)
		if err != nil {
			return nil, err
		}
		current = next
		resumed = nil
	}
}

// appendEvent best-effort writes to the turn event log; the log is an
// observability surface, not a correctness dependency.
func (e *Engine) appendEvent(ctx context.Context, sessionID, turnID, nodeID, eventType string, payload map[string]any) {
	if e.events == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	ev := &store.Event{
		SessionID: sessionID,
		TurnID:    turnID,
		NodeID:    nodeID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "event append failed",
			"event_type", eventType, "error", err)
	}
}
