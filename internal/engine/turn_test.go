package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/internal/node"
	"github.com/voxflow/voxflow/internal/provider"
	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/schema"
)

// roadsideFlow exercises the full node vocabulary short of agentic
// reasoning: elicit a plate, look the vehicle up, branch on coverage.
const roadsideFlow = `{
  "slug": "roadside",
  "version": 1,
  "start": "ask_plate",
  "entity_types": ["vehicle"],
  "nodes": [
    {"id": "ask_plate", "kind": "elicit_input", "config": {
      "prompt": "What's your license plate?",
      "retry_prompt": "That doesn't look like a plate. Could you repeat it?",
      "slot": "plate",
      "validator": "license_plate",
      "entity_type": "vehicle",
      "auto_store": true,
      "max_retries": 2
    }},
    {"id": "lookup", "kind": "tool_call", "config": {
      "tool": "vehicle_lookup",
      "params": {"plate": "@plate"},
      "result_var": "vehicle"
    }},
    {"id": "is_covered", "kind": "condition", "config": {
      "expression": "vars.vehicle.covered == true"
    }},
    {"id": "dispatched", "kind": "terminal", "config": {
      "message": "A truck is on the way for @plate."
    }},
    {"id": "not_covered", "kind": "terminal", "config": {
      "message": "I'm afraid that vehicle isn't covered."
    }}
  ],
  "edges": [
    {"source": "ask_plate", "source_handle": "response", "target": "lookup"},
    {"source": "ask_plate", "source_handle": "from_memory", "target": "lookup"},
    {"source": "ask_plate", "source_handle": "max_retries", "target": "not_covered"},
    {"source": "lookup", "source_handle": "success", "target": "is_covered"},
    {"source": "lookup", "source_handle": "error", "target": "not_covered"},
    {"source": "is_covered", "source_handle": "true", "target": "dispatched"},
    {"source": "is_covered", "source_handle": "false", "target": "not_covered"}
  ]
}`

type stubReasoner struct {
	result *provider.ReasoningResult
	err    error
}

func (s *stubReasoner) Complete(context.Context, *provider.ReasoningRequest) (*provider.ReasoningResult, error) {
	return s.result, s.err
}

type stubInvoker struct {
	result *provider.ToolResult
	err    error
	calls  int
}

func (s *stubInvoker) Invoke(context.Context, *provider.ToolRequest) (*provider.ToolResult, error) {
	s.calls++
	return s.result, s.err
}

type testEnv struct {
	engine   *Engine
	store    *store.MemoryStore
	invoker  *stubInvoker
	reasoner *stubReasoner
}

func newTestEnv(t *testing.T, doc string) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.PutFlow(context.Background(), &store.FlowRecord{
		Slug: "roadside", Version: 1, Document: []byte(doc), Active: true,
	}))

	registry, err := NewFlowRegistry(st)
	require.NoError(t, err)

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	invoker := &stubInvoker{result: &provider.ToolResult{
		OK:     true,
		Output: map[string]any{"covered": true},
	}}
	reasoner := &stubReasoner{}
	nodes := node.DefaultRegistry(node.Deps{
		Reasoner: reasoner,
		Tools:    invoker,
		CEL:      cel,
		Expr:     expressions.NewExprEngine(),
		JQ:       expressions.NewGoJQEngine(),
	})

	eng := New(Config{
		Registry: registry,
		Sessions: st,
		Semantic: st,
		Events:   st,
		Timers:   st,
		Nodes:    nodes,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &testEnv{engine: eng, store: st, invoker: invoker, reasoner: reasoner}
}

func turnInput(utterance string) *TurnInput {
	return &TurnInput{OrgID: "acme", UserID: "u1", FlowSlug: "roadside", Utterance: utterance}
}

func TestProcessTurn_FullConversation(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)
	ctx := context.Background()

	// Turn 1: new session prompts for the plate and suspends. The opening
	// utterance is not consumed as slot input.
	out, err := env.engine.ProcessTurn(ctx, turnInput("hi, my car broke down"))
	require.NoError(t, err)
	assert.Equal(t, []string{"What's your license plate?"}, out.Messages)
	assert.Equal(t, store.SessionSuspended, out.Status)
	assert.False(t, out.EndOfFlow)

	key := store.SessionKeyOf("acme", "u1", "roadside", "")
	assert.Equal(t, key, out.SessionKey)

	sess, err := env.store.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, sess.Pending)
	assert.Equal(t, "ask_plate", sess.Pending.NodeID)
	assert.Equal(t, store.SuspendOnInput, sess.Pending.Reason)

	// Turn 2: the answer validates, the tool runs, coverage routes true.
	out, err = env.engine.ProcessTurn(ctx, turnInput("wn ae 2309"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A truck is on the way for WN-AE 2309."}, out.Messages)
	assert.Equal(t, store.SessionCompleted, out.Status)
	assert.True(t, out.EndOfFlow)
	assert.Equal(t, 1, env.invoker.calls)

	sess, err = env.store.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, sess.Status)
	assert.Nil(t, sess.Pending)
	assert.Equal(t, "WN-AE 2309", sess.Vars["plate"])

	// auto_store persisted the plate as a semantic fact with provenance.
	e, err := env.store.GetEntity(ctx, "acme", "u1", "vehicle", "plate")
	require.NoError(t, err)
	assert.Equal(t, "WN-AE 2309", e.Value)
	assert.Equal(t, sess.ID+"/ask_plate", e.WrittenBy)
}

func TestProcessTurn_RetryBudgetExitsMaxRetries(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)
	ctx := context.Background()

	_, err := env.engine.ProcessTurn(ctx, turnInput("hello"))
	require.NoError(t, err)

	// First bad answer: one retry left, re-prompt.
	out, err := env.engine.ProcessTurn(ctx, turnInput("a blue car"))
	require.NoError(t, err)
	assert.Equal(t, []string{"That doesn't look like a plate. Could you repeat it?"}, out.Messages)
	assert.Equal(t, store.SessionSuspended, out.Status)

	// Second bad answer exhausts the budget of 2 and exits via max_retries.
	out, err = env.engine.ProcessTurn(ctx, turnInput("still a blue car"))
	require.NoError(t, err)
	assert.Equal(t, []string{"I'm afraid that vehicle isn't covered."}, out.Messages)
	assert.Equal(t, store.SessionCompleted, out.Status)
	assert.Equal(t, 0, env.invoker.calls)
}

func TestProcessTurn_SkipFromSemanticMemory(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)
	ctx := context.Background()

	require.NoError(t, env.store.PutEntity(ctx, &store.SemanticEntity{
		OrgID: "acme", UserID: "u1", EntityType: "vehicle", Attribute: "plate", Value: "B-MW 1",
	}, true))

	// The elicitation is satisfied from memory: the whole flow runs in one
	// turn without asking.
	out, err := env.engine.ProcessTurn(ctx, turnInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A truck is on the way for B-MW 1."}, out.Messages)
	assert.True(t, out.EndOfFlow)
}

func TestProcessTurn_InfraFailureDegradesAndRollsBack(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)
	ctx := context.Background()

	_, err := env.engine.ProcessTurn(ctx, turnInput("hello"))
	require.NoError(t, err)
	key := store.SessionKeyOf("acme", "u1", "roadside", "")
	before, err := env.store.GetSession(ctx, key)
	require.NoError(t, err)

	env.invoker.err = errors.New("connection refused")

	out, err := env.engine.ProcessTurn(ctx, turnInput("WN-AE 2309"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProvider, schema.ErrorCodeOf(err))
	require.NotNil(t, out)
	require.Len(t, out.Messages, 1)
	assert.Contains(t, out.Messages[0], "something went wrong")

	// The stored session is exactly the pre-turn state: still suspended on
	// the elicitation, plate not captured, history unchanged.
	after, err := env.store.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.SessionSuspended, after.Status)
	require.NotNil(t, after.Pending)
	assert.Equal(t, "ask_plate", after.Pending.NodeID)
	assert.NotContains(t, after.Vars, "plate")
	assert.Len(t, after.History, len(before.History))

	// ask_plate's auto_store rolls back with the rest of the turn: no
	// semantic fact may survive a failed turn.
	entities, err := env.store.ListEntities(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Empty(t, entities)

	// The recovery turn works once the backend is healthy again.
	env.invoker.err = nil
	out, err = env.engine.ProcessTurn(ctx, turnInput("WN-AE 2309"))
	require.NoError(t, err)
	assert.True(t, out.EndOfFlow)
}

func TestProcessTurn_CompletedSessionRestartsFresh(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)
	ctx := context.Background()

	_, err := env.engine.ProcessTurn(ctx, turnInput("hi"))
	require.NoError(t, err)
	out, err := env.engine.ProcessTurn(ctx, turnInput("WN-AE 2309"))
	require.NoError(t, err)
	require.True(t, out.EndOfFlow)

	// The next contact starts the flow over. Working memory is gone, but
	// the semantic fact written by auto_store satisfies the elicitation.
	out, err = env.engine.ProcessTurn(ctx, turnInput("me again"))
	require.NoError(t, err)
	assert.True(t, out.EndOfFlow)
	assert.Equal(t, []string{"A truck is on the way for WN-AE 2309."}, out.Messages)
}

func TestProcessTurn_RoutingErrorFailsTurn(t *testing.T) {
	// Drop the false edge: an uncovered vehicle reaches a dead port.
	doc := `{
	  "slug": "roadside",
	  "version": 1,
	  "start": "is_covered",
	  "nodes": [
	    {"id": "is_covered", "kind": "condition", "config": {"expression": "false"}},
	    {"id": "dispatched", "kind": "terminal"}
	  ],
	  "edges": [
	    {"source": "is_covered", "source_handle": "true", "target": "dispatched"}
	  ]
	}`
	env := newTestEnv(t, doc)

	_, err := env.engine.ProcessTurn(context.Background(), turnInput("hi"))
	require.Error(t, err)
	fe := schema.AsFlowError(err)
	require.NotNil(t, fe)
	assert.Equal(t, schema.ErrCodeRouting, fe.Code)
	assert.Equal(t, "is_covered", fe.NodeID)
}

func TestProcessTurn_StepLimit(t *testing.T) {
	doc := `{
	  "slug": "roadside",
	  "version": 1,
	  "start": "spin",
	  "max_steps": 5,
	  "nodes": [
	    {"id": "spin", "kind": "condition", "config": {"expression": "true"}},
	    {"id": "never", "kind": "terminal"}
	  ],
	  "edges": [
	    {"source": "spin", "source_handle": "true", "target": "spin"},
	    {"source": "spin", "source_handle": "false", "target": "never"}
	  ]
	}`
	env := newTestEnv(t, doc)

	_, err := env.engine.ProcessTurn(context.Background(), turnInput("hi"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepLimit, schema.ErrorCodeOf(err))
}

func TestProcessTurn_WaitTimerLifecycle(t *testing.T) {
	doc := `{
	  "slug": "roadside",
	  "version": 1,
	  "start": "hold",
	  "nodes": [
	    {"id": "hold", "kind": "wait", "config": {"duration": "1ms", "message": "Hang tight."}},
	    {"id": "done", "kind": "terminal", "config": {"message": "All set."}}
	  ],
	  "edges": [
	    {"source": "hold", "source_handle": "timeout", "target": "done"},
	    {"source": "hold", "source_handle": "event", "target": "done"}
	  ]
	}`
	env := newTestEnv(t, doc)
	ctx := context.Background()

	out, err := env.engine.ProcessTurn(ctx, turnInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hang tight."}, out.Messages)
	assert.Equal(t, store.SessionSuspended, out.Status)

	key := store.SessionKeyOf("acme", "u1", "roadside", "")
	timers, err := env.store.DueWaitTimers(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, key, timers[0].SessionKey)

	// The scheduler resumes with TimerFired; the wait routes out timeout.
	out, err = env.engine.ProcessTurn(ctx, &TurnInput{SessionKey: key, TimerFired: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"All set."}, out.Messages)
	assert.True(t, out.EndOfFlow)

	// Completion clears the session's timers.
	timers, err = env.store.DueWaitTimers(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, timers)
}

func TestProcessTurn_UtteranceDoesNotCutWaitShort(t *testing.T) {
	doc := `{
	  "slug": "roadside",
	  "version": 1,
	  "start": "hold",
	  "nodes": [
	    {"id": "hold", "kind": "wait", "config": {"duration": "1h", "message": "Hang tight."}},
	    {"id": "done", "kind": "terminal", "config": {"message": "All set."}}
	  ],
	  "edges": [
	    {"source": "hold", "source_handle": "timeout", "target": "done"},
	    {"source": "hold", "source_handle": "event", "target": "done"}
	  ]
	}`
	env := newTestEnv(t, doc)
	ctx := context.Background()

	out, err := env.engine.ProcessTurn(ctx, turnInput("hi"))
	require.NoError(t, err)
	require.Equal(t, store.SessionSuspended, out.Status)

	// The user talking one minute into a one-hour wait keeps the wait
	// pending at the same node with its original deadline.
	key := store.SessionKeyOf("acme", "u1", "roadside", "")
	out, err = env.engine.ProcessTurn(ctx, &TurnInput{SessionKey: key, Utterance: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, store.SessionSuspended, out.Status)
	assert.Empty(t, out.Messages)
	assert.False(t, out.EndOfFlow)

	sess, err := env.store.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, sess.Pending)
	assert.Equal(t, "hold", sess.Pending.NodeID)
	require.NotNil(t, sess.Pending.Deadline)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *sess.Pending.Deadline, 5*time.Minute)

	// No duplicate timer was created for the re-suspension.
	timers, err := env.store.DueWaitTimers(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, timers, 1)
}

func TestProcessTurn_EventResume(t *testing.T) {
	doc := `{
	  "slug": "roadside",
	  "version": 1,
	  "start": "hold",
	  "nodes": [
	    {"id": "hold", "kind": "wait", "config": {"event": "truck_arrived", "duration": "1h"}},
	    {"id": "arrived", "kind": "terminal", "config": {"message": "The truck has arrived."}},
	    {"id": "late", "kind": "terminal", "config": {"message": "Sorry for the delay."}}
	  ],
	  "edges": [
	    {"source": "hold", "source_handle": "event", "target": "arrived"},
	    {"source": "hold", "source_handle": "timeout", "target": "late"}
	  ]
	}`
	env := newTestEnv(t, doc)
	ctx := context.Background()

	_, err := env.engine.ProcessTurn(ctx, turnInput("hi"))
	require.NoError(t, err)

	key := store.SessionKeyOf("acme", "u1", "roadside", "")
	out, err := env.engine.ProcessTurn(ctx, &TurnInput{SessionKey: key, Event: "truck_arrived"})
	require.NoError(t, err)
	assert.Equal(t, []string{"The truck has arrived."}, out.Messages)
	assert.True(t, out.EndOfFlow)
}

func TestProcessTurn_OneClosingMessagePerTurn(t *testing.T) {
	doc := `{
	  "slug": "roadside",
	  "version": 1,
	  "start": "farewell",
	  "nodes": [
	    {"id": "farewell", "kind": "agentic_reason", "config": {"prompt": "Wrap up the call."}},
	    {"id": "done", "kind": "terminal", "config": {"message": "Thanks for calling."}}
	  ],
	  "edges": [
	    {"source": "farewell", "source_handle": "done", "target": "done"}
	  ]
	}`
	env := newTestEnv(t, doc)
	env.reasoner.result = &provider.ReasoningResult{
		Action:  "done",
		Message: "Glad we could help, take care.",
	}

	out, err := env.engine.ProcessTurn(context.Background(), turnInput("bye"))
	require.NoError(t, err)
	require.True(t, out.EndOfFlow)

	// Both nodes carry a closing message; the turn speaks exactly one.
	assert.Equal(t, []string{"Glad we could help, take care."}, out.Messages)
}

func TestProcessTurn_UnknownSessionWithoutFlow(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)

	_, err := env.engine.ProcessTurn(context.Background(), &TurnInput{SessionKey: "acme:u1:gone"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCodeOf(err))
}

func TestProcessTurn_EventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)
	ctx := context.Background()

	_, err := env.engine.ProcessTurn(ctx, turnInput("hi"))
	require.NoError(t, err)

	key := store.SessionKeyOf("acme", "u1", "roadside", "")
	sess, err := env.store.GetSession(ctx, key)
	require.NoError(t, err)

	events, err := env.store.GetEvents(ctx, sess.ID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		store.EventTurnStarted,
		store.EventNodeExecuted,
		store.EventTurnSuspended,
	}, types)
}
