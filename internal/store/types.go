package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSuspended SessionStatus = "suspended"
	SessionCompleted SessionStatus = "completed"
)

// Session is the persisted per-(user, flow) conversation state. It is
// mutated only by the turn driver, once per turn, and saved atomically:
// current node, variables, retry counters, pending suspension, and history
// all persist together or not at all.
type Session struct {
	ID            string         `json:"id"`
	Key           string         `json:"key"`
	OrgID         string         `json:"org_id"`
	UserID        string         `json:"user_id"`
	FlowSlug      string         `json:"flow_slug"`
	FlowVersion   int            `json:"flow_version"`
	Status        SessionStatus  `json:"status"`
	CurrentNodeID string         `json:"current_node_id"`
	Vars          map[string]any `json:"vars"`
	RetryCounters map[string]int `json:"retry_counters"`
	Pending       *Suspension    `json:"pending,omitempty"`
	History       []TurnRecord   `json:"history"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SessionKeyOf builds the canonical session key for a (org, user, flow)
// triple. An isolation suffix creates an explicitly isolated session.
func SessionKeyOf(orgID, userID, flowSlug, isolation string) string {
	key := fmt.Sprintf("%s:%s:%s", orgID, userID, flowSlug)
	if isolation != "" {
		key += ":" + isolation
	}
	return key
}

// Clone deep-copies the session so a turn can roll back by discarding its
// copy. History records are value types; Vars values are copied one level
// deep plus nested maps/slices via JSON round-trip semantics.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Vars = deepCopyMap(s.Vars)
	cp.RetryCounters = make(map[string]int, len(s.RetryCounters))
	for k, v := range s.RetryCounters {
		cp.RetryCounters[k] = v
	}
	cp.History = append([]TurnRecord(nil), s.History...)
	if s.Pending != nil {
		p := *s.Pending
		cp.Pending = &p
	}
	return &cp
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// SuspendReason identifies what a pending suspension awaits.
type SuspendReason string

const (
	SuspendOnInput SuspendReason = "input"
	SuspendOnEvent SuspendReason = "event"
	SuspendOnTimer SuspendReason = "timer"
)

// Suspension records that the session halted mid-flow awaiting external
// input. The node it names re-executes in capture mode on the next turn.
type Suspension struct {
	NodeID   string        `json:"node_id"`
	Reason   SuspendReason `json:"reason"`
	Event    string        `json:"event,omitempty"`
	Deadline *time.Time    `json:"deadline,omitempty"`
	Since    time.Time     `json:"since"`
}

// TurnRecord is one entry of the conversation history.
type TurnRecord struct {
	Role   string    `json:"role"` // user | agent
	Text   string    `json:"text"`
	NodeID string    `json:"node_id,omitempty"`
	At     time.Time `json:"at"`
}

// SemanticEntity is a persistent memory fact keyed by
// (org, user, entity type, attribute), with write provenance.
type SemanticEntity struct {
	OrgID      string     `json:"org_id"`
	UserID     string     `json:"user_id"`
	EntityType string     `json:"entity_type"`
	Attribute  string     `json:"attribute"`
	Value      any        `json:"value"`
	WrittenBy  string     `json:"written_by"` // session/node provenance
	WrittenAt  time.Time  `json:"written_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// FlowRecord is a deployed flow definition document.
type FlowRecord struct {
	Slug      string          `json:"slug"`
	Version   int             `json:"version"`
	Document  json.RawMessage `json:"document"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is an append-only turn event for operator inspection.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Turn event types.
const (
	EventTurnStarted   = "turn_started"
	EventNodeExecuted  = "node_executed"
	EventTurnSuspended = "turn_suspended"
	EventTurnCompleted = "turn_completed"
	EventTurnFailed    = "turn_failed"
	EventMemoryCleared = "memory_cleared"
)

// WaitTimer is a persisted due-time for a wait-node suspension; the
// scheduler resumes the owning session when it fires.
type WaitTimer struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	NodeID     string    `json:"node_id"`
	DueAt      time.Time `json:"due_at"`
	Fired      bool      `json:"fired"`
	CreatedAt  time.Time `json:"created_at"`
}
