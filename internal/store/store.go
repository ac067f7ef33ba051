package store

import (
	"context"
	"time"
)

// SessionStore persists per-(user, flow) conversation state. SaveSession
// writes the full session state atomically.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, key string) error
	ListSessions(ctx context.Context, orgID, userID string) ([]*Session, error)
}

// SemanticStore persists long-lived memory facts keyed by
// (org, user, entity type, attribute).
type SemanticStore interface {
	GetEntity(ctx context.Context, orgID, userID, entityType, attribute string) (*SemanticEntity, error)
	PutEntity(ctx context.Context, e *SemanticEntity, overwrite bool) error
	ListEntities(ctx context.Context, orgID, userID string) ([]*SemanticEntity, error)
	DeleteEntities(ctx context.Context, orgID, userID, entityType string) error
}

// FlowStore holds deployed flow documents, versioned per slug.
type FlowStore interface {
	PutFlow(ctx context.Context, rec *FlowRecord) error
	GetFlow(ctx context.Context, slug string, version int) (*FlowRecord, error) // version 0 = latest active
	ListFlows(ctx context.Context) ([]*FlowRecord, error)
}

// EventStore is the append-only turn event log.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *Event) error
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)
}

// TimerStore persists wait-node due times for the scheduler.
type TimerStore interface {
	CreateWaitTimer(ctx context.Context, t *WaitTimer) error
	DueWaitTimers(ctx context.Context, now time.Time, limit int) ([]*WaitTimer, error)
	MarkWaitTimerFired(ctx context.Context, id string) error
	DeleteSessionTimers(ctx context.Context, sessionKey string) error
}

// Store is the full persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	SessionStore
	SemanticStore
	FlowStore
	EventStore
	TimerStore

	// Maintenance
	Migrate(ctx context.Context) error
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
	PruneWaitTimers(ctx context.Context, olderThan time.Time) (int64, error)

	// Lifecycle
	Close() error
}
