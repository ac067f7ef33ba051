package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process dev runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	entities map[string]*SemanticEntity
	flows    map[string]*FlowRecord
	events   []*Event
	timers   map[string]*WaitTimer
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		entities: make(map[string]*SemanticEntity),
		flows:    make(map[string]*FlowRecord),
		timers:   make(map[string]*WaitTimer),
	}
}

func entityKey(orgID, userID, entityType, attribute string) string {
	return orgID + "\x00" + userID + "\x00" + entityType + "\x00" + attribute
}

func flowKey(slug string, version int) string {
	return fmt.Sprintf("%s\x00%d", slug, version)
}

func (m *MemoryStore) GetSession(_ context.Context, key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key]
	if !ok {
		return nil, storeNotFound("session", key)
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s.Clone()
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.sessions[s.Key] = cp
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return storeNotFound("session", key)
	}
	delete(m.sessions, key)
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, orgID, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.OrgID == orgID && s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) GetEntity(_ context.Context, orgID, userID, entityType, attribute string) (*SemanticEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[entityKey(orgID, userID, entityType, attribute)]
	if !ok || (e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt)) {
		return nil, storeNotFound("entity", entityType+"."+attribute)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) PutEntity(_ context.Context, e *SemanticEntity, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(e.OrgID, e.UserID, e.EntityType, e.Attribute)
	if _, exists := m.entities[key]; exists && !overwrite {
		return nil
	}
	cp := *e
	if cp.WrittenAt.IsZero() {
		cp.WrittenAt = time.Now().UTC()
	}
	m.entities[key] = &cp
	return nil
}

func (m *MemoryStore) ListEntities(_ context.Context, orgID, userID string) ([]*SemanticEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []*SemanticEntity
	for _, e := range m.entities {
		if e.OrgID != orgID || e.UserID != userID {
			continue
		}
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Attribute < out[j].Attribute
	})
	return out, nil
}

func (m *MemoryStore) DeleteEntities(_ context.Context, orgID, userID, entityType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entities {
		if e.OrgID == orgID && e.UserID == userID && (entityType == "" || e.EntityType == entityType) {
			delete(m.entities, key)
		}
	}
	return nil
}

func (m *MemoryStore) PutFlow(_ context.Context, rec *FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.flows[flowKey(rec.Slug, rec.Version)] = &cp
	return nil
}

func (m *MemoryStore) GetFlow(_ context.Context, slug string, version int) (*FlowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if version != 0 {
		rec, ok := m.flows[flowKey(slug, version)]
		if !ok {
			return nil, storeNotFound("flow", slug)
		}
		cp := *rec
		return &cp, nil
	}
	var best *FlowRecord
	for _, rec := range m.flows {
		if rec.Slug != slug || !rec.Active {
			continue
		}
		if best == nil || rec.Version > best.Version {
			best = rec
		}
	}
	if best == nil {
		return nil, storeNotFound("flow", slug)
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListFlows(_ context.Context) ([]*FlowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*FlowRecord
	for _, rec := range m.flows {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *ev
	cp.ID = m.nextID
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	ev.ID = cp.ID
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, sessionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events {
		if ev.SessionID == sessionID && ev.ID > since {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateWaitTimer(_ context.Context, t *WaitTimer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.timers[t.ID] = &cp
	return nil
}

func (m *MemoryStore) DueWaitTimers(_ context.Context, now time.Time, limit int) ([]*WaitTimer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*WaitTimer
	for _, t := range m.timers {
		if !t.Fired && !t.DueAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkWaitTimerFired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || t.Fired {
		return storeNotFound("wait timer", id)
	}
	t.Fired = true
	return nil
}

func (m *MemoryStore) DeleteSessionTimers(_ context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		if t.SessionKey == sessionKey {
			delete(m.timers, id)
		}
	}
	return nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) PruneEvents(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var pruned int64
	for _, ev := range m.events {
		if ev.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return pruned, nil
}

// PruneWaitTimers drops fired timers created before the cutoff.
func (m *MemoryStore) PruneWaitTimers(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, t := range m.timers {
		if t.Fired && t.CreatedAt.Before(olderThan) {
			delete(m.timers, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) Close() error { return nil }
