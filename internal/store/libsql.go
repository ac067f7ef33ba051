package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/voxflow/voxflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Flows ---

func (s *LibSQLStore) PutFlow(ctx context.Context, rec *FlowRecord) error {
	if len(rec.Document) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "flow document is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (slug, version, document, active, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slug, version) DO UPDATE SET document=excluded.document, active=excluded.active`,
		rec.Slug, rec.Version, string(rec.Document), boolInt(rec.Active), timeOrNow(rec.CreatedAt),
	)
	return err
}

// GetFlow returns the named version, or the latest active version when
// version is 0.
func (s *LibSQLStore) GetFlow(ctx context.Context, slug string, version int) (*FlowRecord, error) {
	query := `SELECT slug, version, document, active, created_at FROM flows WHERE slug = ? AND version = ?`
	args := []any{slug, version}
	if version == 0 {
		query = `SELECT slug, version, document, active, created_at FROM flows
		         WHERE slug = ? AND active = 1 ORDER BY version DESC LIMIT 1`
		args = []any{slug}
	}
	rec := &FlowRecord{}
	var doc string
	var active int
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&rec.Slug, &rec.Version, &doc, &active, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", slug)
	}
	if err != nil {
		return nil, err
	}
	rec.Document = json.RawMessage(doc)
	rec.Active = active != 0
	return rec, nil
}

func (s *LibSQLStore) ListFlows(ctx context.Context) ([]*FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slug, version, document, active, created_at FROM flows ORDER BY slug, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FlowRecord
	for rows.Next() {
		rec := &FlowRecord{}
		var doc string
		var active int
		if err := rows.Scan(&rec.Slug, &rec.Version, &doc, &active, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Document = json.RawMessage(doc)
		rec.Active = active != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Sessions ---

func (s *LibSQLStore) GetSession(ctx context.Context, key string) (*Session, error) {
	sess := &Session{}
	var vars, retries, history string
	var pending sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key, id, org_id, user_id, flow_slug, flow_version, status, current_node_id,
		        vars, retry_counters, pending, history, created_at, updated_at
		 FROM sessions WHERE key = ?`, key,
	).Scan(&sess.Key, &sess.ID, &sess.OrgID, &sess.UserID, &sess.FlowSlug, &sess.FlowVersion,
		&sess.Status, &sess.CurrentNodeID, &vars, &retries, &pending, &history,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", key)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(vars), &sess.Vars); err != nil {
		return nil, fmt.Errorf("unmarshal session vars: %w", err)
	}
	if err := json.Unmarshal([]byte(retries), &sess.RetryCounters); err != nil {
		return nil, fmt.Errorf("unmarshal retry counters: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &sess.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if pending.Valid && pending.String != "" {
		sess.Pending = &Suspension{}
		if err := json.Unmarshal([]byte(pending.String), sess.Pending); err != nil {
			return nil, fmt.Errorf("unmarshal pending suspension: %w", err)
		}
	}
	return sess, nil
}

// SaveSession upserts the full session state in a single statement, so a
// reader never observes a partially updated session.
func (s *LibSQLStore) SaveSession(ctx context.Context, sess *Session) error {
	vars, err := marshalMapOrDefault(sess.Vars)
	if err != nil {
		return fmt.Errorf("marshal session vars: %w", err)
	}
	retries, err := json.Marshal(orEmptyCounters(sess.RetryCounters))
	if err != nil {
		return fmt.Errorf("marshal retry counters: %w", err)
	}
	history, err := json.Marshal(orEmptyHistory(sess.History))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	var pending any
	if sess.Pending != nil {
		raw, err := json.Marshal(sess.Pending)
		if err != nil {
			return fmt.Errorf("marshal pending suspension: %w", err)
		}
		pending = string(raw)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, id, org_id, user_id, flow_slug, flow_version, status,
		                       current_node_id, vars, retry_counters, pending, history, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   status=excluded.status, current_node_id=excluded.current_node_id,
		   vars=excluded.vars, retry_counters=excluded.retry_counters,
		   pending=excluded.pending, history=excluded.history, updated_at=excluded.updated_at`,
		sess.Key, sess.ID, sess.OrgID, sess.UserID, sess.FlowSlug, sess.FlowVersion,
		string(sess.Status), sess.CurrentNodeID, string(vars), string(retries), pending,
		string(history), timeOrNow(sess.CreatedAt), time.Now().UTC(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "save session %q", sess.Key).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) DeleteSession(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", key)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, orgID, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM sessions WHERE org_id = ? AND user_id = ? ORDER BY updated_at DESC`,
		orgID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(keys))
	for _, key := range keys {
		sess, err := s.GetSession(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// --- Semantic entities ---

func (s *LibSQLStore) GetEntity(ctx context.Context, orgID, userID, entityType, attribute string) (*SemanticEntity, error) {
	e := &SemanticEntity{}
	var value string
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, user_id, entity_type, attribute, value, written_by, written_at, expires_at
		 FROM semantic_entities
		 WHERE org_id = ? AND user_id = ? AND entity_type = ? AND attribute = ?`,
		orgID, userID, entityType, attribute,
	).Scan(&e.OrgID, &e.UserID, &e.EntityType, &e.Attribute, &value, &e.WrittenBy, &e.WrittenAt, &expires)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("entity", entityType+"."+attribute)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
		return nil, fmt.Errorf("unmarshal entity value: %w", err)
	}
	if expires.Valid {
		e.ExpiresAt = &expires.Time
		if time.Now().After(expires.Time) {
			return nil, storeNotFound("entity", entityType+"."+attribute)
		}
	}
	return e, nil
}

func (s *LibSQLStore) PutEntity(ctx context.Context, e *SemanticEntity, overwrite bool) error {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("marshal entity value: %w", err)
	}
	if overwrite {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO semantic_entities (org_id, user_id, entity_type, attribute, value, written_by, written_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(org_id, user_id, entity_type, attribute) DO UPDATE SET
			   value=excluded.value, written_by=excluded.written_by,
			   written_at=excluded.written_at, expires_at=excluded.expires_at`,
			e.OrgID, e.UserID, e.EntityType, e.Attribute, string(value),
			e.WrittenBy, timeOrNow(e.WrittenAt), nullTime(e.ExpiresAt))
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO semantic_entities (org_id, user_id, entity_type, attribute, value, written_by, written_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org_id, user_id, entity_type, attribute) DO NOTHING`,
		e.OrgID, e.UserID, e.EntityType, e.Attribute, string(value),
		e.WrittenBy, timeOrNow(e.WrittenAt), nullTime(e.ExpiresAt))
	return err
}

func (s *LibSQLStore) ListEntities(ctx context.Context, orgID, userID string) ([]*SemanticEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, user_id, entity_type, attribute, value, written_by, written_at, expires_at
		 FROM semantic_entities WHERE org_id = ? AND user_id = ?
		 ORDER BY entity_type, attribute`, orgID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var out []*SemanticEntity
	for rows.Next() {
		e := &SemanticEntity{}
		var value string
		var expires sql.NullTime
		if err := rows.Scan(&e.OrgID, &e.UserID, &e.EntityType, &e.Attribute, &value,
			&e.WrittenBy, &e.WrittenAt, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			if now.After(expires.Time) {
				continue
			}
			e.ExpiresAt = &expires.Time
		}
		if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
			return nil, fmt.Errorf("unmarshal entity value: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteEntities(ctx context.Context, orgID, userID, entityType string) error {
	query := `DELETE FROM semantic_entities WHERE org_id = ? AND user_id = ?`
	args := []any{orgID, userID}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, ev *Event) error {
	payload, err := nullableJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, turn_id, node_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, nullStr(ev.TurnID), nullStr(ev.NodeID), ev.Type, payload, timeOrNow(ev.Timestamp))
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, node_id, event_type, payload, timestamp
		 FROM events WHERE session_id = ? AND id > ? ORDER BY id`, sessionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var turnID, nodeID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &turnID, &nodeID, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.TurnID = turnID.String
		ev.NodeID = nodeID.String
		ev.Payload = rawOrNil(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Wait timers ---

func (s *LibSQLStore) CreateWaitTimer(ctx context.Context, t *WaitTimer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wait_timers (id, session_key, node_id, due_at, fired, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		t.ID, t.SessionKey, t.NodeID, t.DueAt.UTC(), timeOrNow(t.CreatedAt))
	return err
}

func (s *LibSQLStore) DueWaitTimers(ctx context.Context, now time.Time, limit int) ([]*WaitTimer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, node_id, due_at, fired, created_at
		 FROM wait_timers WHERE fired = 0 AND due_at <= ? ORDER BY due_at LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WaitTimer
	for rows.Next() {
		t := &WaitTimer{}
		var fired int
		if err := rows.Scan(&t.ID, &t.SessionKey, &t.NodeID, &t.DueAt, &fired, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Fired = fired != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) MarkWaitTimerFired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wait_timers SET fired = 1 WHERE id = ? AND fired = 0`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "wait timer", id)
}

func (s *LibSQLStore) DeleteSessionTimers(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wait_timers WHERE session_key = ?`, sessionKey)
	return err
}

// --- Maintenance ---

func (s *LibSQLStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LibSQLStore) PruneWaitTimers(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM wait_timers WHERE fired = 1 AND created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func orEmptyCounters(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func orEmptyHistory(h []TurnRecord) []TurnRecord {
	if h == nil {
		return []TurnRecord{}
	}
	return h
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
