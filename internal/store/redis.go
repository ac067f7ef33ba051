package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/voxflow/voxflow/pkg/schema"
)

// RedisSessionStore implements SessionStore on Redis. It is intended for
// deployments where session state must be shared across engine replicas;
// semantic memory, flows, events and timers stay in the SQL store.
type RedisSessionStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisSessionStore)

// WithSessionTTL sets the expiration for idle sessions. Zero means no
// expiration.
func WithSessionTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSessionStore) { s.ttl = ttl }
}

// WithKeyPrefix sets the key prefix for session entries.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSessionStore) { s.prefix = prefix }
}

// NewRedisSessionStore creates a session store from an existing client.
func NewRedisSessionStore(client *backend.Client, opts ...RedisOption) *RedisSessionStore {
	s := &RedisSessionStore{
		client: client,
		prefix: "voxflow:session:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSessionStore) key(sessionKey string) string {
	return s.prefix + sessionKey
}

func (s *RedisSessionStore) ownerKey(orgID, userID string) string {
	return fmt.Sprintf("%sowner:%s:%s", s.prefix, orgID, userID)
}

func (s *RedisSessionStore) GetSession(ctx context.Context, key string) (*Session, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == backend.Nil {
		return nil, storeNotFound("session", key)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "load session %q", key).WithCause(err)
	}
	sess := &Session{}
	if err := json.Unmarshal([]byte(val), sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

// SaveSession writes the serialized session and its owner-index entry in
// one pipeline. The JSON blob is the unit of atomicity.
func (s *RedisSessionStore) SaveSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(sess.Key), data, s.ttl)
	pipe.SAdd(ctx, s.ownerKey(sess.OrgID, sess.UserID), sess.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "save session %q", sess.Key).WithCause(err)
	}
	return nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, key string) error {
	sess, err := s.GetSession(ctx, key)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(key))
	pipe.SRem(ctx, s.ownerKey(sess.OrgID, sess.UserID), key)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSessionStore) ListSessions(ctx context.Context, orgID, userID string) ([]*Session, error) {
	keys, err := s.client.SMembers(ctx, s.ownerKey(orgID, userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(keys))
	for _, key := range keys {
		sess, err := s.GetSession(ctx, key)
		if err != nil {
			if schema.ErrorCodeOf(err) == schema.ErrCodeNotFound {
				// Expired entry still in the index.
				_ = s.client.SRem(ctx, s.ownerKey(orgID, userID), key).Err()
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// RedisLocker provides per-session mutual exclusion across engine replicas
// using SET NX PX with a fenced release.
type RedisLocker struct {
	client *backend.Client
	prefix string
}

// NewRedisLocker creates a distributed locker.
func NewRedisLocker(client *backend.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "voxflow:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// unlockScript releases the lock only if the caller still holds it.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock acquires the named lock, polling until the context is done.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePersistence, "acquire lock %q", key).WithCause(err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.client.Eval(ctx, unlockScript, []string{lockKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %q is busy", key).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}
