package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/pkg/schema"
)

func redisClient(t *testing.T) (*backend.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisSessionStore_RoundTrip(t *testing.T) {
	client, _ := redisClient(t)
	s := NewRedisSessionStore(client)
	ctx := context.Background()

	sess := &Session{
		ID:       "sess-1",
		Key:      "acme:u1:towing",
		OrgID:    "acme",
		UserID:   "u1",
		FlowSlug: "towing",
		Status:   SessionSuspended,
		Vars:     map[string]any{"plate": "WN-AE 2309"},
		Pending: &Suspension{
			NodeID: "ask_plate",
			Reason: SuspendOnInput,
			Since:  time.Now().UTC(),
		},
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, "acme:u1:towing")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, SessionSuspended, got.Status)
	assert.Equal(t, "WN-AE 2309", got.Vars["plate"])
	require.NotNil(t, got.Pending)
	assert.Equal(t, "ask_plate", got.Pending.NodeID)
}

func TestRedisSessionStore_GetMissing(t *testing.T) {
	client, _ := redisClient(t)
	s := NewRedisSessionStore(client)

	_, err := s.GetSession(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCodeOf(err))
}

func TestRedisSessionStore_ListByOwner(t *testing.T) {
	client, _ := redisClient(t)
	s := NewRedisSessionStore(client)
	ctx := context.Background()

	for _, key := range []string{"acme:u1:towing", "acme:u1:billing"} {
		require.NoError(t, s.SaveSession(ctx, &Session{
			ID: "s-" + key, Key: key, OrgID: "acme", UserID: "u1", Status: SessionActive,
		}))
	}
	require.NoError(t, s.SaveSession(ctx, &Session{
		ID: "other", Key: "acme:u2:towing", OrgID: "acme", UserID: "u2", Status: SessionActive,
	}))

	sessions, err := s.ListSessions(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRedisSessionStore_DeleteCleansIndex(t *testing.T) {
	client, _ := redisClient(t)
	s := NewRedisSessionStore(client)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{
		ID: "s1", Key: "acme:u1:towing", OrgID: "acme", UserID: "u1", Status: SessionActive,
	}))
	require.NoError(t, s.DeleteSession(ctx, "acme:u1:towing"))

	sessions, err := s.ListSessions(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRedisSessionStore_ExpiredIndexEntryPruned(t *testing.T) {
	client, mr := redisClient(t)
	s := NewRedisSessionStore(client, WithSessionTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{
		ID: "s1", Key: "acme:u1:towing", OrgID: "acme", UserID: "u1", Status: SessionActive,
	}))
	mr.FastForward(2 * time.Minute)

	sessions, err := s.ListSessions(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	client, _ := redisClient(t)
	l := NewRedisLocker(client, "")
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "s1", time.Minute)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "s1", time.Minute)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCodeOf(err))

	require.NoError(t, unlock(ctx))

	unlock2, err := l.Lock(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestRedisLocker_UnlockIsFenced(t *testing.T) {
	client, mr := redisClient(t)
	l := NewRedisLocker(client, "")
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "s1", 50*time.Millisecond)
	require.NoError(t, err)

	// The TTL lapses and another replica takes the lock.
	mr.FastForward(time.Second)
	unlock2, err := l.Lock(ctx, "s1", time.Minute)
	require.NoError(t, err)

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, unlock(ctx))
	waitCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "s1", time.Minute)
	require.Error(t, err)

	require.NoError(t, unlock2(ctx))
}
