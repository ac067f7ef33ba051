package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/pkg/schema"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "s1", time.Second)
	require.NoError(t, err)

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u2, err := km.Lock(ctx, "s1", time.Second)
		assert.NoError(t, err)
		close(acquired)
		assert.NoError(t, u2(ctx))
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, unlock(ctx))
	wg.Wait()
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	u1, err := km.Lock(ctx, "s1", time.Second)
	require.NoError(t, err)
	u2, err := km.Lock(ctx, "s2", time.Second)
	require.NoError(t, err)

	require.NoError(t, u1(ctx))
	require.NoError(t, u2(ctx))
}

func TestKeyedMutex_ContextCancelledWhileWaiting(t *testing.T) {
	km := NewKeyedMutex()

	unlock, err := km.Lock(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	defer func() { _ = unlock(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = km.Lock(ctx, "s1", time.Second)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCodeOf(err))
	assert.Contains(t, err.Error(), "busy")
}

func TestRouter_Resolve(t *testing.T) {
	env := newTestEnv(t, roadsideFlow)
	graph, err := env.engine.registry.Resolve(context.Background(), "roadside", 1)
	require.NoError(t, err)

	r := NewRouter(graph)
	target, err := r.Resolve("ask_plate", "response")
	require.NoError(t, err)
	assert.Equal(t, "lookup", target)

	_, err = r.Resolve("ask_plate", "nope")
	require.Error(t, err)
	fe := schema.AsFlowError(err)
	require.NotNil(t, fe)
	assert.Equal(t, schema.ErrCodeRouting, fe.Code)
	assert.Equal(t, "ask_plate", fe.NodeID)
}
