package engine

import (
	"context"
	"sync"
	"time"

	"github.com/voxflow/voxflow/pkg/schema"
)

// Locker serializes turns per session key. At most one turn may hold a
// session at a time; concurrent turns for the same session queue behind
// the context's deadline.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// KeyedMutex is the in-process Locker for single-replica deployments. The
// TTL is ignored; locks live until released.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]chan struct{})}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	for {
		k.mu.Lock()
		waitCh, busy := k.held[key]
		if !busy {
			ch := make(chan struct{})
			k.held[key] = ch
			k.mu.Unlock()
			return func(context.Context) error {
				k.mu.Lock()
				delete(k.held, key)
				k.mu.Unlock()
				close(ch)
				return nil
			}, nil
		}
		k.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"session %q is busy", key).WithCause(ctx.Err())
		case <-waitCh:
		}
	}
}
