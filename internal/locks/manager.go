// Package locks serializes work on a shared resource, such as refreshing the
// tokens of a single connection. A local manager covers single-process
// deployments; the redsync manager coordinates across replicas through Redis.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/redis"
)

// Lock is a held lock that must be released when the guarded work completes.
type Lock interface {
	Release(ctx context.Context) error
}

// Manager acquires named locks. Acquire blocks until the lock is held or the
// context is cancelled.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// LocalManager serializes lock holders within a single process.
type LocalManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalManager() *LocalManager {
	return &LocalManager{locks: make(map[string]chan struct{})}
}

func (m *LocalManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	for {
		m.mu.Lock()
		holder, held := m.locks[key]
		if !held {
			released := make(chan struct{})
			m.locks[key] = released
			m.mu.Unlock()
			return &localLock{manager: m, key: key, released: released}, nil
		}
		m.mu.Unlock()

		select {
		case <-holder:
			// Current holder released, retry
		case <-ctx.Done():
			return nil, errors.TimeoutError("lock " + key)
		}
	}
}

type localLock struct {
	manager  *LocalManager
	key      string
	released chan struct{}
	once     sync.Once
}

func (l *localLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.manager.mu.Lock()
		delete(l.manager.locks, l.key)
		l.manager.mu.Unlock()
		close(l.released)
	})
	return nil
}

// RedsyncManager acquires distributed locks backed by Redis, so only one
// replica works on a given key at a time.
type RedsyncManager struct {
	rs *redsync.Redsync
}

func NewRedsyncManager(client *redis.Client) *RedsyncManager {
	pool := goredis.NewPool(client.Underlying())
	return &RedsyncManager{rs: redsync.New(pool)}
}

func (m *RedsyncManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	mutex := m.rs.NewMutex("lock:"+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(32),
		redsync.WithRetryDelay(250*time.Millisecond),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, errors.TimeoutError("lock " + key)
	}
	return &redsyncLock{mutex: mutex}, nil
}

type redsyncLock struct {
	mutex *redsync.Mutex
}

func (l *redsyncLock) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return errors.InternalError("failed to release lock", err)
	}
	if !ok {
		return errors.InternalError("lock already expired", nil)
	}
	return nil
}
