package dispatch

import (
	"context"
	"sync"

	"integration-engine/internal/common/errors"
)

// Queue is the durable buffer between Submit and the worker pool. Dequeue
// blocks until an action is available or the context is cancelled.
type Queue interface {
	Enqueue(ctx context.Context, action *Action) error
	Dequeue(ctx context.Context) (*Action, error)
	Close() error
}

// MemoryQueue is an in-process queue for single-node deployments and tests.
// Pending actions do not survive a restart.
type MemoryQueue struct {
	ch        chan *Action
	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		ch:     make(chan *Action, capacity),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, action *Action) error {
	select {
	case q.ch <- action:
		return nil
	case <-q.closed:
		return errors.InternalError("queue closed", nil)
	case <-ctx.Done():
		return errors.TimeoutError("enqueue")
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Action, error) {
	select {
	case action := <-q.ch:
		return action, nil
	case <-q.closed:
		return nil, errors.InternalError("queue closed", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
