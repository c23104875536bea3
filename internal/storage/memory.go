package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"integration-engine/internal/common/errors"
)

// MemoryStore is an in-process implementation of all store interfaces, used
// for single-node deployments without a database and throughout the tests.
type MemoryStore struct {
	mu            sync.RWMutex
	connections   map[string]*Connection
	subscriptions map[string]*Subscription
	states        map[string]memoryState
	failures      []*TerminalFailure
}

type memoryState struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections:   make(map[string]*Connection),
		subscriptions: make(map[string]*Subscription),
		states:        make(map[string]memoryState),
	}
}

func (s *MemoryStore) CreateConnection(ctx context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.connections[conn.ID]; exists {
		return errors.ValidationError("connection id already exists")
	}
	clone := *conn
	s.connections[conn.ID] = &clone
	return nil
}

func (s *MemoryStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[id]
	if !ok {
		return nil, errors.NotFoundError("connection")
	}
	clone := *conn
	return &clone, nil
}

func (s *MemoryStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[conn.ID]; !ok {
		return errors.NotFoundError("connection")
	}
	clone := *conn
	s.connections[conn.ID] = &clone
	return nil
}

func (s *MemoryStore) ListConnectionsByOwner(ctx context.Context, ownerID string) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Connection
	for _, conn := range s.connections {
		if conn.OwnerID == ownerID {
			clone := *conn
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return errors.ValidationError("subscription id already exists")
	}
	clone := *sub
	s.subscriptions[sub.ID] = &clone
	return nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, errors.NotFoundError("subscription")
	}
	clone := *sub
	return &clone, nil
}

func (s *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; !ok {
		return errors.NotFoundError("subscription")
	}
	clone := *sub
	s.subscriptions[sub.ID] = &clone
	return nil
}

func (s *MemoryStore) ListActiveByEventType(ctx context.Context, eventType string) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		if sub.EventType == eventType && sub.Status == SubscriptionActive {
			clone := *sub
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[id] = memoryState{
		payload:   append([]byte(nil), payload...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	delete(s.states, id)

	if time.Now().After(state.expiresAt) {
		return nil, nil
	}
	return state.payload, nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, failure *TerminalFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *failure
	s.failures = append(s.failures, &clone)
	return nil
}

func (s *MemoryStore) ListFailures(ctx context.Context, limit int) ([]*TerminalFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.failures)
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]*TerminalFailure, 0, n)
	// Most recent first
	for i := len(s.failures) - 1; i >= 0 && len(result) < n; i-- {
		clone := *s.failures[i]
		result = append(result, &clone)
	}
	return result, nil
}
