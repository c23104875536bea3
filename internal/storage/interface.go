package storage

import (
	"context"
	"time"
)

// ConnectionStore persists Connections. Implementations must return
// NotFound-typed errors for unknown ids.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	UpdateConnection(ctx context.Context, conn *Connection) error
	ListConnectionsByOwner(ctx context.Context, ownerID string) ([]*Connection, error)
}

// SubscriptionStore persists Subscriptions and answers the matching queries
// the trigger engine needs.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	// ListActiveByEventType returns active subscriptions for an event type
	// in ascending id order.
	ListActiveByEventType(ctx context.Context, eventType string) ([]*Subscription, error)
}

// OAuthStateStore holds issued OAuth state payloads until they are consumed
// or expire. Consume is atomic: for a given id it returns a payload to at
// most one caller, ever. A missing, expired or already consumed id yields
// (nil, nil).
type OAuthStateStore interface {
	Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	Consume(ctx context.Context, id string) ([]byte, error)
}

// FailureStore records terminal dispatch failures.
type FailureStore interface {
	RecordFailure(ctx context.Context, failure *TerminalFailure) error
	ListFailures(ctx context.Context, limit int) ([]*TerminalFailure, error)
}
