// Package storage defines the persisted entities of the integration engine
// and the store interfaces over them, with in-memory, Redis and Postgres
// implementations.
package storage

import (
	"encoding/json"
	"time"

	"integration-engine/internal/transform"
)

// ConnectionStatus is the lifecycle state of a Connection.
type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionRevoked ConnectionStatus = "revoked"
	ConnectionExpired ConnectionStatus = "expired"
)

// Connection is an authorized link between one owner and one external
// service. Token fields hold secrets and are encrypted at rest.
type Connection struct {
	ID           string           `json:"id"`
	ServiceID    string           `json:"service_id"`
	OwnerID      string           `json:"owner_id"`
	AccessToken  string           `json:"-"`
	RefreshToken string           `json:"-"`
	TokenExpiry  time.Time        `json:"token_expiry"`
	Scopes       []string         `json:"scopes"`
	Status       ConnectionStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// SubscriptionStatus is the lifecycle state of a Subscription.
type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionPaused SubscriptionStatus = "paused"
)

// Subscription is a registered interest in one event type for one Connection.
// EndpointSecret verifies signed inbound payloads. Filter is an optional
// template whose truthiness selects the subscription. Mappings build the
// outbound payload; TargetURL is where the dispatched action delivers it.
type Subscription struct {
	ID             string                  `json:"id"`
	ConnectionID   string                  `json:"connection_id"`
	EventType      string                  `json:"event_type"`
	EndpointSecret string                  `json:"-"`
	Filter         string                  `json:"filter,omitempty"`
	Mappings       []transform.MappingRule `json:"mappings"`
	TargetURL      string                  `json:"target_url"`
	Status         SubscriptionStatus      `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
}

// TerminalFailure records an action that exhausted its retry budget. It is
// kept for operator inspection and never retried automatically.
type TerminalFailure struct {
	ActionID       string          `json:"action_id"`
	Kind           string          `json:"kind"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	LastError      string          `json:"last_error"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	FailedAt       time.Time       `json:"failed_at"`
}
