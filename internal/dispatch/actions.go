// Package dispatch executes actions out-of-band: a worker pool pulls from a
// durable queue, retries with fixed backoff and records terminal failures for
// operator inspection.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"integration-engine/internal/circuitbreaker"
	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/logging"
	"integration-engine/internal/storage"
)

// Kind identifies an action variant. The set is closed: every kind has a
// typed payload and a registered executor, there is no name-based dynamic
// resolution.
type Kind string

const (
	// KindWebhookDelivery posts a transformed payload to a subscriber's
	// target URL.
	KindWebhookDelivery Kind = "webhook_delivery"
	// KindInternalEvent feeds an event back into the trigger engine.
	KindInternalEvent Kind = "internal_event"
)

// Action is one unit of asynchronous work. Execution is at-least-once;
// idempotency is the executor's concern.
type Action struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// WebhookDeliveryPayload is the payload for KindWebhookDelivery. When
// ConnectionID is set the delivery carries that connection's access token.
type WebhookDeliveryPayload struct {
	TargetURL    string                 `json:"target_url"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Body         map[string]interface{} `json:"body"`
}

// InternalEventPayload is the payload for KindInternalEvent.
type InternalEventPayload struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// Executor runs one kind of action.
type Executor interface {
	Kind() Kind
	Execute(ctx context.Context, action *Action) error
}

// ExecutorTable maps action kinds to their executors.
type ExecutorTable struct {
	executors map[Kind]Executor
}

func NewExecutorTable(executors ...Executor) *ExecutorTable {
	table := &ExecutorTable{executors: make(map[Kind]Executor)}
	for _, e := range executors {
		table.Register(e)
	}
	return table
}

func (t *ExecutorTable) Register(executor Executor) {
	t.executors[executor.Kind()] = executor
}

func (t *ExecutorTable) Get(kind Kind) (Executor, error) {
	executor, ok := t.executors[kind]
	if !ok {
		return nil, errors.ValidationError(fmt.Sprintf("no executor for action kind %q", kind))
	}
	return executor, nil
}

// TokenSource returns a connection with a usable access token, refreshing it
// first when it is about to expire. The OAuth manager implements it.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context, connectionID string) (*storage.Connection, error)
}

// HTTPDeliveryExecutor delivers webhook payloads with a circuit breaker
// around the subscriber endpoint. Connection-backed deliveries authenticate
// with the connection's access token.
type HTTPDeliveryExecutor struct {
	client  *http.Client
	tokens  TokenSource
	breaker *circuitbreaker.Breaker
}

func NewHTTPDeliveryExecutor(client *http.Client, tokens TokenSource, logger logging.Logger) *HTTPDeliveryExecutor {
	return &HTTPDeliveryExecutor{
		client:  client,
		tokens:  tokens,
		breaker: circuitbreaker.New("action-delivery", circuitbreaker.DispatchConfig, logger),
	}
}

func (e *HTTPDeliveryExecutor) Kind() Kind {
	return KindWebhookDelivery
}

func (e *HTTPDeliveryExecutor) Execute(ctx context.Context, action *Action) error {
	var payload WebhookDeliveryPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return errors.ValidationError("webhook delivery payload unreadable")
	}
	if payload.TargetURL == "" {
		return errors.ValidationError("webhook delivery payload missing target URL")
	}

	body, err := json.Marshal(payload.Body)
	if err != nil {
		return errors.InternalError("failed to encode delivery body", err)
	}

	var accessToken string
	if payload.ConnectionID != "" && e.tokens != nil {
		conn, err := e.tokens.EnsureFreshToken(ctx, payload.ConnectionID)
		if err != nil {
			return err
		}
		accessToken = conn.AccessToken
	}

	return e.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.TargetURL, bytes.NewReader(body))
		if err != nil {
			return errors.InternalError("failed to build delivery request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Action-Id", action.ID)
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return errors.ServiceUnreachableError("delivery target unreachable", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.InternalError(fmt.Sprintf("delivery target returned status %d", resp.StatusCode), nil)
		}
		return nil
	})
}

// InternalRouter is the routing capability internal events feed back into.
// The trigger engine implements it.
type InternalRouter interface {
	RouteInternal(ctx context.Context, eventType string, data map[string]interface{}) error
}

// InternalEventExecutor routes internal events through the trigger engine.
type InternalEventExecutor struct {
	router InternalRouter
}

func NewInternalEventExecutor(router InternalRouter) *InternalEventExecutor {
	return &InternalEventExecutor{router: router}
}

func (e *InternalEventExecutor) Kind() Kind {
	return KindInternalEvent
}

func (e *InternalEventExecutor) Execute(ctx context.Context, action *Action) error {
	var payload InternalEventPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return errors.ValidationError("internal event payload unreadable")
	}
	if payload.EventType == "" {
		return errors.ValidationError("internal event payload missing event type")
	}
	return e.router.RouteInternal(ctx, payload.EventType, payload.Data)
}
