package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/logging"
	"integration-engine/internal/storage"
)

// EventContext is the normalized result of one verified webhook: flattened
// headers, parsed body and the resolved subscription. It lives only for the
// duration of processing one request.
type EventContext struct {
	Subscription *storage.Subscription
	EventType    string
	Headers      map[string]interface{}
	Body         interface{}
	ReceivedAt   time.Time
}

// TransformContext exposes the event as the variable tree mapping expressions
// evaluate against.
func (c *EventContext) TransformContext() map[string]interface{} {
	body := c.Body
	if body == nil {
		body = map[string]interface{}{}
	}
	return map[string]interface{}{
		"event_type": c.EventType,
		"headers":    c.Headers,
		"body":       body,
		"subscription": map[string]interface{}{
			"id":            c.Subscription.ID,
			"connection_id": c.Subscription.ConnectionID,
			"event_type":    c.Subscription.EventType,
		},
		"received_at": c.ReceivedAt.UTC().Format(time.RFC3339),
	}
}

// Gateway resolves and verifies inbound webhooks. It does no downstream work
// itself; routing and dispatch happen after it returns.
type Gateway struct {
	subscriptions storage.SubscriptionStore
	connections   storage.ConnectionStore
	schemes       *SchemeRegistry
	logger        logging.Logger
}

func New(subscriptions storage.SubscriptionStore, connections storage.ConnectionStore, schemes *SchemeRegistry, logger logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if schemes == nil {
		schemes = NewSchemeRegistry()
	}
	return &Gateway{
		subscriptions: subscriptions,
		connections:   connections,
		schemes:       schemes,
		logger:        logger,
	}
}

// Handle resolves the subscription, verifies the payload signature and
// returns the normalized event context. Unknown, paused or disconnected
// subscriptions all surface as NotFound so callers learn nothing about
// internal state.
func (g *Gateway) Handle(ctx context.Context, subscriptionID string, rawBody []byte, headers http.Header) (*EventContext, error) {
	sub, err := g.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != storage.SubscriptionActive {
		return nil, errors.NotFoundError("subscription")
	}

	conn, err := g.connections.GetConnection(ctx, sub.ConnectionID)
	if err != nil {
		// Only a genuinely missing connection masquerades as NotFound;
		// store failures keep their own type
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return nil, errors.NotFoundError("subscription")
		}
		return nil, err
	}
	if conn.Status != storage.ConnectionActive {
		return nil, errors.NotFoundError("subscription")
	}

	scheme := g.schemes.For(conn.ServiceID)
	if !scheme.Verify(rawBody, headers, sub.EndpointSecret) {
		g.logger.Warn("Webhook signature verification failed",
			logging.Field{Key: "subscription_id", Value: sub.ID},
			logging.Field{Key: "service_id", Value: conn.ServiceID},
		)
		return nil, errors.VerificationFailedError("signature mismatch")
	}

	return &EventContext{
		Subscription: sub,
		EventType:    sub.EventType,
		Headers:      flattenHeaders(headers),
		Body:         parseBody(rawBody, headers.Get("Content-Type")),
		ReceivedAt:   time.Now(),
	}, nil
}

// flattenHeaders keeps the first value of each header under its canonical
// lowercased name.
func flattenHeaders(headers http.Header) map[string]interface{} {
	flat := make(map[string]interface{}, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			flat[strings.ToLower(name)] = values[0]
		}
	}
	return flat
}

// parseBody decodes JSON or form bodies into a map; anything else is kept as
// a raw string. Parsing never fails the request, a malformed body simply
// routes as raw text.
func parseBody(rawBody []byte, contentType string) interface{} {
	if len(rawBody) == 0 {
		return map[string]interface{}{}
	}

	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(string(rawBody)); err == nil {
			parsed := make(map[string]interface{}, len(values))
			for key, vals := range values {
				if len(vals) > 0 {
					parsed[key] = vals[0]
				}
			}
			return parsed
		}
	}

	var parsed interface{}
	if err := json.Unmarshal(rawBody, &parsed); err == nil {
		return parsed
	}
	return map[string]interface{}{"raw": string(rawBody)}
}
