package triggers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-engine/internal/dispatch"
	"integration-engine/internal/gateway"
	"integration-engine/internal/storage"
	"integration-engine/internal/transform"
)

// recordingSubmitter captures submitted actions in order.
type recordingSubmitter struct {
	mu       sync.Mutex
	actions  []submitted
	failSubs map[string]bool
}

type submitted struct {
	kind           dispatch.Kind
	subscriptionID string
	payload        interface{}
}

func (r *recordingSubmitter) Submit(ctx context.Context, kind dispatch.Kind, subscriptionID string, payload interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSubs[subscriptionID] {
		return "", fmt.Errorf("queue rejected action")
	}
	r.actions = append(r.actions, submitted{kind: kind, subscriptionID: subscriptionID, payload: payload})
	return fmt.Sprintf("act_%d", len(r.actions)), nil
}

func (r *recordingSubmitter) submittedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.actions))
	for i, a := range r.actions {
		ids[i] = a.subscriptionID
	}
	return ids
}

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, *recordingSubmitter) {
	t.Helper()
	store := storage.NewMemoryStore()
	submitter := &recordingSubmitter{failSubs: make(map[string]bool)}
	evaluator := transform.NewEvaluator(transform.NewDefaultRegistry(transform.MapConfigSource{
		"app.name": "Vodo Platform",
	}))
	return NewEngine(store, evaluator, submitter, nil), store, submitter
}

func addSubscription(t *testing.T, store *storage.MemoryStore, sub *storage.Subscription) {
	t.Helper()
	if sub.Status == "" {
		sub.Status = storage.SubscriptionActive
	}
	if sub.TargetURL == "" {
		sub.TargetURL = "http://target.example.com/hook"
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
}

func testEvent(eventType string, body map[string]interface{}) *gateway.EventContext {
	return &gateway.EventContext{
		Subscription: &storage.Subscription{ID: "sub_origin", ConnectionID: "conn_1", EventType: eventType},
		EventType:    eventType,
		Headers:      map[string]interface{}{"content-type": "application/json"},
		Body:         body,
		ReceivedAt:   time.Now(),
	}
}

func TestRoute_AscendingSubscriptionOrder(t *testing.T) {
	engine, store, submitter := newTestEngine(t)

	for _, id := range []string{"sub_3", "sub_1", "sub_2"} {
		addSubscription(t, store, &storage.Subscription{ID: id, EventType: "order.created"})
	}

	err := engine.Route(context.Background(), testEvent("order.created", map[string]interface{}{}))
	require.NoError(t, err)

	assert.Equal(t, []string{"sub_1", "sub_2", "sub_3"}, submitter.submittedIDs())
}

func TestRoute_FilterSelectsSubscriptions(t *testing.T) {
	engine, store, submitter := newTestEngine(t)

	addSubscription(t, store, &storage.Subscription{
		ID: "sub_1", EventType: "order.created", Filter: "{{ body.paid }}",
	})
	addSubscription(t, store, &storage.Subscription{
		ID: "sub_2", EventType: "order.created", Filter: "{{ body.refunded }}",
	})
	addSubscription(t, store, &storage.Subscription{
		ID: "sub_3", EventType: "order.created",
	})

	err := engine.Route(context.Background(), testEvent("order.created", map[string]interface{}{
		"paid":     true,
		"refunded": false,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"sub_1", "sub_3"}, submitter.submittedIDs())
}

func TestRoute_AppliesMappings(t *testing.T) {
	engine, store, submitter := newTestEngine(t)

	addSubscription(t, store, &storage.Subscription{
		ID:           "sub_1",
		ConnectionID: "conn_1",
		EventType:    "order.created",
		TargetURL:    "http://crm.example.com/orders",
		Mappings: []transform.MappingRule{
			{Expression: "{{ body.customer.email }}", Target: "contact.email"},
			{Expression: `{{ config("app.name") }}`, Target: "platform_name"},
		},
	})

	err := engine.Route(context.Background(), testEvent("order.created", map[string]interface{}{
		"customer": map[string]interface{}{"email": "john@example.com"},
	}))
	require.NoError(t, err)

	require.Len(t, submitter.actions, 1)
	payload := submitter.actions[0].payload.(dispatch.WebhookDeliveryPayload)
	assert.Equal(t, "http://crm.example.com/orders", payload.TargetURL)
	assert.Equal(t, "conn_1", payload.ConnectionID)
	assert.Equal(t, "Vodo Platform", payload.Body["platform_name"])
	assert.Equal(t, "john@example.com", payload.Body["contact"].(map[string]interface{})["email"])
}

func TestRoute_MatchIsolation(t *testing.T) {
	engine, store, submitter := newTestEngine(t)

	// sub_1 has a broken filter, sub_2's submit fails, sub_3 is healthy
	addSubscription(t, store, &storage.Subscription{
		ID: "sub_1", EventType: "order.created", Filter: "{{ broken(",
	})
	addSubscription(t, store, &storage.Subscription{ID: "sub_2", EventType: "order.created"})
	addSubscription(t, store, &storage.Subscription{ID: "sub_3", EventType: "order.created"})
	submitter.failSubs["sub_2"] = true

	err := engine.Route(context.Background(), testEvent("order.created", map[string]interface{}{}))
	require.NoError(t, err)

	assert.Equal(t, []string{"sub_3"}, submitter.submittedIDs())
}

func TestRoute_MappingErrorDoesNotBlockDispatch(t *testing.T) {
	engine, store, submitter := newTestEngine(t)

	addSubscription(t, store, &storage.Subscription{
		ID:        "sub_1",
		EventType: "order.created",
		Mappings: []transform.MappingRule{
			{Expression: "{{ nosuchfn() }}", Target: "bad"},
			{Expression: "{{ body.id }}", Target: "order_id"},
		},
	})

	err := engine.Route(context.Background(), testEvent("order.created", map[string]interface{}{
		"id": "ord_42",
	}))
	require.NoError(t, err)

	require.Len(t, submitter.actions, 1)
	payload := submitter.actions[0].payload.(dispatch.WebhookDeliveryPayload)
	assert.Equal(t, "ord_42", payload.Body["order_id"])
	_, present := payload.Body["bad"]
	assert.False(t, present)
}

func TestRoute_PausedAndMismatchedSkipped(t *testing.T) {
	engine, store, submitter := newTestEngine(t)

	addSubscription(t, store, &storage.Subscription{
		ID: "sub_1", EventType: "order.created", Status: storage.SubscriptionPaused,
	})
	addSubscription(t, store, &storage.Subscription{ID: "sub_2", EventType: "order.deleted"})

	err := engine.Route(context.Background(), testEvent("order.created", map[string]interface{}{}))
	require.NoError(t, err)
	assert.Empty(t, submitter.submittedIDs())
}

func TestRouteInternal(t *testing.T) {
	engine, store, submitter := newTestEngine(t)

	addSubscription(t, store, &storage.Subscription{
		ID:        "sub_1",
		EventType: "report.daily",
		Filter:    "{{ data.enabled }}",
		Mappings: []transform.MappingRule{
			{Expression: "{{ data.period }}", Target: "period"},
			{Expression: "{{ event_type }}", Target: "trigger"},
		},
	})

	err := engine.RouteInternal(context.Background(), "report.daily", map[string]interface{}{
		"enabled": true,
		"period":  "2026-08-31",
	})
	require.NoError(t, err)

	require.Len(t, submitter.actions, 1)
	payload := submitter.actions[0].payload.(dispatch.WebhookDeliveryPayload)
	assert.Equal(t, "2026-08-31", payload.Body["period"])
	assert.Equal(t, "report.daily", payload.Body["trigger"])
}
