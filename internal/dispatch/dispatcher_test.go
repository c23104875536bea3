package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-engine/internal/common/httpclient"
	"integration-engine/internal/storage"
)

// stubExecutor counts invocations and delegates to fn.
type stubExecutor struct {
	kind Kind
	mu   sync.Mutex
	runs map[string]int
	fn   func(action *Action) error
}

func newStubExecutor(kind Kind, fn func(action *Action) error) *stubExecutor {
	return &stubExecutor{kind: kind, runs: make(map[string]int), fn: fn}
}

func (s *stubExecutor) Kind() Kind { return s.kind }

func (s *stubExecutor) Execute(ctx context.Context, action *Action) error {
	s.mu.Lock()
	s.runs[action.ID]++
	s.mu.Unlock()
	return s.fn(action)
}

func (s *stubExecutor) attempts(actionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[actionID]
}

func testConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:     2,
		MaxAttempts: 3,
		Backoff:     5 * time.Millisecond,
		Timeout:     time.Second,
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcher_RetriesExactlyMaxAttemptsThenRecordsFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	executor := newStubExecutor(KindWebhookDelivery, func(*Action) error {
		return fmt.Errorf("target down")
	})
	d := NewDispatcher(NewMemoryQueue(16), NewExecutorTable(executor), store, testConfig(), nil)

	d.Start(context.Background())
	defer d.Stop()

	actionID, err := d.Submit(context.Background(), KindWebhookDelivery, "sub_1",
		WebhookDeliveryPayload{TargetURL: "http://example.com"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		failures, _ := store.ListFailures(context.Background(), 10)
		return len(failures) == 1
	})

	assert.Equal(t, 3, executor.attempts(actionID))

	failures, err := store.ListFailures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, actionID, failures[0].ActionID)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Equal(t, "target down", failures[0].LastError)
	assert.Equal(t, "sub_1", failures[0].SubscriptionID)

	// No further attempts after the terminal record
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, executor.attempts(actionID))
}

func TestDispatcher_SucceedsOnRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	var mu sync.Mutex
	calls := 0
	executor := newStubExecutor(KindWebhookDelivery, func(*Action) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	d := NewDispatcher(NewMemoryQueue(16), NewExecutorTable(executor), store, testConfig(), nil)

	d.Start(context.Background())
	defer d.Stop()

	actionID, err := d.Submit(context.Background(), KindWebhookDelivery, "sub_1",
		WebhookDeliveryPayload{TargetURL: "http://example.com"})
	require.NoError(t, err)

	waitFor(t, func() bool { return executor.attempts(actionID) == 2 })

	time.Sleep(50 * time.Millisecond)
	failures, err := store.ListFailures(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestDispatcher_SiblingIndependence(t *testing.T) {
	store := storage.NewMemoryStore()

	delivered := make(chan string, 4)
	executor := newStubExecutor(KindWebhookDelivery, func(action *Action) error {
		if action.SubscriptionID == "sub_failing" {
			return fmt.Errorf("always fails")
		}
		delivered <- action.SubscriptionID
		return nil
	})
	d := NewDispatcher(NewMemoryQueue(16), NewExecutorTable(executor), store, testConfig(), nil)

	d.Start(context.Background())
	defer d.Stop()

	_, err := d.Submit(context.Background(), KindWebhookDelivery, "sub_failing",
		WebhookDeliveryPayload{TargetURL: "http://example.com"})
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), KindWebhookDelivery, "sub_healthy",
		WebhookDeliveryPayload{TargetURL: "http://example.com"})
	require.NoError(t, err)

	// The healthy subscription completes even while the failing sibling
	// burns through its retry budget
	select {
	case subID := <-delivered:
		assert.Equal(t, "sub_healthy", subID)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy action was not delivered")
	}

	waitFor(t, func() bool {
		failures, _ := store.ListFailures(context.Background(), 10)
		return len(failures) == 1
	})
	failures, _ := store.ListFailures(context.Background(), 10)
	assert.Equal(t, "sub_failing", failures[0].SubscriptionID)
}

func TestDispatcher_UnknownKindRecordsFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	d := NewDispatcher(NewMemoryQueue(16), NewExecutorTable(), store, testConfig(), nil)

	d.Start(context.Background())
	defer d.Stop()

	_, err := d.Submit(context.Background(), Kind("unregistered"), "", map[string]string{})
	require.NoError(t, err)

	waitFor(t, func() bool {
		failures, _ := store.ListFailures(context.Background(), 10)
		return len(failures) == 1
	})
}

func TestHTTPDeliveryExecutor(t *testing.T) {
	var mu sync.Mutex
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	executor := NewHTTPDeliveryExecutor(httpclient.NewWithTimeout(time.Second), nil, nil)
	payload, err := json.Marshal(WebhookDeliveryPayload{
		TargetURL: server.URL,
		Body:      map[string]interface{}{"platform_name": "Vodo Platform"},
	})
	require.NoError(t, err)

	err = executor.Execute(context.Background(), &Action{
		ID:      "act_1",
		Kind:    KindWebhookDelivery,
		Payload: payload,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Vodo Platform", received["platform_name"])
}

// stubTokenSource hands out a fixed connection and remembers which ids were
// requested.
type stubTokenSource struct {
	mu        sync.Mutex
	conn      *storage.Connection
	err       error
	requested []string
}

func (s *stubTokenSource) EnsureFreshToken(ctx context.Context, connectionID string) (*storage.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = append(s.requested, connectionID)
	if s.err != nil {
		return nil, s.err
	}
	return s.conn, nil
}

func TestHTTPDeliveryExecutor_ConnectionBackedDeliveryCarriesToken(t *testing.T) {
	var mu sync.Mutex
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		authHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokens := &stubTokenSource{conn: &storage.Connection{
		ID:          "conn_1",
		Status:      storage.ConnectionActive,
		AccessToken: "fresh-token",
	}}
	executor := NewHTTPDeliveryExecutor(httpclient.NewWithTimeout(time.Second), tokens, nil)

	payload, err := json.Marshal(WebhookDeliveryPayload{
		TargetURL:    server.URL,
		ConnectionID: "conn_1",
		Body:         map[string]interface{}{"event": "invoice.paid"},
	})
	require.NoError(t, err)

	err = executor.Execute(context.Background(), &Action{ID: "act_1", Payload: payload})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer fresh-token", authHeader)
	assert.Equal(t, []string{"conn_1"}, tokens.requested)
}

func TestHTTPDeliveryExecutor_TokenRefreshFailureFailsAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("delivery must not happen without a usable token")
	}))
	defer server.Close()

	tokens := &stubTokenSource{err: fmt.Errorf("refresh exhausted")}
	executor := NewHTTPDeliveryExecutor(httpclient.NewWithTimeout(time.Second), tokens, nil)

	payload, err := json.Marshal(WebhookDeliveryPayload{
		TargetURL:    server.URL,
		ConnectionID: "conn_1",
	})
	require.NoError(t, err)

	err = executor.Execute(context.Background(), &Action{ID: "act_1", Payload: payload})
	assert.Error(t, err)
}

func TestHTTPDeliveryExecutor_NoConnectionSkipsTokenLookup(t *testing.T) {
	var mu sync.Mutex
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		authHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokens := &stubTokenSource{conn: &storage.Connection{AccessToken: "unused"}}
	executor := NewHTTPDeliveryExecutor(httpclient.NewWithTimeout(time.Second), tokens, nil)

	payload, err := json.Marshal(WebhookDeliveryPayload{TargetURL: server.URL})
	require.NoError(t, err)

	err = executor.Execute(context.Background(), &Action{ID: "act_1", Payload: payload})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, authHeader)
	assert.Empty(t, tokens.requested)
}

func TestHTTPDeliveryExecutor_Non2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	executor := NewHTTPDeliveryExecutor(httpclient.NewWithTimeout(time.Second), nil, nil)
	payload, err := json.Marshal(WebhookDeliveryPayload{TargetURL: server.URL})
	require.NoError(t, err)

	err = executor.Execute(context.Background(), &Action{ID: "act_1", Payload: payload})
	assert.Error(t, err)
}
