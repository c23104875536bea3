package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-engine/internal/common/httpclient"
	"integration-engine/internal/config"
	"integration-engine/internal/dispatch"
	"integration-engine/internal/gateway"
	"integration-engine/internal/locks"
	"integration-engine/internal/oauth"
	"integration-engine/internal/storage"
	"integration-engine/internal/transform"
	"integration-engine/internal/triggers"
)

const (
	testSecret        = "whsec_test_secret"
	testSigningSecret = "0123456789abcdef0123456789abcdef"
)

type testStack struct {
	handler http.Handler
	store   *storage.MemoryStore
	queue   *dispatch.MemoryQueue
}

func newTestStack(t *testing.T, tokenURL string) *testStack {
	t.Helper()

	store := storage.NewMemoryStore()
	queue := dispatch.NewMemoryQueue(64)

	evaluator := transform.NewEvaluator(transform.NewDefaultRegistry(transform.MapConfigSource{}))
	dispatcher := dispatch.NewDispatcher(queue, dispatch.NewExecutorTable(), store,
		dispatch.DefaultDispatcherConfig(), nil)
	engine := triggers.NewEngine(store, evaluator, dispatcher, nil)
	gw := gateway.New(store, store, gateway.NewSchemeRegistry(), nil)

	providers := oauth.NewProviderRegistry()
	require.NoError(t, providers.Register(&oauth.Provider{
		ID:               "github",
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		AuthorizationURL: "https://github.example.com/oauth/authorize",
		TokenURL:         tokenURL,
		RedirectURL:      "https://engine.example.com/integrations/oauth/callback",
	}))
	manager := oauth.NewManager(oauth.ManagerConfig{
		Providers:   providers,
		Issuer:      oauth.NewStateIssuer(testSigningSecret, 10*time.Minute),
		States:      store,
		Connections: store,
		Locks:       locks.NewLocalManager(),
		HTTPClient:  httpclient.NewWithTimeout(5 * time.Second),
		StateTTL:    10 * time.Minute,
	})

	handlers := NewHandlers(gw, engine, manager, store, "/connections", nil)
	cfg := config.Load()
	cfg.RateLimitEnabled = false
	srv := New(cfg, handlers, nil)

	return &testStack{handler: srv.httpServer.Handler, store: store, queue: queue}
}

func (s *testStack) seedSubscription(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.store.CreateConnection(ctx, &storage.Connection{
		ID: "conn_1", ServiceID: "github", OwnerID: "acct_1", Status: storage.ConnectionActive,
	}))
	require.NoError(t, s.store.CreateSubscription(ctx, &storage.Subscription{
		ID:             "sub_1",
		ConnectionID:   "conn_1",
		EventType:      "issue.created",
		EndpointSecret: testSecret,
		TargetURL:      "http://target.example.com/hook",
		Mappings: []transform.MappingRule{
			{Expression: "{{ body.issue.title }}", Target: "title"},
		},
		Status: storage.SubscriptionActive,
	}))
}

func postWebhook(stack *testStack, subscriptionID string, body []byte, sign bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/integrations/webhooks/"+subscriptionID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(gateway.DefaultSignatureHeader, gateway.NewHMACScheme().Sign(body, testSecret))
	}
	rec := httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhook_Success(t *testing.T) {
	stack := newTestStack(t, "http://unused")
	stack.seedSubscription(t)

	body := []byte(`{"issue":{"title":"crash on start"}}`)
	rec := postWebhook(stack, "sub_1", body, true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])

	// The matched subscription's action is on the queue
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	action, err := stack.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindWebhookDelivery, action.Kind)
	assert.Equal(t, "sub_1", action.SubscriptionID)

	var payload dispatch.WebhookDeliveryPayload
	require.NoError(t, json.Unmarshal(action.Payload, &payload))
	assert.Equal(t, "crash on start", payload.Body["title"])
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	stack := newTestStack(t, "http://unused")
	stack.seedSubscription(t)

	rec := postWebhook(stack, "sub_1", []byte(`{}`), false)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unauthorized", resp["error"])
}

func TestHandleWebhook_UnknownSubscription(t *testing.T) {
	stack := newTestStack(t, "http://unused")

	rec := postWebhook(stack, "sub_missing", []byte(`{}`), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthFlow_EndToEnd(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "access-1",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	stack := newTestStack(t, tokenServer.URL)

	// Connect redirects to the provider with a state token
	req := httptest.NewRequest(http.MethodGet, "/integrations/oauth/github/connect?owner_id=acct_1", nil)
	rec := httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	authURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	// Callback establishes the connection
	req = httptest.NewRequest(http.MethodGet,
		"/integrations/oauth/callback?code=auth-code&state="+url.QueryEscape(state), nil)
	rec = httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	result, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/connections", result.Path)
	assert.Equal(t, "connected", result.Query().Get("status"))
	assert.NotEmpty(t, result.Query().Get("connection_id"))

	// Replaying the callback fails with a stable message
	req = httptest.NewRequest(http.MethodGet,
		"/integrations/oauth/callback?code=auth-code&state="+url.QueryEscape(state), nil)
	rec = httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	result, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "error", result.Query().Get("status"))
	assert.Equal(t, "invalid or already used authorization", result.Query().Get("message"))
}

func TestOAuthCallback_ProviderError(t *testing.T) {
	stack := newTestStack(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet,
		"/integrations/oauth/callback?error=access_denied&error_description=user+cancelled", nil)
	rec := httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	result, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "error", result.Query().Get("status"))
	assert.Equal(t, "user cancelled", result.Query().Get("message"))
}

func TestOAuthCallback_MissingParams(t *testing.T) {
	stack := newTestStack(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/integrations/oauth/callback?code=only-code", nil)
	rec := httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	result, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid callback", result.Query().Get("message"))
}

func TestListFailures(t *testing.T) {
	stack := newTestStack(t, "http://unused")
	require.NoError(t, stack.store.RecordFailure(context.Background(), &storage.TerminalFailure{
		ActionID:  "act_1",
		Kind:      "webhook_delivery",
		LastError: "target down",
		Attempts:  3,
		FailedAt:  time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/integrations/failures", nil)
	rec := httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Failures []storage.TerminalFailure `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "act_1", resp.Failures[0].ActionID)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 1, nil)
	defer limiter.Stop()
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:4000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client IP has its own budget
	other := httptest.NewRequest(http.MethodGet, "/health", nil)
	other.RemoteAddr = "10.0.0.2:4000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterStopEndsSweep(t *testing.T) {
	limiter := NewRateLimiter(1, 1, nil)

	limiter.Stop()
	limiter.Stop()

	select {
	case <-limiter.limiter.done:
	default:
		t.Fatal("sweep stop channel still open after Stop")
	}
}

func TestHealth(t *testing.T) {
	stack := newTestStack(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	stack.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
