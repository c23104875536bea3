package gateway

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/storage"
)

const endpointSecret = "whsec_test_secret"

func newTestGateway(t *testing.T) (*Gateway, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, &storage.Connection{
		ID:        "conn_1",
		ServiceID: "github",
		OwnerID:   "acct_1",
		Status:    storage.ConnectionActive,
	}))
	require.NoError(t, store.CreateSubscription(ctx, &storage.Subscription{
		ID:             "sub_1",
		ConnectionID:   "conn_1",
		EventType:      "issue.created",
		EndpointSecret: endpointSecret,
		Status:         storage.SubscriptionActive,
	}))

	return New(store, store, NewSchemeRegistry(), nil), store
}

func signedHeaders(body []byte, secret string) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(DefaultSignatureHeader, NewHMACScheme().Sign(body, secret))
	return headers
}

func TestHandle_ValidSignature(t *testing.T) {
	g, _ := newTestGateway(t)
	body := []byte(`{"issue":{"id":7,"title":"crash on start"}}`)

	event, err := g.Handle(context.Background(), "sub_1", body, signedHeaders(body, endpointSecret))
	require.NoError(t, err)

	assert.Equal(t, "issue.created", event.EventType)
	assert.Equal(t, "sub_1", event.Subscription.ID)

	parsed, ok := event.Body.(map[string]interface{})
	require.True(t, ok)
	issue := parsed["issue"].(map[string]interface{})
	assert.Equal(t, "crash on start", issue["title"])

	ctx := event.TransformContext()
	assert.Equal(t, "issue.created", ctx["event_type"])
	assert.Equal(t, "application/json", ctx["headers"].(map[string]interface{})["content-type"])
}

func TestHandle_FlippedBodyByte(t *testing.T) {
	g, _ := newTestGateway(t)
	body := []byte(`{"issue":{"id":7}}`)
	headers := signedHeaders(body, endpointSecret)

	tampered := append([]byte(nil), body...)
	tampered[2] ^= 0x01

	_, err := g.Handle(context.Background(), "sub_1", tampered, headers)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeVerificationFailed))
}

func TestHandle_TamperedSignatureHeader(t *testing.T) {
	g, _ := newTestGateway(t)
	body := []byte(`{"issue":{"id":7}}`)
	headers := signedHeaders(body, endpointSecret)

	sig := headers.Get(DefaultSignatureHeader)
	flipped := []byte(sig)
	flipped[len(flipped)-1] ^= 0x01
	headers.Set(DefaultSignatureHeader, string(flipped))

	_, err := g.Handle(context.Background(), "sub_1", body, headers)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeVerificationFailed))
}

func TestHandle_WrongSecret(t *testing.T) {
	g, _ := newTestGateway(t)
	body := []byte(`{"issue":{"id":7}}`)

	_, err := g.Handle(context.Background(), "sub_1", body, signedHeaders(body, "other-secret"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeVerificationFailed))
}

func TestHandle_MissingSignature(t *testing.T) {
	g, _ := newTestGateway(t)
	body := []byte(`{}`)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	_, err := g.Handle(context.Background(), "sub_1", body, headers)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeVerificationFailed))
}

func TestHandle_UnknownSubscription(t *testing.T) {
	g, _ := newTestGateway(t)
	body := []byte(`{}`)

	_, err := g.Handle(context.Background(), "sub_missing", body, signedHeaders(body, endpointSecret))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestHandle_PausedSubscription(t *testing.T) {
	g, store := newTestGateway(t)
	ctx := context.Background()

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	sub.Status = storage.SubscriptionPaused
	require.NoError(t, store.UpdateSubscription(ctx, sub))

	body := []byte(`{}`)
	_, err = g.Handle(ctx, "sub_1", body, signedHeaders(body, endpointSecret))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestHandle_RevokedConnection(t *testing.T) {
	g, store := newTestGateway(t)
	ctx := context.Background()

	conn, err := store.GetConnection(ctx, "conn_1")
	require.NoError(t, err)
	conn.Status = storage.ConnectionRevoked
	require.NoError(t, store.UpdateConnection(ctx, conn))

	body := []byte(`{}`)
	_, err = g.Handle(ctx, "sub_1", body, signedHeaders(body, endpointSecret))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

// brokenConnectionStore fails every connection read with an internal error.
type brokenConnectionStore struct {
	storage.ConnectionStore
}

func (b brokenConnectionStore) GetConnection(ctx context.Context, id string) (*storage.Connection, error) {
	return nil, errors.InternalError("connection store unavailable", nil)
}

func TestHandle_ConnectionStoreFailureIsNotMaskedAsNotFound(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateSubscription(ctx, &storage.Subscription{
		ID:             "sub_1",
		ConnectionID:   "conn_1",
		EventType:      "issue.created",
		EndpointSecret: endpointSecret,
		Status:         storage.SubscriptionActive,
	}))

	g := New(store, brokenConnectionStore{}, NewSchemeRegistry(), nil)

	body := []byte(`{}`)
	_, err := g.Handle(ctx, "sub_1", body, signedHeaders(body, endpointSecret))
	require.Error(t, err)
	assert.False(t, errors.IsType(err, errors.ErrTypeNotFound))
	assert.True(t, errors.IsType(err, errors.ErrTypeInternal))
}

func TestHandle_FormBody(t *testing.T) {
	g, _ := newTestGateway(t)
	body := []byte("status=open&priority=high")

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	headers.Set(DefaultSignatureHeader, NewHMACScheme().Sign(body, endpointSecret))

	event, err := g.Handle(context.Background(), "sub_1", body, headers)
	require.NoError(t, err)

	parsed, ok := event.Body.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "open", parsed["status"])
	assert.Equal(t, "high", parsed["priority"])
}

func TestSchemeRegistry_PerServiceOverride(t *testing.T) {
	registry := NewSchemeRegistry()
	custom := &HMACScheme{Header: "X-Hub-Signature-256", Prefix: "sha256="}
	registry.Register("github", custom)

	assert.Same(t, custom, registry.For("github"))
	assert.NotSame(t, custom, registry.For("slack"))
}
