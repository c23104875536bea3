package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"integration-engine/internal/circuitbreaker"
	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/logging"
	"integration-engine/internal/locks"
	"integration-engine/internal/storage"
)

// refreshMargin is the safety window before expiry within which a token is
// refreshed ahead of use.
const refreshMargin = 5 * time.Minute

// statePayload is what the state store holds for an issued nonce. It is
// cross-checked against the signed token on callback.
type statePayload struct {
	OwnerID   string `json:"owner_id"`
	ServiceID string `json:"service_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Manager drives the OAuth2 authorization round trip and owns the Connection
// lifecycle. All collaborators are injected at construction.
type Manager struct {
	providers   *ProviderRegistry
	issuer      *StateIssuer
	states      storage.OAuthStateStore
	connections storage.ConnectionStore
	locks       locks.Manager
	httpClient  *http.Client
	breaker     *circuitbreaker.Breaker
	logger      logging.Logger
	stateTTL    time.Duration
}

type ManagerConfig struct {
	Providers   *ProviderRegistry
	Issuer      *StateIssuer
	States      storage.OAuthStateStore
	Connections storage.ConnectionStore
	Locks       locks.Manager
	HTTPClient  *http.Client
	Logger      logging.Logger
	StateTTL    time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &Manager{
		providers:   cfg.Providers,
		issuer:      cfg.Issuer,
		states:      cfg.States,
		connections: cfg.Connections,
		locks:       cfg.Locks,
		httpClient:  cfg.HTTPClient,
		breaker:     circuitbreaker.New("oauth-exchange", circuitbreaker.OAuthConfig, logger),
		logger:      logger,
		stateTTL:    ttl,
	}
}

// InitiateOAuth issues a single-use state for the owner/service pair and
// returns the provider's authorization URL carrying it.
func (m *Manager) InitiateOAuth(ctx context.Context, serviceID, ownerID string) (string, error) {
	provider, err := m.providers.Get(serviceID)
	if err != nil {
		return "", err
	}

	token, nonce, err := m.issuer.Issue(ownerID, serviceID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(statePayload{OwnerID: ownerID, ServiceID: serviceID})
	if err != nil {
		return "", errors.InternalError("failed to encode state payload", err)
	}
	if err := m.states.Save(ctx, nonce, payload, m.stateTTL); err != nil {
		return "", err
	}

	m.logger.Info("OAuth flow initiated",
		logging.Field{Key: "service_id", Value: serviceID},
		logging.Field{Key: "owner_id", Value: ownerID},
	)
	return provider.AuthorizeURL(token), nil
}

// HandleOAuthCallback verifies and consumes the state exactly once, exchanges
// the code for tokens and persists an active Connection. A replayed state
// fails with InvalidState even when the first callback succeeded.
func (m *Manager) HandleOAuthCallback(ctx context.Context, code, state string) (string, error) {
	claims, err := m.issuer.Verify(state)
	if err != nil {
		return "", err
	}

	payload, err := m.states.Consume(ctx, claims.ID)
	if err != nil {
		return "", err
	}
	if payload == nil {
		return "", errors.InvalidStateError("state already consumed or never issued")
	}

	var stored statePayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return "", errors.InvalidStateError("stored state unreadable")
	}
	if stored.OwnerID != claims.OwnerID || stored.ServiceID != claims.ServiceID {
		return "", errors.InvalidStateError("state does not match issued parameters")
	}

	provider, err := m.providers.Get(claims.ServiceID)
	if err != nil {
		return "", err
	}

	tokens, err := m.exchange(ctx, provider, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {provider.RedirectURL},
	})
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	conn := &storage.Connection{
		ID:           "conn_" + uuid.New().String(),
		ServiceID:    claims.ServiceID,
		OwnerID:      claims.OwnerID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenExpiry:  expiryFrom(now, tokens.ExpiresIn),
		Scopes:       splitScopes(tokens.Scope),
		Status:       storage.ConnectionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.connections.CreateConnection(ctx, conn); err != nil {
		return "", err
	}

	m.logger.Info("Connection established",
		logging.Field{Key: "connection_id", Value: conn.ID},
		logging.Field{Key: "service_id", Value: conn.ServiceID},
		logging.Field{Key: "owner_id", Value: conn.OwnerID},
	)
	return conn.ID, nil
}

// EnsureFreshToken returns the connection with a usable access token,
// refreshing first when expiry falls within the safety margin.
func (m *Manager) EnsureFreshToken(ctx context.Context, connectionID string) (*storage.Connection, error) {
	conn, err := m.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status != storage.ConnectionActive {
		return nil, errors.ValidationError(fmt.Sprintf("connection is %s", conn.Status))
	}

	if conn.TokenExpiry.IsZero() || time.Until(conn.TokenExpiry) > refreshMargin {
		return conn, nil
	}

	if err := m.RefreshToken(ctx, connectionID); err != nil {
		return nil, err
	}
	return m.connections.GetConnection(ctx, connectionID)
}

// RefreshToken refreshes a connection's tokens with a single attempt.
// Refreshes for the same connection are serialized through the lock manager;
// a failed attempt marks the connection expired and is not retried.
func (m *Manager) RefreshToken(ctx context.Context, connectionID string) error {
	lock, err := m.locks.Acquire(ctx, "refresh:"+connectionID, 30*time.Second)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	// Re-read under the lock; a concurrent refresh may have finished already
	conn, err := m.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == storage.ConnectionActive &&
		!conn.TokenExpiry.IsZero() && time.Until(conn.TokenExpiry) > refreshMargin {
		return nil
	}

	if conn.RefreshToken == "" {
		return m.expireConnection(ctx, conn, errors.ValidationError("connection has no refresh token"))
	}

	provider, err := m.providers.Get(conn.ServiceID)
	if err != nil {
		return err
	}

	tokens, err := m.exchange(ctx, provider, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {conn.RefreshToken},
	})
	if err != nil {
		return m.expireConnection(ctx, conn, err)
	}

	now := time.Now().UTC()
	conn.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		conn.RefreshToken = tokens.RefreshToken
	}
	conn.TokenExpiry = expiryFrom(now, tokens.ExpiresIn)
	if scopes := splitScopes(tokens.Scope); len(scopes) > 0 {
		conn.Scopes = scopes
	}
	conn.Status = storage.ConnectionActive
	conn.UpdatedAt = now

	if err := m.connections.UpdateConnection(ctx, conn); err != nil {
		return err
	}

	m.logger.Info("Connection tokens refreshed",
		logging.Field{Key: "connection_id", Value: conn.ID},
	)
	return nil
}

// Disconnect marks a connection revoked. Tokens stay encrypted at rest until
// retention cleanup; the connection never fires again.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := m.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	conn.Status = storage.ConnectionRevoked
	conn.UpdatedAt = time.Now().UTC()
	if err := m.connections.UpdateConnection(ctx, conn); err != nil {
		return err
	}

	m.logger.Info("Connection revoked",
		logging.Field{Key: "connection_id", Value: conn.ID},
	)
	return nil
}

func (m *Manager) expireConnection(ctx context.Context, conn *storage.Connection, cause error) error {
	conn.Status = storage.ConnectionExpired
	conn.UpdatedAt = time.Now().UTC()
	if err := m.connections.UpdateConnection(ctx, conn); err != nil {
		m.logger.Error("Failed to mark connection expired", err,
			logging.Field{Key: "connection_id", Value: conn.ID},
		)
	}

	m.logger.Warn("Connection marked expired after refresh failure",
		logging.Field{Key: "connection_id", Value: conn.ID},
		logging.Field{Key: "error_type", Value: string(errors.GetType(cause))},
	)
	return cause
}

// exchange posts a grant to the provider's token endpoint. The error message
// never carries token material.
func (m *Manager) exchange(ctx context.Context, provider *Provider, grant url.Values) (*tokenResponse, error) {
	grant.Set("client_id", provider.ClientID)
	grant.Set("client_secret", provider.ClientSecret)

	var tokens tokenResponse
	err := m.breaker.Execute(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, provider.TokenURL,
			strings.NewReader(grant.Encode()))
		if err != nil {
			return errors.InternalError("failed to build token request", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return errors.ServiceUnreachableError("token endpoint unreachable", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.ExchangeFailedError(
				fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
		}

		if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
			return errors.ExchangeFailedError("token response unreadable", err)
		}
		if tokens.AccessToken == "" {
			return errors.ExchangeFailedError("token response missing access token", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tokens, nil
}

func expiryFrom(now time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
