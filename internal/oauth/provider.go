// Package oauth implements the OAuth2 authorization round trip: state
// issuance and single-use verification, code-for-token exchange, connection
// persistence and serialized token refresh.
package oauth

import (
	"net/url"
	"strings"
	"sync"

	"integration-engine/internal/common/errors"
)

// Provider describes one external service's OAuth2 endpoints and client
// credentials.
type Provider struct {
	ID               string
	ClientID         string
	ClientSecret     string
	AuthorizationURL string
	TokenURL         string
	RedirectURL      string
	Scopes           []string
}

// AuthorizeURL builds the provider's authorization URL carrying the given
// state token.
func (p *Provider) AuthorizeURL(state string) string {
	values := url.Values{
		"client_id":     {p.ClientID},
		"redirect_uri":  {p.RedirectURL},
		"response_type": {"code"},
		"state":         {state},
	}
	if len(p.Scopes) > 0 {
		values.Set("scope", strings.Join(p.Scopes, " "))
	}

	separator := "?"
	if strings.Contains(p.AuthorizationURL, "?") {
		separator = "&"
	}
	return p.AuthorizationURL + separator + values.Encode()
}

// ProviderRegistry holds the configured providers keyed by service id.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]*Provider)}
}

func (r *ProviderRegistry) Register(provider *Provider) error {
	if provider.ID == "" {
		return errors.ValidationError("provider id is required")
	}
	if provider.TokenURL == "" || provider.AuthorizationURL == "" {
		return errors.ValidationError("provider endpoints are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID] = provider
	return nil
}

func (r *ProviderRegistry) Get(serviceID string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[serviceID]
	if !ok {
		return nil, errors.NotFoundError("provider")
	}
	return provider, nil
}
