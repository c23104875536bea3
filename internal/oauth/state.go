package oauth

import (
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"integration-engine/internal/common/errors"
)

// StateClaims bind an issued OAuth state to the requesting owner and target
// service. The registered ID claim is the single-use nonce tracked by the
// state store.
type StateClaims struct {
	OwnerID   string `json:"owner_id"`
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

// StateIssuer signs and verifies OAuth state tokens with HMAC-SHA256.
// Signing proves the state originated here; the store enforces single use.
type StateIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewStateIssuer(secret string, ttl time.Duration) *StateIssuer {
	return &StateIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed state token and returns it with its nonce id.
func (i *StateIssuer) Issue(ownerID, serviceID string) (token string, nonce string, err error) {
	nonce = uuid.New().String()
	now := time.Now()

	claims := StateClaims{
		OwnerID:   ownerID,
		ServiceID: serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", errors.InternalError("failed to sign state token", err)
	}
	return token, nonce, nil
}

// Verify parses and validates a state token. Expired tokens map to
// ExpiredState; any other defect maps to InvalidState.
func (i *StateIssuer) Verify(token string) (*StateClaims, error) {
	claims := &StateClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidStateError("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ExpiredStateError("state token expired")
		}
		return nil, errors.InvalidStateError("state token invalid")
	}
	if !parsed.Valid || claims.ID == "" {
		return nil, errors.InvalidStateError("state token invalid")
	}
	return claims, nil
}
