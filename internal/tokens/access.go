package tokens

import (
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// accessAudience scopes access tokens to reading one order's tickets
const accessAudience = "order-tickets"

// AccessIssuer mints short-lived tokens bound to one external reference
type AccessIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAccessIssuer creates an issuer. The secret must not be empty.
func NewAccessIssuer(secret string, ttl time.Duration) (*AccessIssuer, error) {
	if secret == "" {
		return nil, errors.New("tokens: access token secret is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("tokens: access token ttl must be positive")
	}
	return &AccessIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the issuer's time source
func (a *AccessIssuer) WithClock(now func() time.Time) *AccessIssuer {
	a.now = now
	return a
}

// TTL returns the lifetime of minted tokens
func (a *AccessIssuer) TTL() time.Duration {
	return a.ttl
}

// Create mints a token whose subject is externalReference
func (a *AccessIssuer) Create(externalReference string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   externalReference,
		Audience:  jwt.ClaimStrings{accessAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("tokens: signing access token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, audience and expiry and returns the external
// reference the token grants access to
func (a *AccessIssuer) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(accessAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", models.ErrTokenExpired
	}
	if err != nil {
		return "", models.ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", models.ErrInvalidToken
	}
	return claims.Subject, nil
}
