// Package auth provides bearer-token authentication for the API.
//
// Authentication model:
// - Read endpoints on a payment: require a token for the payer or payee
// - Commands (approve, dispute, cancel): token + role check in the handler
// - Admin endpoints (arbitration, wallet config, job triggers): admin claim
//   or the shared admin secret header
//
// Tokens are HS256 JWTs carrying the actor email and an admin flag. They
// are issued by the identity layer; this package only verifies them. A
// development mint endpoint exists behind the admin secret.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrForbidden    = errors.New("not authorized for this resource")
)

// DefaultTokenTTL bounds minted tokens.
const DefaultTokenTTL = 24 * time.Hour

// Claims carried by an API token.
type Claims struct {
	Email string `json:"email"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies API tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a token manager with the given HMAC secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), ttl: DefaultTokenTTL}
}

// IssueToken mints a signed token for the given actor.
func (m *Manager) IssueToken(email string, admin bool) (string, error) {
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	now := time.Now()
	claims := &Claims{
		Email: strings.ToLower(email),
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(email),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyToken parses and validates a bearer token.
func (m *Manager) VerifyToken(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Email == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
