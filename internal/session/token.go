package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ortsguide/server/internal/model"
)

// Identity is the subject a session token asserts.
type Identity struct {
	Email      string
	AuthMethod model.AuthMethod
}

// Claims is the self-contained session payload. The server verifies signature
// and expiry only; there is no server-side session store and no revocation
// before expiry, so the TTL bounds the blast radius of a leaked token.
type Claims struct {
	Email      string           `json:"email"`
	Role       model.Role       `json:"role"`
	AuthMethod model.AuthMethod `json:"auth_method"`
	jwt.RegisteredClaims
}

// Codec mints and verifies signed session tokens (HMAC-SHA256 over the
// serialized payload; signatures are compared in constant time by the
// library).
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec creates a codec with the server signing secret and session TTL.
func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{secret: []byte(secret), ttl: ttl}
}

// TTL returns the configured session lifetime, for cookie max-age.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Create mints a signed token asserting role for identity.
func (c *Codec) Create(role model.Role, identity Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email:      identity.Email,
		Role:       role,
		AuthMethod: identity.AuthMethod,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return tokenString, nil
}

// Verify checks signature and expiry and returns the claims. Any tampering
// with payload or signature fails verification.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	if _, err := model.ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	return claims, nil
}
