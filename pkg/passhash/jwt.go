package passhash

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures session cookie signing.
type JWTConfig struct {
	SecretKey string
	TTL       time.Duration
	Issuer    string
}

// DefaultJWTConfig returns development defaults.
func DefaultJWTConfig() *JWTConfig {
	return &JWTConfig{
		SecretKey: "change-me-in-production",
		TTL:       7 * 24 * time.Hour,
		Issuer:    "analysisd",
	}
}

// SessionClaims carries the opaque session token inside the signed cookie.
type SessionClaims struct {
	SessionToken string `json:"session_token"`
	jwt.RegisteredClaims
}

// JWTManager signs and validates session cookies.
type JWTManager struct {
	config *JWTConfig
}

// NewJWTManager creates a manager.
func NewJWTManager(config *JWTConfig) *JWTManager {
	if config == nil {
		config = DefaultJWTConfig()
	}
	return &JWTManager{config: config}
}

// Sign wraps a session token in a signed cookie value.
func (m *JWTManager) Sign(sessionToken string) (string, error) {
	now := time.Now()
	claims := &SessionClaims{
		SessionToken: sessionToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// Validate extracts the session token from a signed cookie value.
func (m *JWTManager) Validate(cookieValue string) (string, error) {
	token, err := jwt.ParseWithClaims(cookieValue, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.SecretKey), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid session cookie: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid session claims")
	}
	return claims.SessionToken, nil
}
