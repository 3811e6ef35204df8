// Package auth resolves the authenticated principal behind a gateway
// connection or REST request. Tokens are issued by a collaborator out of
// this module's scope (the login/SSO service); this package only verifies
// them and extracts the claims the hub's authorization layer needs.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds JWT verification configuration.
type Config struct {
	// SecretKey is the HMAC signing key. Loaded from the environment by
	// the caller; never hardcoded.
	SecretKey string

	// Issuer is checked against the token's iss claim.
	Issuer string

	// TokenDuration is used only by GenerateToken (tests, tooling).
	TokenDuration time.Duration
}

// Claims carries the principal shape the hub's authorization layer
// consumes: a user identity, the set of workspaces that identity may
// touch, and whether it holds admin privileges.
type Claims struct {
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	WorkspaceIDs []string `json:"workspace_ids,omitempty"`
	IsAdmin      bool     `json:"is_admin"`

	jwt.RegisteredClaims
}

// Manager validates and mints JWTs.
type Manager struct {
	config Config
}

// NewManager creates a JWT manager. A zero TokenDuration defaults to 24h
// and a zero Issuer defaults to "gateway".
func NewManager(config Config) *Manager {
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "gateway"
	}
	return &Manager{config: config}
}

// GenerateToken mints a token for the given principal. Used by tests and
// by the (out-of-scope) login collaborator's test harness, not by the
// hub itself.
func (m *Manager) GenerateToken(userID, username string, workspaceIDs []string, isAdmin bool) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:       userID,
		Username:     username,
		WorkspaceIDs: workspaceIDs,
		IsAdmin:      isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken verifies the signature, issuer, and expiration of a
// token and returns its claims.
//
// SECURITY: the signing method is checked explicitly to reject
// algorithm-substitution attempts ("none", RS256-with-public-key-as-HMAC
// secret, etc).
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.SecretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if m.config.Issuer != "" && claims.Issuer != m.config.Issuer {
		return nil, errors.New("unexpected issuer")
	}
	return claims, nil
}
