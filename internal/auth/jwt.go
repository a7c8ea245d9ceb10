// Package auth issues and validates API bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bissquit/async-dispatch/internal/domain"
	"github.com/bissquit/async-dispatch/internal/pkg/httputil"
)

const issuer = "async-dispatch"

// Errors returned by token validation.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Config contains token settings.
type Config struct {
	SecretKey     string
	TokenDuration time.Duration
}

// Claims is the token payload.
type Claims struct {
	TenantID string      `json:"tenant_id"`
	Role     domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 tokens.
type Authenticator struct {
	config Config
	now    func() time.Time
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(config Config) *Authenticator {
	return &Authenticator{config: config, now: time.Now}
}

// IssueToken returns a signed token for subject acting within tenantID.
func (a *Authenticator) IssueToken(subject, tenantID string, role domain.Role) (string, error) {
	now := a.now()
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TokenDuration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken implements httputil.TokenValidator.
func (a *Authenticator) ValidateToken(_ context.Context, tokenString string) (httputil.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.config.SecretKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return httputil.Principal{}, ErrTokenExpired
		}
		return httputil.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	switch claims.Role {
	case domain.RoleUser, domain.RoleOperator, domain.RoleAdmin:
	default:
		return httputil.Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return httputil.Principal{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
	}, nil
}
