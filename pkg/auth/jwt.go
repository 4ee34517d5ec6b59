// Package auth validates the bearer tokens that identify collaborators.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/KlikkAI/reporunner-sub010/internal/config"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInvalidClaims    = errors.New("invalid token claims")
)

// Role claims understood by the session layer.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
)

// DevUserHeader names the caller when authentication is disabled.
const DevUserHeader = "X-User-ID"

// Claims are the JWT claims of a collaborator.
type Claims struct {
	UserID string   `json:"sub"`
	Name   string   `json:"name,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Service issues and validates HS256 tokens.
type Service struct {
	enabled   bool
	secretKey []byte
	issuer    string
	audience  string
	ttl       time.Duration
	parser    *jwt.Parser
}

// NewService builds a service from the auth configuration.
func NewService(cfg config.Auth) (*Service, error) {
	if cfg.Enabled && cfg.JWTSecret == "" {
		return nil, errors.New("secret key required for HS256")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		enabled:   cfg.Enabled,
		secretKey: []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		ttl:       ttl,
		parser:    jwt.NewParser(opts...),
	}, nil
}

// Enabled reports whether tokens are required.
func (s *Service) Enabled() bool { return s.enabled }

// GenerateToken issues a token for userID.
func (s *Service) GenerateToken(userID, name string, roles []string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Name:   name,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

// ValidateToken checks signature, expiry, issuer and audience.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := s.parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secretKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user ID", ErrInvalidClaims)
	}
	return claims, nil
}

// Authenticate resolves the caller of r. Browsers cannot set headers on a
// WebSocket upgrade, so the token is also read from the "token" query
// parameter and the auth_token cookie. With authentication disabled the
// caller is taken from DevUserHeader or the "user" query parameter.
func (s *Service) Authenticate(r *http.Request) (*Claims, error) {
	if !s.enabled {
		user := r.Header.Get(DevUserHeader)
		if user == "" {
			user = r.URL.Query().Get("user")
		}
		if user == "" {
			return nil, ErrMissingToken
		}
		return &Claims{UserID: user, Name: user}, nil
	}
	return s.ValidateToken(ExtractToken(r))
}

// ExtractToken finds a bearer token on r.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return c.Value
	}
	return ""
}

type contextKey struct{}

// WithClaims stores the caller in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// ClaimsFrom returns the caller stored by WithClaims.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok && c != nil
}
