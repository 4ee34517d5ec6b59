package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KlikkAI/reporunner-sub010/internal/config"
)

const secret = "0123456789abcdef0123456789abcdef"

func newService(t *testing.T, cfg config.Auth) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = secret
	}
	s, err := NewService(cfg)
	require.NoError(t, err)
	return s
}

func TestService_RoundTrip(t *testing.T) {
	s := newService(t, config.Auth{Issuer: "collab", Audience: "editor", TokenTTL: time.Minute})

	token, err := s.GenerateToken("alice", "Alice", []string{RoleEditor})
	require.NoError(t, err)

	claims, err := s.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.Name)
	assert.True(t, claims.HasRole(RoleEditor))
	assert.False(t, claims.HasRole(RoleViewer))
}

func TestService_Rejections(t *testing.T) {
	s := newService(t, config.Auth{Issuer: "collab"})
	other := newService(t, config.Auth{Issuer: "collab", JWTSecret: "ffffffffffffffffffffffffffffffff"})
	foreign := newService(t, config.Auth{Issuer: "elsewhere"})

	forged, err := other.GenerateToken("alice", "", nil)
	require.NoError(t, err)
	wrongIssuer, err := foreign.GenerateToken("alice", "", nil)
	require.NoError(t, err)
	// A non-positive TokenTTL falls back to the default, so an expired
	// token is minted directly.
	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "collab",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"bad signature", forged, ErrInvalidSignature},
		{"wrong issuer", wrongIssuer, ErrInvalidClaims},
		{"expired", stale, ErrExpiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ValidateToken(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_Authenticate(t *testing.T) {
	s := newService(t, config.Auth{})
	token, err := s.GenerateToken("bob", "Bob", nil)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	claims, err := s.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.UserID)

	r = httptest.NewRequest("GET", "/api/v1/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, err = s.Authenticate(r)
	require.NoError(t, err)

	_, err = s.Authenticate(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestService_DisabledUsesDevHeader(t *testing.T) {
	s, err := NewService(config.Auth{Enabled: false})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set(DevUserHeader, "carol")
	claims, err := s.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.UserID)

	ctx := WithClaims(context.Background(), claims)
	got, ok := ClaimsFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "carol", got.UserID)
}
