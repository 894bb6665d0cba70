package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSet_WithExpiry(t *testing.T) {
	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("derives absolute expiry", func(t *testing.T) {
		set := TokenSet{AccessToken: "a", ExpiresIn: 3600}.WithExpiry(issued)
		assert.Equal(t, issued.Add(time.Hour), set.ExpiresAt)
	})

	t.Run("keeps existing expiry", func(t *testing.T) {
		fixed := issued.Add(5 * time.Minute)
		set := TokenSet{AccessToken: "a", ExpiresIn: 3600, ExpiresAt: fixed}.WithExpiry(issued.Add(time.Hour))
		assert.Equal(t, fixed, set.ExpiresAt)
	})

	t.Run("no lifetime", func(t *testing.T) {
		set := TokenSet{AccessToken: "a"}.WithExpiry(issued)
		assert.True(t, set.ExpiresAt.IsZero())
	})
}

func TestSessionValid_LastLoginFallback(t *testing.T) {
	now := time.Now()
	tokens := &TokenSet{AccessToken: "access", ExpiresIn: 3600}

	stale := now.Add(-7200 * time.Second)
	assert.False(t, SessionValid(tokens, &User{ID: "u", LastLoginAt: &stale}, now, DefaultExpiryBuffer))

	recent := now.Add(-60 * time.Second)
	assert.True(t, SessionValid(tokens, &User{ID: "u", LastLoginAt: &recent}, now, DefaultExpiryBuffer))
}

func TestSessionValid(t *testing.T) {
	now := time.Now()
	user := &User{ID: "u"}

	tests := []struct {
		name   string
		tokens *TokenSet
		user   *User
		want   bool
	}{
		{"missing tokens", nil, user, false},
		{"missing user", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, nil, false},
		{"empty access token", &TokenSet{ExpiresAt: now.Add(time.Hour)}, user, false},
		{"valid", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, user, true},
		{"inside buffer", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(30 * time.Second)}, user, false},
		{"expired", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(-time.Minute)}, user, false},
		{"no anchor", &TokenSet{AccessToken: "a", ExpiresIn: 3600}, user, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionValid(tt.tokens, tt.user, now, DefaultExpiryBuffer))
		})
	}
}

func TestTokenSet_OAuth2RoundTrip(t *testing.T) {
	set := TokenSet{
		AccessToken:  "access",
		IDToken:      "id",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Scope:        "openid profile",
		ExpiresAt:    time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC),
	}

	tok := set.OAuth2Token()
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "id", tok.Extra("id_token"))

	back := TokenSetFromOAuth2(tok)
	assert.Equal(t, set, back)
}

func TestUser_Predicates(t *testing.T) {
	u := &User{Roles: []string{"admin", "viewer"}, Permissions: []string{"mcp:servers:read"}}
	assert.True(t, u.HasRole("admin"))
	assert.False(t, u.HasRole("engineer"))
	assert.True(t, u.HasPermission("mcp:servers:read"))
	assert.False(t, u.HasPermission("mcp:servers:delete"))

	var nilUser *User
	assert.False(t, nilUser.HasRole("admin"))
}

func TestNormalize(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, Normalize(nil))
	})

	t.Run("passthrough", func(t *testing.T) {
		orig := NewError(CodeInvalidState, "mismatch")
		assert.Same(t, orig, Normalize(fmt.Errorf("wrapped: %w", orig)))
	})

	t.Run("deadline", func(t *testing.T) {
		got := Normalize(fmt.Errorf("post: %w", context.DeadlineExceeded))
		assert.Equal(t, CodeTimeout, got.Code)
	})

	t.Run("transport", func(t *testing.T) {
		got := Normalize(&net.OpError{Op: "dial", Err: errors.New("connection refused")})
		assert.Equal(t, CodeNetwork, got.Code)
		assert.True(t, got.Retryable())
	})

	t.Run("other", func(t *testing.T) {
		got := Normalize(errors.New("boom"))
		assert.Equal(t, CodeServer, got.Code)
		assert.False(t, got.Retryable())
	})
}

func TestAuthError_Is(t *testing.T) {
	err := fmt.Errorf("callback: %w", NewError(CodeInvalidState, "state mismatch"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.True(t, HasCode(err, CodeInvalidState))
	assert.Equal(t, "invalid_state: state mismatch", NewError(CodeInvalidState, "state mismatch").Error())
}
