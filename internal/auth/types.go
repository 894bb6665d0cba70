package auth

import (
	"slices"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryBuffer is subtracted from a token's lifetime when deciding
// whether it is still usable.
const DefaultExpiryBuffer = 60 * time.Second

// User is the identity record issued by the backend.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	EmailVerified bool       `json:"email_verified"`
	OrgID         string     `json:"org_id"`
	OrgName       string     `json:"org_name"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	Roles         []string   `json:"roles"`
	Permissions   []string   `json:"permissions"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

func (u *User) HasRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

func (u *User) HasPermission(permission string) bool {
	return u != nil && slices.Contains(u.Permissions, permission)
}

// TokenSet is the credential bundle returned by the callback and refresh
// endpoints.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresIn is relative to the moment of issuance.
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
	Scope     string `json:"scope"`
	// ExpiresAt is derived once from ExpiresIn when the set is first stored.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// WithExpiry returns a copy whose ExpiresAt is anchored at issuedAt. Sets
// that already carry an absolute expiry, or no lifetime at all, are
// returned unchanged.
func (t TokenSet) WithExpiry(issuedAt time.Time) TokenSet {
	if !t.ExpiresAt.IsZero() || t.ExpiresIn <= 0 {
		return t
	}
	t.ExpiresAt = issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	return t
}

// Expiry resolves the absolute expiry of the set. Records written without
// ExpiresAt fall back to the user's last login as the issuance anchor.
// The second return value is false when no anchor is known.
func (t *TokenSet) Expiry(user *User) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if !t.ExpiresAt.IsZero() {
		return t.ExpiresAt, true
	}
	if user != nil && user.LastLoginAt != nil && t.ExpiresIn > 0 {
		return user.LastLoginAt.Add(time.Duration(t.ExpiresIn) * time.Second), true
	}
	return time.Time{}, false
}

// Expired reports whether the set is past its expiry, less buffer, at now.
func (t *TokenSet) Expired(user *User, now time.Time, buffer time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	expiry, ok := t.Expiry(user)
	if !ok {
		return false
	}
	return !now.Add(buffer).Before(expiry)
}

// OAuth2Token converts the set for use with golang.org/x/oauth2.
func (t *TokenSet) OAuth2Token() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    tokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
		ExpiresIn:    t.ExpiresIn,
	}
	extra := map[string]interface{}{}
	if t.IDToken != "" {
		extra["id_token"] = t.IDToken
	}
	if t.Scope != "" {
		extra["scope"] = t.Scope
	}
	if len(extra) > 0 {
		tok = tok.WithExtra(extra)
	}
	return tok
}

// TokenSetFromOAuth2 is the inverse of OAuth2Token.
func TokenSetFromOAuth2(tok *oauth2.Token) TokenSet {
	set := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		ExpiresIn:    tok.ExpiresIn,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}

// Correlator binds one authorization round trip to the tab that started it.
type Correlator struct {
	State string `json:"state"`
	Nonce string `json:"nonce"`
}

// SessionValid reports whether a stored pair may be trusted: both records
// present and the token not expired.
func SessionValid(tokens *TokenSet, user *User, now time.Time, buffer time.Duration) bool {
	if tokens == nil || user == nil {
		return false
	}
	return !tokens.Expired(user, now, buffer)
}
