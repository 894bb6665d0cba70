// Package fakebackend is an in-process stand-in for the backend's OIDC
// endpoints and its identity provider. It issues signed ID tokens, rotates
// refresh tokens and protects one API route, which is enough to drive the
// whole session lifecycle in tests and in the local demo.
package fakebackend

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/sprintconnect/authsession/internal/auth"
)

const (
	PathAuthorize = "/authorize"
	PathEndSess   = "/logout"
	PathMe        = "/api/v1/me"
	PathJWKS      = "/jwks"
	PathDiscovery = "/.well-known/openid-configuration"

	DefaultClientID  = "console"
	DefaultExpiresIn = 3600
	keyID            = "fake-signing-key"
)

// Failure makes the next matching calls misbehave.
type Failure struct {
	Status int
	// Detail is returned as a FastAPI style {"detail": ...} body.
	Detail string
	// Delay is applied before answering, success or not.
	Delay time.Duration
	// Times limits how many calls fail; 0 means until cleared.
	Times int
}

type pendingLogin struct {
	nonce       string
	redirectURI string
}

type Backend struct {
	mu sync.Mutex

	issuer        string
	clientID      string
	key           *rsa.PrivateKey
	signer        jose.Signer
	user          auth.User
	expiresIn     int64
	rotate        bool
	userOnRefresh bool
	now           func() time.Time

	serial        int
	logins        map[string]pendingLogin
	codes         map[string]string
	refreshTokens map[string]bool
	accessTokens  map[string]time.Time
	calls         map[string]int
	failures      map[string]*Failure

	server *httptest.Server
	mux    *http.ServeMux
}

type Option func(*Backend)

func WithIssuer(issuer string) Option {
	return func(b *Backend) { b.issuer = strings.TrimRight(issuer, "/") }
}

func WithClientID(clientID string) Option {
	return func(b *Backend) { b.clientID = clientID }
}

func WithUser(user auth.User) Option {
	return func(b *Backend) { b.user = user }
}

func WithExpiresIn(seconds int64) Option {
	return func(b *Backend) { b.expiresIn = seconds }
}

// WithoutRotation keeps the refresh token stable across refreshes and
// omits it from refresh responses.
func WithoutRotation() Option {
	return func(b *Backend) { b.rotate = false }
}

// WithUserOnRefresh includes the profile in refresh responses.
func WithUserOnRefresh() Option {
	return func(b *Backend) { b.userOnRefresh = true }
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func DefaultUser() auth.User {
	return auth.User{
		ID:            "user-123",
		Email:         "user@example.com",
		Name:          "Example User",
		EmailVerified: true,
		OrgID:         "org-123",
		OrgName:       "Example Org",
		Roles:         []string{"admin"},
		Permissions:   []string{"mcp_servers:read", "mcp_servers:write", "organizations:read"},
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func New(opts ...Option) (*Backend, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	b := &Backend{
		issuer:        "http://localhost:8000",
		clientID:      DefaultClientID,
		key:           key,
		signer:        signer,
		user:          DefaultUser(),
		expiresIn:     DefaultExpiresIn,
		rotate:        true,
		now:           time.Now,
		serial:        123,
		logins:        make(map[string]pendingLogin),
		codes:         make(map[string]string),
		refreshTokens: make(map[string]bool),
		accessTokens:  make(map[string]time.Time),
		calls:         make(map[string]int),
		failures:      make(map[string]*Failure),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.mux = http.NewServeMux()
	b.mux.HandleFunc("POST /auth/oidc/login", b.handleLogin)
	b.mux.HandleFunc("POST /auth/oidc/callback", b.handleCallback)
	b.mux.HandleFunc("POST /auth/oidc/logout", b.handleLogout)
	b.mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	b.mux.HandleFunc("GET "+PathAuthorize, b.handleAuthorize)
	b.mux.HandleFunc("GET "+PathMe, b.handleMe)
	b.mux.HandleFunc("GET "+PathJWKS, b.handleJWKS)
	b.mux.HandleFunc("GET "+PathDiscovery, b.handleDiscovery)
	b.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	return b, nil
}

// Start serves the backend on a loopback httptest server and makes its URL
// the issuer.
func Start(opts ...Option) (*Backend, error) {
	b, err := New(opts...)
	if err != nil {
		return nil, err
	}
	b.server = httptest.NewServer(b)
	b.mu.Lock()
	b.issuer = b.server.URL
	b.mu.Unlock()
	return b, nil
}

func (b *Backend) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issuer
}

func (b *Backend) ClientID() string {
	return b.clientID
}

func (b *Backend) Close() {
	if b.server != nil {
		b.server.Close()
	}
}

// KeySet verifies ID tokens issued by this backend without discovery.
func (b *Backend) KeySet() gooidc.KeySet {
	return &gooidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&b.key.PublicKey}}
}

// Calls returns how many requests reached path.
func (b *Backend) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

func (b *Backend) Fail(path string, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[path] = &f
}

func (b *Backend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.failures)
}

// RevokeAccessTokens makes every issued access token answer 401 on the
// protected route, as if it had expired server-side.
func (b *Backend) RevokeAccessTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.accessTokens)
}

// RevokeRefreshTokens invalidates every issued refresh token.
func (b *Backend) RevokeRefreshTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.refreshTokens)
}

// Authorize plays the identity provider for a login started with state:
// it returns the code the provider would append to the redirect.
func (b *Backend) Authorize(state string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueCodeLocked(state)
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.calls[r.URL.Path]++
	failure := b.failures[r.URL.Path]
	var f Failure
	if failure != nil {
		f = *failure
		if failure.Times > 0 {
			failure.Times--
			if failure.Times == 0 {
				delete(b.failures, r.URL.Path)
			}
		}
	}
	b.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if f.Status != 0 {
		detail := f.Detail
		if detail == "" {
			detail = http.StatusText(f.Status)
		}
		writeJSON(w, f.Status, map[string]string{"detail": detail})
		return
	}

	b.mux.ServeHTTP(w, r)
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RedirectURI == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "redirect_uri is required"})
		return
	}

	state := uuid.NewString()
	nonce := uuid.NewString()

	b.mu.Lock()
	b.logins[state] = pendingLogin{nonce: nonce, redirectURI: req.RedirectURI}
	issuer := b.issuer
	b.mu.Unlock()

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", b.clientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("scope", "openid profile email")
	q.Set("state", state)
	q.Set("nonce", nonce)

	writeJSON(w, http.StatusOK, auth.LoginResponse{
		AuthURL: issuer + PathAuthorize + "?" + q.Encode(),
		State:   state,
		Nonce:   nonce,
	})
}

// handleAuthorize signs the user in unconditionally and bounces back to
// the redirect URI registered at login.
func (b *Backend) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	b.mu.Lock()
	login, ok := b.logins[state]
	var code string
	var err error
	if ok {
		code, err = b.issueCodeLocked(state)
	}
	b.mu.Unlock()

	if !ok || err != nil {
		http.Error(w, "unknown login request", http.StatusBadRequest)
		return
	}

	target, err := url.Parse(login.redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := target.Query()
	q.Set("code", code)
	q.Set("state", state)
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (b *Backend) issueCodeLocked(state string) (string, error) {
	if _, ok := b.logins[state]; !ok {
		return "", fmt.Errorf("unknown state %q", state)
	}
	code := "code-" + uuid.NewString()
	b.codes[code] = state
	return code, nil
}

func (b *Backend) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req auth.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid request body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.codes[req.Code]
	if !ok || state != req.State {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid authorization code"})
		return
	}
	login := b.logins[state]
	delete(b.codes, req.Code)
	delete(b.logins, state)

	now := b.now().UTC()
	user := b.user
	user.LastLoginAt = &now

	tokens, err := b.issueTokensLocked(login.nonce, "")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, auth.CallbackResponse{User: user, Tokens: *tokens})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req auth.LogoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	logoutURL := b.issuer + PathEndSess
	b.mu.Unlock()

	if req.PostLogoutRedirectURI != "" {
		logoutURL += "?" + url.Values{"post_logout_redirect_uri": {req.PostLogoutRedirectURI}}.Encode()
	}
	writeJSON(w, http.StatusOK, auth.LogoutResponse{LogoutURL: logoutURL})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "refresh_token is required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.refreshTokens[req.RefreshToken] {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid refresh token",
		})
		return
	}

	tokens, err := b.issueTokensLocked("", req.RefreshToken)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}

	resp := auth.RefreshResponse{Tokens: *tokens}
	if b.userOnRefresh {
		user := b.user
		resp.User = &user
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Missing authorization header"})
		return
	}

	b.mu.Lock()
	expiry, known := b.accessTokens[token]
	now := b.now()
	user := b.user
	b.mu.Unlock()

	if !known || !now.Before(expiry) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token validation failed"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (b *Backend) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	issuer := b.issuer
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + PathAuthorize,
		"token_endpoint":                        issuer + "/token",
		"jwks_uri":                              issuer + PathJWKS,
		"end_session_endpoint":                  issuer + PathEndSess,
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{string(jose.RS256)},
	})
}

func (b *Backend) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &b.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

// issueTokensLocked mints a fresh token set. When previousRefresh is set
// the call is a refresh: the old token is consumed if rotation is on.
func (b *Backend) issueTokensLocked(nonce, previousRefresh string) (*auth.TokenSet, error) {
	serial := b.serial
	b.serial++
	now := b.now()

	idToken, err := b.signIDTokenLocked(nonce, now)
	if err != nil {
		return nil, err
	}

	tokens := &auth.TokenSet{
		AccessToken: fmt.Sprintf("access-token-%d", serial),
		IDToken:     idToken,
		ExpiresIn:   b.expiresIn,
		TokenType:   "Bearer",
		Scope:       "openid profile email",
	}
	b.accessTokens[tokens.AccessToken] = now.Add(time.Duration(b.expiresIn) * time.Second)

	if previousRefresh == "" || b.rotate {
		tokens.RefreshToken = fmt.Sprintf("refresh-token-%d", serial)
		b.refreshTokens[tokens.RefreshToken] = true
		if previousRefresh != "" {
			delete(b.refreshTokens, previousRefresh)
		}
	}
	return tokens, nil
}

func (b *Backend) signIDTokenLocked(nonce string, now time.Time) (string, error) {
	claims := map[string]any{
		"iss":   b.issuer,
		"sub":   b.user.ID,
		"aud":   b.clientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Duration(b.expiresIn) * time.Second).Unix(),
		"email": b.user.Email,
		"name":  b.user.Name,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	jws, err := b.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return jws.CompactSerialize()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
