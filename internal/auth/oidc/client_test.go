package oidc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/fakebackend"
)

func startBackend(t *testing.T, opts ...fakebackend.Option) *fakebackend.Backend {
	t.Helper()
	fb, err := fakebackend.Start(opts...)
	require.NoError(t, err)
	t.Cleanup(fb.Close)
	return fb
}

func newTestClient(t *testing.T, fb *fakebackend.Backend) *Client {
	t.Helper()
	c, err := NewClient(config.BackendConfig{URL: fb.URL(), Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return c
}

func TestNewClientWithHTTP_RejectsRelativeURL(t *testing.T) {
	_, err := NewClientWithHTTP("/api", nil, nil)
	assert.Error(t, err)
}

func TestClient_LoginCallbackRefreshLogout(t *testing.T) {
	fb := startBackend(t)
	c := newTestClient(t, fb)
	ctx := context.Background()

	login, err := c.Login(ctx, "http://localhost:8080/auth/callback")
	require.NoError(t, err)
	assert.Contains(t, login.AuthURL, fb.URL()+fakebackend.PathAuthorize)
	assert.Contains(t, login.AuthURL, "client_id="+fakebackend.DefaultClientID)
	assert.NotEmpty(t, login.State)
	assert.NotEmpty(t, login.Nonce)

	code, err := fb.Authorize(login.State)
	require.NoError(t, err)

	cb, err := c.Callback(ctx, code, login.State, "http://localhost:8080/auth/callback")
	require.NoError(t, err)
	assert.Equal(t, "org-123", cb.User.OrgID)
	assert.Equal(t, "access-token-123", cb.Tokens.AccessToken)
	assert.Equal(t, "refresh-token-123", cb.Tokens.RefreshToken)
	assert.EqualValues(t, fakebackend.DefaultExpiresIn, cb.Tokens.ExpiresIn)
	require.NotNil(t, cb.User.LastLoginAt)

	refreshed, err := c.Refresh(ctx, cb.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "access-token-124", refreshed.Tokens.AccessToken)
	assert.Nil(t, refreshed.User)

	logout, err := c.Logout(ctx, "http://localhost:8080/")
	require.NoError(t, err)
	assert.Contains(t, logout.LogoutURL, "post_logout_redirect_uri=")

	assert.Equal(t, 1, fb.Calls(PathLogin))
	assert.Equal(t, 1, fb.Calls(PathCallback))
	assert.Equal(t, 1, fb.Calls(PathRefresh))
	assert.Equal(t, 1, fb.Calls(PathLogout))
}

func TestClient_ErrorMapping(t *testing.T) {
	t.Run("detail body", func(t *testing.T) {
		fb := startBackend(t)
		c := newTestClient(t, fb)

		_, err := c.Callback(context.Background(), "bogus", "state", "http://localhost/cb")
		require.Error(t, err)

		var authErr *auth.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, auth.CodeServer, authErr.Code)
		assert.Equal(t, http.StatusBadRequest, authErr.Status)
		assert.Equal(t, "Invalid authorization code", authErr.Description)
	})

	t.Run("oauth body", func(t *testing.T) {
		fb := startBackend(t)
		c := newTestClient(t, fb)

		_, err := c.Refresh(context.Background(), "unknown")
		var authErr *auth.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, auth.CodeServer, authErr.Code)
		assert.Equal(t, http.StatusUnauthorized, authErr.Status)
		assert.Equal(t, "Invalid refresh token", authErr.Description)
	})

	t.Run("empty body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c, err := NewClientWithHTTP(srv.URL, srv.Client(), nil)
		require.NoError(t, err)

		_, err = c.Login(context.Background(), "http://localhost/cb")
		var authErr *auth.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, auth.CodeServer, authErr.Code)
		assert.Equal(t, "backend returned 502", authErr.Description)
	})

	t.Run("malformed success body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		}))
		defer srv.Close()

		c, err := NewClientWithHTTP(srv.URL, srv.Client(), nil)
		require.NoError(t, err)

		_, err = c.Login(context.Background(), "http://localhost/cb")
		assert.True(t, auth.HasCode(err, auth.CodeServer))
	})

	t.Run("timeout", func(t *testing.T) {
		fb := startBackend(t)
		fb.Fail(PathLogin, fakebackend.Failure{Delay: time.Second})

		c, err := NewClientWithHTTP(fb.URL(), &http.Client{Timeout: 50 * time.Millisecond}, nil)
		require.NoError(t, err)

		_, err = c.Login(context.Background(), "http://localhost/cb")
		assert.True(t, auth.HasCode(err, auth.CodeTimeout), "got %v", err)
	})

	t.Run("network", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c, err := NewClientWithHTTP(url, nil, nil)
		require.NoError(t, err)

		_, err = c.Logout(context.Background(), "")
		assert.True(t, auth.HasCode(err, auth.CodeNetwork), "got %v", err)
		assert.ErrorIs(t, err, auth.ErrNetwork)
	})
}

func TestClient_SendsRequestID(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"logout_url":"http://idp/logout"}`))
	}))
	defer srv.Close()

	c, err := NewClientWithHTTP(srv.URL+"/", srv.Client(), nil)
	require.NoError(t, err)

	resp, err := c.Logout(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "http://idp/logout", resp.LogoutURL)
	assert.Len(t, got, 36)
}
