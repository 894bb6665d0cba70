package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/cache"
	"github.com/sprintconnect/authsession/internal/session"
)

type staticState session.State

func (s staticState) State() session.State { return session.State(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUser() *auth.User {
	return &auth.User{
		ID:          "user-123",
		Roles:       []string{"admin"},
		Permissions: []string{"mcp_servers:read", "organizations:read"},
	}
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		require.True(t, ok)
		w.Write([]byte(user.ID))
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) auth.AuthError {
	t.Helper()
	var body auth.AuthError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestGuard_Loading(t *testing.T) {
	guard := NewGuard(staticState{Loading: true}, discardLogger())

	rec := httptest.NewRecorder()
	guard.Authenticated(okHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, auth.ErrorCode("session_loading"), decodeError(t, rec).Code)
}

func TestGuard_RedirectsToLogin(t *testing.T) {
	guard := NewGuard(staticState{}, discardLogger())

	rec := httptest.NewRecorder()
	guard.Authenticated(okHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers?page=2", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLoginPath, loc.Path)
	assert.Equal(t, "/servers?page=2", loc.Query().Get("return_to"))
}

func TestGuard_UnauthenticatedWrite(t *testing.T) {
	guard := NewGuard(staticState{}, discardLogger())

	rec := httptest.NewRecorder()
	guard.Authenticated(okHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/servers", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.ErrorCode("unauthenticated"), decodeError(t, rec).Code)
}

func TestGuard_Requirements(t *testing.T) {
	state := staticState{Authenticated: true, User: testUser()}
	guard := NewGuard(state, discardLogger())

	tests := []struct {
		name string
		req  Requirement
		want int
	}{
		{"no requirement", Requirement{}, http.StatusOK},
		{"any permission", Requirement{Permissions: []string{"billing:read", "mcp_servers:read"}}, http.StatusOK},
		{"missing permission", Requirement{Permissions: []string{"billing:read"}}, http.StatusForbidden},
		{"all permissions", Requirement{Permissions: []string{"mcp_servers:read", "organizations:read"}, All: true}, http.StatusOK},
		{"all permissions missing one", Requirement{Permissions: []string{"mcp_servers:read", "mcp_servers:write"}, All: true}, http.StatusForbidden},
		{"role", Requirement{Roles: []string{"admin"}}, http.StatusOK},
		{"role and permission", Requirement{Roles: []string{"viewer"}, Permissions: []string{"mcp_servers:read"}}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			guard.Require(tt.req)(okHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "user-123", rec.Body.String())
			}
		})
	}
}

func TestUserFrom_Empty(t *testing.T) {
	_, ok := UserFrom(context.Background())
	assert.False(t, ok)
}

func TestCSRF(t *testing.T) {
	c := cache.NewMemoryCache()
	t.Cleanup(func() { c.Close() })
	csrf := NewCSRFMiddleware(c, 0, discardLogger())

	calls := 0
	handler := csrf.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	t.Run("safe methods pass", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, auth.ErrorCode("csrf_missing"), decodeError(t, rec).Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.Header.Set(HeaderCSRFToken, "forged")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("issued token is single use", func(t *testing.T) {
		token, err := csrf.Issue(context.Background())
		require.NoError(t, err)

		before := calls
		for i, want := range []int{http.StatusOK, http.StatusForbidden} {
			req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(url.Values{FormCSRFToken: {token}}.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, want, rec.Code, "attempt %d", i)
		}
		assert.Equal(t, before+1, calls)
	})
}

func TestCSRF_ConcurrentReuseAdmitsOne(t *testing.T) {
	c := cache.NewMemoryCache()
	t.Cleanup(func() { c.Close() })
	csrf := NewCSRFMiddleware(c, 0, discardLogger())

	var admitted atomic.Int32
	handler := csrf.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admitted.Add(1)
	}))

	token, err := csrf.Issue(context.Background())
	require.NoError(t, err)

	const requests = 20
	codes := make([]int, requests)
	var wg sync.WaitGroup
	for i := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
			req.Header.Set(HeaderCSRFToken, token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	forbidden := 0
	for _, code := range codes {
		if code == http.StatusForbidden {
			forbidden++
		}
	}
	assert.Equal(t, requests-1, forbidden)
}

func TestLogging_RequestID(t *testing.T) {
	handler := Logging(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, rec.Header().Get(HeaderRequestID), 36)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(HeaderRequestID))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, auth.CodeServer, decodeError(t, rec).Code)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
