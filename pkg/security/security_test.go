package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintconnect/authsession/internal/config"
)

func TestSafeReturnPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/dashboard", "/dashboard"},
		{"/servers?page=2#top", "/servers?page=2#top"},
		{"dashboard", "/"},
		{"//evil.example.com", "/"},
		{"/\\evil.example.com", "/"},
		{"https://evil.example.com/", "/"},
		{"/auth/login", "/"},
		{"/ok\r\nSet-Cookie: x=y", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeReturnPath(tt.in))
		})
	}
}

func TestReturnToCookie(t *testing.T) {
	cfg := config.ServerConfig{CookieName: "authsession", CookieSameSite: "strict", CookieSecure: true}

	cookie := CreateReturnToCookie(cfg, "/servers?page=2", 10*time.Minute)
	assert.Equal(t, "authsession_return", cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, 600, cookie.MaxAge)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	req.AddCookie(cookie)
	assert.Equal(t, "/servers?page=2", ReturnTo(req, cfg))

	assert.Equal(t, "/", ReturnTo(httptest.NewRequest(http.MethodGet, "/", nil), cfg))

	cleared := ClearCookie(cfg, ReturnToCookieName(cfg))
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestCSRFToken(t *testing.T) {
	a, err := GenerateCSRFToken()
	require.NoError(t, err)
	b, err := GenerateCSRFToken()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.True(t, TokensEqual(a, a))
	assert.False(t, TokensEqual(a, b))
	assert.False(t, TokensEqual("", ""))
}
