package security

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sprintconnect/authsession/internal/config"
)

const returnToSuffix = "_return"

func CreateCookie(cfg config.ServerConfig, name, value string, maxAge time.Duration) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	switch strings.ToLower(cfg.CookieSameSite) {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}

	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cfg.CookieDomain,
		MaxAge:   int(maxAge.Seconds()),
		Secure:   cfg.CookieSecure,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

func ClearCookie(cfg config.ServerConfig, name string) *http.Cookie {
	cookie := CreateCookie(cfg, name, "", 0)
	cookie.MaxAge = -1
	return cookie
}

func ReturnToCookieName(cfg config.ServerConfig) string {
	return cfg.CookieName + returnToSuffix
}

// CreateReturnToCookie remembers where to send the user after the login
// round trip. Unsafe paths are replaced by "/".
func CreateReturnToCookie(cfg config.ServerConfig, path string, maxAge time.Duration) *http.Cookie {
	return CreateCookie(cfg, ReturnToCookieName(cfg), url.QueryEscape(SafeReturnPath(path)), maxAge)
}

// ReturnTo reads the return path cookie, falling back to "/".
func ReturnTo(req *http.Request, cfg config.ServerConfig) string {
	cookie, err := req.Cookie(ReturnToCookieName(cfg))
	if err != nil {
		return "/"
	}
	path, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return "/"
	}
	return SafeReturnPath(path)
}

// SafeReturnPath accepts only paths local to this origin, so a crafted
// return_to cannot turn the login flow into an open redirect.
func SafeReturnPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return "/"
	}
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	if strings.ContainsAny(raw, "\r\n") {
		return "/"
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	if strings.HasPrefix(u.Path, "/auth/") {
		return "/"
	}
	return raw
}
