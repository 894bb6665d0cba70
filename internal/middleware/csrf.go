package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sprintconnect/authsession/internal/cache"
	"github.com/sprintconnect/authsession/pkg/security"
)

const (
	HeaderCSRFToken = "X-CSRF-Token"
	FormCSRFToken   = "csrf_token"

	DefaultCSRFTTL = 10 * time.Minute
)

// CSRFMiddleware issues single-use tokens and requires one on every
// state-changing request. Only a digest of the token is kept.
type CSRFMiddleware struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCSRFMiddleware(c cache.Cache, ttl time.Duration, logger *slog.Logger) *CSRFMiddleware {
	if ttl <= 0 {
		ttl = DefaultCSRFTTL
	}
	return &CSRFMiddleware{
		cache:  c,
		ttl:    ttl,
		logger: logger,
	}
}

func (cm *CSRFMiddleware) Issue(ctx context.Context) (string, error) {
	token, err := security.GenerateCSRFToken()
	if err != nil {
		return "", err
	}

	if err := cm.cache.Set(ctx, csrfKey(token), []byte("1"), cm.ttl); err != nil {
		return "", err
	}

	return token, nil
}

func (cm *CSRFMiddleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(HeaderCSRFToken)
		if token == "" {
			token = r.FormValue(FormCSRFToken)
		}
		if token == "" {
			cm.logger.Warn("Missing CSRF token", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "csrf_missing", "Missing CSRF token")
			return
		}

		if _, err := cm.cache.Take(r.Context(), csrfKey(token)); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				cm.logger.Warn("Invalid CSRF token", "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "csrf_invalid", "Invalid or expired CSRF token")
				return
			}
			cm.logger.Error("Failed to consume CSRF token", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "Internal server error")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func csrfKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "csrf:" + hex.EncodeToString(sum[:])
}
