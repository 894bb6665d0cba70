package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/session"
)

type contextKey string

const userContextKey contextKey = "user"

const DefaultLoginPath = "/auth/login"

// StateSource is the part of the session manager the guard reads.
type StateSource interface {
	State() session.State
}

// Requirement restricts a route to users holding the listed permissions
// and roles. With All unset a single match per list is enough. Empty
// lists are ignored.
type Requirement struct {
	Permissions []string
	Roles       []string
	All         bool
}

func (r Requirement) satisfiedBy(user *auth.User) bool {
	if user == nil {
		return false
	}
	return r.match(r.Permissions, user.HasPermission) && r.match(r.Roles, user.HasRole)
}

func (r Requirement) match(wanted []string, has func(string) bool) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if has(w) && !r.All {
			return true
		}
		if !has(w) && r.All {
			return false
		}
	}
	return r.All
}

type Guard struct {
	sessions  StateSource
	loginPath string
	logger    *slog.Logger
}

func NewGuard(sessions StateSource, logger *slog.Logger) *Guard {
	return &Guard{
		sessions:  sessions,
		loginPath: DefaultLoginPath,
		logger:    logger,
	}
}

// Require lets a request through only once the session has settled as
// authenticated and the user satisfies req.
func (g *Guard) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := g.sessions.State()

			switch {
			case state.Loading:
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, "session_loading", "Session is being established")
				return
			case !state.Authenticated || state.User == nil:
				g.unauthenticated(w, r)
				return
			case !req.satisfiedBy(state.User):
				g.logger.Warn("Access denied",
					"path", r.URL.Path,
					"user_id", state.User.ID,
				)
				writeError(w, http.StatusForbidden, "forbidden", "Insufficient permissions")
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, state.User)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticated is Require with no permission or role constraints.
func (g *Guard) Authenticated(next http.Handler) http.Handler {
	return g.Require(Requirement{})(next)
}

func (g *Guard) unauthenticated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Sign in required")
		return
	}

	target := g.loginPath + "?" + url.Values{"return_to": {r.URL.RequestURI()}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

// UserFrom returns the user a guarded handler was admitted with.
func UserFrom(ctx context.Context) (*auth.User, bool) {
	user, ok := ctx.Value(userContextKey).(*auth.User)
	return user, ok && user != nil
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(auth.NewError(auth.ErrorCode(code), description))
}
