package handlers

import (
	"log/slog"
	"net/http"

	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/session"
	"github.com/sprintconnect/authsession/pkg/security"
)

type LogoutHandler struct {
	cfg      config.Config
	sessions *session.Manager
	logger   *slog.Logger
}

func NewLogoutHandler(cfg config.Config, sessions *session.Manager, logger *slog.Logger) *LogoutHandler {
	return &LogoutHandler{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
	}
}

// ServeHTTP signs the user out locally and sends the browser to the
// provider's end-session URL. When the backend cannot be reached the
// local sign-out still stands and the browser goes home.
func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logoutURL, err := h.sessions.Logout(r.Context(), "")
	if err != nil {
		h.logger.Warn("Backend logout failed", "error", err)
	}

	http.SetCookie(w, security.ClearCookie(h.cfg.Server, security.ReturnToCookieName(h.cfg.Server)))

	h.logger.Info("User logged out")

	if logoutURL == "" {
		logoutURL = "/"
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}
