package handlers

import (
	"log/slog"
	"net/http"

	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/session"
	"github.com/sprintconnect/authsession/pkg/security"
)

type LoginHandler struct {
	cfg      config.Config
	sessions *session.Manager
	logger   *slog.Logger
}

func NewLoginHandler(cfg config.Config, sessions *session.Manager, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
	}
}

// ServeHTTP starts a sign-in. The return path survives the round trip to
// the identity provider in a short-lived cookie.
func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	returnTo := security.SafeReturnPath(r.URL.Query().Get("return_to"))

	if h.sessions.IsAuthenticated() {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}

	authURL, err := h.sessions.Login(r.Context(), "")
	if err != nil {
		h.logger.Error("Failed to start login", "error", err)
		writeAuthError(w, http.StatusBadGateway, err)
		return
	}

	http.SetCookie(w, security.CreateReturnToCookie(h.cfg.Server, returnTo, h.cfg.Session.CorrelatorTTL))
	http.Redirect(w, r, authURL, http.StatusFound)
}
