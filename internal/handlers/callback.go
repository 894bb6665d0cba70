package handlers

import (
	"log/slog"
	"net/http"

	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/session"
	"github.com/sprintconnect/authsession/pkg/security"
)

type CallbackHandler struct {
	cfg      config.Config
	sessions *session.Manager
	logger   *slog.Logger
}

func NewCallbackHandler(cfg config.Config, sessions *session.Manager, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := session.CallbackParamsFromQuery(r.URL.Query())
	attempt := h.sessions.NewCallbackAttempt(params)

	user, err := attempt.Run(r.Context())
	http.SetCookie(w, security.ClearCookie(h.cfg.Server, security.ReturnToCookieName(h.cfg.Server)))
	if err != nil {
		h.logger.Warn("Authentication failed",
			"error", err,
			"provider_error", params.Error,
		)
		writeAuthError(w, http.StatusUnauthorized, err)
		return
	}

	h.logger.Info("Authentication successful",
		"user_id", user.ID,
		"org_id", user.OrgID,
	)

	http.Redirect(w, r, security.ReturnTo(r, h.cfg.Server), http.StatusFound)
}
