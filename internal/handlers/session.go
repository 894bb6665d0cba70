package handlers

import (
	"log/slog"
	"net/http"

	"github.com/sprintconnect/authsession/internal/middleware"
	"github.com/sprintconnect/authsession/internal/session"
)

type SessionHandler struct {
	sessions *session.Manager
	csrf     *middleware.CSRFMiddleware
	logger   *slog.Logger
}

func NewSessionHandler(sessions *session.Manager, csrf *middleware.CSRFMiddleware, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		csrf:     csrf,
		logger:   logger,
	}
}

type SessionResponse struct {
	session.State
	CSRFToken string `json:"csrf_token,omitempty"`
}

// State reports the current session snapshot with a fresh CSRF token for
// the next state-changing call.
func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.Issue(r.Context())
	if err != nil {
		h.logger.Error("Failed to issue CSRF token", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "error", Error: "server_error"})
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		State:     h.sessions.State(),
		CSRFToken: token,
	})
}

func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.RefreshToken(r.Context()); err != nil {
		h.logger.Warn("Token refresh failed", "error", err)
		writeAuthError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{State: h.sessions.State()})
}

func (h *SessionHandler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

// WhoAmI answers for the user the guard admitted.
func (h *SessionHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Status: "error", Error: "unauthenticated"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}
