package server

import (
	"net/http"

	"github.com/sprintconnect/authsession/internal/handlers"
	"github.com/sprintconnect/authsession/internal/middleware"
	"github.com/sprintconnect/authsession/internal/proxy"
)

func (s *Server) setupRoutes() (http.Handler, error) {
	mux := http.NewServeMux()
	manager := s.session.Manager

	csrf := middleware.NewCSRFMiddleware(s.session.Ephemeral, s.cfg.Session.CorrelatorTTL, s.logger)
	guard := middleware.NewGuard(manager, s.logger)

	loginHandler := handlers.NewLoginHandler(s.cfg, manager, s.logger)
	callbackHandler := handlers.NewCallbackHandler(s.cfg, manager, s.logger)
	logoutHandler := handlers.NewLogoutHandler(s.cfg, manager, s.logger)
	sessionHandler := handlers.NewSessionHandler(manager, csrf, s.logger)
	healthHandler := handlers.NewHealthHandler(s.cfg.Store.Type, s.session.Store, s.cfg.Backend.URL, s.session.Backend, s.logger)

	reverseProxy, err := proxy.NewReverseProxy(s.cfg.Backend, manager.Transport(), s.logger)
	if err != nil {
		return nil, err
	}

	mux.Handle("GET /auth/login", loginHandler)
	mux.Handle("GET /auth/callback", callbackHandler)
	mux.Handle("POST /auth/logout", csrf.Protect(logoutHandler))

	mux.HandleFunc("GET /auth/session", sessionHandler.State)
	mux.HandleFunc("POST /auth/refresh", sessionHandler.Refresh)
	mux.HandleFunc("DELETE /auth/session/error", sessionHandler.ClearError)

	mux.Handle("GET /health", healthHandler)

	mux.Handle("/api/", guard.Authenticated(reverseProxy))
	mux.Handle("GET /{$}", guard.Authenticated(http.HandlerFunc(sessionHandler.WhoAmI)))

	handler := middleware.Recovery(s.logger)(
		middleware.Logging(s.logger)(
			middleware.SecurityHeaders(mux),
		),
	)

	return handler, nil
}
