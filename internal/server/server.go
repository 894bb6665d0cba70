package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sprintconnect/authsession/internal/config"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	cfg        config.Config
	session    *Session
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
}

func New(cfg config.Config, sess *Session, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		session: sess,
		logger:  logger,
	}

	router, err := s.setupRoutes()
	if err != nil {
		return nil, fmt.Errorf("failed to setup routes: %w", err)
	}
	s.handler = router

	return s, nil
}

// Handler is the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.Backend.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server",
			"addr", s.httpServer.Addr,
			"base_url", s.cfg.Server.BaseURL,
			"backend", s.cfg.Backend.URL,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info("Received shutdown signal")
		return s.Shutdown()
	}
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", "error", err)
		return err
	}

	if err := s.session.Close(); err != nil {
		s.logger.Error("Error closing session", "error", err)
	}

	s.logger.Info("Server shutdown complete")
	return nil
}
