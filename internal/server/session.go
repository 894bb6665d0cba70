package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sprintconnect/authsession/internal/auth/oidc"
	"github.com/sprintconnect/authsession/internal/cache"
	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/flow"
	"github.com/sprintconnect/authsession/internal/session"
	"github.com/sprintconnect/authsession/internal/store"
)

// Session bundles everything between the configuration and a running
// session manager. The ephemeral cache backs the OIDC correlator and CSRF
// tokens and never outlives the process.
type Session struct {
	Ephemeral cache.Cache
	Store     *store.Store
	Backend   *oidc.Client
	Manager   *session.Manager
}

// OpenSession wires the session stack for cfg and derives the initial
// state from the configured store.
func OpenSession(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...session.Option) (*Session, error) {
	durable, err := cache.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	ephemeral := cache.NewMemoryCache()

	st := store.New(durable, ephemeral, logger.With("component", "store"),
		store.WithCorrelatorTTL(cfg.Session.CorrelatorTTL),
	)

	backend, err := oidc.NewClient(cfg.Backend, logger.With("component", "backend"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	var flowOpts []flow.Option
	if cfg.IDToken.Enabled() {
		verifier, err := oidc.NewNonceVerifier(ctx, cfg.IDToken.Issuer, cfg.IDToken.ClientID)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create id token verifier: %w", err)
		}
		flowOpts = append(flowOpts, flow.WithVerifier(verifier))
	}

	orch := flow.New(backend, st, cfg.Session, logger.With("component", "flow"), flowOpts...)
	manager := session.NewManager(orch, cfg.Session, logger.With("component", "session"), opts...)

	state := manager.Init(ctx)
	logger.Info("Session initialised",
		"store", cfg.Store.Type,
		"authenticated", state.Authenticated,
	)

	return &Session{
		Ephemeral: ephemeral,
		Store:     st,
		Backend:   backend,
		Manager:   manager,
	}, nil
}

func (s *Session) Close() error {
	return errors.Join(s.Manager.Close(), s.Store.Close())
}
