// Package flow drives the Authorization-Code round trip and the token
// refresh against the backend, keeping the session store in step.
package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/store"
	"github.com/sprintconnect/authsession/pkg/security"
)

const DefaultTimeout = 10 * time.Second

// IDTokenVerifier checks the ID token of a callback exchange against the
// nonce stored at login.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken, nonce string) error
}

// RefreshObserver is called once per settled refresh, with the new token
// set or the failure.
type RefreshObserver func(tokens *auth.TokenSet, err error)

type Orchestrator struct {
	backend  auth.Backend
	store    *store.Store
	verifier IDTokenVerifier
	cfg      config.SessionConfig
	logger   *slog.Logger
	now      func() time.Time

	refreshGroup singleflight.Group

	// sessionMu orders session writes. generation changes whenever the
	// session is replaced or ended, so a refresh that started before
	// can tell its result is stale.
	sessionMu  sync.Mutex
	generation uint64

	mu        sync.RWMutex
	observers []RefreshObserver
}

type Option func(*Orchestrator)

func WithVerifier(v IDTokenVerifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(backend auth.Backend, st *store.Store, cfg config.SessionConfig, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	o := &Orchestrator{
		backend: backend,
		store:   st,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// OnRefresh registers an observer for settled refreshes.
func (o *Orchestrator) OnRefresh(fn RefreshObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Login asks the backend for an authorization URL and remembers the
// correlator that comes with it. An empty redirectURI selects the
// configured callback.
func (o *Orchestrator) Login(ctx context.Context, redirectURI string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.backend.Login(ctx, o.redirectURI(redirectURI))
	if err != nil {
		authErr := auth.Normalize(err)
		o.logger.Warn("Login request failed", "error", authErr)
		return "", authErr
	}

	if resp.AuthURL == "" || resp.State == "" {
		return "", auth.NewError(auth.CodeServer, "login response is missing auth_url or state")
	}

	if err := o.store.SetCorrelator(ctx, auth.Correlator{State: resp.State, Nonce: resp.Nonce}); err != nil {
		return "", auth.Normalize(err)
	}

	o.logger.Debug("Login started")
	return resp.AuthURL, nil
}

// HandleCallback completes the round trip started by Login. The state is
// checked against the stored correlator before anything is sent.
//
// The exchange is not cancelled when ctx is; a caller that goes away
// still gets its session written.
func (o *Orchestrator) HandleCallback(ctx context.Context, code, state, redirectURI string) (*auth.CallbackResponse, error) {
	if code == "" || state == "" {
		o.clearCorrelator(ctx)
		return nil, auth.NewError(auth.CodeMissingParams, "code and state are required")
	}

	correlator := o.store.Correlator(ctx)
	if correlator == nil || !security.TokensEqual(correlator.State, state) {
		o.clearCorrelator(ctx)
		o.logger.Warn("Rejected callback with unknown state")
		return nil, auth.NewError(auth.CodeInvalidState, "state does not match the pending login")
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	defer cancel()

	resp, err := o.backend.Callback(ctx, code, state, o.redirectURI(redirectURI))
	if err != nil {
		authErr := auth.Normalize(err)
		if !authErr.Retryable() {
			o.clearCorrelator(ctx)
		}
		o.logger.Warn("Code exchange failed", "error", authErr)
		return nil, authErr
	}

	if o.verifier != nil {
		if err := o.verifier.Verify(ctx, resp.Tokens.IDToken, correlator.Nonce); err != nil {
			o.clearCorrelator(ctx)
			o.logger.Warn("ID token rejected", "error", err)
			return nil, auth.Normalize(err)
		}
	}

	now := o.now().UTC()
	if resp.User.LastLoginAt == nil {
		resp.User.LastLoginAt = &now
	}
	resp.Tokens = resp.Tokens.WithExpiry(now)

	o.sessionMu.Lock()
	o.generation++
	err = o.persist(ctx, &resp.Tokens, &resp.User)
	o.sessionMu.Unlock()
	o.clearCorrelator(ctx)
	if err != nil {
		return nil, err
	}

	o.logger.Info("Session established", "user_id", resp.User.ID, "org_id", resp.User.OrgID)
	return resp, nil
}

// AbortCallback discards the pending login when the identity provider
// redirected back with an error instead of a code.
func (o *Orchestrator) AbortCallback(ctx context.Context, code, description string) error {
	o.clearCorrelator(ctx)
	if description == "" {
		description = code
	}
	o.logger.Info("Login aborted by identity provider", "error", code)
	return auth.NewError(auth.CodeAccessDenied, description)
}

// Logout drops the local session first, then asks the backend where to
// send the browser. The backend error, if any, is still returned.
func (o *Orchestrator) Logout(ctx context.Context, postLogoutRedirectURI string) (string, error) {
	o.sessionMu.Lock()
	o.generation++
	if err := o.store.ClearSession(ctx); err != nil {
		o.logger.Warn("Failed to clear session", "error", err)
	}
	o.sessionMu.Unlock()
	o.clearCorrelator(ctx)

	if postLogoutRedirectURI == "" {
		postLogoutRedirectURI = o.cfg.PostLogoutRedirectURI
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.backend.Logout(ctx, postLogoutRedirectURI)
	if err != nil {
		authErr := auth.Normalize(err)
		o.logger.Warn("Logout request failed", "error", authErr)
		return "", authErr
	}

	o.logger.Info("Session ended")
	return resp.LogoutURL, nil
}

// RefreshAccessToken exchanges the stored refresh token for a new set.
// Concurrent callers share one backend call; each still returns as soon
// as its own ctx is done.
func (o *Orchestrator) RefreshAccessToken(ctx context.Context) (*auth.TokenSet, error) {
	tokens := o.store.Tokens(ctx)
	if tokens == nil || tokens.RefreshToken == "" {
		return nil, auth.NewError(auth.CodeNoRefreshToken, "no refresh token available")
	}

	ch := o.refreshGroup.DoChan("refresh", func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
		defer cancel()
		return o.refresh(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tokens := res.Val.(*auth.TokenSet)
		return tokens, nil
	case <-ctx.Done():
		return nil, auth.Normalize(ctx.Err())
	}
}

func (o *Orchestrator) refresh(ctx context.Context) (tokens *auth.TokenSet, err error) {
	defer func() { o.notify(tokens, err) }()

	o.sessionMu.Lock()
	generation := o.generation
	current := o.store.Tokens(ctx)
	o.sessionMu.Unlock()
	if current == nil || current.RefreshToken == "" {
		return nil, auth.NewError(auth.CodeNoRefreshToken, "no refresh token available")
	}

	resp, err := o.backend.Refresh(ctx, current.RefreshToken)

	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()
	if o.generation != generation {
		o.logger.Info("Session changed during refresh, discarding result")
		return nil, auth.NewError(auth.CodeNoRefreshToken, "session ended during refresh")
	}

	if err != nil {
		authErr := auth.Normalize(err)
		o.logger.Warn("Token refresh failed, clearing session", "error", authErr)
		if clearErr := o.store.ClearSession(ctx); clearErr != nil {
			o.logger.Warn("Failed to clear session", "error", clearErr)
		}
		return nil, authErr
	}

	next := resp.Tokens.WithExpiry(o.now())
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	if err := o.persist(ctx, &next, resp.User); err != nil {
		return nil, err
	}

	o.logger.Debug("Access token refreshed", "expires_at", next.ExpiresAt)
	return &next, nil
}

func (o *Orchestrator) persist(ctx context.Context, tokens *auth.TokenSet, user *auth.User) error {
	if err := o.store.SetTokens(ctx, *tokens); err != nil {
		o.logger.Error("Failed to persist tokens", "error", err)
		return auth.Normalize(err)
	}
	if user != nil {
		if err := o.store.SetUser(ctx, *user); err != nil {
			o.logger.Error("Failed to persist user", "error", err)
			return auth.Normalize(err)
		}
	}
	return nil
}

func (o *Orchestrator) notify(tokens *auth.TokenSet, err error) {
	o.mu.RLock()
	observers := make([]RefreshObserver, len(o.observers))
	copy(observers, o.observers)
	o.mu.RUnlock()

	for _, fn := range observers {
		fn(tokens, err)
	}
}

func (o *Orchestrator) clearCorrelator(ctx context.Context) {
	if err := o.store.ClearCorrelator(ctx); err != nil {
		o.logger.Warn("Failed to clear correlator", "error", err)
	}
}

func (o *Orchestrator) redirectURI(redirectURI string) string {
	if redirectURI != "" {
		return redirectURI
	}
	return o.cfg.RedirectURI
}
