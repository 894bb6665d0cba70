// Package session exposes the authentication lifecycle to the rest of the
// application: a derived state snapshot, permission predicates, the
// lifecycle actions, and an authenticated HTTP client.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/flow"
	"github.com/sprintconnect/authsession/internal/proxy"
	"github.com/sprintconnect/authsession/internal/scheduler"
	"github.com/sprintconnect/authsession/internal/store"
)

// State is replaced as a whole on every transition.
type State struct {
	Authenticated bool            `json:"authenticated"`
	Loading       bool            `json:"loading"`
	User          *auth.User      `json:"user"`
	Error         *auth.AuthError `json:"error"`
}

type Manager struct {
	store     *store.Store
	orch      *flow.Orchestrator
	scheduler *scheduler.Scheduler
	gate      *proxy.Gate
	buffer    time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	state   State
	subs    map[int]func(State)
	nextSub int

	scheduleMu      sync.Mutex
	closed          bool
	unsubscribeGate func()
}

type Option func(*managerOptions)

type managerOptions struct {
	base http.RoundTripper
	now  func() time.Time
}

// WithBaseTransport sets the transport the gate sends through.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *managerOptions) { o.base = rt }
}

func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) { o.now = now }
}

func NewManager(orch *flow.Orchestrator, cfg config.SessionConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	options := managerOptions{base: http.DefaultTransport, now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}

	m := &Manager{
		store:     orch.Store(),
		orch:      orch,
		scheduler: scheduler.New(orch, cfg.RefreshInterval, logger.With("component", "scheduler")),
		buffer:    cfg.ExpiryBuffer,
		now:       options.now,
		logger:    logger,
		state:     State{Loading: true},
		subs:      make(map[int]func(State)),
	}
	m.gate = proxy.NewGate(m.store, orch, logger.With("component", "gate"),
		proxy.WithBase(options.base),
		proxy.WithExpiryBuffer(cfg.ExpiryBuffer),
		proxy.WithClock(options.now),
	)

	m.unsubscribeGate = m.gate.OnSessionExpired(func(err error) {
		m.sync(context.Background(), err)
	})
	orch.OnRefresh(func(_ *auth.TokenSet, _ error) {
		m.resync(context.Background())
	})

	return m
}

// Init derives the initial state from the store. A partial or expired
// session is cleared.
func (m *Manager) Init(ctx context.Context) State {
	tokens := m.store.Tokens(ctx)
	user := m.store.User(ctx)

	if !auth.SessionValid(tokens, user, m.now(), m.buffer) && (tokens != nil || user != nil) {
		m.logger.Info("Discarding stale session")
		if err := m.store.ClearSession(ctx); err != nil {
			m.logger.Warn("Failed to clear session", "error", err)
		}
	}

	return m.sync(ctx, nil)
}

func (m *Manager) Login(ctx context.Context, redirectURI string) (string, error) {
	m.setLoading()
	authURL, err := m.orch.Login(ctx, redirectURI)
	m.sync(ctx, err)
	return authURL, err
}

func (m *Manager) HandleCallback(ctx context.Context, code, state, redirectURI string) (*auth.User, error) {
	m.setLoading()
	resp, err := m.orch.HandleCallback(ctx, code, state, redirectURI)
	// The exchange outlives ctx, so the state must too.
	m.sync(context.WithoutCancel(ctx), err)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (m *Manager) AbortCallback(ctx context.Context, code, description string) error {
	err := m.orch.AbortCallback(ctx, code, description)
	m.sync(ctx, err)
	return err
}

// Logout always leaves the manager unauthenticated. The returned URL is
// empty when the backend could not be reached.
func (m *Manager) Logout(ctx context.Context, postLogoutRedirectURI string) (string, error) {
	m.setLoading()
	logoutURL, err := m.orch.Logout(ctx, postLogoutRedirectURI)
	m.sync(ctx, err)
	return logoutURL, err
}

func (m *Manager) RefreshToken(ctx context.Context) error {
	_, err := m.orch.RefreshAccessToken(ctx)
	m.sync(ctx, err)
	return err
}

func (m *Manager) ClearError() {
	m.transition(func(s State) State {
		s.Error = nil
		return s
	})
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) IsAuthenticated() bool {
	return m.State().Authenticated
}

func (m *Manager) User() *auth.User {
	return m.State().User
}

func (m *Manager) HasPermission(permission string) bool {
	return m.User().HasPermission(permission)
}

func (m *Manager) HasRole(role string) bool {
	return m.User().HasRole(role)
}

func (m *Manager) HasAnyPermission(permissions ...string) bool {
	user := m.User()
	return slices.ContainsFunc(permissions, user.HasPermission)
}

func (m *Manager) HasAnyRole(roles ...string) bool {
	user := m.User()
	return slices.ContainsFunc(roles, user.HasRole)
}

func (m *Manager) HasAllPermissions(permissions ...string) bool {
	user := m.User()
	if user == nil {
		return false
	}
	for _, p := range permissions {
		if !user.HasPermission(p) {
			return false
		}
	}
	return true
}

func (m *Manager) HasAllRoles(roles ...string) bool {
	user := m.User()
	if user == nil {
		return false
	}
	for _, r := range roles {
		if !user.HasRole(r) {
			return false
		}
	}
	return true
}

// Subscribe calls fn with every new state. fn runs on the goroutine that
// caused the transition and must not block.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// OnSessionExpired registers fn to run when a gated request could not
// refresh the session. Callers typically send the user to the login page.
func (m *Manager) OnSessionExpired(fn func(err error)) (unsubscribe func()) {
	return m.gate.OnSessionExpired(fn)
}

// HTTPClient returns a client whose requests go through the gate.
func (m *Manager) HTTPClient() *http.Client {
	return &http.Client{Transport: m.gate}
}

func (m *Manager) Transport() http.RoundTripper {
	return m.gate
}

// TokenSource yields the stored access token, refreshing it when it is
// about to expire.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{m: m})
}

func (m *Manager) SchedulerRunning() bool {
	return m.scheduler.Running()
}

// Close stops background refreshes for good. The store is not closed.
func (m *Manager) Close() error {
	m.unsubscribeGate()

	m.scheduleMu.Lock()
	defer m.scheduleMu.Unlock()
	m.closed = true
	m.scheduler.Stop()
	return nil
}

func (m *Manager) setLoading() {
	m.transition(func(s State) State {
		s.Loading = true
		s.Error = nil
		return s
	})
}

// sync re-derives the state from the store and records err as the
// current error.
func (m *Manager) sync(ctx context.Context, err error) State {
	tokens := m.store.Tokens(ctx)
	user := m.store.User(ctx)
	valid := auth.SessionValid(tokens, user, m.now(), m.buffer)

	return m.transition(func(s State) State {
		next := State{Authenticated: valid}
		if valid {
			next.User = user
		}
		next.Error = auth.Normalize(err)
		return next
	})
}

// resync is sync for background refreshes: the current error is kept.
func (m *Manager) resync(ctx context.Context) {
	tokens := m.store.Tokens(ctx)
	user := m.store.User(ctx)
	valid := auth.SessionValid(tokens, user, m.now(), m.buffer)

	m.transition(func(s State) State {
		next := State{Authenticated: valid, Loading: s.Loading, Error: s.Error}
		if valid {
			next.User = user
		}
		return next
	})
}

func (m *Manager) transition(fn func(State) State) State {
	m.mu.Lock()
	next := fn(m.state)
	m.state = next
	subs := make([]func(State), 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	m.applySchedule()

	for _, sub := range subs {
		sub(next)
	}
	return next
}

// applySchedule runs the scheduler exactly while the latest state is
// authenticated, whatever order concurrent transitions finish in.
func (m *Manager) applySchedule() {
	m.scheduleMu.Lock()
	defer m.scheduleMu.Unlock()

	if m.State().Authenticated && !m.closed {
		m.scheduler.Start()
	} else {
		m.scheduler.Stop()
	}
}

type tokenSource struct {
	m *Manager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	ctx := context.Background()
	tokens := ts.m.store.Tokens(ctx)
	if tokens == nil {
		return nil, auth.NewError(auth.CodeNoRefreshToken, "not signed in")
	}

	if tokens.Expired(ts.m.store.User(ctx), ts.m.now(), ts.m.buffer) {
		if err := ts.m.RefreshToken(ctx); err != nil {
			return nil, err
		}
		if tokens = ts.m.store.Tokens(ctx); tokens == nil {
			return nil, auth.NewError(auth.CodeNoRefreshToken, "not signed in")
		}
	}

	tok := tokens.OAuth2Token()
	// ReuseTokenSource must come back here before our own buffer runs out.
	if !tok.Expiry.IsZero() {
		tok.Expiry = tok.Expiry.Add(-ts.m.buffer)
	}
	return tok, nil
}
