// Package proxy gates outbound API calls on a valid bearer token and
// forwards the console's /api routes to the backend through that gate.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/store"
)

type Refresher interface {
	RefreshAccessToken(ctx context.Context) (*auth.TokenSet, error)
}

// Gate is an http.RoundTripper that authenticates requests from the
// session store. A 401 triggers at most one refresh and one replay per
// request; concurrent refreshes collapse into one through the Refresher.
type Gate struct {
	base      http.RoundTripper
	store     *store.Store
	refresher Refresher
	buffer    time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(error)
	// expired is the access token whose session was last declared
	// expired, so requests that shared its failed refresh fire once.
	expired string
}

type GateOption func(*Gate)

func WithBase(rt http.RoundTripper) GateOption {
	return func(g *Gate) { g.base = rt }
}

func WithExpiryBuffer(d time.Duration) GateOption {
	return func(g *Gate) { g.buffer = d }
}

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(st *store.Store, refresher Refresher, logger *slog.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		base:      http.DefaultTransport,
		store:     st,
		refresher: refresher,
		buffer:    auth.DefaultExpiryBuffer,
		now:       time.Now,
		logger:    logger,
		listeners: make(map[int]func(error)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnSessionExpired registers fn to run after a failed refresh has cleared
// the session. The returned func unregisters it.
func (g *Gate) OnSessionExpired(fn func(err error)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++
	g.listeners[id] = fn

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
	}
}

func (g *Gate) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}

	tokens := g.store.Tokens(ctx)
	if tokens != nil && tokens.RefreshToken != "" && tokens.Expired(g.store.User(ctx), g.now(), g.buffer) {
		g.logger.Debug("Access token expired, refreshing before request", "path", req.URL.Path)
		if tokens, err = g.refresh(ctx, tokens); err != nil {
			return nil, err
		}
	}

	resp, err := g.send(req, body, tokens)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	latest := g.store.Tokens(ctx)
	if !rotatedSince(tokens, latest) {
		if latest, err = g.refresh(ctx, tokens); err != nil {
			return nil, err
		}
	} else {
		g.logger.Debug("Replaying with token refreshed by another request", "path", req.URL.Path)
	}

	return g.send(req, body, latest)
}

func (g *Gate) send(req *http.Request, body []byte, tokens *auth.TokenSet) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	injectCredentials(out, tokens)
	return g.base.RoundTrip(out)
}

// refresh replaces sent, the token set a request went out with. On
// failure the session is cleared and listeners run once per expired
// session, however many requests were waiting on the same refresh.
func (g *Gate) refresh(ctx context.Context, sent *auth.TokenSet) (*auth.TokenSet, error) {
	tokens, err := g.refresher.RefreshAccessToken(ctx)
	if err == nil {
		return tokens, nil
	}

	// The caller gave up; the session itself is not known to be bad.
	if ctx.Err() != nil {
		return nil, err
	}

	// Nothing was attached, so there was no session to expire.
	if sent == nil || sent.AccessToken == "" {
		return nil, err
	}

	if !g.markExpired(sent.AccessToken) {
		return nil, err
	}

	g.logger.Info("Refresh failed, session expired", "error", err)
	if latest := g.store.Tokens(ctx); latest == nil || latest.AccessToken == sent.AccessToken {
		if clearErr := g.store.ClearSession(ctx); clearErr != nil {
			g.logger.Warn("Failed to clear session", "error", clearErr)
		}
	}
	g.fireExpired(err)
	return nil, err
}

// markExpired reports whether accessToken is newly expired.
func (g *Gate) markExpired(accessToken string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired == accessToken {
		return false
	}
	g.expired = accessToken
	return true
}

func (g *Gate) fireExpired(err error) {
	g.mu.RLock()
	listeners := make([]func(error), 0, len(g.listeners))
	for _, fn := range g.listeners {
		listeners = append(listeners, fn)
	}
	g.mu.RUnlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// rotatedSince reports whether the store holds a different access token
// than the one the request was sent with.
func rotatedSince(sent, latest *auth.TokenSet) bool {
	if latest == nil || latest.AccessToken == "" {
		return false
	}
	return sent == nil || sent.AccessToken != latest.AccessToken
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
