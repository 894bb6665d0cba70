// Package store persists the session records: the durable token set and
// user profile, and the ephemeral state/nonce correlator of an in-flight
// login.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/cache"
)

const (
	KeyTokens = "auth_tokens"
	KeyUser   = "auth_user"
	KeyState  = "oidc_state"
	KeyNonce  = "oidc_nonce"

	DefaultCorrelatorTTL = 10 * time.Minute
)

type Store struct {
	durable       cache.Cache
	ephemeral     cache.Cache
	correlatorTTL time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Store)

func WithCorrelatorTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.correlatorTTL = ttl
		}
	}
}

// WithClock overrides the time source used to anchor token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(durable, ephemeral cache.Cache, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		durable:       durable,
		ephemeral:     ephemeral,
		correlatorTTL: DefaultCorrelatorTTL,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens returns the stored token set, or nil when absent or unreadable.
func (s *Store) Tokens(ctx context.Context) *auth.TokenSet {
	var tokens auth.TokenSet
	if !s.readJSON(ctx, s.durable, KeyTokens, &tokens) {
		return nil
	}
	return &tokens
}

// SetTokens persists tokens, anchoring the absolute expiry to the current
// time unless the set already carries one.
func (s *Store) SetTokens(ctx context.Context, tokens auth.TokenSet) error {
	return s.writeJSON(ctx, s.durable, KeyTokens, tokens.WithExpiry(s.now()), 0)
}

// User returns the stored profile, or nil when absent or unreadable.
func (s *Store) User(ctx context.Context) *auth.User {
	var user auth.User
	if !s.readJSON(ctx, s.durable, KeyUser, &user) {
		return nil
	}
	return &user
}

func (s *Store) SetUser(ctx context.Context, user auth.User) error {
	return s.writeJSON(ctx, s.durable, KeyUser, user, 0)
}

// Correlator returns the pending login correlator. Both halves must be
// present.
func (s *Store) Correlator(ctx context.Context) *auth.Correlator {
	state, ok := s.readString(ctx, KeyState)
	if !ok {
		return nil
	}
	nonce, ok := s.readString(ctx, KeyNonce)
	if !ok {
		return nil
	}
	return &auth.Correlator{State: state, Nonce: nonce}
}

// SetCorrelator replaces the pending correlator. A failed write leaves no
// correlator behind rather than a state paired with an older nonce.
func (s *Store) SetCorrelator(ctx context.Context, c auth.Correlator) error {
	if err := s.ClearCorrelator(ctx); err != nil {
		return err
	}
	if err := s.ephemeral.Set(ctx, KeyState, []byte(c.State), s.correlatorTTL); err != nil {
		return errors.Join(err, s.ClearCorrelator(ctx))
	}
	if err := s.ephemeral.Set(ctx, KeyNonce, []byte(c.Nonce), s.correlatorTTL); err != nil {
		return errors.Join(err, s.ClearCorrelator(ctx))
	}
	return nil
}

func (s *Store) ClearCorrelator(ctx context.Context) error {
	return errors.Join(
		s.ephemeral.Delete(ctx, KeyState),
		s.ephemeral.Delete(ctx, KeyNonce),
	)
}

// ClearSession removes tokens and user. The correlator is left alone.
func (s *Store) ClearSession(ctx context.Context) error {
	return errors.Join(
		s.durable.Delete(ctx, KeyTokens),
		s.durable.Delete(ctx, KeyUser),
	)
}

// Ping round-trips a check key through the durable backend.
func (s *Store) Ping(ctx context.Context) error {
	const key = "health_check"
	if err := s.durable.Set(ctx, key, []byte("ok"), time.Minute); err != nil {
		return err
	}
	if _, err := s.durable.Get(ctx, key); err != nil {
		return err
	}
	return s.durable.Delete(ctx, key)
}

func (s *Store) Close() error {
	return errors.Join(s.durable.Close(), s.ephemeral.Close())
}

func (s *Store) readJSON(ctx context.Context, c cache.Cache, key string, v any) bool {
	data, err := c.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("Failed to read session record", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("Discarding malformed session record", "key", key, "error", err)
		return false
	}
	return true
}

func (s *Store) writeJSON(ctx context.Context, c cache.Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

func (s *Store) readString(ctx context.Context, key string) (string, bool) {
	data, err := s.ephemeral.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("Failed to read correlator", "key", key, "error", err)
		}
		return "", false
	}
	return string(data), true
}
