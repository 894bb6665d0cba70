// Package scheduler refreshes the access token on a fixed interval while a
// session is authenticated.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sprintconnect/authsession/internal/auth"
)

const DefaultInterval = 5 * time.Minute

type Refresher interface {
	RefreshAccessToken(ctx context.Context) (*auth.TokenSet, error)
}

// Scheduler is restartable: Start after Stop begins a new loop.
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(refresher Refresher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		refresher: refresher,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins ticking. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.logger.Debug("Refresh scheduler started", "interval", s.interval)
}

// Stop halts the loop and waits for an in-progress tick to return. It is
// a no-op when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Debug("Refresh scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick never forces a logout; the request gate owns that decision.
func (s *Scheduler) tick(ctx context.Context) {
	tokens, err := s.refresher.RefreshAccessToken(ctx)
	switch {
	case err == nil:
		s.logger.Debug("Scheduled refresh succeeded", "expires_at", tokens.ExpiresAt)
	case errors.Is(err, auth.ErrNoRefreshToken):
		s.logger.Debug("Scheduled refresh skipped", "reason", err)
	case ctx.Err() != nil:
	case errors.Is(err, auth.ErrNetwork), errors.Is(err, auth.ErrTimeout):
		s.logger.Info("Backend unreachable during scheduled refresh", "error", err)
	default:
		s.logger.Warn("Scheduled refresh failed", "error", err)
	}
}
