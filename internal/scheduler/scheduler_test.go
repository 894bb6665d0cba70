package scheduler

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sprintconnect/authsession/internal/auth"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (r *countingRefresher) RefreshAccessToken(ctx context.Context) (*auth.TokenSet, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &auth.TokenSet{AccessToken: "a"}, nil
}

func TestScheduler_TicksWhileRunning(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, 10*time.Millisecond, nil)

	assert.False(t, s.Running())
	s.Start()
	assert.True(t, s.Running())

	assert.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())

	stopped := r.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, r.calls.Load(), "no ticks after Stop")
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, time.Hour, nil)

	s.Stop()
	s.Start()
	s.Start()
	assert.True(t, s.Running())
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())

	s.Start()
	assert.True(t, s.Running(), "restartable")
	s.Stop()
	assert.Zero(t, r.calls.Load())
}

func TestScheduler_FailuresKeepRunning(t *testing.T) {
	r := &countingRefresher{err: auth.NewError(auth.CodeServer, "backend returned 500")}
	s := New(r, 10*time.Millisecond, nil)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Running())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestScheduler_UnreachableBackendLogsAtInfo(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}))

	r := &countingRefresher{err: &auth.AuthError{Code: auth.CodeNetwork, Description: "connection refused"}}
	s := New(r, 10*time.Millisecond, logger)
	s.Start()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Backend unreachable during scheduled refresh")
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	logs := out.String()
	assert.Contains(t, logs, "level=INFO")
	assert.NotContains(t, logs, "Scheduled refresh failed")
}

func TestScheduler_StopCancelsInFlightTick(t *testing.T) {
	r := &countingRefresher{block: make(chan struct{})}
	s := New(r, 10*time.Millisecond, nil)
	s.Start()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	s := New(&countingRefresher{}, 0, nil)
	assert.Equal(t, DefaultInterval, s.interval)
}
