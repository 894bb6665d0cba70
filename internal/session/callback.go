package session

import (
	"context"
	"net/url"
	"sync"

	"github.com/sprintconnect/authsession/internal/auth"
)

type AttemptStatus string

const (
	StatusProcessing AttemptStatus = "processing"
	StatusSuccess    AttemptStatus = "success"
	StatusError      AttemptStatus = "error"
)

// CallbackParams are the query parameters the identity provider appends
// to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	RedirectURI      string
}

func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// CallbackAttempt is one visit to the callback route. It runs at most
// once; success and error are terminal.
type CallbackAttempt struct {
	manager *Manager
	params  CallbackParams

	once   sync.Once
	mu     sync.RWMutex
	status AttemptStatus
	user   *auth.User
	err    error
}

func (m *Manager) NewCallbackAttempt(params CallbackParams) *CallbackAttempt {
	return &CallbackAttempt{
		manager: m,
		params:  params,
		status:  StatusProcessing,
	}
}

// Run processes the callback. Later calls return the first outcome.
func (a *CallbackAttempt) Run(ctx context.Context) (*auth.User, error) {
	a.once.Do(func() {
		var user *auth.User
		var err error
		if a.params.Error != "" {
			err = a.manager.AbortCallback(ctx, a.params.Error, a.params.ErrorDescription)
		} else {
			user, err = a.manager.HandleCallback(ctx, a.params.Code, a.params.State, a.params.RedirectURI)
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		a.user, a.err = user, err
		if err != nil {
			a.status = StatusError
		} else {
			a.status = StatusSuccess
		}
	})

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user, a.err
}

func (a *CallbackAttempt) Status() AttemptStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}
