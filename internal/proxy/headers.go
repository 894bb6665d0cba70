package proxy

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/sprintconnect/authsession/internal/auth"
)

const HeaderRequestID = "X-Request-ID"

// injectCredentials attaches the bearer token, when there is one, and a
// request id when the caller did not set its own.
func injectCredentials(req *http.Request, tokens *auth.TokenSet) {
	if tokens != nil && tokens.AccessToken != "" {
		tokens.OAuth2Token().SetAuthHeader(req)
	} else {
		req.Header.Del("Authorization")
	}

	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.New().String())
	}
}

// stripClientCredentials removes what the browser sent to the console so
// only the session's own token reaches the backend.
func stripClientCredentials(req *http.Request) {
	req.Header.Del("Authorization")
	req.Header.Del("Cookie")
	req.Header.Del("X-CSRF-Token")
}
