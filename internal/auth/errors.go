package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies authentication failures.
type ErrorCode string

const (
	CodeInvalidState   ErrorCode = "invalid_state"
	CodeMissingParams  ErrorCode = "missing_params"
	CodeNoRefreshToken ErrorCode = "no_refresh_token"
	CodeNetwork        ErrorCode = "network_error"
	CodeServer         ErrorCode = "server_error"
	CodeTimeout        ErrorCode = "timeout"
	CodeInvalidIDToken ErrorCode = "invalid_id_token"
	CodeAccessDenied   ErrorCode = "access_denied"
)

// Sentinels for errors.Is; matching is by code only.
var (
	ErrInvalidState   = &AuthError{Code: CodeInvalidState}
	ErrMissingParams  = &AuthError{Code: CodeMissingParams}
	ErrNoRefreshToken = &AuthError{Code: CodeNoRefreshToken}
	ErrNetwork        = &AuthError{Code: CodeNetwork}
	ErrServer         = &AuthError{Code: CodeServer}
	ErrTimeout        = &AuthError{Code: CodeTimeout}
	ErrInvalidIDToken = &AuthError{Code: CodeInvalidIDToken}
)

// AuthError is the single error shape handed to session consumers.
type AuthError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	// Status is the backend HTTP status for server errors.
	Status int   `json:"-"`
	Err    error `json:"-"`
}

func NewError(code ErrorCode, description string) *AuthError {
	return &AuthError{Code: code, Description: description}
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the failure happened before the backend gave a
// definitive answer.
func (e *AuthError) Retryable() bool {
	return e.Code == CodeNetwork || e.Code == CodeTimeout
}

// HasCode reports whether err carries an AuthError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Code == code
}

// Normalize folds any error into an AuthError. Context deadlines become
// timeouts, transport failures network errors, everything else a server
// error.
func Normalize(err error) *AuthError {
	if err == nil {
		return nil
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AuthError{Code: CodeTimeout, Description: "request timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &AuthError{Code: CodeTimeout, Description: "request timed out", Err: err}
		}
		return &AuthError{Code: CodeNetwork, Description: "network request failed", Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return &AuthError{Code: CodeNetwork, Description: "request cancelled", Err: err}
	}

	return &AuthError{Code: CodeServer, Description: err.Error(), Err: err}
}
