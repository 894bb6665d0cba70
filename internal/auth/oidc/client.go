// Package oidc talks to the backend's OIDC endpoints and verifies the ID
// tokens they hand back.
package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/sprintconnect/authsession/internal/auth"
	"github.com/sprintconnect/authsession/internal/config"
)

const (
	PathLogin    = "/auth/oidc/login"
	PathCallback = "/auth/oidc/callback"
	PathLogout   = "/auth/oidc/logout"
	PathRefresh  = "/auth/refresh"

	// maxErrorBody caps how much of a failed response is read for its
	// error description.
	maxErrorBody = 64 << 10
)

// Client is the HTTP implementation of auth.Backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ auth.Backend = (*Client)(nil)

func NewClient(cfg config.BackendConfig, logger *slog.Logger) (*Client, error) {
	return NewClientWithHTTP(cfg.URL, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewClientWithHTTP uses httpClient for every call, which lets tests point
// the client at an httptest server.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url must be absolute: %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Login(ctx context.Context, redirectURI string) (*auth.LoginResponse, error) {
	var resp auth.LoginResponse
	if err := c.postJSON(ctx, PathLogin, auth.LoginRequest{RedirectURI: redirectURI}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Callback(ctx context.Context, code, state, redirectURI string) (*auth.CallbackResponse, error) {
	var resp auth.CallbackResponse
	req := auth.CallbackRequest{Code: code, State: state, RedirectURI: redirectURI}
	if err := c.postJSON(ctx, PathCallback, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Logout(ctx context.Context, postLogoutRedirectURI string) (*auth.LogoutResponse, error) {
	var resp auth.LogoutResponse
	req := auth.LogoutRequest{PostLogoutRedirectURI: postLogoutRedirectURI}
	if err := c.postJSON(ctx, PathLogout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*auth.RefreshResponse, error) {
	var resp auth.RefreshResponse
	if err := c.postJSON(ctx, PathRefresh, auth.RefreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks that the backend answers HTTP at all. Any status counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth.Normalize(err)
	}
	resp.Body.Close()
	return nil
}

// postJSON sends body to path and decodes a 2xx answer into out. Every
// failure comes back as an *auth.AuthError.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return auth.Normalize(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return auth.Normalize(fmt.Errorf("failed to build request: %w", err))
	}
	requestID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Backend request failed", "path", path, "request_id", requestID, "error", err)
		return auth.Normalize(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		authErr := decodeError(resp)
		c.logger.Debug("Backend returned error",
			"path", path,
			"request_id", requestID,
			"status", resp.StatusCode,
			"description", authErr.Description,
		)
		return authErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &auth.AuthError{
			Code:        auth.CodeServer,
			Description: "malformed response from " + path,
			Status:      resp.StatusCode,
			Err:         err,
		}
	}
	return nil
}

type errorBody struct {
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Detail           json.RawMessage `json:"detail"`
}

// decodeError builds a server_error from a non-2xx response. The body may
// follow the OAuth shape or carry a "detail" field.
func decodeError(resp *http.Response) *auth.AuthError {
	authErr := &auth.AuthError{
		Code:        auth.CodeServer,
		Description: fmt.Sprintf("backend returned %d", resp.StatusCode),
		Status:      resp.StatusCode,
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return authErr
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return authErr
	}

	switch {
	case body.ErrorDescription != "":
		authErr.Description = body.ErrorDescription
	case body.Error != "":
		authErr.Description = body.Error
	case len(body.Detail) > 0:
		authErr.Description = detailText(body.Detail)
	}
	return authErr
}

func detailText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
