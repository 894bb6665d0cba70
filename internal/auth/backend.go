package auth

import "context"

// Backend is the identity boundary exposed by the service backend.
type Backend interface {
	Login(ctx context.Context, redirectURI string) (*LoginResponse, error)
	Callback(ctx context.Context, code, state, redirectURI string) (*CallbackResponse, error)
	Logout(ctx context.Context, postLogoutRedirectURI string) (*LogoutResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error)
}

type LoginRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

type LoginResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
	Nonce   string `json:"nonce"`
}

type CallbackRequest struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri"`
}

type CallbackResponse struct {
	User   User     `json:"user"`
	Tokens TokenSet `json:"tokens"`
}

type LogoutRequest struct {
	PostLogoutRedirectURI string `json:"post_logout_redirect_uri,omitempty"`
}

type LogoutResponse struct {
	LogoutURL string `json:"logout_url"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse carries a user only when the backend chose to send an
// updated profile.
type RefreshResponse struct {
	Tokens TokenSet `json:"tokens"`
	User   *User    `json:"user,omitempty"`
}
