package oidc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/sprintconnect/authsession/internal/auth"
)

// NonceVerifier checks that an ID token was issued by the expected issuer
// for this client, and that it answers the login round trip that stored
// the nonce.
type NonceVerifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewNonceVerifier discovers the issuer's signing keys.
func NewNonceVerifier(ctx context.Context, issuer, clientID string) (*NonceVerifier, error) {
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return &NonceVerifier{
		verifier: provider.Verifier(&gooidc.Config{ClientID: clientID}),
	}, nil
}

// NewNonceVerifierWithKeySet skips discovery. now may be nil.
func NewNonceVerifierWithKeySet(issuer, clientID string, keySet gooidc.KeySet, now func() time.Time) *NonceVerifier {
	return &NonceVerifier{
		verifier: gooidc.NewVerifier(issuer, keySet, &gooidc.Config{
			ClientID: clientID,
			Now:      now,
		}),
	}
}

func (v *NonceVerifier) Verify(ctx context.Context, rawIDToken, nonce string) error {
	if rawIDToken == "" {
		return auth.NewError(auth.CodeInvalidIDToken, "no id_token in token response")
	}

	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return &auth.AuthError{
			Code:        auth.CodeInvalidIDToken,
			Description: "failed to verify ID token",
			Err:         err,
		}
	}

	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return auth.NewError(auth.CodeInvalidIDToken, "ID token nonce mismatch")
	}
	return nil
}
