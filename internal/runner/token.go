package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// TokenProvider supplies bearer tokens whose audience is a result URL.
type TokenProvider interface {
	TokenSource(ctx context.Context, audience string) (oauth2.TokenSource, error)
}

// TokenProviderFunc adapts a function returning a raw token to TokenProvider.
type TokenProviderFunc func(ctx context.Context, audience string) (string, error)

func (f TokenProviderFunc) TokenSource(ctx context.Context, audience string) (oauth2.TokenSource, error) {
	tok, err := f(ctx, audience)
	if err != nil {
		return nil, err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}), nil
}

// GoogleIDTokenProvider mints Google-signed ID tokens for a service account.
type GoogleIDTokenProvider struct {
	// CredentialsFile is the service account key. Empty uses Application
	// Default Credentials.
	CredentialsFile string
}

func (p GoogleIDTokenProvider) TokenSource(ctx context.Context, audience string) (oauth2.TokenSource, error) {
	var opts []option.ClientOption
	if p.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.CredentialsFile))
	}
	ts, err := idtoken.NewTokenSource(ctx, audience, opts...)
	if err != nil {
		return nil, fmt.Errorf("id token source: %w", err)
	}
	return ts, nil
}

// CredentialsIdentity returns the client_email of a service account key
// file, the principal Google ID tokens minted from it will carry.
func CredentialsIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	if creds.ClientEmail == "" {
		return "", errors.New("credentials file has no client_email")
	}
	return creds.ClientEmail, nil
}
