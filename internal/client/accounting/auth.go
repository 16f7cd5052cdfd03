package accounting

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	AccessToken  string
	Scopes       []string
}

// NewHTTPClient returns an HTTP client that attaches bearer tokens.
// Client credentials win over a static access token; with neither the client is unauthenticated.
func NewHTTPClient(ctx context.Context, cfg AuthConfig, timeout time.Duration) *http.Client {
	base := &http.Client{Timeout: timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	var client *http.Client
	switch {
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
	case cfg.AccessToken != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.AccessToken,
			TokenType:   "Bearer",
		}))
	default:
		return base
	}
	client.Timeout = timeout
	return client
}
