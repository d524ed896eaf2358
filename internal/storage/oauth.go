package storage

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"golang.org/x/oauth2"
)

// OAuthClient returns an HTTP client that signs requests with the stored
// token and refreshes it through ep when it expires. Requests, including
// refreshes, go through base (http.DefaultClient when nil).
func OAuthClient(base *http.Client, c models.OAuthConfig, ep oauth2.Endpoint, scopes ...string) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}

	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     ep,
		Scopes:       scopes,
	}
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return conf.Client(ctx, tok)
}

// OAuthConfigured reports whether c has enough to authorise requests.
func OAuthConfigured(c *models.OAuthConfig) bool {
	return c != nil && c.ClientID != "" && (c.RefreshToken != "" || c.AccessToken != "")
}
