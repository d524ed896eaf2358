package supabase

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/netx"
	"golang.org/x/oauth2"
)

// refresher exchanges the session refresh token for a new access token
// via the Supabase Auth API. Refresh tokens rotate, so the newest one is
// kept for the next exchange.
type refresher struct {
	client  *http.Client
	baseURL string
	apiKey  string

	mu           sync.Mutex
	refreshToken string
	now          func() time.Time
}

type tokenReply struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (r *refresher) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := http.Header{}
	h.Set("apikey", r.apiKey)

	var reply tokenReply
	err := netx.DoJSON(context.Background(), r.client, http.MethodPost,
		strings.TrimRight(r.baseURL, "/")+"/auth/v1/token?grant_type=refresh_token",
		h, map[string]string{"refresh_token": r.refreshToken}, &reply)
	if err != nil {
		return nil, err
	}

	if reply.RefreshToken != "" {
		r.refreshToken = reply.RefreshToken
	}

	t := &oauth2.Token{
		AccessToken:  reply.AccessToken,
		RefreshToken: r.refreshToken,
		TokenType:    "Bearer",
	}
	switch {
	case reply.ExpiresAt > 0:
		t.Expiry = time.Unix(reply.ExpiresAt, 0)
	case reply.ExpiresIn > 0:
		t.Expiry = r.now().Add(time.Duration(reply.ExpiresIn) * time.Second)
	}
	return t, nil
}
