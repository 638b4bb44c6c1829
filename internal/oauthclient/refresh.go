// Package oauthclient refreshes an account's ChatGPT/Codex OAuth access
// token using the refresh_token grant against auth.openai.com, the same
// token endpoint the Codex CLI itself uses.
package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/imroc/req/v3"

	"codexgw/internal/store"
)

const (
	// clientID is the public OAuth client id Codex CLI registers requests
	// under; it identifies the client application, not a secret.
	clientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	tokenURL = "https://auth.openai.com/oauth/token"
	// refreshScopes omits offline_access: a refresh grant doesn't mint a
	// new refresh token's worth of scope, only a fresh access token.
	refreshScopes = "openid profile email"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Client refreshes access tokens via the OAuth refresh_token grant.
type Client struct {
	client *req.Client
}

func New(client *req.Client) *Client {
	return &Client{client: client}
}

// Refresh exchanges account's refresh token for a new access token and
// updates the account in place. Callers are responsible for persisting
// the mutation (typically via store.Upsert).
func (c *Client) Refresh(ctx context.Context, account *store.Account) error {
	if account.RefreshToken == "" {
		return fmt.Errorf("oauthclient: account %s has no refresh token", account.ID)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("refresh_token", account.RefreshToken)
	form.Set("scope", refreshScopes)

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBodyString(form.Encode()).
		Post(tokenURL)
	if err != nil {
		return fmt.Errorf("oauthclient: refresh request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("oauthclient: refresh status %d: %s", resp.StatusCode, resp.String())
	}

	var parsed tokenResponse
	if err := json.Unmarshal(resp.Bytes(), &parsed); err != nil {
		return fmt.Errorf("oauthclient: malformed token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("oauthclient: refresh response missing access_token")
	}

	account.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		account.RefreshToken = parsed.RefreshToken
	}
	expiresAt := time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UnixMilli()
	account.ExpiresAt = &expiresAt
	if account.State != nil {
		account.State.NeedsTokenRefresh = false
	}

	return nil
}
