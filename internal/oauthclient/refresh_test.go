package oauthclient

import (
	"context"
	"testing"

	"codexgw/internal/httpclient"
	"codexgw/internal/store"
)

func TestRefresh_NoRefreshToken(t *testing.T) {
	c := New(httpclient.GetClient())
	acc := &store.Account{ID: "acc-1"}

	if err := c.Refresh(context.Background(), acc); err == nil {
		t.Fatal("expected an error when the account has no refresh token")
	}
}
