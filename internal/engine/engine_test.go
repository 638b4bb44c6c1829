package engine

import (
	"net/http"
	"testing"
	"time"

	"codexgw/internal/router"
	"codexgw/internal/store"
)

func TestIsQuotaHit(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   bool
	}{
		{http.StatusTooManyRequests, "", true},
		{http.StatusOK, "you have hit your usage limit", true},
		{http.StatusForbidden, "rate limited, try again later", true},
		{http.StatusBadRequest, "invalid request", false},
		{http.StatusInternalServerError, "internal error", false},
	}

	for _, tc := range cases {
		if got := isQuotaHit(tc.status, []byte(tc.body)); got != tc.want {
			t.Errorf("isQuotaHit(%d, %q) = %v, want %v", tc.status, tc.body, got, tc.want)
		}
	}
}

func TestSnippet_Truncates(t *testing.T) {
	big := make([]byte, 3000)
	for i := range big {
		big[i] = 'a'
	}
	if got := snippet(big); len(got) != 2048 {
		t.Errorf("snippet truncated length = %d, want 2048", len(got))
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty = %q, want %q", got, "b")
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("firstNonEmpty() with no args = %q, want empty", got)
	}
}

func TestUpstreamUserAgent_Shape(t *testing.T) {
	ua := upstreamUserAgent()
	if ua == "" || ua[:3] != "pi " {
		t.Errorf("upstreamUserAgent() = %q, want it to start with \"pi \"", ua)
	}
}

func TestDeriveSessionID_NonChatBody(t *testing.T) {
	if got := deriveSessionID("", map[string]any{"input": []any{}}); got != "" {
		t.Errorf("deriveSessionID on a Responses-shaped body = %q, want empty", got)
	}
}

func TestDeriveSessionID_PrefersClientSupplied(t *testing.T) {
	body := map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}}
	if got := deriveSessionID("client-supplied-id", body); got != "client-supplied-id" {
		t.Errorf("deriveSessionID = %q, want the client-supplied id honored verbatim", got)
	}
}

func TestPickAccount_ExcludesTriedAndBreakerOpen(t *testing.T) {
	e := &Engine{
		router:   router.New(router.DefaultConfig()),
		breakers: router.NewBreakers(router.DefaultBreakerConfig()),
	}

	accounts := []*store.Account{
		{ID: "a", Enabled: true},
		{ID: "b", Enabled: true},
	}

	// Trip the breaker on "a" so only "b" remains eligible.
	cfg := router.DefaultBreakerConfig()
	for i := 0; i < cfg.FailureThreshold; i++ {
		e.breakers.RecordFailure("a")
	}

	now := time.Now()
	picked := e.pickAccount(now, accounts, map[string]bool{})
	if picked == nil || picked.ID != "b" {
		t.Fatalf("pickAccount() = %v, want account \"b\"", picked)
	}

	tried := map[string]bool{"b": true}
	picked = e.pickAccount(now, accounts, tried)
	if picked != nil {
		t.Fatalf("pickAccount() with every eligible account tried = %v, want nil", picked)
	}
}
