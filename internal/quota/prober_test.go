package quota

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/imroc/req/v3"

	"codexgw/internal/store"
)

func TestRefreshUsage_ParsesAndClamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer header")
		}
		resp := map[string]any{
			"rate_limit": map[string]any{
				"primary_window":   map[string]any{"used_percent": 150.0, "reset_at": 1000.0},
				"secondary_window": map[string]any{"used_percent": -5.0},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(DefaultConfig(srv.URL), req.C())
	a := &store.Account{ID: "a1", AccessToken: "tok"}

	now := time.Unix(5000, 0)
	p.RefreshUsage(now, a, false)

	if a.Usage == nil {
		t.Fatal("expected usage to be set")
	}
	if *a.Usage.Primary.UsedPercent != 100 {
		t.Errorf("expected primary clamped to 100, got %v", *a.Usage.Primary.UsedPercent)
	}
	if *a.Usage.Secondary.UsedPercent != 0 {
		t.Errorf("expected secondary clamped to 0, got %v", *a.Usage.Secondary.UsedPercent)
	}
	if *a.Usage.Primary.ResetAt != 1000*1000 {
		t.Errorf("expected resetAt converted to ms, got %v", *a.Usage.Primary.ResetAt)
	}
}

func TestRefreshUsage_SkipsWhenFresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"rate_limit": map[string]any{}})
	}))
	defer srv.Close()

	p := New(DefaultConfig(srv.URL), req.C())
	now := time.Unix(10000, 0)
	a := &store.Account{
		ID:          "a1",
		AccessToken: "tok",
		Usage:       &store.UsageSnapshot{FetchedAt: now.UnixMilli()},
	}

	p.RefreshUsage(now.Add(time.Second), a, false)
	if calls != 0 {
		t.Fatalf("expected no fetch for fresh cache, got %d calls", calls)
	}

	p.RefreshUsage(now.Add(time.Second), a, true)
	if calls != 1 {
		t.Fatalf("expected forced fetch, got %d calls", calls)
	}
}

func TestRefreshUsage_RecordsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(DefaultConfig(srv.URL), req.C())
	a := &store.Account{ID: "a1", AccessToken: "tok"}

	p.RefreshUsage(time.Now(), a, false)
	if a.State == nil || a.State.LastError == "" {
		t.Fatal("expected lastError to be recorded")
	}
}

func TestMarkQuotaHit_UsesFallbackWhenNoResets(t *testing.T) {
	p := New(DefaultConfig("https://example.invalid"), req.C())
	a := &store.Account{ID: "a1"}
	now := time.Unix(100000, 0)

	p.MarkQuotaHit(now, a, "rate limited")

	if a.State == nil || a.State.BlockedUntil == nil {
		t.Fatal("expected blockedUntil to be set")
	}
	want := now.Add(p.cfg.BlockFallback).UnixMilli()
	if *a.State.BlockedUntil != want {
		t.Errorf("expected blockedUntil %d, got %d", want, *a.State.BlockedUntil)
	}
}
