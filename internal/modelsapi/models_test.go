package modelsapi

import (
	"context"
	"testing"
	"time"

	"codexgw/internal/httpclient"
)

func TestList_UsesConfiguredModelsWhenDiscoveryUnset(t *testing.T) {
	r := New(Config{
		BaseURL:     "http://127.0.0.1:0", // nothing listens here; discovery must fail soft
		ProxyModels: []string{"gpt-5-codex", "gpt-5.2-codex"},
		CacheTTL:    time.Minute,
	}, httpclient.GetClient())

	models := r.List(context.Background(), time.Now())
	if len(models) != 2 {
		t.Fatalf("List() returned %d models, want 2", len(models))
	}
	if models[0].ID != "gpt-5-codex" {
		t.Errorf("models[0].ID = %q, want gpt-5-codex", models[0].ID)
	}
}

func TestList_DedupesConfiguredModels(t *testing.T) {
	r := New(Config{
		ProxyModels: []string{"gpt-5-codex", "gpt-5-codex"},
		CacheTTL:    time.Minute,
	}, httpclient.GetClient())

	models := r.List(context.Background(), time.Now())
	if len(models) != 1 {
		t.Fatalf("List() returned %d models, want 1 after dedup", len(models))
	}
}

func TestGet_UnknownModel(t *testing.T) {
	r := New(Config{ProxyModels: []string{"gpt-5-codex"}, CacheTTL: time.Minute}, httpclient.GetClient())

	if _, ok := r.Get(context.Background(), time.Now(), "no-such-model"); ok {
		t.Error("Get() should report false for a model outside the configured set")
	}
}

func TestDescribe_ReasoningFlag(t *testing.T) {
	if !describe("gpt-5-codex").SupportsReasoning {
		t.Error("gpt-5-codex should be flagged as a reasoning model")
	}
	if describe("text-davinci-003").SupportsReasoning {
		t.Error("text-davinci-003 should not be flagged as a reasoning model")
	}
}

func TestList_CachesWithinTTL(t *testing.T) {
	r := New(Config{ProxyModels: []string{"gpt-5-codex"}, CacheTTL: time.Hour}, httpclient.GetClient())

	now := time.Now()
	first := r.List(context.Background(), now)
	r.cfg.ProxyModels = []string{"gpt-5-codex", "gpt-5.2-codex"}
	second := r.List(context.Background(), now.Add(time.Second))

	if len(first) != len(second) {
		t.Errorf("List() within the cache TTL should return the cached set, got %d then %d", len(first), len(second))
	}
}
