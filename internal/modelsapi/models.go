// Package modelsapi serves the OpenAI-compatible /v1/models surface: a
// merge of the configured PROXY_MODELS list with whatever upstream's own
// model-discovery endpoint reports, cached so every request doesn't pay
// for a round trip.
package modelsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
)

// Model is the OpenAI-compatible model object this gateway returns,
// annotated with the metadata fields the spec calls for.
type Model struct {
	ID                 string   `json:"id"`
	Object             string   `json:"object"`
	OwnedBy            string   `json:"owned_by"`
	ContextWindow      *int64   `json:"context_window"`
	MaxOutputTokens    *int64   `json:"max_output_tokens"`
	SupportsReasoning  bool     `json:"supports_reasoning"`
	SupportsTools      bool     `json:"supports_tools"`
	SupportedToolTypes []string `json:"supported_tool_types"`
}

// Config governs where model discovery is fetched from and how long a
// result is cached.
type Config struct {
	BaseURL       string
	ClientVersion string
	ProxyModels   []string
	CacheTTL      time.Duration
}

// Registry serves the merged, cached model list.
type Registry struct {
	cfg    Config
	client *req.Client

	mu        sync.Mutex
	cached    []Model
	cachedAt  time.Time
}

func New(cfg Config, client *req.Client) *Registry {
	return &Registry{cfg: cfg, client: client}
}

// List returns the merged model set, refreshing the upstream-discovered
// half if the cache has expired. Upstream discovery failures are
// tolerated — the configured PROXY_MODELS list is always returned even
// when discovery can't be reached.
func (r *Registry) List(ctx context.Context, now time.Time) []Model {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached == nil || now.Sub(r.cachedAt) >= r.cfg.CacheTTL {
		r.cached = r.build(ctx)
		r.cachedAt = now
	}
	return r.cached
}

// Get returns a single model by id, or false if it isn't in the merged
// set.
func (r *Registry) Get(ctx context.Context, now time.Time, id string) (Model, bool) {
	for _, m := range r.List(ctx, now) {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

func (r *Registry) build(ctx context.Context) []Model {
	seen := map[string]bool{}
	var out []Model

	for _, id := range r.cfg.ProxyModels {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, describe(id))
	}

	for _, id := range r.discoverUpstream(ctx) {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, describe(id))
	}

	return out
}

func (r *Registry) discoverUpstream(ctx context.Context) []string {
	url := fmt.Sprintf("%s/backend-api/codex/models?client_version=%s", r.cfg.BaseURL, r.cfg.ClientVersion)
	resp, err := r.client.R().SetContext(ctx).Get(url)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	var parsed struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(resp.Bytes(), &parsed); err != nil {
		return nil
	}

	ids := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// describe builds the metadata-annotated Model object for an id. Context
// window and max output tokens are left null — upstream doesn't publish
// them per-model, and spec.md permits either a number or null here.
func describe(id string) Model {
	reasoning := strings.Contains(id, "gpt-5") || strings.Contains(id, "codex")
	return Model{
		ID:                 id,
		Object:             "model",
		OwnedBy:            "openai",
		ContextWindow:      nil,
		MaxOutputTokens:    nil,
		SupportsReasoning:  reasoning,
		SupportsTools:      true,
		SupportedToolTypes: []string{"function"},
	}
}
