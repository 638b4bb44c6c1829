// Package quota probes the upstream usage endpoint for one account at a
// time, parses the two rolling rate-limit windows, and keeps the account's
// cached snapshot fresh within a TTL.
package quota

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"codexgw/internal/store"
)

// Config tunes the prober's cache TTL, HTTP timeout and the fallback block
// duration used when a quota hit carries no reset time.
type Config struct {
	BaseURL      string
	CacheTTL     time.Duration // default 5 min
	Timeout      time.Duration // default 10s
	BlockFallback time.Duration // default 30 min
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		CacheTTL:      5 * time.Minute,
		Timeout:       10 * time.Second,
		BlockFallback: 30 * time.Minute,
	}
}

// Prober fetches and caches per-account quota snapshots.
type Prober struct {
	cfg    Config
	client *req.Client
	sf     singleflight.Group
}

func New(cfg Config, client *req.Client) *Prober {
	return &Prober{cfg: cfg, client: client}
}

type usageResponse struct {
	RateLimit struct {
		PrimaryWindow   *window `json:"primary_window"`
		SecondaryWindow *window `json:"secondary_window"`
	} `json:"rate_limit"`
}

type window struct {
	UsedPercent *float64 `json:"used_percent"`
	ResetAt     *float64 `json:"reset_at"` // upstream seconds
}

// RefreshUsage updates account's usage snapshot in place when it's stale
// (or force is set), deduping concurrent callers for the same account id.
func (p *Prober) RefreshUsage(now time.Time, a *store.Account, force bool) {
	if !force && a.Usage != nil && now.Sub(time.UnixMilli(a.Usage.FetchedAt)) < p.cfg.CacheTTL {
		return
	}

	v, _, _ := p.sf.Do(a.ID, func() (any, error) {
		p.fetch(now, a)
		return a.Clone(), nil
	})
	if res, ok := v.(*store.Account); ok {
		a.Usage = res.Usage
		a.State = res.State
	}
}

func (p *Prober) fetch(now time.Time, a *store.Account) {
	url := fmt.Sprintf("%s/backend-api/wham/usage", p.cfg.BaseURL)

	r := p.client.R().
		SetHeader("Authorization", "Bearer "+a.AccessToken).
		SetTimeout(p.cfg.Timeout)
	if a.ChatGPTAccountID != "" {
		r.SetHeader("ChatGPT-Account-Id", a.ChatGPTAccountID)
	}

	resp, err := r.Get(url)
	if err != nil {
		a.RememberError(now, "usage probe: "+err.Error())
		log.Warn().Str("account_id", a.ID).Err(err).Msg("usage probe failed")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("usage probe: status %d", resp.StatusCode)
		a.RememberError(now, msg)
		log.Warn().Str("account_id", a.ID).Int("status", resp.StatusCode).Msg("usage probe non-2xx")
		return
	}

	var parsed usageResponse
	if err := json.Unmarshal(resp.Bytes(), &parsed); err != nil {
		a.RememberError(now, "usage probe: malformed body")
		log.Warn().Str("account_id", a.ID).Err(err).Msg("usage probe parse failure")
		return
	}

	snapshot := &store.UsageSnapshot{
		Primary:   toWindow(parsed.RateLimit.PrimaryWindow),
		Secondary: toWindow(parsed.RateLimit.SecondaryWindow),
		FetchedAt: now.UnixMilli(),
	}
	a.Usage = snapshot
	if a.State != nil {
		a.State.LastError = ""
	}
}

func toWindow(w *window) store.Window {
	var out store.Window
	if w == nil {
		return out
	}
	if w.UsedPercent != nil {
		p := clamp(*w.UsedPercent, 0, 100)
		out.UsedPercent = &p
	}
	if w.ResetAt != nil {
		ms := int64(*w.ResetAt * 1000)
		out.ResetAt = &ms
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MarkQuotaHit blocks the account per the earliest window reset, or the
// configured fallback when neither window carries a reset time.
func (p *Prober) MarkQuotaHit(now time.Time, a *store.Account, msg string) {
	a.MarkQuotaHit(now, msg, p.cfg.BlockFallback)
}
