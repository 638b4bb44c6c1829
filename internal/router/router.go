// Package router picks one eligible account per forwarding attempt. The
// selection function is pure over its candidate slice — the only state it
// owns is a process-local sticky bucket used to keep consecutive requests
// inside the same short time window on the same account, the way the
// teacher's scheduler favors session affinity for prompt caching.
package router

import (
	"sort"
	"sync"
	"time"

	"codexgw/internal/store"
)

// Config tunes the router's stickiness window.
type Config struct {
	WindowMS int64 // default 5 * 60 * 1000
}

func DefaultConfig() Config {
	return Config{WindowMS: 5 * 60 * 1000}
}

// Router owns the sticky-bucket state. Safe for concurrent use.
type Router struct {
	cfg Config

	mu         sync.Mutex
	lastBucket int64
	lastPickID string
	havePick   bool
}

func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Choose selects one account from candidates, or nil if none are eligible.
// Eligibility and scoring only ever look at the given slice. Choose itself
// drops disabled and blocked accounts; callers (the forwarding engine) are
// responsible for excluding already-tried and breaker-open accounts before
// calling this.
func (r *Router) Choose(now time.Time, candidates []*store.Account) *store.Account {
	eligible := make([]*store.Account, 0, len(candidates))
	for _, a := range candidates {
		if a == nil || !a.Enabled {
			continue
		}
		if a.IsBlocked(now) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil
	}

	nowMs := now.UnixMilli()
	window := r.cfg.WindowMS
	if window <= 0 {
		window = DefaultConfig().WindowMS
	}
	bucket := nowMs / window

	r.mu.Lock()
	if r.havePick && r.lastBucket == bucket {
		for _, a := range eligible {
			if a.ID == r.lastPickID {
				r.mu.Unlock()
				return a
			}
		}
	}
	r.mu.Unlock()

	pool := untouchedOrAll(eligible)
	sort.Slice(pool, func(i, j int) bool {
		return less(pool[i], pool[j])
	})

	picked := pool[0]

	r.mu.Lock()
	r.lastBucket = bucket
	r.lastPickID = picked.ID
	r.havePick = true
	r.mu.Unlock()

	return picked
}

func untouchedOrAll(accounts []*store.Account) []*store.Account {
	untouched := make([]*store.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Untouched() {
			untouched = append(untouched, a)
		}
	}
	if len(untouched) > 0 {
		return untouched
	}
	return accounts
}

func less(a, b *store.Account) bool {
	sa, sb := score(a), score(b)
	if sa != sb {
		return sa < sb
	}

	ra, rb := resetAt(a), resetAt(b)
	if ra != rb {
		if ra == nil {
			return false
		}
		if rb == nil {
			return true
		}
		return *ra < *rb
	}

	pa, pb := a.Priority, b.Priority
	if (pa == nil) != (pb == nil) {
		return pa != nil
	}
	if pa != nil && pb != nil && *pa != *pb {
		return *pa < *pb
	}

	return a.ID < b.ID
}

// score implements 0.75·mean(p,w) + 0.25·|p − w| over the two window
// percents, missing values treated as 0.
func score(a *store.Account) float64 {
	p, w := windowPercent(a, true), windowPercent(a, false)
	mean := (p + w) / 2
	diff := p - w
	if diff < 0 {
		diff = -diff
	}
	return 0.75*mean + 0.25*diff
}

func windowPercent(a *store.Account, primary bool) float64 {
	if a.Usage == nil {
		return 0
	}
	win := a.Usage.Secondary
	if primary {
		win = a.Usage.Primary
	}
	if win.UsedPercent == nil {
		return 0
	}
	return *win.UsedPercent
}

// resetAt is the tie-break's secondary.resetAt, nulls sort last.
func resetAt(a *store.Account) *int64 {
	if a.Usage == nil {
		return nil
	}
	return a.Usage.Secondary.ResetAt
}
