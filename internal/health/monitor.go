package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"codexgw/internal/quota"
	"codexgw/internal/store"
)

// Config governs the background sweep: how often accounts are probed for
// fresh usage and how soon before expiry an access token gets refreshed.
type Config struct {
	CheckInterval      time.Duration
	TokenRefreshBefore time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:      5 * time.Minute,
		TokenRefreshBefore: 30 * time.Minute,
	}
}

// TokenRefresher refreshes an OAuth access token. Implemented by
// internal/oauthclient; kept as an interface here so the monitor doesn't
// import the HTTP refresh-grant plumbing it doesn't otherwise need.
type TokenRefresher interface {
	Refresh(ctx context.Context, account *store.Account) error
}

// Monitor runs one periodic background sweep over the account pool that
// does two jobs per enabled account: a quota refresh (so usage figures stay
// warm even for accounts nobody has routed a request to recently) and a
// token refresh (so access tokens nearing expiry get renewed before a
// request ever needs them).
type Monitor struct {
	cfg       Config
	store     *store.Store
	prober    *quota.Prober
	refresher TokenRefresher

	mu          sync.RWMutex
	lastSweepAt time.Time
	sweepCount  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(cfg Config, st *store.Store, prober *quota.Prober, refresher TokenRefresher) *Monitor {
	return &Monitor{cfg: cfg, store: st, prober: prober, refresher: refresher}
}

// Start launches the background sweep loop. It returns immediately; the
// loop runs until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.loop(ctx)

	log.Info().
		Dur("check_interval", m.cfg.CheckInterval).
		Dur("refresh_before", m.cfg.TokenRefreshBefore).
		Msg("health monitor started")
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := time.Now()
	accounts := m.store.List()

	refreshed, failed := 0, 0
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}

		touched := false

		if m.prober != nil {
			m.prober.RefreshUsage(now, a, false)
			touched = true
		}

		if m.refresher != nil && a.RefreshToken != "" && a.NeedsRefresh(now, m.cfg.TokenRefreshBefore) {
			if err := m.refresher.Refresh(ctx, a); err != nil {
				failed++
				log.Warn().Str("account_id", a.ID).Err(err).Msg("token refresh failed")
				a.RememberError(now, "token refresh: "+err.Error())
			} else {
				refreshed++
			}
			touched = true
		}

		// a is a clone handed out by List(); Upsert is what makes the
		// probe/refresh above stick.
		if touched {
			m.store.Upsert(a)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	m.mu.Lock()
	m.lastSweepAt = now
	m.sweepCount++
	m.mu.Unlock()

	log.Debug().
		Int("accounts", len(accounts)).
		Int("tokens_refreshed", refreshed).
		Int("refresh_failed", failed).
		Msg("health sweep completed")
}

type Stats struct {
	SweepCount  int64     `json:"sweep_count"`
	LastSweepAt time.Time `json:"last_sweep_at"`
}

func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{SweepCount: m.sweepCount, LastSweepAt: m.lastSweepAt}
}
