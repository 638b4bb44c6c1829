package router

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState is one account's circuit-breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // tripped, account excluded from candidate pools
	BreakerHalfOpen                     // probation, requests allowed through; SuccessThreshold successes close it, one failure reopens it
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the failure/success thresholds shared by every
// account's breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	Enabled          bool
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		Enabled:          true,
	}
}

// BreakerStats reports one account's breaker counters, exposed on the stats
// endpoint alongside router/trace aggregates.
type BreakerStats struct {
	State            BreakerState `json:"state"`
	ConsecutiveFails int          `json:"consecutiveFails"`
	ConsecutiveOK    int          `json:"consecutiveOk"`
	TotalFailures    int64        `json:"totalFailures"`
	TotalSuccesses   int64        `json:"totalSuccesses"`
	LastFailure      time.Time    `json:"lastFailure,omitempty"`
	LastSuccess      time.Time    `json:"lastSuccess,omitempty"`
	OpenedAt         time.Time    `json:"openedAt,omitempty"`
}

type breaker struct {
	cfg              BreakerConfig
	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	consecutiveOK    int
	totalFailures    int64
	totalSuccesses   int64
	lastFailure      time.Time
	lastSuccess      time.Time
	openedAt         time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, state: BreakerClosed}
}

func (b *breaker) allow() bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = BreakerHalfOpen
			b.consecutiveOK = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.lastSuccess = time.Now()
	b.consecutiveFails = 0
	b.consecutiveOK++

	if b.state == BreakerHalfOpen && b.consecutiveOK >= b.cfg.SuccessThreshold {
		b.state = BreakerClosed
		b.consecutiveOK = 0
	}
}

func (b *breaker) recordFailure() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailure = time.Now()
	b.consecutiveFails++
	b.consecutiveOK = 0

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFails = 0
	b.consecutiveOK = 0
}

func (b *breaker) stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		ConsecutiveOK:    b.consecutiveOK,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		LastFailure:      b.lastFailure,
		LastSuccess:      b.lastSuccess,
		OpenedAt:         b.openedAt,
	}
}

// Breakers is the per-account breaker registry. It never participates in
// Router.Choose's scoring — the forwarding engine consults it beforehand to
// shrink the candidate slice (accounts whose blockedUntil hasn't elapsed
// are still passed in and dropped by Choose itself). From Choose's point of
// view a breaker-open account simply never appears in candidates.
type Breakers struct {
	cfg      BreakerConfig
	mu       sync.RWMutex
	breakers map[string]*breaker
}

func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*breaker)}
}

func (m *Breakers) get(accountID string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[accountID]; ok {
		return b
	}
	b := newBreaker(m.cfg)
	m.breakers[accountID] = b
	return b
}

// IsAvailable reports whether accountID's breaker currently allows a
// request through.
func (m *Breakers) IsAvailable(accountID string) bool {
	if !m.cfg.Enabled {
		return true
	}
	return m.get(accountID).allow()
}

// Filter narrows a candidate id list to those the breaker allows.
func (m *Breakers) Filter(accountIDs []string) []string {
	if !m.cfg.Enabled {
		return accountIDs
	}

	out := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if m.IsAvailable(id) {
			out = append(out, id)
		}
	}
	if len(out) < len(accountIDs) {
		log.Debug().Int("total", len(accountIDs)).Int("available", len(out)).Msg("breaker filtered candidate pool")
	}
	return out
}

func (m *Breakers) RecordSuccess(accountID string) {
	m.get(accountID).recordSuccess()
}

func (m *Breakers) RecordFailure(accountID string) {
	b := m.get(accountID)
	prev := b.stats().State
	b.recordFailure()
	next := b.stats().State
	if prev != next {
		log.Warn().Str("account_id", accountID).Str("prev_state", prev.String()).Str("new_state", next.String()).Msg("circuit breaker state changed")
	}
}

func (m *Breakers) Reset(accountID string) {
	m.mu.RLock()
	b, ok := m.breakers[accountID]
	m.mu.RUnlock()
	if ok {
		b.reset()
	}
}

func (m *Breakers) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]BreakerStats, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.stats()
	}
	return out
}
