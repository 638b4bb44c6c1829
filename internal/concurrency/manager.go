// Package concurrency bounds how many forwarding attempts may be in flight
// against a single upstream account at once, so one account's quota isn't
// hammered by a burst of client requests that all happened to route to it
// inside the same sticky window.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Config governs the per-account slot gate.
type Config struct {
	AccountMax    int           `mapstructure:"account_max"`    // Max concurrent requests per account
	MaxWaitQueue  int           `mapstructure:"max_wait_queue"` // Max waiting requests per account
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`   // Max time to wait for a slot
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
}

func DefaultConfig() Config {
	return Config{
		AccountMax:    5,
		MaxWaitQueue:  20,
		WaitTimeout:   30 * time.Second,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    2 * time.Second,
		BackoffJitter: 0.2,
	}
}

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	Acquired bool
	WaitTime time.Duration
	QueuePos int
}

// LoadInfo reports one account's slot usage.
type LoadInfo struct {
	Current int   `json:"current"`
	Max     int   `json:"max"`
	Waiting int   `json:"waiting"`
	Total   int64 `json:"total"`
}

// Manager gates concurrent forwarding attempts per account.
type Manager interface {
	Acquire(ctx context.Context, accountID string) (*AcquireResult, error)
	Release(accountID string)
	Load(accountIDs []string) map[string]*LoadInfo
	LowestLoad(accountIDs []string) string
	Stats() ManagerStats
	Close()
}

// ManagerStats summarizes gate activity across all accounts.
type ManagerStats struct {
	TrackedAccounts int   `json:"tracked_accounts"`
	ActiveSlots     int   `json:"active_slots"`
	Waiting         int   `json:"waiting"`
	TotalAcquires   int64 `json:"total_acquires"`
	TotalTimeouts   int64 `json:"total_timeouts"`
}

type slot struct {
	current int32
	max     int32
	waiting int32
	total   int64
	mu      sync.Mutex
	cond    *sync.Cond
}

func newSlot(max int) *slot {
	s := &slot{max: int32(max)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

type manager struct {
	cfg   Config
	slots map[string]*slot
	mu    sync.RWMutex

	totalAcquires int64
	totalTimeouts int64

	closeMu sync.RWMutex
	closed  bool
}

func NewManager(cfg Config) Manager {
	return &manager{cfg: cfg, slots: make(map[string]*slot)}
}

func (m *manager) getOrCreate(accountID string) *slot {
	m.mu.RLock()
	s, ok := m.slots[accountID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[accountID]; ok {
		return s
	}
	s = newSlot(m.cfg.AccountMax)
	m.slots[accountID] = s
	return s
}

// Acquire blocks (with exponential backoff) until a slot for accountID
// frees up, ctx is canceled, or the wait queue/timeout is exceeded.
func (m *manager) Acquire(ctx context.Context, accountID string) (*AcquireResult, error) {
	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		return nil, fmt.Errorf("concurrency manager closed")
	}
	m.closeMu.RUnlock()

	s := m.getOrCreate(accountID)
	start := time.Now()
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = start.Add(m.cfg.WaitTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < s.max {
		s.current++
		atomic.AddInt64(&s.total, 1)
		atomic.AddInt64(&m.totalAcquires, 1)
		return &AcquireResult{Acquired: true}, nil
	}

	if int(s.waiting) >= m.cfg.MaxWaitQueue {
		log.Warn().Str("account_id", accountID).Int32("waiting", s.waiting).Msg("concurrency wait queue full")
		return &AcquireResult{Acquired: false, QueuePos: int(s.waiting)}, fmt.Errorf("wait queue full for account %s", accountID)
	}

	s.waiting++
	queuePos := int(s.waiting)
	backoff := m.cfg.BackoffBase

	log.Debug().Str("account_id", accountID).Int("queue_pos", queuePos).Msg("waiting for concurrency slot")

	for {
		waitCtx, cancel := context.WithTimeout(ctx, backoff)
		done := make(chan struct{})
		go func() {
			s.cond.Wait()
			close(done)
		}()

		select {
		case <-done:
			cancel()
			if s.current < s.max {
				s.current++
				s.waiting--
				atomic.AddInt64(&s.total, 1)
				atomic.AddInt64(&m.totalAcquires, 1)
				return &AcquireResult{Acquired: true, WaitTime: time.Since(start)}, nil
			}

		case <-waitCtx.Done():
			cancel()
			if time.Now().After(deadline) {
				s.waiting--
				atomic.AddInt64(&m.totalTimeouts, 1)
				return &AcquireResult{Acquired: false, WaitTime: time.Since(start)}, fmt.Errorf("timeout waiting for account %s slot", accountID)
			}

		case <-ctx.Done():
			s.waiting--
			return &AcquireResult{Acquired: false, WaitTime: time.Since(start)}, ctx.Err()
		}

		backoff = m.nextBackoff(backoff)
	}
}

func (m *manager) Release(accountID string) {
	m.mu.RLock()
	s, ok := m.slots[accountID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.current > 0 {
		s.current--
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (m *manager) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * 2)
	if next > m.cfg.BackoffMax {
		next = m.cfg.BackoffMax
	}
	jitter := time.Duration(float64(next) * m.cfg.BackoffJitter)
	return next - jitter/2
}

func (m *manager) Load(accountIDs []string) map[string]*LoadInfo {
	result := make(map[string]*LoadInfo, len(accountIDs))

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range accountIDs {
		if s, ok := m.slots[id]; ok {
			result[id] = &LoadInfo{
				Current: int(atomic.LoadInt32(&s.current)),
				Max:     int(s.max),
				Waiting: int(atomic.LoadInt32(&s.waiting)),
				Total:   atomic.LoadInt64(&s.total),
			}
		} else {
			result[id] = &LoadInfo{Max: m.cfg.AccountMax}
		}
	}
	return result
}

// LowestLoad returns the account with the fewest current+waiting requests,
// a tie-break hint the router can consult when several accounts otherwise
// score equally.
func (m *manager) LowestLoad(accountIDs []string) string {
	if len(accountIDs) == 0 {
		return ""
	}

	loads := m.Load(accountIDs)
	var lowestID string
	lowestLoad := int(^uint(0) >> 1)

	for id, info := range loads {
		load := info.Current + info.Waiting
		if load < lowestLoad {
			lowestLoad = load
			lowestID = id
		}
	}
	return lowestID
}

func (m *manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{TrackedAccounts: len(m.slots)}
	for _, s := range m.slots {
		stats.ActiveSlots += int(atomic.LoadInt32(&s.current))
		stats.Waiting += int(atomic.LoadInt32(&s.waiting))
	}
	stats.TotalAcquires = atomic.LoadInt64(&m.totalAcquires)
	stats.TotalTimeouts = atomic.LoadInt64(&m.totalTimeouts)
	return stats
}

func (m *manager) Close() {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()

	m.mu.Lock()
	for _, s := range m.slots {
		s.cond.Broadcast()
	}
	m.mu.Unlock()

	log.Info().Msg("concurrency manager closed")
}
