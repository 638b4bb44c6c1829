package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// bucket is a fixed-window counter for one key: the count resets when the
// window id (now / Window) changes.
type bucket struct {
	count    int64
	windowID int64
	mu       sync.Mutex
}

// memoryLimiter implements Limiter with in-process fixed-window buckets.
type memoryLimiter struct {
	rule    LimitRule
	buckets map[string]*bucket
	mu      sync.RWMutex
}

func newMemoryLimiter(rule LimitRule) *memoryLimiter {
	return &memoryLimiter{rule: rule, buckets: make(map[string]*bucket)}
}

func (l *memoryLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l.rule.Requests <= 0 || l.rule.Window <= 0 {
		return &Result{Allowed: true, Remaining: -1, Limit: -1}, nil
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	windowID := time.Now().UnixNano() / int64(l.rule.Window)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.windowID != windowID {
		b.count = 0
		b.windowID = windowID
	}

	windowStart := time.Unix(0, windowID*int64(l.rule.Window))
	resetAt := windowStart.Add(l.rule.Window)

	if b.count >= int64(l.rule.Requests) {
		retryAt := resetAt
		return &Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAt: &retryAt, Limit: l.rule.Requests, Window: l.rule.Window}, nil
	}

	b.count++
	return &Result{Allowed: true, Remaining: l.rule.Requests - int(b.count), ResetAt: resetAt, Limit: l.rule.Requests, Window: l.rule.Window}, nil
}

func (l *memoryLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

// MemoryChecker implements Checker with in-process memoryLimiters, one for
// the per-IP rule and one for the gateway-wide rule.
type MemoryChecker struct {
	cfg           Config
	ipLimiter     *memoryLimiter
	globalLimiter *memoryLimiter

	totalChecks  int64
	totalAllowed int64
	totalDenied  int64

	mu     sync.RWMutex
	closed bool
}

func NewMemoryChecker(cfg Config) *MemoryChecker {
	c := &MemoryChecker{
		cfg:           cfg,
		ipLimiter:     newMemoryLimiter(cfg.IPLimit),
		globalLimiter: newMemoryLimiter(cfg.GlobalLimit),
	}
	go c.cleanup()
	return c
}

// CheckIP checks the per-client-IP rule, then (if it passes) the global
// rule, so one misbehaving IP can't starve the global budget for everyone
// else before its own limit even trips.
func (c *MemoryChecker) CheckIP(ctx context.Context, ip string) (*Result, error) {
	if !c.cfg.Enabled {
		return &Result{Allowed: true, Remaining: -1}, nil
	}

	atomic.AddInt64(&c.totalChecks, 1)

	if ip != "" {
		result, err := c.ipLimiter.Allow(ctx, "ip:"+ip)
		if err != nil || !result.Allowed {
			atomic.AddInt64(&c.totalDenied, 1)
			return result, err
		}
	}

	result, err := c.CheckGlobal(ctx)
	if err != nil || !result.Allowed {
		atomic.AddInt64(&c.totalDenied, 1)
		return result, err
	}

	atomic.AddInt64(&c.totalAllowed, 1)
	return &Result{Allowed: true, Remaining: -1}, nil
}

func (c *MemoryChecker) CheckGlobal(ctx context.Context) (*Result, error) {
	return c.globalLimiter.Allow(ctx, "global")
}

func (c *MemoryChecker) Stats() Stats {
	c.ipLimiter.mu.RLock()
	ipBuckets := len(c.ipLimiter.buckets)
	c.ipLimiter.mu.RUnlock()

	return Stats{
		TotalChecks:   atomic.LoadInt64(&c.totalChecks),
		TotalAllowed:  atomic.LoadInt64(&c.totalAllowed),
		TotalDenied:   atomic.LoadInt64(&c.totalDenied),
		ActiveBuckets: ipBuckets + 1, // +1 for global
	}
}

func (c *MemoryChecker) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	log.Info().Msg("rate limiter closed")
}

func (c *MemoryChecker) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		c.mu.RUnlock()

		c.cleanupLimiter(c.ipLimiter)
		c.cleanupLimiter(c.globalLimiter)
	}
}

func (c *MemoryChecker) cleanupLimiter(l *memoryLimiter) {
	if l.rule.Window <= 0 {
		return
	}

	currentWindowID := time.Now().UnixNano() / int64(l.rule.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		b.mu.Lock()
		if b.windowID < currentWindowID-1 {
			delete(l.buckets, key)
		}
		b.mu.Unlock()
	}
}
