// Package metrics is the gateway's hand-rolled in-memory counter set, served
// as JSON rather than a Prometheus exposition (no pack dependency imports
// client_golang; the teacher's own "prometheus.go" is this same in-memory
// shape despite the filename).
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Config governs where the metrics snapshot is served.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, Path: "/internal/metrics"}
}

type durationMetric struct {
	count int64
	sumMs int64
	minMs int64
	maxMs int64
}

// Metrics holds every counter the gateway tracks. A nil *Metrics is valid
// everywhere a method is called on it — every method no-ops on a nil
// receiver so call sites don't need to guard a disabled config.
type Metrics struct {
	cfg Config

	requestsTotal    map[string]*int64
	requestsDuration map[string]*durationMetric

	accountRequests map[string]*int64
	accountErrors   map[string]*int64
	accountHealth   map[string]bool

	rateLimitHits map[string]*int64

	retryAttempts  int64
	retrySuccesses int64

	accountSwitches map[string]*int64

	mu sync.RWMutex
}

func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	return &Metrics{
		cfg:              cfg,
		requestsTotal:    make(map[string]*int64),
		requestsDuration: make(map[string]*durationMetric),
		accountRequests:  make(map[string]*int64),
		accountErrors:    make(map[string]*int64),
		accountHealth:    make(map[string]bool),
		rateLimitHits:    make(map[string]*int64),
		accountSwitches:  make(map[string]*int64),
	}
}

// Handler serves the metrics snapshot as JSON.
func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.JSON(http.StatusOK, gin.H{"error": "metrics disabled"})
			return
		}
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

// Snapshot returns every counter as a plain map, suitable for embedding in
// the /internal/stats admin response.
func (m *Metrics) Snapshot() map[string]any {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	requests := make(map[string]int64, len(m.requestsTotal))
	for k, v := range m.requestsTotal {
		requests[k] = atomic.LoadInt64(v)
	}

	durations := make(map[string]any, len(m.requestsDuration))
	for k, v := range m.requestsDuration {
		durations[k] = map[string]int64{
			"count": v.count, "sum_ms": v.sumMs, "min_ms": v.minMs, "max_ms": v.maxMs,
			"avg_ms": safeDivide(v.sumMs, v.count),
		}
	}

	accounts := make(map[string]any, len(m.accountRequests))
	for id, v := range m.accountRequests {
		errs := int64(0)
		if e := m.accountErrors[id]; e != nil {
			errs = atomic.LoadInt64(e)
		}
		accounts[id] = map[string]any{
			"requests": atomic.LoadInt64(v),
			"errors":   errs,
			"healthy":  m.accountHealth[id],
		}
	}

	rateLimits := make(map[string]int64, len(m.rateLimitHits))
	for k, v := range m.rateLimitHits {
		rateLimits[k] = atomic.LoadInt64(v)
	}

	switches := make(map[string]int64, len(m.accountSwitches))
	for k, v := range m.accountSwitches {
		switches[k] = atomic.LoadInt64(v)
	}

	return map[string]any{
		"requests_total":    requests,
		"request_duration":  durations,
		"accounts":          accounts,
		"rate_limit_hits":   rateLimits,
		"account_switches":  switches,
		"retry_attempts":    atomic.LoadInt64(&m.retryAttempts),
		"retry_successes":   atomic.LoadInt64(&m.retrySuccesses),
	}
}

func safeDivide(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// RecordRequest records one completed request keyed by route, model and
// upstream status.
func (m *Metrics) RecordRequest(route, model string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := route + ":" + model + ":" + statusBucket(status)
	if m.requestsTotal[key] == nil {
		var zero int64
		m.requestsTotal[key] = &zero
	}
	atomic.AddInt64(m.requestsTotal[key], 1)

	durKey := route + ":" + model
	dm := m.requestsDuration[durKey]
	if dm == nil {
		dm = &durationMetric{minMs: int64(^uint64(0) >> 1)}
		m.requestsDuration[durKey] = dm
	}
	ms := duration.Milliseconds()
	dm.count++
	dm.sumMs += ms
	if ms < dm.minMs {
		dm.minMs = ms
	}
	if ms > dm.maxMs {
		dm.maxMs = ms
	}
}

func statusBucket(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}

func (m *Metrics) RecordAccountRequest(accountID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.accountRequests[accountID] == nil {
		var zero int64
		m.accountRequests[accountID] = &zero
	}
	m.mu.Unlock()
	atomic.AddInt64(m.accountRequests[accountID], 1)
}

func (m *Metrics) RecordAccountError(accountID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.accountErrors[accountID] == nil {
		var zero int64
		m.accountErrors[accountID] = &zero
	}
	m.mu.Unlock()
	atomic.AddInt64(m.accountErrors[accountID], 1)
}

func (m *Metrics) SetAccountHealth(accountID string, healthy bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.accountHealth[accountID] = healthy
	m.mu.Unlock()
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.rateLimitHits[limitType] == nil {
		var zero int64
		m.rateLimitHits[limitType] = &zero
	}
	m.mu.Unlock()
	atomic.AddInt64(m.rateLimitHits[limitType], 1)
}

func (m *Metrics) RecordRetry(success bool) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.retryAttempts, 1)
	if success {
		atomic.AddInt64(&m.retrySuccesses, 1)
	}
}

// RecordAccountSwitch records a failover to the next account, tagged by the
// reason the previous account was abandoned (e.g. "quota", "transport_error").
func (m *Metrics) RecordAccountSwitch(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.accountSwitches[reason] == nil {
		var zero int64
		m.accountSwitches[reason] = &zero
	}
	m.mu.Unlock()
	atomic.AddInt64(m.accountSwitches[reason], 1)
}
