// Package retryx implements the forwarding engine's per-account upstream
// retry: a bounded number of attempts with exponential backoff, orthogonal
// to account-level failover which lives one layer up in the engine.
package retryx

import (
	"regexp"
	"time"
)

// Config tunes the retry budget and backoff base.
type Config struct {
	MaxRetries int           // additional attempts beyond the first; total = MaxRetries+1
	BaseDelay  time.Duration // default 1000ms, backoff = BaseDelay * 2^attempt
}

func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Second}
}

var retryableText = regexp.MustCompile(`(?i)rate.?limit|overloaded|service.?unavailable|upstream.?connect|connection.?refused`)

var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// usageLimitText matches a transport error message that should NOT be
// retried (it indicates an account-level quota problem the engine should
// fail over on, not hammer the same account).
var usageLimitText = regexp.MustCompile(`(?i)usage limit`)

// ShouldRetryResponse reports whether a not-ok upstream response (status
// plus a snippet of its body) qualifies for another attempt within this
// account's retry budget.
func ShouldRetryResponse(status int, bodySnippet string) bool {
	if retryableStatus[status] {
		return true
	}
	return retryableText.MatchString(bodySnippet)
}

// ShouldRetryTransportError reports whether a transport-level error (no
// response at all) qualifies for another attempt.
func ShouldRetryTransportError(errMsg string) bool {
	return !usageLimitText.MatchString(errMsg)
}

// Backoff returns the exponential delay before the given attempt (0-based:
// the delay before attempt N is BaseDelay * 2^N).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// TotalAttempts is MaxRetries+1: the first try plus the retry budget.
func (c Config) TotalAttempts() int {
	return c.MaxRetries + 1
}
