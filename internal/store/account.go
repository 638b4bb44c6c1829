// Package store holds the account pool: the durable mapping from account id
// to credentials, quota snapshot and block-state that the router and
// forwarding engine select from. Persistence is a flat JSON file written
// through a tmp-file-then-rename swap, not a database — there is exactly
// one writer process and the file is small enough to rewrite wholesale.
package store

import (
	"time"
)

// Account is one upstream ChatGPT/Codex identity.
type Account struct {
	ID               string         `json:"id"`
	Email            string         `json:"email,omitempty"`
	AccessToken      string         `json:"accessToken"`
	RefreshToken     string         `json:"refreshToken,omitempty"`
	ExpiresAt        *int64         `json:"expiresAt,omitempty"` // epoch ms
	ChatGPTAccountID string         `json:"chatgptAccountId,omitempty"`
	Enabled          bool           `json:"enabled"`
	Priority         *int           `json:"priority,omitempty"`
	Usage            *UsageSnapshot `json:"usage,omitempty"`
	State            *AccountState  `json:"state,omitempty"`
}

// UsageSnapshot holds the two upstream rate-limit windows.
type UsageSnapshot struct {
	Primary   Window `json:"primary"`
	Secondary Window `json:"secondary"`
	FetchedAt int64  `json:"fetchedAt"` // epoch ms
}

// Window is one rolling quota bucket (primary ~5h, secondary ~weekly).
type Window struct {
	UsedPercent *float64 `json:"usedPercent,omitempty"`
	ResetAt     *int64   `json:"resetAt,omitempty"` // epoch ms
}

// RecentError is one entry of an account's bounded error ring.
type RecentError struct {
	At      int64  `json:"at"` // epoch ms
	Message string `json:"message"`
}

// AccountState is router/engine/probe-mutated bookkeeping for an account.
type AccountState struct {
	BlockedUntil      *int64        `json:"blockedUntil,omitempty"` // epoch ms
	BlockedReason     string        `json:"blockedReason,omitempty"`
	LastError         string        `json:"lastError,omitempty"`
	LastSelectedAt    *int64        `json:"lastSelectedAt,omitempty"` // epoch ms
	RecentErrors      []RecentError `json:"recentErrors,omitempty"`
	NeedsTokenRefresh bool          `json:"needsTokenRefresh,omitempty"`
}

const recentErrorsCap = 10

// IsExpired reports whether the account's access token is past its expiry.
func (a *Account) IsExpired(now time.Time) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return *a.ExpiresAt <= now.UnixMilli()
}

// NeedsRefresh reports whether the token is inside the safety margin and a
// refresh token is available to renew it.
func (a *Account) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if a.ExpiresAt == nil || a.RefreshToken == "" {
		return false
	}
	return *a.ExpiresAt-now.UnixMilli() < margin.Milliseconds()
}

// IsBlocked reports whether the account's block window still covers now.
func (a *Account) IsBlocked(now time.Time) bool {
	st := a.State
	if st == nil || st.BlockedUntil == nil {
		return false
	}
	return *st.BlockedUntil > now.UnixMilli()
}

// Untouched reports whether both quota windows show no usage yet (missing
// counts as 0).
func (a *Account) Untouched() bool {
	u := a.Usage
	if u == nil {
		return true
	}
	return percentOrZero(u.Primary.UsedPercent) == 0 && percentOrZero(u.Secondary.UsedPercent) == 0
}

func percentOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// ensureState lazily allocates the mutable state block.
func (a *Account) ensureState() *AccountState {
	if a.State == nil {
		a.State = &AccountState{}
	}
	return a.State
}

// MarkSelected records the time the router picked this account for a
// forwarding attempt.
func (a *Account) MarkSelected(now time.Time) {
	st := a.ensureState()
	ms := now.UnixMilli()
	st.LastSelectedAt = &ms
}

// RememberError prepends an error to the account's bounded ring and sets
// lastError.
func (a *Account) RememberError(now time.Time, msg string) {
	st := a.ensureState()
	st.LastError = msg
	entry := RecentError{At: now.UnixMilli(), Message: msg}
	st.RecentErrors = append([]RecentError{entry}, st.RecentErrors...)
	if len(st.RecentErrors) > recentErrorsCap {
		st.RecentErrors = st.RecentErrors[:recentErrorsCap]
	}
}

// MarkQuotaHit blocks the account until the earliest window reset, or a
// fallback duration when no reset time is known.
func (a *Account) MarkQuotaHit(now time.Time, msg string, fallback time.Duration) {
	st := a.ensureState()

	var resets []int64
	if a.Usage != nil {
		if a.Usage.Primary.ResetAt != nil {
			resets = append(resets, *a.Usage.Primary.ResetAt)
		}
		if a.Usage.Secondary.ResetAt != nil {
			resets = append(resets, *a.Usage.Secondary.ResetAt)
		}
	}

	nowMs := now.UnixMilli()
	blockedUntil := nowMs + fallback.Milliseconds()
	if len(resets) > 0 {
		earliest := resets[0]
		for _, r := range resets[1:] {
			if r < earliest {
				earliest = r
			}
		}
		if earliest > nowMs {
			blockedUntil = earliest
		}
	}

	st.BlockedUntil = &blockedUntil
	st.BlockedReason = msg
	a.RememberError(now, msg)
}

// Clone returns a deep-enough copy for safe handoff outside the store's lock.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ExpiresAt != nil {
		v := *a.ExpiresAt
		cp.ExpiresAt = &v
	}
	if a.Priority != nil {
		v := *a.Priority
		cp.Priority = &v
	}
	if a.Usage != nil {
		u := *a.Usage
		cp.Usage = &u
	}
	if a.State != nil {
		s := *a.State
		if a.State.BlockedUntil != nil {
			v := *a.State.BlockedUntil
			s.BlockedUntil = &v
		}
		if a.State.LastSelectedAt != nil {
			v := *a.State.LastSelectedAt
			s.LastSelectedAt = &v
		}
		s.RecentErrors = append([]RecentError(nil), a.State.RecentErrors...)
		cp.State = &s
	}
	return &cp
}
