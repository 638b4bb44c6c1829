package retryx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShouldRetryResponse_StatusSet(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		if !ShouldRetryResponse(status, "") {
			t.Errorf("expected status %d to be retryable", status)
		}
	}
	if ShouldRetryResponse(400, "") {
		t.Error("expected 400 to not be retryable by status alone")
	}
}

func TestShouldRetryResponse_TextMatch(t *testing.T) {
	if !ShouldRetryResponse(400, "upstream overloaded, try later") {
		t.Error("expected text match to be retryable")
	}
	if !ShouldRetryResponse(400, "rate limit exceeded") {
		t.Error("expected rate-limit text to be retryable")
	}
	if ShouldRetryResponse(400, "invalid request") {
		t.Error("expected unrelated 4xx text to not be retryable")
	}
}

func TestShouldRetryTransportError_UsageLimitExcluded(t *testing.T) {
	if ShouldRetryTransportError("usage limit exceeded for this account") {
		t.Error("expected usage-limit transport errors to not be retried")
	}
	if !ShouldRetryTransportError("connection reset by peer") {
		t.Error("expected generic transport errors to be retried")
	}
}

func TestBackoff_ExponentialFromBase(t *testing.T) {
	cfg := Config{MaxRetries: 3, BaseDelay: time.Second}
	if cfg.Backoff(0) != time.Second {
		t.Errorf("expected 1s at attempt 0, got %v", cfg.Backoff(0))
	}
	if cfg.Backoff(1) != 2*time.Second {
		t.Errorf("expected 2s at attempt 1, got %v", cfg.Backoff(1))
	}
	if cfg.Backoff(2) != 4*time.Second {
		t.Errorf("expected 4s at attempt 2, got %v", cfg.Backoff(2))
	}
}

func TestTotalAttempts(t *testing.T) {
	cfg := Config{MaxRetries: 3}
	if cfg.TotalAttempts() != 4 {
		t.Errorf("expected 4 total attempts, got %d", cfg.TotalAttempts())
	}
}

func TestExecute_StopsOnSuccess(t *testing.T) {
	cfg := Config{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	result := Execute(context.Background(), cfg, "acct", func(ctx context.Context, attempt int) Attempt {
		calls++
		return Attempt{Status: 200}
	})
	if calls != 1 {
		t.Errorf("expected a single call on immediate success, got %d", calls)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", result.Attempts)
	}
}

func TestExecute_RetriesUpToBudgetThenStops(t *testing.T) {
	cfg := Config{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	result := Execute(context.Background(), cfg, "acct", func(ctx context.Context, attempt int) Attempt {
		calls++
		return Attempt{Status: 503}
	})
	if calls != 4 {
		t.Errorf("expected MaxRetries+1=4 calls, got %d", calls)
	}
	if result.Last.Status != 503 {
		t.Errorf("expected last status 503, got %d", result.Last.Status)
	}
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	cfg := Config{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	result := Execute(context.Background(), cfg, "acct", func(ctx context.Context, attempt int) Attempt {
		calls++
		return Attempt{Status: 401}
	})
	if calls != 1 {
		t.Errorf("expected a single call for a non-retryable status, got %d", calls)
	}
	if result.Last.Status != 401 {
		t.Errorf("expected last status 401, got %d", result.Last.Status)
	}
}

func TestExecute_TransportErrorUsageLimitStopsImmediately(t *testing.T) {
	cfg := Config{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	result := Execute(context.Background(), cfg, "acct", func(ctx context.Context, attempt int) Attempt {
		calls++
		return Attempt{Err: errors.New("usage limit reached")}
	})
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
	if result.Last.Err == nil {
		t.Error("expected error to be preserved")
	}
}
