package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryChecker_CheckIP(t *testing.T) {
	config := Config{
		Enabled: true,
		IPLimit: LimitRule{
			Requests: 5,
			Window:   time.Second,
		},
		GlobalLimit: LimitRule{Requests: 1000, Window: time.Second},
	}
	checker := NewMemoryChecker(config)
	defer checker.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := checker.CheckIP(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, err := checker.CheckIP(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Error("6th request should be denied")
	}

	result, err = checker.CheckIP(ctx, "5.6.7.8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Error("different IP should be allowed")
	}
}

func TestMemoryChecker_WindowReset(t *testing.T) {
	config := Config{
		Enabled:     true,
		IPLimit:     LimitRule{Requests: 2, Window: 100 * time.Millisecond},
		GlobalLimit: LimitRule{Requests: 1000, Window: 100 * time.Millisecond},
	}
	checker := NewMemoryChecker(config)
	defer checker.Close()

	ctx := context.Background()

	checker.CheckIP(ctx, "1.2.3.4")
	checker.CheckIP(ctx, "1.2.3.4")

	result, _ := checker.CheckIP(ctx, "1.2.3.4")
	if result.Allowed {
		t.Error("should be denied after exhausting limit")
	}

	time.Sleep(150 * time.Millisecond)

	result, _ = checker.CheckIP(ctx, "1.2.3.4")
	if !result.Allowed {
		t.Error("should be allowed after window reset")
	}
}

func TestMemoryChecker_GlobalLimit(t *testing.T) {
	config := Config{
		Enabled:     true,
		IPLimit:     LimitRule{Requests: 100, Window: time.Second},
		GlobalLimit: LimitRule{Requests: 5, Window: time.Second},
	}
	checker := NewMemoryChecker(config)
	defer checker.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := checker.CheckIP(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, err := checker.CheckIP(ctx, "9.9.9.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Error("should be denied once the global budget is exhausted, even from a fresh IP")
	}
}

func TestMemoryChecker_Stats(t *testing.T) {
	config := Config{
		Enabled:     true,
		IPLimit:     LimitRule{Requests: 100, Window: time.Second},
		GlobalLimit: LimitRule{Requests: 1000, Window: time.Second},
	}
	checker := NewMemoryChecker(config)
	defer checker.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		checker.CheckIP(ctx, "1.2.3.4")
	}

	stats := checker.Stats()
	if stats.TotalChecks != 5 {
		t.Errorf("expected 5 total checks, got %d", stats.TotalChecks)
	}
	if stats.TotalAllowed != 5 {
		t.Errorf("expected 5 total allowed, got %d", stats.TotalAllowed)
	}
}
