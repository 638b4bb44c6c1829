package trace

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppend_RetentionCompaction(t *testing.T) {
	dir := t.TempDir()
	windowPath := filepath.Join(dir, "requests-trace.jsonl")
	historyPath := filepath.Join(dir, "requests-stats-history.jsonl")

	l, err := Open(windowPath, historyPath, 1000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Unix(0, 0)
	for i := 0; i < 1500; i++ {
		l.Append(now, Entry{Route: "/v1/chat/completions", Status: 200})
	}

	window := l.Window()
	if len(window) != 1000 {
		t.Fatalf("expected window capped at 1000, got %d", len(window))
	}

	f, err := os.Open(historyPath)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		count++
	}
	if count < 1500 {
		t.Fatalf("expected history to have at least 1500 lines, got %d", count)
	}
}

func TestAppend_TokensFromBothUsageShapes(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "w.jsonl"), filepath.Join(dir, "h.jsonl"), 1000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Unix(100, 0)
	responsesShaped := l.Append(now, Entry{
		Model:  "gpt-5.3-codex",
		Status: 200,
		Usage:  map[string]any{"input_tokens": 3.0, "output_tokens": 1.0, "total_tokens": 4.0},
	})
	if responsesShaped.TokensTotal != 4 {
		t.Errorf("expected 4 total tokens, got %d", responsesShaped.TokensTotal)
	}

	chatShaped := l.Append(now, Entry{
		Model:  "gpt-5.3-codex",
		Status: 200,
		Usage:  map[string]any{"prompt_tokens": 10.0, "completion_tokens": 2.0, "total_tokens": 12.0},
	})
	if chatShaped.TokensTotal != 12 {
		t.Errorf("expected 12 total tokens, got %d", chatShaped.TokensTotal)
	}
	if chatShaped.CostUSD == nil {
		t.Error("expected cost to be computed for a priced model")
	}
}

func TestReadJSONL_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w.jsonl")
	os.WriteFile(path, []byte("{\"id\":\"a\",\"status\":200}\nnot json\n{\"id\":\"b\",\"status\":500}\n"), 0o644)

	entries, err := readJSONL(path)
	if err != nil {
		t.Fatalf("readJSONL: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 valid entries, got %d", len(entries))
	}
}

func TestBuildStats_PercentileAndModelGrouping(t *testing.T) {
	entries := []Entry{
		{At: 0, Model: "gpt-5.3-codex", Status: 200, LatencyMs: 100},
		{At: 1000, Model: "gpt-5.3-codex", Status: 200, LatencyMs: 200},
		{At: 2000, Model: "gpt-5.3-codex", Status: 500, LatencyMs: 300, IsError: true},
		{At: 3000, Model: "gpt-5.2-codex", Status: 200, LatencyMs: 50},
	}

	stats := BuildStats(entries, 0, 0)
	if stats.Totals.Requests != 4 {
		t.Errorf("expected 4 total requests, got %d", stats.Totals.Requests)
	}
	if stats.Totals.Errors != 1 {
		t.Errorf("expected 1 error, got %d", stats.Totals.Errors)
	}
	if len(stats.ByModel) != 2 {
		t.Fatalf("expected 2 model rows, got %d", len(stats.ByModel))
	}
	if stats.ByModel[0].Model != "gpt-5.3-codex" {
		t.Errorf("expected gpt-5.3-codex first (3 requests), got %s", stats.ByModel[0].Model)
	}
	if len(stats.Hourly) != 1 {
		t.Fatalf("expected all entries in one hour bucket, got %d", len(stats.Hourly))
	}
}

func TestPercentile_P100IsMax(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}
	if got := percentile(sorted, 100); got != 50 {
		t.Errorf("expected max 50, got %d", got)
	}
}

func TestPercentile_Empty(t *testing.T) {
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("expected 0 for empty slice, got %d", got)
	}
}
