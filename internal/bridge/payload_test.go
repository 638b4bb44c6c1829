package bridge

import "testing"

func TestBuildUpstreamPayload_ChatSystemBecomesInstructions(t *testing.T) {
	body := map[string]any{
		"model": "gpt-5-codex",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
		},
	}

	out := BuildUpstreamPayload(body, "sess-1")

	if out["instructions"] != "be terse" {
		t.Fatalf("instructions = %v, want %q", out["instructions"], "be terse")
	}
	input, ok := out["input"].([]any)
	if !ok || len(input) != 1 {
		t.Fatalf("input = %#v, want single user item", out["input"])
	}
	item := input[0].(map[string]any)
	if item["role"] != "user" {
		t.Fatalf("input[0].role = %v, want user", item["role"])
	}
}

func TestBuildUpstreamPayload_EmptyMessagesYieldsEmptyInput(t *testing.T) {
	body := map[string]any{"model": "gpt-5", "messages": []any{}}
	out := BuildUpstreamPayload(body, "")

	input, ok := out["input"].([]any)
	if !ok {
		t.Fatalf("input type = %T, want []any", out["input"])
	}
	if len(input) != 0 {
		t.Fatalf("input = %#v, want empty", input)
	}
}

func TestBuildUpstreamPayload_ToolMessageBecomesFunctionCallOutput(t *testing.T) {
	body := map[string]any{
		"model": "gpt-5",
		"messages": []any{
			map[string]any{"role": "user", "content": "what's the weather"},
			map[string]any{"role": "assistant", "tool_calls": []any{
				map[string]any{"id": "call_abc", "function": map[string]any{"name": "get_weather", "arguments": "{}"}},
			}},
			map[string]any{"role": "tool", "tool_call_id": "call_abc", "content": "72F"},
		},
	}

	out := BuildUpstreamPayload(body, "")
	input := out["input"].([]any)

	var sawCall, sawOutput bool
	for _, raw := range input {
		item := raw.(map[string]any)
		switch item["type"] {
		case "function_call":
			sawCall = true
			if item["call_id"] != "call_abc" {
				t.Fatalf("function_call call_id = %v, want call_abc", item["call_id"])
			}
		case "function_call_output":
			sawOutput = true
			if item["call_id"] != "call_abc" {
				t.Fatalf("function_call_output call_id = %v, want call_abc", item["call_id"])
			}
			if item["output"] != "72F" {
				t.Fatalf("output = %v, want 72F", item["output"])
			}
		}
	}
	if !sawCall || !sawOutput {
		t.Fatalf("expected both function_call and function_call_output items, got %#v", input)
	}
}

func TestBuildUpstreamPayload_SyntheticUserPrependedWhenFirstIsAssistant(t *testing.T) {
	body := map[string]any{
		"model": "gpt-5",
		"messages": []any{
			map[string]any{"role": "assistant", "content": "hello there"},
		},
	}
	out := BuildUpstreamPayload(body, "")
	input := out["input"].([]any)
	if len(input) != 2 {
		t.Fatalf("len(input) = %d, want 2 (synthetic user + assistant)", len(input))
	}
	if input[0].(map[string]any)["role"] != "user" {
		t.Fatalf("input[0].role = %v, want user", input[0].(map[string]any)["role"])
	}
}

func TestBuildUpstreamPayload_CodexParityDefaults(t *testing.T) {
	body := map[string]any{
		"model":    "gpt-5",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"store":    true,
		"stream":   false,
	}
	out := BuildUpstreamPayload(body, "sess-xyz")

	if out["store"] != false {
		t.Fatalf("store = %v, want false", out["store"])
	}
	if out["stream"] != true {
		t.Fatalf("stream = %v, want true", out["stream"])
	}
	if out["tool_choice"] != "auto" {
		t.Fatalf("tool_choice = %v, want auto", out["tool_choice"])
	}
	if out["prompt_cache_key"] != "sess-xyz" {
		t.Fatalf("prompt_cache_key = %v, want sess-xyz", out["prompt_cache_key"])
	}
	include := out["include"].([]any)
	found := false
	for _, v := range include {
		if v == "reasoning.encrypted_content" {
			found = true
		}
	}
	if !found {
		t.Fatalf("include = %#v, missing reasoning.encrypted_content", include)
	}
}

func TestBuildUpstreamPayload_ReasoningEffortMigrationAndClamp(t *testing.T) {
	body := map[string]any{
		"model":            "gpt-5.1-codex-mini",
		"messages":         []any{map[string]any{"role": "user", "content": "hi"}},
		"reasoning_effort": "xhigh",
	}
	out := BuildUpstreamPayload(body, "")

	if _, ok := out["reasoning_effort"]; ok {
		t.Fatalf("reasoning_effort should be migrated away, got %v", out["reasoning_effort"])
	}
	reasoning := out["reasoning"].(map[string]any)
	if reasoning["effort"] != "high" {
		t.Fatalf("effort = %v, want high (clamped from xhigh)", reasoning["effort"])
	}
	if reasoning["summary"] != "auto" {
		t.Fatalf("summary = %v, want auto", reasoning["summary"])
	}
}

func TestBuildUpstreamPayload_ScrubsMaxOutputTokensForGPT5(t *testing.T) {
	body := map[string]any{
		"model":             "gpt-5-codex",
		"messages":          []any{map[string]any{"role": "user", "content": "hi"}},
		"max_output_tokens": 100,
	}
	out := BuildUpstreamPayload(body, "")
	if _, ok := out["max_output_tokens"]; ok {
		t.Fatalf("max_output_tokens should be scrubbed for gpt-5 family, got %v", out["max_output_tokens"])
	}
}

func TestBuildUpstreamPayload_ResponsesStringInputWrapped(t *testing.T) {
	body := map[string]any{"model": "gpt-5", "input": "hello"}
	out := BuildUpstreamPayload(body, "")

	input, ok := out["input"].([]any)
	if !ok || len(input) != 1 {
		t.Fatalf("input = %#v, want single wrapped item", out["input"])
	}
	item := input[0].(map[string]any)
	content := item["content"].([]any)[0].(map[string]any)
	if content["text"] != "hello" {
		t.Fatalf("wrapped text = %v, want hello", content["text"])
	}
}
