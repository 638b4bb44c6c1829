package bridge

import (
	"encoding/json"
	"testing"
)

func TestShouldDropVisibleText_ToolProtocolLeak(t *testing.T) {
	cases := []string{
		"assistant to=functions.get_weather code",
		"to=functions.lookup{}",
		"calling functions.search now",
	}
	for _, c := range cases {
		if !ShouldDropVisibleText(c) {
			t.Errorf("ShouldDropVisibleText(%q) = false, want true", c)
		}
	}
}

func TestShouldDropVisibleText_PlannerPrefix(t *testing.T) {
	if !ShouldDropVisibleText("Need summary: the user wants X") {
		t.Fatal("expected planner-marker prefix to be dropped")
	}
}

func TestShouldDropVisibleText_TwoMarkersAnywhere(t *testing.T) {
	text := "Some lead in. Need to check docs. Now run the tool to verify."
	if !ShouldDropVisibleText(text) {
		t.Fatal("expected two planner markers anywhere to trigger drop")
	}
}

func TestShouldDropVisibleText_OrdinaryReplyPasses(t *testing.T) {
	if ShouldDropVisibleText("The weather in Boston is 72F and sunny.") {
		t.Fatal("ordinary assistant text should not be dropped")
	}
}

func TestIsSentinelToolName(t *testing.T) {
	if !IsSentinelToolName("functions.lookup") {
		t.Fatal("expected functions.-prefixed name to be sentinel")
	}
	if !IsSentinelToolName("Functions.Lookup") {
		t.Fatal("expected case-insensitive match")
	}
	if IsSentinelToolName("get_weather") {
		t.Fatal("ordinary tool name must not be flagged sentinel")
	}
}

func TestStripReasoning_RemovesTopLevelAndOutputItems(t *testing.T) {
	raw := []byte(`{"id":"r1","reasoning":{"content":"secret"},"output":[
		{"type":"reasoning","content":"hidden"},
		{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi"}]}
	]}`)

	out := StripReasoning(raw)

	var obj map[string]any
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("unmarshal stripped output: %v", err)
	}
	if _, ok := obj["reasoning"]; ok {
		t.Fatal("top-level reasoning should be removed")
	}
	output := obj["output"].([]any)
	if len(output) != 1 {
		t.Fatalf("len(output) = %d, want 1", len(output))
	}
}

func TestStripReasoning_Idempotent(t *testing.T) {
	raw := []byte(`{"id":"r1","reasoning":{"content":"secret"},"output":[{"type":"reasoning"}]}`)
	once := StripReasoning(raw)
	twice := StripReasoning(once)

	var a, b map[string]any
	_ = json.Unmarshal(once, &a)
	_ = json.Unmarshal(twice, &b)

	if len(a["output"].([]any)) != len(b["output"].([]any)) {
		t.Fatalf("second strip changed output length: %v vs %v", a["output"], b["output"])
	}
	if _, ok := b["reasoning"]; ok {
		t.Fatal("reasoning reappeared on second strip")
	}
}

func TestSanitizeOutputItems_DropsSentinelFunctionCalls(t *testing.T) {
	items := []any{
		map[string]any{"type": "function_call", "name": "functions.internal_tool", "call_id": "c1"},
		map[string]any{"type": "function_call", "name": "get_weather", "call_id": "c2"},
	}
	out := SanitizeOutputItems(items)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].(map[string]any)["name"] != "get_weather" {
		t.Fatalf("surviving call = %#v, want get_weather", out[0])
	}
}
