package bridge

import (
	"encoding/json"
	"regexp"
	"strings"
)

// toolProtocolPattern matches internal tool-call protocol syntax that must
// never reach the client as visible text.
var toolProtocolPattern = regexp.MustCompile(`(?i)assistant\s+to=functions\.[\w.]+|to=functions\.[\w.]+|functions\.[A-Za-z0-9_]+`)

// plannerMarkers are phrases that indicate internal planner chatter rather
// than an assistant reply meant for the client.
var plannerMarkers = []string{
	"The user earlier asked:",
	"Now we need to reply final message",
	"Need summary:",
	"List commands run:",
	"Need final instructions:",
	"[Use functions tool",
	"Need to",
	"Now run",
	"Let's run",
	"Use tool",
	"Use functions",
	"Input to tool",
	"Command:",
	"We'll run",
}

// ShouldDropVisibleText reports whether a text chunk is internal leakage
// (tool-protocol syntax or planner chatter) that must be suppressed rather
// than forwarded to the client.
func ShouldDropVisibleText(text string) bool {
	if toolProtocolPattern.MatchString(text) {
		return true
	}

	for _, m := range plannerMarkers {
		if strings.HasPrefix(text, m) {
			return true
		}
	}

	count := 0
	for _, m := range plannerMarkers {
		if strings.Contains(text, m) {
			count++
			if count >= 2 {
				return true
			}
		}
	}
	return false
}

// IsSentinelToolName reports whether a function-call name is an internal
// sentinel that must be dropped from both Responses output and chat
// tool_calls.
func IsSentinelToolName(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "functions.")
}

// StripReasoning removes reasoning leakage from a full Responses object:
// the top-level "reasoning" field and any output item with type
// "reasoning". It is idempotent — running it again on its own output is a
// no-op since there is nothing left to strip.
func StripReasoning(raw []byte) []byte {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}

	delete(obj, "reasoning")

	if output, ok := obj["output"].([]any); ok {
		filtered := make([]any, 0, len(output))
		for _, item := range output {
			if m, ok := item.(map[string]any); ok {
				if t, _ := m["type"].(string); t == "reasoning" {
					continue
				}
			}
			filtered = append(filtered, item)
		}
		obj["output"] = filtered
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

// SanitizeOutputItems drops reasoning items and sentinel-named function
// calls from a decoded output array, and scrubs leaking planner text from
// message content parts. Used both on the full completed-response object
// and (conceptually) on the incremental output_item events.
func SanitizeOutputItems(output []any) []any {
	filtered := make([]any, 0, len(output))
	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if !ok {
			filtered = append(filtered, raw)
			continue
		}

		switch item["type"] {
		case "reasoning":
			continue
		case "function_call":
			if name, _ := item["name"].(string); IsSentinelToolName(name) {
				continue
			}
		case "message":
			item = sanitizeMessageItem(item)
		}

		filtered = append(filtered, item)
	}
	return filtered
}

func sanitizeMessageItem(item map[string]any) map[string]any {
	content, ok := item["content"].([]any)
	if !ok {
		return item
	}

	kept := make([]any, 0, len(content))
	for _, raw := range content {
		part, ok := raw.(map[string]any)
		if !ok {
			kept = append(kept, raw)
			continue
		}
		partType, _ := part["type"].(string)
		if partType != "output_text" && partType != "refusal" {
			continue
		}
		if text, ok := part["text"].(string); ok && ShouldDropVisibleText(text) {
			continue
		}
		kept = append(kept, part)
	}

	item["content"] = kept
	return item
}
