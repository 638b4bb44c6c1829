package bridge

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// BuildUpstreamPayload rewrites a client body (Chat Completions or
// Responses shaped) into the upstream Responses-API payload, applying the
// codex parity defaults and model-specific scrubbing every outgoing
// request carries.
func BuildUpstreamPayload(body map[string]any, sessionID string) map[string]any {
	var upstream map[string]any

	if isChatCompletionsPayload(body) {
		upstream = chatToResponses(body)
	} else {
		upstream = responsesShallowCopy(body)
	}

	applyCodexParityDefaults(upstream, sessionID)
	applyModelScrubbing(upstream)

	return upstream
}

// isChatCompletionsPayload reports whether body carries the Chat
// Completions `messages` array shape.
func isChatCompletionsPayload(body map[string]any) bool {
	_, ok := body["messages"].([]any)
	return ok
}

func chatToResponses(body map[string]any) map[string]any {
	messages, _ := body["messages"].([]any)

	out := map[string]any{}
	for k, v := range body {
		if k == "messages" {
			continue
		}
		out[k] = v
	}

	var systemParts []string
	input := []any{}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)

		if role == "system" {
			if text := extractText(msg["content"]); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		input = append(input, chatMessageToInputItems(role, msg)...)
	}

	if len(systemParts) > 0 {
		if _, hasInstructions := out["instructions"]; !hasInstructions {
			out["instructions"] = strings.Join(systemParts, "\n\n")
		}
	}

	if len(input) > 0 {
		if first, ok := input[0].(map[string]any); ok {
			if role, _ := first["role"].(string); role != "user" {
				input = append([]any{syntheticUserItem()}, input...)
			}
		}
	}

	out["input"] = input
	if tools, ok := body["tools"]; ok {
		out["tools"] = translateTools(tools)
	}

	return out
}

func chatMessageToInputItems(role string, msg map[string]any) []any {
	switch role {
	case "tool":
		callID, _ := msg["tool_call_id"].(string)
		if callID == "" {
			callID = "call_" + uuid.New().String()
		}
		return []any{map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  toolContentToOutput(msg["content"]),
		}}

	case "assistant":
		var items []any
		if text := extractText(msg["content"]); text != "" {
			items = append(items, map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "output_text", "text": text},
				},
			})
		}
		if calls, ok := msg["tool_calls"].([]any); ok {
			for _, raw := range calls {
				call, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				fn, _ := call["function"].(map[string]any)
				callID, _ := call["id"].(string)
				name, _ := fn["name"].(string)
				items = append(items, map[string]any{
					"type":      "function_call",
					"call_id":   callID,
					"name":      name,
					"arguments": stringifyArguments(fn["arguments"]),
				})
			}
		}
		return items

	default:
		text := extractText(msg["content"])
		return []any{map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "input_text", "text": text},
			},
		}}
	}
}

func syntheticUserItem() map[string]any {
	return map[string]any{
		"role": "user",
		"content": []any{
			map[string]any{"type": "input_text", "text": " "},
		},
	}
}

// toolContentToOutput joins text parts of a tool message's content with
// "\n", or JSON-stringifies non-text content.
func toolContentToOutput(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var texts []string
		for _, raw := range v {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "text" {
				if text, ok := part["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n")
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return ""
	default:
		if v == nil {
			return ""
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return ""
	}
}

// extractText pulls plain text out of either a string content field or a
// content-blocks array, joining text blocks with no separator.
func extractText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var texts []string
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t == "text" || t == "input_text" {
				if text, ok := block["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, "")
	default:
		return ""
	}
}

func stringifyArguments(args any) string {
	switch v := args.(type) {
	case string:
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return "{}"
	}
}

// translateTools converts Chat Completions tool definitions
// ({type:"function", function:{...}}) into the Responses shape
// ({type:"function", name, description, parameters, strict}).
func translateTools(tools any) []any {
	list, ok := tools.([]any)
	if !ok {
		return nil
	}

	out := make([]any, 0, len(list))
	for _, raw := range list {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := tool["type"].(string); t != "function" {
			out = append(out, tool)
			continue
		}
		fn, _ := tool["function"].(map[string]any)
		var strict any
		if s, ok := fn["strict"]; ok {
			strict = s
		}
		out = append(out, map[string]any{
			"type":        "function",
			"name":        fn["name"],
			"description": fn["description"],
			"parameters":  fn["parameters"],
			"strict":      strict,
		})
	}
	return out
}

func responsesShallowCopy(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}

	if _, ok := out["input"].([]any); !ok {
		text := ""
		if s, ok := out["input"].(string); ok {
			text = s
		} else if s, ok := out["prompt"].(string); ok {
			text = s
		}
		out["input"] = []any{
			map[string]any{
				"role":    "user",
				"content": []any{map[string]any{"type": "input_text", "text": text}},
			},
		}
	}

	return out
}

// applyCodexParityDefaults forces/defaults the fixed option set every
// outgoing request carries, per the codex parity contract.
func applyCodexParityDefaults(upstream map[string]any, sessionID string) {
	upstream["store"] = false
	upstream["stream"] = true

	if _, ok := upstream["tool_choice"]; !ok {
		upstream["tool_choice"] = "auto"
	}
	if _, ok := upstream["parallel_tool_calls"]; !ok {
		upstream["parallel_tool_calls"] = true
	}

	text, _ := upstream["text"].(map[string]any)
	if text == nil {
		text = map[string]any{}
	}
	if _, ok := text["verbosity"]; !ok {
		text["verbosity"] = "medium"
	}
	upstream["text"] = text

	include, _ := upstream["include"].([]any)
	hasEncryptedReasoning := false
	for _, v := range include {
		if s, ok := v.(string); ok && s == "reasoning.encrypted_content" {
			hasEncryptedReasoning = true
		}
	}
	if !hasEncryptedReasoning {
		include = append(include, "reasoning.encrypted_content")
	}
	upstream["include"] = include

	if _, ok := upstream["prompt_cache_key"]; !ok && sessionID != "" {
		upstream["prompt_cache_key"] = sessionID
	}

	if instr, _ := upstream["instructions"].(string); instr == "" {
		upstream["instructions"] = "You are a helpful assistant."
	}

	normalizeReasoning(upstream)
}

func normalizeReasoning(upstream map[string]any) {
	reasoning, _ := upstream["reasoning"].(map[string]any)
	if reasoning == nil {
		reasoning = map[string]any{}
	}

	if flat, ok := upstream["reasoning_effort"]; ok {
		if _, has := reasoning["effort"]; !has {
			reasoning["effort"] = flat
		}
		delete(upstream, "reasoning_effort")
	}

	if effort, ok := reasoning["effort"]; ok {
		effort = clampReasoningEffort(upstream["model"], effort)
		reasoning["effort"] = effort
		if _, ok := reasoning["summary"]; !ok {
			reasoning["summary"] = "auto"
		}
		upstream["reasoning"] = reasoning
	} else if len(reasoning) > 0 {
		upstream["reasoning"] = reasoning
	}
}

// clampReasoningEffort applies the model-specific reasoning-effort clamp
// table, keyed by the bare model id after the last "/".
func clampReasoningEffort(model any, effort any) any {
	modelStr, _ := model.(string)
	effortStr, _ := effort.(string)
	bare := modelStr
	if idx := strings.LastIndex(modelStr, "/"); idx >= 0 {
		bare = modelStr[idx+1:]
	}

	switch {
	case strings.HasPrefix(bare, "gpt-5.2") || strings.HasPrefix(bare, "gpt-5.3"):
		if effortStr == "minimal" {
			return "low"
		}
	case bare == "gpt-5.1":
		if effortStr == "xhigh" {
			return "high"
		}
	case bare == "gpt-5.1-codex-mini":
		if effortStr == "high" || effortStr == "xhigh" {
			return "high"
		}
		return "medium"
	}
	return effort
}

// applyModelScrubbing drops options that don't apply to specific model
// families.
func applyModelScrubbing(upstream map[string]any) {
	model, _ := upstream["model"].(string)
	if strings.HasPrefix(model, "gpt-5") {
		delete(upstream, "max_output_tokens")
	}
}
