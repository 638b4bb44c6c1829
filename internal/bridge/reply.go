package bridge

import (
	"encoding/json"
	"strings"
)

// ClientShape is the wire shape the client asked for.
type ClientShape int

const (
	ShapeChat ClientShape = iota
	ShapeResponses
)

// accumulator walks a decoded event stream once and builds up everything
// downstream needs: the sanitized text, any tool calls, the terminal
// response object (if a response.completed event arrived), and usage.
type accumulator struct {
	text         strings.Builder
	toolCalls    []any
	usage        map[string]any
	finishReason string
	completed    map[string]any
	sawOutput    bool
}

func accumulate(events []Event) *accumulator {
	acc := &accumulator{finishReason: "stop"}

	for _, e := range events {
		switch {
		case e.IsReasoning():
			continue

		case e.IsOutputTextDelta():
			delta := e.Delta()
			if delta == "" || ShouldDropVisibleText(delta) {
				continue
			}
			acc.text.WriteString(delta)
			acc.sawOutput = true

		case e.IsOutputItemDone():
			var item map[string]any
			if err := json.Unmarshal(itemField(e.Raw), &item); err != nil {
				continue
			}
			if t, _ := item["type"].(string); t == "function_call" {
				name, _ := item["name"].(string)
				if IsSentinelToolName(name) {
					continue
				}
				acc.toolCalls = append(acc.toolCalls, map[string]any{
					"id":   item["call_id"],
					"type": "function",
					"function": map[string]any{
						"name":      item["name"],
						"arguments": item["arguments"],
					},
				})
				acc.sawOutput = true
				acc.finishReason = "tool_calls"
			}

		case e.IsCompleted():
			raw := e.ResponseObject()
			if raw == nil {
				continue
			}
			sanitized := StripReasoning(raw)
			var respObj map[string]any
			if err := json.Unmarshal(sanitized, &respObj); err == nil {
				if output, ok := respObj["output"].([]any); ok {
					respObj["output"] = SanitizeOutputItems(output)
				}
				acc.completed = respObj
				if u, ok := respObj["usage"].(map[string]any); ok {
					acc.usage = u
				}
				if status, _ := respObj["status"].(string); status == "incomplete" {
					acc.finishReason = "length"
				}
			}
		}
	}

	return acc
}

func itemField(raw []byte) []byte {
	var wrapper struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Item == nil {
		return []byte("{}")
	}
	return wrapper.Item
}

// BuildChatCompletionFromEvents assembles a buffered chat.completion
// response out of a fully-drained upstream SSE event stream. patched
// reports whether the empty-output fallback sentinel had to be applied,
// for the caller to record as trace.Entry.AssistantEmptyOutput.
func BuildChatCompletionFromEvents(events []Event, model, id string, createdAt int64) (cc ChatCompletion, patched bool) {
	acc := accumulate(events)

	cc = ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: createdAt,
		Model:   model,
		Usage:   acc.usage,
	}

	text := acc.text.String()
	msg := ChatMessage{Role: "assistant"}
	if text != "" {
		msg.Content = &text
	}
	if len(acc.toolCalls) > 0 {
		msg.ToolCalls = acc.toolCalls
	}

	cc.Choices = []ChatChoice{{Index: 0, Message: msg, FinishReason: acc.finishReason}}
	patched = EnsureNonEmptyChat(&cc)
	return cc, patched
}

// BuildResponseObjectFromEvents reconstructs the sanitized terminal
// Responses object. When the stream never reached response.completed
// (connection cut short), it falls back to a synthesized object carrying
// whatever text/tool calls were accumulated.
func BuildResponseObjectFromEvents(events []Event, model, id string) map[string]any {
	acc := accumulate(events)
	if acc.completed != nil {
		return acc.completed
	}

	output := []any{}
	if text := acc.text.String(); text != "" {
		output = append(output, map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "output_text", "text": text},
			},
		})
	}
	output = append(output, acc.toolCalls...)

	return map[string]any{
		"id":     id,
		"object": "response",
		"model":  model,
		"status": "completed",
		"output": output,
		"usage":  acc.usage,
	}
}

// TranslateChatStream turns a drained upstream event stream into the SSE
// data lines (sans trailing "\n\n", which the caller's writer appends) of
// a chat.completion.chunk stream, terminated by "[DONE]". usage is the
// accumulated token usage from the terminal response.completed event (nil
// if the stream never reached one), and patched reports whether the
// empty-output fallback sentinel had to be injected, for
// trace.Entry.AssistantEmptyOutput.
func TranslateChatStream(events []Event, model, id string, createdAt int64) (lines []string, usage map[string]any, patched bool) {
	first := true
	sawOutput := false

	for _, e := range events {
		switch {
		case e.IsReasoning():
			continue
		case e.IsOutputTextDelta():
			delta := e.Delta()
			if delta == "" || ShouldDropVisibleText(delta) {
				continue
			}
			sawOutput = true
			chunk := ContentDeltaChunk(id, createdAt, model, delta, first)
			first = false
			lines = append(lines, marshalLine(chunk))
		}
	}

	acc := accumulate(events)
	if len(acc.toolCalls) > 0 {
		sawOutput = true
	}

	if !sawOutput {
		patched = true
		lines = append(lines, marshalLine(ContentDeltaChunk(id, createdAt, model, emptyOutputFallback, first)))
	}

	lines = append(lines, marshalLine(FinalChunk(id, createdAt, model, acc.toolCalls, acc.finishReason, acc.usage)))
	lines = append(lines, "[DONE]")
	return lines, acc.usage, patched
}

// TranslateResponsesStream re-frames the upstream Responses SSE stream for
// a client that asked for the Responses shape with streaming: reasoning
// events are dropped entirely, output_text deltas carrying tool-protocol
// text or planner chatter are dropped, sentinel function-call
// output_item.done events are dropped, and the completed event's response
// object is sanitized in place. Every other
// event passes through unmodified — the client is speaking the same
// protocol upstream does. usage is lifted from the terminal response
// object's usage field (nil if the stream never reached one).
func TranslateResponsesStream(events []Event) (lines []string, usage map[string]any) {
	for _, e := range events {
		if e.IsReasoning() {
			continue
		}

		if e.IsOutputTextDelta() && ShouldDropVisibleText(e.Delta()) {
			continue
		}

		if e.IsOutputItemDone() {
			var item map[string]any
			if err := json.Unmarshal(itemField(e.Raw), &item); err == nil {
				if t, _ := item["type"].(string); t == "function_call" {
					name, _ := item["name"].(string)
					if IsSentinelToolName(name) {
						continue
					}
				}
			}
		}

		if e.IsCompleted() {
			raw := e.ResponseObject()
			if raw != nil {
				sanitized := StripReasoning(raw)
				var respObj map[string]any
				if err := json.Unmarshal(sanitized, &respObj); err == nil {
					if output, ok := respObj["output"].([]any); ok {
						respObj["output"] = SanitizeOutputItems(output)
					}
					if u, ok := respObj["usage"].(map[string]any); ok {
						usage = u
					}
					rebuilt := map[string]any{"type": e.Type, "response": respObj}
					lines = append(lines, marshalLine(rebuilt))
					continue
				}
			}
		}

		lines = append(lines, string(e.Raw))
	}

	return lines, usage
}

// FromUpstreamJSON handles the (rare, generality-only) case where the
// upstream body already arrived as a single buffered JSON object rather
// than an SSE stream — e.g. a pass-through of an error body that was
// never meant to go through event framing at all. It sanitizes and
// reshapes to whatever the client asked for. patched reports whether the
// empty-output fallback sentinel had to be applied (always false for the
// Responses shape, which has no such fallback).
func FromUpstreamJSON(raw []byte, shape ClientShape, clientStream bool, model, id string, createdAt int64) (body any, lines []string, patched bool) {
	sanitized := StripReasoning(raw)
	var obj map[string]any
	if err := json.Unmarshal(sanitized, &obj); err != nil {
		if clientStream {
			return nil, []string{string(raw), "[DONE]"}, false
		}
		return json.RawMessage(raw), nil, false
	}

	objType, _ := obj["object"].(string)

	if shape == ShapeChat {
		var cc ChatCompletion
		if objType == "chat.completion" {
			_ = remarshal(obj, &cc)
		} else {
			cc = responseObjectToChatCompletion(obj, model, id, createdAt)
		}
		patched = EnsureNonEmptyChat(&cc)
		if !clientStream {
			return cc, nil, patched
		}
		return nil, chatCompletionToStreamLines(cc), patched
	}

	if output, ok := obj["output"].([]any); ok {
		obj["output"] = SanitizeOutputItems(output)
	}
	if !clientStream {
		return obj, nil, false
	}
	return nil, []string{marshalLine(map[string]any{"type": "response.completed", "response": obj})}, false
}

func responseObjectToChatCompletion(obj map[string]any, model, id string, createdAt int64) ChatCompletion {
	cc := ChatCompletion{ID: id, Object: "chat.completion", Created: createdAt, Model: model}
	if m, ok := obj["model"].(string); ok && m != "" {
		cc.Model = m
	}
	if u, ok := obj["usage"].(map[string]any); ok {
		cc.Usage = u
	}

	var text strings.Builder
	var toolCalls []any
	output, _ := obj["output"].([]any)
	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch item["type"] {
		case "message":
			content, _ := item["content"].([]any)
			for _, cRaw := range content {
				part, ok := cRaw.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := part["type"].(string); t == "output_text" {
					if s, ok := part["text"].(string); ok {
						text.WriteString(s)
					}
				}
			}
		case "function_call":
			name, _ := item["name"].(string)
			if IsSentinelToolName(name) {
				continue
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   item["call_id"],
				"type": "function",
				"function": map[string]any{
					"name":      item["name"],
					"arguments": item["arguments"],
				},
			})
		}
	}

	msg := ChatMessage{Role: "assistant"}
	if s := text.String(); s != "" {
		msg.Content = &s
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	cc.Choices = []ChatChoice{{Index: 0, Message: msg, FinishReason: "stop"}}
	return cc
}

func chatCompletionToStreamLines(cc ChatCompletion) []string {
	var lines []string
	if len(cc.Choices) > 0 && cc.Choices[0].Message.Content != nil {
		lines = append(lines, marshalLine(ContentDeltaChunk(cc.ID, cc.Created, cc.Model, *cc.Choices[0].Message.Content, true)))
	}
	var toolCalls []any
	finish := "stop"
	if len(cc.Choices) > 0 {
		toolCalls = cc.Choices[0].Message.ToolCalls
		finish = cc.Choices[0].FinishReason
	}
	lines = append(lines, marshalLine(FinalChunk(cc.ID, cc.Created, cc.Model, toolCalls, finish, cc.Usage)))
	lines = append(lines, "[DONE]")
	return lines
}

func marshalLine(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func remarshal(src any, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
