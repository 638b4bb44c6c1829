package bridge

// ChatChunk is the chat.completion.chunk SSE shape.
type ChatChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   map[string]any `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int          `json:"index"`
	Delta        ChunkDelta   `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type ChunkDelta struct {
	Role      string  `json:"role,omitempty"`
	Content   *string `json:"content,omitempty"`
	ToolCalls []any   `json:"tool_calls,omitempty"`
}

func newChunk(id string, created int64, model string) ChatChunk {
	return ChatChunk{ID: id, Object: "chat.completion.chunk", Created: created, Model: model}
}

// ContentDeltaChunk builds a content-only delta chunk; role is included
// only on the very first chunk of a stream.
func ContentDeltaChunk(id string, created int64, model, text string, first bool) ChatChunk {
	c := newChunk(id, created, model)
	delta := ChunkDelta{Content: &text}
	if first {
		delta.Role = "assistant"
	}
	c.Choices = []ChunkChoice{{Index: 0, Delta: delta, FinishReason: nil}}
	return c
}

// FinalChunk builds the terminal chunk carrying finish_reason and usage.
func FinalChunk(id string, created int64, model string, toolCalls []any, finishReason string, usage map[string]any) ChatChunk {
	c := newChunk(id, created, model)
	fr := finishReason
	delta := ChunkDelta{}
	if len(toolCalls) > 0 {
		delta.ToolCalls = toolCalls
	}
	c.Choices = []ChunkChoice{{Index: 0, Delta: delta, FinishReason: &fr}}
	c.Usage = usage
	return c
}

// ChatCompletion is the buffered chat.completion response shape.
type ChatCompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []ChatChoice   `json:"choices"`
	Usage   map[string]any `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatMessage struct {
	Role      string  `json:"role"`
	Content   *string `json:"content"`
	ToolCalls []any   `json:"tool_calls,omitempty"`
}

const emptyOutputFallback = "[upstream returned no assistant output; please retry]"

// EnsureNonEmptyChat patches an assembled chat completion with the
// fallback sentinel when neither text nor tool calls are present, so
// clients never see an empty choices[0].message.
func EnsureNonEmptyChat(cc *ChatCompletion) (patched bool) {
	if len(cc.Choices) == 0 {
		text := emptyOutputFallback
		cc.Choices = []ChatChoice{{Index: 0, Message: ChatMessage{Role: "assistant", Content: &text}, FinishReason: "stop"}}
		return true
	}

	choice := &cc.Choices[0]
	hasText := choice.Message.Content != nil && *choice.Message.Content != ""
	hasTools := len(choice.Message.ToolCalls) > 0
	if hasText || hasTools {
		return false
	}

	text := emptyOutputFallback
	choice.Message.Content = &text
	choice.FinishReason = "stop"
	return true
}
