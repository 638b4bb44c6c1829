// Package trace implements the two-file request log: a retention-capped
// window for live inspection and an unbounded slim history for long-range
// stats, plus an aggregate builder (BuildStats) over a slice of entries.
package trace

// Entry is one completed (or failed) forwarding attempt. Immutable once
// appended.
type Entry struct {
	ID                    string         `json:"id"`
	At                    int64          `json:"at"` // epoch ms
	Route                 string         `json:"route"`
	AccountID             string         `json:"accountId,omitempty"`
	Email                 string         `json:"email,omitempty"`
	Model                 string         `json:"model,omitempty"`
	Status                int            `json:"status"`
	IsError               bool           `json:"isError"`
	Stream                bool           `json:"stream"`
	LatencyMs             int64          `json:"latencyMs"`
	TokensInput           int64          `json:"tokensInput,omitempty"`
	TokensOutput          int64          `json:"tokensOutput,omitempty"`
	TokensTotal           int64          `json:"tokensTotal,omitempty"`
	CostUSD               *float64       `json:"costUsd,omitempty"`
	Usage                 map[string]any `json:"usage,omitempty"`
	RequestBody           map[string]any `json:"requestBody,omitempty"`
	Error                 string         `json:"error,omitempty"`
	UpstreamError         string         `json:"upstreamError,omitempty"`
	UpstreamContentType   string         `json:"upstreamContentType,omitempty"`
	UpstreamEmptyBody     bool           `json:"upstreamEmptyBody,omitempty"`
	AssistantEmptyOutput  bool           `json:"assistantEmptyOutput,omitempty"`
	AssistantFinishReason string         `json:"assistantFinishReason,omitempty"`
}

// slim is the stats-history projection: Entry minus requestBody, usage, and
// the long diagnostic strings.
type slim struct {
	ID                    string   `json:"id"`
	At                    int64    `json:"at"`
	Route                 string   `json:"route"`
	AccountID             string   `json:"accountId,omitempty"`
	Email                 string   `json:"email,omitempty"`
	Model                 string   `json:"model,omitempty"`
	Status                int      `json:"status"`
	IsError               bool     `json:"isError"`
	Stream                bool     `json:"stream"`
	LatencyMs             int64    `json:"latencyMs"`
	TokensInput           int64    `json:"tokensInput,omitempty"`
	TokensOutput          int64    `json:"tokensOutput,omitempty"`
	TokensTotal           int64    `json:"tokensTotal,omitempty"`
	CostUSD               *float64 `json:"costUsd,omitempty"`
	UpstreamContentType   string   `json:"upstreamContentType,omitempty"`
	UpstreamEmptyBody     bool     `json:"upstreamEmptyBody,omitempty"`
	AssistantEmptyOutput  bool     `json:"assistantEmptyOutput,omitempty"`
	AssistantFinishReason string   `json:"assistantFinishReason,omitempty"`
}

func (e *Entry) toSlim() slim {
	return slim{
		ID: e.ID, At: e.At, Route: e.Route, AccountID: e.AccountID, Email: e.Email,
		Model: e.Model, Status: e.Status, IsError: e.IsError, Stream: e.Stream,
		LatencyMs: e.LatencyMs, TokensInput: e.TokensInput, TokensOutput: e.TokensOutput,
		TokensTotal: e.TokensTotal, CostUSD: e.CostUSD,
		UpstreamContentType: e.UpstreamContentType, UpstreamEmptyBody: e.UpstreamEmptyBody,
		AssistantEmptyOutput: e.AssistantEmptyOutput, AssistantFinishReason: e.AssistantFinishReason,
	}
}

// extractTokens reads both the Responses-API (input_tokens/output_tokens)
// and Chat-Completions (prompt_tokens/completion_tokens) usage shapes.
func extractTokens(usage map[string]any) (input, output, total int64) {
	if usage == nil {
		return 0, 0, 0
	}
	input = intField(usage, "input_tokens", "prompt_tokens")
	output = intField(usage, "output_tokens", "completion_tokens")
	total = intField(usage, "total_tokens")
	if total == 0 {
		total = input + output
	}
	return input, output, total
}

func intField(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return int64(n)
			case int64:
				return n
			case int:
				return int64(n)
			}
		}
	}
	return 0
}
