// Package pricing holds the USD-per-1M-token table used to cost each trace
// entry at append time.
package pricing

import "strings"

// rate is USD per 1M tokens.
type rate struct {
	Input  float64
	Output float64
}

var table = map[string]rate{
	"gpt-4o":              {5, 15},
	"gpt-4o-mini":         {0.15, 0.6},
	"gpt-4.1":             {5, 15},
	"gpt-4.1-mini":        {0.3, 1.2},
	"gpt-4.1-nano":        {0.1, 0.4},
	"gpt-5":               {5, 15},
	"codex-mini-latest":   {1.5, 6},
	"gpt-5-codex":         {1.25, 10},
	"gpt-5.1-codex":       {1.25, 10},
	"gpt-5.1-codex-max":   {1.25, 10},
	"gpt-5.1-codex-mini":  {0.25, 2},
	"gpt-5.2-codex":       {1.75, 14},
	"gpt-5.3-codex":       {1.75, 14},
}

// Cost returns the USD cost for a request with the given model id and
// token counts, or nil when the model isn't priced (exact match, then
// longest-prefix match).
func Cost(model string, inputTokens, outputTokens int64) *float64 {
	r, ok := lookup(model)
	if !ok {
		return nil
	}
	usd := float64(inputTokens)/1_000_000*r.Input + float64(outputTokens)/1_000_000*r.Output
	return &usd
}

func lookup(model string) (rate, bool) {
	if r, ok := table[model]; ok {
		return r, true
	}

	var best string
	for id := range table {
		if strings.HasPrefix(model, id) && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return rate{}, false
	}
	return table[best], true
}
