// Package pricing estimates USD spend from per-call token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of mid 2026. Unknown models cost zero rather
// than guessing.
var knownModels = map[string]ModelPricing{
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-opus-4-1":   {15.00, 75.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	// Gemini
	"gemini-2.5-pro":   {1.25, 10.00},
	"gemini-2.5-flash": {0.075, 0.30},
}

// EstimateCost returns the estimated USD cost for the given token
// counts. Model names may carry a provider prefix ("anthropic/...") or
// a dated version suffix; both are normalized before lookup.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// Known reports whether pricing data exists for the model.
func Known(model string) bool {
	_, ok := lookup(model)
	return ok
}

func lookup(model string) (ModelPricing, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if p, ok := knownModels[name]; ok {
		return p, true
	}
	// Dated releases like claude-sonnet-4-5-20250929 price as the base model.
	for base, p := range knownModels {
		if strings.HasPrefix(name, base+"-") {
			return p, true
		}
	}
	return ModelPricing{}, false
}
