package memory

import (
	"strings"

	"github.com/getleon/leon/internal/agent"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	input      float64
	output     float64
	cacheRead  float64
	cacheWrite float64
}

// pricing holds published per-model rates. Unknown models cost zero;
// totals still accumulate so operators see volume either way.
var pricing = map[string]modelPrice{
	"claude-opus-4":     {input: 15, output: 75, cacheRead: 1.50, cacheWrite: 18.75},
	"claude-sonnet-4":   {input: 3, output: 15, cacheRead: 0.30, cacheWrite: 3.75},
	"claude-3-5-haiku":  {input: 0.80, output: 4, cacheRead: 0.08, cacheWrite: 1},
	"claude-3-5-sonnet": {input: 3, output: 15, cacheRead: 0.30, cacheWrite: 3.75},
	"gpt-4o":            {input: 2.50, output: 10, cacheRead: 1.25},
	"gpt-4o-mini":       {input: 0.15, output: 0.60, cacheRead: 0.075},
	"gpt-4-turbo":       {input: 10, output: 30},
}

// priceFor resolves a model's rates by exact then prefix match, so
// dated variants like claude-sonnet-4-20250514 price like their base
// model.
func priceFor(model string) (modelPrice, bool) {
	if p, ok := pricing[model]; ok {
		return p, true
	}
	best := ""
	for name := range pricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return modelPrice{}, false
	}
	return pricing[best], true
}

// Cost returns the USD cost of one usage sample for the model.
func Cost(model string, u agent.Usage) float64 {
	p, ok := priceFor(model)
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(u.InputTokens)*p.input/mtok +
		float64(u.OutputTokens)*p.output/mtok +
		float64(u.CacheReadTokens)*p.cacheRead/mtok +
		float64(u.CacheWriteTokens)*p.cacheWrite/mtok
}
