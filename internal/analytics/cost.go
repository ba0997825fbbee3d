package analytics

import "strings"

// Pricing is USD per one million tokens, split by token class.
type Pricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// modelPricing matches transcript model strings by substring, so
// versioned identifiers like "claude-opus-4-1-20250805" hit the
// "opus" row without the table chasing every release.
var modelPricing = []struct {
	match   string
	pricing Pricing
}{
	{"opus", Pricing{Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75}},
	{"sonnet", Pricing{Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75}},
	{"haiku", Pricing{Input: 0.80, Output: 4.00, CacheRead: 0.08, CacheWrite: 1.00}},
}

// fallbackPricing covers unknown or missing model strings.
var fallbackPricing = Pricing{Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75}

// PricingFor returns the price table for a model string.
func PricingFor(model string) Pricing {
	lower := strings.ToLower(model)
	for _, entry := range modelPricing {
		if strings.Contains(lower, entry.match) {
			return entry.pricing
		}
	}
	return fallbackPricing
}

// EstimateCost prices one usage record in USD.
func EstimateCost(usage Usage, model string) float64 {
	p := PricingFor(model)
	return float64(usage.InputTokens)/1e6*p.Input +
		float64(usage.OutputTokens)/1e6*p.Output +
		float64(usage.CacheReadTokens)/1e6*p.CacheRead +
		float64(usage.CacheWriteTokens)/1e6*p.CacheWrite
}
