package observer

// ModelPricing holds per-million-token pricing for a model. Cache hits
// are billed at the vendor's discounted rate.
type ModelPricing struct {
	InputPerMillion    float64
	CacheHitPerMillion float64
}

// DefaultPricing covers common roleplay backends. Override or extend via
// [observer.pricing] in prisma.toml.
var DefaultPricing = map[string]ModelPricing{
	// DeepSeek
	"deepseek-chat":           {0.27, 0.07},
	"deepseek-reasoner":       {0.55, 0.14},
	"deepseek-ai/DeepSeek-V3": {0.27, 0.07},

	// OpenAI
	"gpt-4o":      {2.50, 1.25},
	"gpt-4o-mini": {0.15, 0.075},

	// Anthropic
	"claude-3-5-sonnet-20240620": {3.00, 0.30},
	"claude-3-5-haiku-20241022":  {0.80, 0.08},
}

// CostCalculator computes USD cost from normalized token counts.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with default pricing, optionally
// merged with overrides.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the cost in USD for the given model and normalized
// usage. Returns 0.0 for unknown models.
func (c *CostCalculator) Calculate(model string, cacheHit, cacheMiss int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0.0
	}
	return float64(cacheMiss)/1_000_000*p.InputPerMillion +
		float64(cacheHit)/1_000_000*p.CacheHitPerMillion
}
