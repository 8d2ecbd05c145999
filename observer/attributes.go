package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensCacheHit  = attribute.Key("llm.tokens.cache_hit")
	AttrTokensCacheMiss = attribute.Key("llm.tokens.cache_miss")
	AttrTokensTotal     = attribute.Key("llm.tokens.total")
	AttrCostUSD         = attribute.Key("llm.cost_usd")

	AttrEmbedTextCount = attribute.Key("llm.embed.text_count")
)
