package openaicompat

import (
	"strings"

	"github.com/renyus/prisma"
)

// ParseResponse extracts the reply text of the first choice and
// normalizes usage for the given model id.
func ParseResponse(resp ChatResponse, model string) (prisma.ChatResponse, error) {
	out := prisma.ChatResponse{}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return out, &prisma.ErrLLM{Provider: "openai", Message: "response has no choices"}
	}
	out.Content = resp.Choices[0].Message.Content
	if resp.Usage != nil {
		out.Usage = NormalizeUsage(*resp.Usage, model)
	}
	return out, nil
}

// NormalizeUsage maps vendor-specific cache accounting onto
// {CacheHit, CacheMiss, Total}. DeepSeek reports
// prompt_cache_hit_tokens, Claude gateways report
// cache_read_input_tokens; anything else is probed in that order, then
// OpenAI's prompt_tokens_details.cached_tokens.
func NormalizeUsage(u Usage, model string) prisma.Usage {
	lower := strings.ToLower(model)
	hit := 0
	switch {
	case strings.Contains(lower, "deepseek"):
		hit = u.PromptCacheHitTokens
	case strings.Contains(lower, "claude"):
		hit = u.CacheReadInputTokens
	default:
		switch {
		case u.PromptCacheHitTokens > 0:
			hit = u.PromptCacheHitTokens
		case u.CacheReadInputTokens > 0:
			hit = u.CacheReadInputTokens
		case u.PromptTokensDetails != nil:
			hit = u.PromptTokensDetails.CachedTokens
		}
	}

	miss := u.PromptTokens - hit
	if miss < 0 {
		miss = 0
	}
	// DeepSeek reports the miss side explicitly; trust it when present.
	if u.PromptCacheMissTokens > 0 {
		miss = u.PromptCacheMissTokens
	}

	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return prisma.Usage{CacheHit: hit, CacheMiss: miss, Total: total}
}
