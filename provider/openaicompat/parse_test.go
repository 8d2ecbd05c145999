package openaicompat

import (
	"testing"

	"github.com/renyus/prisma"
)

func TestNormalizeUsageDeepSeek(t *testing.T) {
	u := Usage{PromptTokens: 1000, PromptCacheHitTokens: 400, TotalTokens: 1200}
	got := NormalizeUsage(u, "deepseek-ai/DeepSeek-V3")
	want := prisma.Usage{CacheHit: 400, CacheMiss: 600, Total: 1200}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestNormalizeUsageDeepSeekExplicitMiss(t *testing.T) {
	u := Usage{PromptTokens: 1000, PromptCacheHitTokens: 400, PromptCacheMissTokens: 600, TotalTokens: 1200}
	got := NormalizeUsage(u, "deepseek-chat")
	if got.CacheMiss != 600 {
		t.Errorf("CacheMiss = %d, want reported 600", got.CacheMiss)
	}
}

func TestNormalizeUsageClaude(t *testing.T) {
	u := Usage{PromptTokens: 800, CacheReadInputTokens: 300, TotalTokens: 900}
	got := NormalizeUsage(u, "claude-3-5-sonnet-20240620")
	want := prisma.Usage{CacheHit: 300, CacheMiss: 500, Total: 900}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestNormalizeUsageHeuristicProbe(t *testing.T) {
	// Unknown vendor with OpenAI-style nested details.
	u := Usage{
		PromptTokens:        500,
		CompletionTokens:    100,
		PromptTokensDetails: &PromptTokensDetails{CachedTokens: 200},
	}
	got := NormalizeUsage(u, "mystery-model")
	if got.CacheHit != 200 || got.CacheMiss != 300 {
		t.Errorf("got %+v", got)
	}
	if got.Total != 600 {
		t.Errorf("Total = %d, want prompt+completion fallback 600", got.Total)
	}
}

func TestNormalizeUsageNoCacheFields(t *testing.T) {
	u := Usage{PromptTokens: 500, CompletionTokens: 100, TotalTokens: 600}
	got := NormalizeUsage(u, "gpt-4o")
	want := prisma.Usage{CacheHit: 0, CacheMiss: 500, Total: 600}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseResponse(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{{Message: &ChoiceMessage{Role: "assistant", Content: "hello"}}},
		Usage:   &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	got, err := ParseResponse(resp, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "hello" || got.Usage.Total != 15 {
		t.Errorf("got %+v", got)
	}
}

func TestParseResponseNoChoices(t *testing.T) {
	if _, err := ParseResponse(ChatResponse{}, "m"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
