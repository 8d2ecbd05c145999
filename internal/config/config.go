// Package config loads service configuration: defaults, then an optional
// TOML file, then environment overrides (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Chat      LLMConfig       `toml:"chat"`
	Utility   LLMConfig       `toml:"utility"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Limits    LimitsConfig    `toml:"limits"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LLMConfig names one OpenAI-compatible endpoint. Empty APIKey/APIURL
// fall back to the global credential pair.
type LLMConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
	APIURL string `toml:"api_url"`
}

type EmbeddingConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
	APIURL string `toml:"api_url"`
	// VectorDBPath is the on-disk ANN collection location.
	VectorDBPath string `toml:"vector_db_path"`
}

type LimitsConfig struct {
	// ManifestPath points at the models.json limits manifest; empty uses
	// built-in defaults only.
	ManifestPath string `toml:"manifest_path"`
	// DefaultContextWindow backs models the registry cannot resolve.
	DefaultContextWindow int `toml:"default_context_window"`
	// SummaryHistoryThreshold <= 0 disables background compaction.
	SummaryHistoryThreshold int `toml:"summary_history_threshold"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input    float64 `toml:"input"`
	CacheHit float64 `toml:"cache_hit"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8000"},
		Database:  DatabaseConfig{Path: "prisma.db"},
		Chat:      LLMConfig{Model: "deepseek-chat"},
		Embedding: EmbeddingConfig{VectorDBPath: "prisma-vectors.db"},
		Limits: LimitsConfig{
			DefaultContextWindow:    16384,
			SummaryHistoryThreshold: 1,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). The
// utility endpoint falls back to the chat endpoint, and both fall back to
// the GLOBAL_LLM_* credential pair.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "prisma.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	setenv := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setenv(&cfg.Database.Path, "DATABASE_URL")
	setenv(&cfg.Chat.Model, "CHAT_MODEL")
	setenv(&cfg.Chat.APIKey, "CHAT_API_KEY")
	setenv(&cfg.Chat.APIURL, "CHAT_API_URL")
	setenv(&cfg.Utility.Model, "UTILITY_MODEL")
	setenv(&cfg.Utility.APIKey, "UTILITY_API_KEY")
	setenv(&cfg.Utility.APIURL, "UTILITY_API_URL")
	setenv(&cfg.Embedding.Model, "RAG_EMBEDDING_MODEL")
	setenv(&cfg.Embedding.APIKey, "RAG_API_KEY")
	setenv(&cfg.Embedding.APIURL, "RAG_API_URL")
	setenv(&cfg.Embedding.VectorDBPath, "RAG_VECTOR_DB_PATH")
	if v := os.Getenv("SUMMARY_HISTORY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.SummaryHistoryThreshold = n
		}
	}
	if v := os.Getenv("MAX_MODEL_CONTEXT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.DefaultContextWindow = n
		}
	}

	// Credential fallback chain.
	globalKey := os.Getenv("GLOBAL_LLM_KEY")
	globalURL := os.Getenv("GLOBAL_LLM_URL")
	fallback(&cfg.Chat.APIKey, globalKey)
	fallback(&cfg.Chat.APIURL, globalURL)
	fallback(&cfg.Utility.Model, cfg.Chat.Model)
	fallback(&cfg.Utility.APIKey, cfg.Chat.APIKey)
	fallback(&cfg.Utility.APIURL, cfg.Chat.APIURL)
	fallback(&cfg.Embedding.APIKey, globalKey)
	fallback(&cfg.Embedding.APIURL, globalURL)

	return cfg
}

func fallback(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
