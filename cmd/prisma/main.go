package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renyus/prisma"
	"github.com/renyus/prisma/compact"
	"github.com/renyus/prisma/engine"
	"github.com/renyus/prisma/internal/config"
	"github.com/renyus/prisma/lore"
	"github.com/renyus/prisma/memory"
	"github.com/renyus/prisma/models"
	"github.com/renyus/prisma/observer"
	"github.com/renyus/prisma/prompt"
	"github.com/renyus/prisma/provider/openaicompat"
	"github.com/renyus/prisma/server"
	"github.com/renyus/prisma/store/sqlite"
	"github.com/renyus/prisma/token"
	"github.com/renyus/prisma/vector"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("PRISMA_CONFIG"))

	// 2. Open the relational store
	store := sqlite.New(cfg.Database.Path)
	if err := store.Init(ctx); err != nil {
		logger.Error("store init failed", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 3. Observability (optional)
	var inst *observer.Instruments
	shutdownObserver := func(context.Context) error { return nil }
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, CacheHitPerMillion: p.CacheHit}
		}
		var err error
		inst, shutdownObserver, err = observer.Init(ctx, pricing)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
	}

	// 4. LLM providers
	var chatLLM prisma.Provider = openaicompat.NewProvider(
		cfg.Chat.APIKey, cfg.Chat.Model, cfg.Chat.APIURL,
		openaicompat.WithName("chat"), openaicompat.WithLogger(logger))
	var utilityLLM prisma.Provider = openaicompat.NewProvider(
		cfg.Utility.APIKey, cfg.Utility.Model, cfg.Utility.APIURL,
		openaicompat.WithName("utility"), openaicompat.WithLogger(logger))
	if inst != nil {
		chatLLM = observer.WrapProvider(chatLLM, cfg.Chat.Model, inst)
		utilityLLM = observer.WrapProvider(utilityLLM, cfg.Utility.Model, inst)
	}

	// 5. Embeddings + vector store; no key means keyword-only retrieval
	var embedding prisma.EmbeddingProvider
	if cfg.Embedding.APIKey != "" && cfg.Embedding.Model != "" {
		embedding = vector.NewEmbedder(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.APIURL)
		if inst != nil {
			embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
		}
	} else {
		logger.Warn("no embedding credentials, semantic retrieval disabled")
	}
	vec, err := vector.New(ctx, cfg.Embedding.VectorDBPath, embedding, vector.WithLogger(logger))
	if err != nil {
		logger.Error("vector store init failed", "path", cfg.Embedding.VectorDBPath, "error", err)
		os.Exit(1)
	}

	// 6. Token estimator + model limits
	est := token.New()
	registry, err := models.New(cfg.Limits.ManifestPath,
		models.WithDefaultWindow(cfg.Limits.DefaultContextWindow),
		models.WithLogger(logger))
	if err != nil {
		logger.Error("model manifest load failed", "path", cfg.Limits.ManifestPath, "error", err)
		os.Exit(1)
	}

	// 7. Pipeline services
	memSvc := memory.NewService(store, vec, memory.WithLogger(logger))
	extractor := memory.NewExtractor(memSvc, utilityLLM, memory.WithExtractorLogger(logger))
	activator := lore.New(est, lore.WithLogger(logger))
	assembler := prompt.New(est, registry, activator, prompt.WithLogger(logger))
	workers := engine.NewWorkers(engine.WithWorkersLogger(logger))

	engineOpts := []engine.Option{
		engine.WithMemory(memSvc),
		engine.WithLoreIndex(vec),
		engine.WithExtractor(extractor),
		engine.WithWorkers(workers),
		engine.WithLogger(logger),
	}
	if cfg.Limits.SummaryHistoryThreshold > 0 {
		compactor := compact.New(store, utilityLLM, est, compact.WithLogger(logger))
		engineOpts = append(engineOpts, engine.WithCompactor(compactor))
	} else {
		logger.Info("history compaction disabled")
	}
	eng := engine.New(store, chatLLM, assembler, registry, cfg.Chat.Model, engineOpts...)

	// 8. Serve
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(eng, server.WithLogger(logger)).Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "model", cfg.Chat.Model)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	// 9. Graceful shutdown: stop intake, drain background work, flush
	// pending vectors, release the stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := workers.Close(shutdownCtx); err != nil {
		logger.Warn("background jobs abandoned", "error", err)
	}
	if err := vec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("vector flush incomplete", "error", err)
	}
	if err := shutdownObserver(shutdownCtx); err != nil {
		logger.Warn("observer shutdown incomplete", "error", err)
	}
	logger.Info("stopped")
}
