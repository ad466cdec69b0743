// Command ragserver is the document-QA service's process entrypoint: it
// loads configuration, wires the relational store, vector/search backends,
// cache, pipeline workers, cost accountant, and chat coordinator, then
// serves the §6 HTTP API until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"manifold/internal/config"
	"manifold/internal/httpapi"
	"manifold/internal/llm/providers"
	"manifold/internal/persistence/databases"
	"manifold/internal/rag/cache"
	"manifold/internal/rag/chat"
	"manifold/internal/rag/chunker"
	"manifold/internal/rag/costs"
	"manifold/internal/rag/embedder"
	"manifold/internal/rag/extract"
	"manifold/internal/rag/generator"
	"manifold/internal/rag/pipeline"
	"manifold/internal/rag/rerank"
	"manifold/internal/rag/store"
	"manifold/internal/rag/sysconfig"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	configPath := os.Getenv("RAGSERVER_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	ragStore := store.New(pool)
	if err := ragStore.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize rag schema")
	}

	dbMgr, err := databases.NewManager(ctx, cfg.Databases)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize search/vector backends")
	}
	defer dbMgr.Close()

	llmProvider, err := providers.Build(*cfg, http.DefaultClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build llm provider")
	}

	emb := embedder.NewClient(embedder.Config{EmbeddingConfig: cfg.Embedding, BatchSize: cfg.Embedding.BatchSize})

	ragCache, err := cache.New(cfg.Cache, ragStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize query cache")
	}

	resolver := sysconfig.New(ragStore, 60*time.Second)
	if err := resolver.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("system config warm failed, falling back to compiled defaults")
	}

	tariffs := costs.NewStaticTariffTable(cfg.Pricing)
	mirror, err := costs.NewClickHouseMirror(ctx, cfg.Analytics.ClickHouse)
	if err != nil {
		log.Warn().Err(err).Msg("clickhouse cost mirror unavailable, continuing without it")
		mirror = nil
	}
	accountant := costs.New(tariffs, ragStore, mirror, resolver)

	extractor := extract.New(extractOCR(*cfg))
	chunking := chunker.Options{}

	blobs, err := pipeline.NewFileBlobs(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize upload blob storage")
	}

	orch, err := pipeline.NewFromConfig(cfg.Pipeline, ragStore, blobs, extractor, emb, dbMgr.Search, dbMgr.Vector, chunking)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline orchestrator")
	}
	go orch.Run(ctx)

	admitter := pipeline.NewAdmitter(ragStore, blobs, orch, cfg.Upload)

	gen := generator.New(llmProvider, cfg.Completions.CompletionsModel, cfg.Completions.CompletionsModel)
	reranker := rerank.New(llmProvider, cfg.Completions.CompletionsModel, 4)
	coordinator := chat.New(ragStore, ragCache, emb, dbMgr.Search, dbMgr.Vector, reranker, gen, accountant)

	docHandlers := &httpapi.DocumentHandlers{
		Store:    ragStore,
		Admitter: admitter,
		Pipe:     orch,
		Vector:   dbMgr.Vector,
		Search:   dbMgr.Search,
	}
	chatHandlers := &httpapi.ChatHandlers{Coordinator: coordinator, Store: ragStore}
	server := httpapi.NewServer(docHandlers, chatHandlers)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: server}

	go func() {
		log.Info().Str("addr", addr).Msg("ragserver listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down ragserver")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
}

// extractOCR wires the extractor's OCR fallback to an HTTP OCR service when
// configured. With a nil OCR, extraction keeps the native text; an image-only
// document extracts as FALLBACK with empty text, which chunking rejects as a
// permanent failure, so the document is marked FAILED rather than crashing.
func extractOCR(cfg config.Config) extract.OCR {
	if cfg.OCR.Endpoint == "" {
		return nil
	}
	return extract.NewHTTPOCR(cfg.OCR.Endpoint, cfg.OCR.APIKey, http.DefaultClient)
}
