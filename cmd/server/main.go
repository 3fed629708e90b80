// server is the timeline engine binary: an HTTP service that persists
// conversations, indexes them into a vector store, and answers user turns
// with retrieved long-term context.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"lerian-timeline-engine/internal/api"
	"lerian-timeline-engine/internal/chunking"
	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/embeddings"
	"lerian-timeline-engine/internal/llm"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/pipeline"
	"lerian-timeline-engine/internal/prompt"
	"lerian-timeline-engine/internal/retrieval"
	"lerian-timeline-engine/internal/storage"
	"lerian-timeline-engine/internal/window"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file")
		addr       = flag.String("addr", "", "Listen address override (host:port)")
	)
	flag.Parse()

	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetDefaultLogger(logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level)))
	logger := logging.WithComponent("server")

	printBanner(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *addr, logger); err != nil {
		logger.Error("server exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, addrOverride string, logger logging.Logger) error {
	store, err := buildMessageStore(cfg)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer closeQuietly(store.Close, "message store", logger)

	index, err := buildVectorIndex(ctx, cfg)
	if err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	defer closeQuietly(index.Close, "vector index", logger)

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	completer, err := buildCompleter(cfg)
	if err != nil {
		return fmt.Errorf("completer: %w", err)
	}

	windows := window.NewManager(&cfg.Window, completer)
	chunker := chunking.NewChunker(&cfg.Chunking)
	retriever := retrieval.NewRetriever(index, embedder, cfg.Context)
	merger := retrieval.NewMerger(&cfg.Context)
	builder := prompt.NewBuilder(&cfg.Prompt)
	indexer := pipeline.NewIndexer(index, embedder, chunker)

	p := pipeline.New(store, index, embedder, completer, windows, retriever, merger, builder, indexer)
	p.Start()
	defer p.Stop()

	router := api.NewRouter(cfg, api.NewHandlers(p, store, index, embedder, completer))

	addr := addrOverride
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func buildMessageStore(cfg *config.Config) (storage.MessageStore, error) {
	switch cfg.Storage.MessageProvider {
	case "memory":
		return storage.NewMemoryMessageStore(), nil
	case "sqlite":
		db, err := storage.OpenDB(storage.DialectSQLite, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		return storage.NewSQLMessageStore(db, storage.DialectSQLite)
	case "postgres":
		db, err := storage.OpenDB(storage.DialectPostgres, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return storage.NewSQLMessageStore(db, storage.DialectPostgres)
	default:
		return nil, fmt.Errorf("unknown message provider: %s", cfg.Storage.MessageProvider)
	}
}

func buildVectorIndex(ctx context.Context, cfg *config.Config) (storage.VectorIndex, error) {
	switch cfg.Storage.VectorProvider {
	case "memory":
		return storage.NewMemoryVectorIndex(cfg.OpenAI.Dimension), nil
	case "sqlite":
		db, err := storage.OpenDB(storage.DialectSQLite, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		return storage.NewSQLVectorIndex(db, storage.DialectSQLite, cfg.OpenAI.Dimension)
	case "qdrant":
		index := storage.NewQdrantVectorIndex(&cfg.Qdrant, cfg.OpenAI.Dimension)
		if err := index.Initialize(ctx); err != nil {
			return nil, err
		}
		return index, nil
	default:
		return nil, fmt.Errorf("unknown vector provider: %s", cfg.Storage.VectorProvider)
	}
}

func buildEmbedder(cfg *config.Config, logger logging.Logger) (embeddings.Embedder, error) {
	var shared embeddings.VectorCache
	if cfg.Redis.Enabled {
		cache, err := embeddings.NewRedisCache(&cfg.Redis)
		if err != nil {
			// A dead cache tier should not block startup.
			logger.Warn("redis cache unavailable, continuing with local cache only", "error", err.Error())
		} else {
			shared = cache
		}
	}

	embedder, err := embeddings.NewOpenAIEmbedder(&cfg.OpenAI, shared)
	if err != nil {
		return nil, err
	}
	return embeddings.NewRetryableEmbedder(embedder, cfg.OpenAI.MaxRetries), nil
}

func buildCompleter(cfg *config.Config) (llm.Completer, error) {
	completer, err := llm.NewOpenAICompleter(&cfg.OpenAI)
	if err != nil {
		return nil, err
	}
	return llm.NewRetryableCompleter(completer, cfg.OpenAI.MaxRetries), nil
}

func closeQuietly(closeFn func() error, name string, logger logging.Logger) {
	if err := closeFn(); err != nil {
		logger.Warn("close failed", "component", name, "error", err.Error())
	}
}

func printBanner(cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	detail := color.New(color.FgWhite)

	_, _ = title.Println("Timeline Engine")
	_, _ = detail.Printf("  messages: %s  vectors: %s\n",
		cfg.Storage.MessageProvider, cfg.Storage.VectorProvider)
	_, _ = detail.Printf("  embedding: %s (%dd)  completion: %s\n",
		cfg.OpenAI.EmbeddingModel, cfg.OpenAI.Dimension, cfg.OpenAI.CompletionModel)
}
