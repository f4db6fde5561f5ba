package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/granary-ai/granary/internal/config"
	"github.com/granary-ai/granary/internal/embedding"
	"github.com/granary-ai/granary/internal/embedding/openai"
	"github.com/granary-ai/granary/internal/observability"
	"github.com/granary-ai/granary/internal/processor"
	"github.com/granary-ai/granary/internal/server"
	"github.com/granary-ai/granary/internal/store"
	temporalmod "github.com/granary-ai/granary/internal/temporal"
	"github.com/granary-ai/granary/internal/vectorindex"

	temporalclient "go.temporal.io/sdk/client"
)

func main() {
	configPath := "configs/granary.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Log)

	factory := embedding.NewFactory()
	factory.Register("openai", func(ec embedding.Config) (embedding.Provider, error) {
		return openai.New(ec.APIKey, ec.Model, ec.BaseURL, ec.Dimensions, ec.BatchSize, ec.MaxInputChars), nil
	})
	factory.Register("ollama", func(ec embedding.Config) (embedding.Provider, error) {
		base := ec.BaseURL
		if base == "" {
			base = embedding.KnownProviders["ollama"]
		}
		return openai.New(ec.APIKey, ec.Model, base, ec.Dimensions, ec.BatchSize, ec.MaxInputChars), nil
	})

	embedCfg := embedding.DefaultConfig()
	embedCfg.Provider = cfg.Embedding.Provider
	embedCfg.APIKey = cfg.Embedding.APIKey
	embedCfg.Model = cfg.Embedding.Model
	embedCfg.BaseURL = cfg.Embedding.BaseURL
	if cfg.Embedding.Dimensions > 0 {
		embedCfg.Dimensions = cfg.Embedding.Dimensions
	}
	if cfg.Embedding.BatchSize > 0 {
		embedCfg.BatchSize = cfg.Embedding.BatchSize
	}
	if cfg.Embedding.MaxInputChars > 0 {
		embedCfg.MaxInputChars = cfg.Embedding.MaxInputChars
	}
	if cfg.Embedding.Timeout > 0 {
		embedCfg.Timeout = cfg.Embedding.Timeout
	}
	if cfg.Embedding.MaxRetries > 0 {
		embedCfg.MaxRetries = cfg.Embedding.MaxRetries
	}

	embedder, err := factory.Create(embedCfg)
	if err != nil {
		log.Fatalf("embedding provider: %v", err)
	}

	var index vectorindex.Index
	if cfg.Vector.Host == "" {
		index = vectorindex.NewMemory()
	} else {
		index, err = vectorindex.NewQdrant(ctx, cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.Collection, embedCfg.Dimensions)
		if err != nil {
			log.Fatalf("vector index: %v", err)
		}
	}

	chunks, err := openStore(ctx, cfg.Store, embedCfg.Dimensions)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.ServiceName = "granary-worker"
	tracingCfg.OTLPEndpoint = cfg.Server.OTLPEndpoint
	tracing, err := observability.InitTracing(ctx, tracingCfg)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	audit, err := observability.NewAuditLogger(&observability.AuditConfig{
		Enabled:    true,
		OutputPath: cfg.Server.AuditPath,
	})
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}

	procCfg := processor.DefaultConfig()
	if cfg.Processing.MaxChunkSize > 0 {
		procCfg.MaxChunkSize = cfg.Processing.MaxChunkSize
	}
	if cfg.Processing.OverlapSize > 0 {
		procCfg.OverlapSize = cfg.Processing.OverlapSize
	}

	proc := processor.New(procCfg, embedder, index, chunks, logger,
		processor.WithMetrics(observability.Metrics()),
		processor.WithAudit(audit))

	temporalmod.SetDependencies(&temporalmod.Dependencies{
		Processor: proc,
	})

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		log.Fatalf("temporal client: %v", err)
	}
	defer c.Close()

	w, err := temporalmod.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	srv := server.NewGracefulServer(nil, &server.ShutdownConfig{Logger: logger})
	srv.Health.RegisterCheck("embedding", server.EmbeddingHealthChecker(embedder.Name(), embedder.Ping))
	srv.Health.RegisterCheck("index", server.VectorIndexHealthChecker(index.Ping))
	srv.Health.RegisterCheck("store", server.StoreHealthChecker(chunks.Ping))
	srv.Health.Handle("/metrics", observability.Metrics().Handler())

	srv.Shutdown.Register(server.TemporalWorkerShutdownHook(w.Stop))
	srv.Shutdown.Register(server.IndexShutdownHook(index.Close))
	if tracing != nil {
		srv.Shutdown.Register(server.TracingShutdownHook(tracing.Shutdown))
	}
	srv.Shutdown.Register(server.StoreShutdownHook(chunks.Close))
	srv.Shutdown.Register(server.AuditLoggerShutdownHook(audit.Close))

	if err := srv.Start(cfg.Server.MetricsAddr); err != nil {
		log.Fatalf("health server: %v", err)
	}

	fmt.Printf("Worker started on task queue: %s\n", cfg.Temporal.TaskQueue)
	srv.Wait()
	fmt.Println("Worker stopped")
}

func openStore(ctx context.Context, cfg config.StoreConfig, dims int) (store.ChunkStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.DSN, dims)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return s, nil
	case "neo4j":
		s, err := store.NewNeo4j(ctx, cfg.URI, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("connecting to neo4j: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
