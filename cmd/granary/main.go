package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/granary-ai/granary/internal/config"
	"github.com/granary-ai/granary/internal/embedding"
	"github.com/granary-ai/granary/internal/embedding/openai"
	"github.com/granary-ai/granary/internal/observability"
	"github.com/granary-ai/granary/internal/processor"
	"github.com/granary-ai/granary/internal/retriever"
	"github.com/granary-ai/granary/internal/store"
	"github.com/granary-ai/granary/internal/vectorindex"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		documentID string
		tenantID   string
		inputPath  string
		query      string
		topK       int
	)

	rootCmd := &cobra.Command{
		Use:   "granary",
		Short: "Multi-tenant document indexing and retrieval pipeline",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/granary.yaml", "Config file path")

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Chunk, embed and index a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(configPath, documentID, tenantID, inputPath)
		},
	}
	processCmd.Flags().StringVar(&documentID, "document-id", "", "Document identifier")
	processCmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier")
	processCmd.Flags().StringVar(&inputPath, "input", "", "Input file (defaults to stdin)")
	_ = processCmd.MarkFlagRequired("document-id")
	_ = processCmd.MarkFlagRequired("tenant")

	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Retrieve the chunks most relevant to a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(configPath, query, tenantID, topK)
		},
	}
	searchCmd.Flags().StringVar(&query, "query", "", "Search query")
	searchCmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier")
	searchCmd.Flags().IntVar(&topK, "top-k", retriever.DefaultTopK, "Number of results")
	_ = searchCmd.MarkFlagRequired("query")
	_ = searchCmd.MarkFlagRequired("tenant")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a document and its chunks from the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(configPath, documentID, tenantID)
		},
	}
	deleteCmd.Flags().StringVar(&documentID, "document-id", "", "Document identifier")
	deleteCmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier")
	_ = deleteCmd.MarkFlagRequired("document-id")
	_ = deleteCmd.MarkFlagRequired("tenant")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List available embedding providers",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available embedding providers:")
			fmt.Println()
			for name, url := range embedding.KnownProviders {
				fmt.Printf("  %-10s %s\n", name, url)
			}
			fmt.Println("  custom     (set base_url to any OpenAI-compatible embeddings endpoint)")
			fmt.Println()
			fmt.Println("Configure in granary.yaml or via environment:")
			fmt.Println("  GRANARY_EMBEDDING_PROVIDER=openai")
			fmt.Println("  GRANARY_EMBEDDING_API_KEY=sk-...")
			fmt.Println("  GRANARY_EMBEDDING_MODEL=text-embedding-3-small")
		},
	}

	rootCmd.AddCommand(processCmd, searchCmd, deleteCmd, providersCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// pipeline bundles the wired dependencies behind each CLI command.
type pipeline struct {
	cfg      *config.Config
	logger   *slog.Logger
	embedder embedding.Provider
	index    vectorindex.Index
	chunks   store.ChunkStore
	tracing  *observability.TracerProvider
	audit    *observability.AuditLogger
	proc     *processor.Processor
}

func buildPipeline(ctx context.Context, configPath string) (*pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log)

	factory := embedding.NewFactory()
	factory.Register("openai", func(ec embedding.Config) (embedding.Provider, error) {
		return openai.New(ec.APIKey, ec.Model, ec.BaseURL, ec.Dimensions, ec.BatchSize, ec.MaxInputChars), nil
	})
	factory.Register("ollama", func(ec embedding.Config) (embedding.Provider, error) {
		baseURL := ec.BaseURL
		if baseURL == "" {
			baseURL = embedding.KnownProviders["ollama"]
		}
		return openai.New(ec.APIKey, ec.Model, baseURL, ec.Dimensions, ec.BatchSize, ec.MaxInputChars), nil
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
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var index vectorindex.Index
	if cfg.Vector.Host == "" {
		index = vectorindex.NewMemory()
	} else {
		index, err = vectorindex.NewQdrant(ctx, cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.Collection, embedCfg.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("connecting to vector index: %w", err)
		}
	}

	chunks, err := openStore(ctx, cfg.Store, embedCfg.Dimensions)
	if err != nil {
		index.Close()
		return nil, err
	}

	tracingCfg := observability.DefaultTracingConfig()
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
		return nil, fmt.Errorf("creating audit logger: %w", err)
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

	return &pipeline{
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		tracing:  tracing,
		audit:    audit,
		proc:     proc,
	}, nil
}

func (p *pipeline) close(ctx context.Context) {
	if p.tracing != nil {
		if err := p.tracing.Shutdown(ctx); err != nil {
			p.logger.Warn("tracing shutdown failed", "error", err)
		}
	}
	if err := p.index.Close(); err != nil {
		p.logger.Warn("index close failed", "error", err)
	}
	if err := p.chunks.Close(); err != nil {
		p.logger.Warn("store close failed", "error", err)
	}
	if err := p.audit.Close(); err != nil {
		p.logger.Warn("audit close failed", "error", err)
	}
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

func runProcess(configPath, documentID, tenantID, inputPath string) error {
	ctx := context.Background()

	content, err := readInput(inputPath)
	if err != nil {
		return err
	}

	p, err := buildPipeline(ctx, configPath)
	if err != nil {
		return err
	}
	defer p.close(ctx)

	start := time.Now()
	result, err := p.proc.ProcessDocument(ctx, processor.Document{
		ID:       documentID,
		TenantID: tenantID,
		Content:  content,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Document %s processed for tenant %s\n", result.DocumentID, result.TenantID)
	fmt.Printf("  status:   %s\n", result.Status)
	fmt.Printf("  chunks:   %d\n", result.ChunkCount)
	fmt.Printf("  embedded: %d\n", result.EmbeddedCount)
	fmt.Printf("  took:     %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runSearch(configPath, query, tenantID string, topK int) error {
	ctx := context.Background()

	p, err := buildPipeline(ctx, configPath)
	if err != nil {
		return err
	}
	defer p.close(ctx)

	r := retriever.New(p.embedder, p.index, p.chunks, p.logger,
		retriever.WithMetrics(observability.Metrics()),
		retriever.WithAudit(p.audit))

	results, err := r.Search(ctx, query, tenantID, topK)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, res := range results {
		marker := ""
		if res.Degraded {
			marker = " (keyword fallback)"
		}
		fmt.Printf("%d. [%.4f]%s %s\n", i+1, res.Score, marker, res.Chunk.ID)
		fmt.Printf("   %s\n", excerpt(res.Chunk.Content, 160))
	}
	return nil
}

func runDelete(configPath, documentID, tenantID string) error {
	ctx := context.Background()

	p, err := buildPipeline(ctx, configPath)
	if err != nil {
		return err
	}
	defer p.close(ctx)

	if err := p.proc.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	fmt.Printf("Document %s deleted for tenant %s\n", documentID, tenantID)
	return nil
}

func readInput(path string) (string, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		if len(data) == 0 {
			return "", errors.New("no input: pass --input or pipe content on stdin")
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(data), nil
}

func excerpt(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
