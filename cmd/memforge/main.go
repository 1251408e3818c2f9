// Command memforge runs the MemForge memory core: an MCP server exposing
// add_memories and search_memory, backed by a pgvector-enabled Postgres
// graph store and pluggable LLM/embedding providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memforge/core/internal/config"
	"github.com/memforge/core/internal/dedup"
	"github.com/memforge/core/internal/extract"
	"github.com/memforge/core/internal/graphstore/postgres"
	"github.com/memforge/core/internal/health"
	"github.com/memforge/core/internal/ingest"
	"github.com/memforge/core/internal/intent"
	"github.com/memforge/core/internal/observe"
	"github.com/memforge/core/internal/resilience"
	"github.com/memforge/core/internal/resolver"
	"github.com/memforge/core/internal/rpc"
	"github.com/memforge/core/internal/search"
	"github.com/memforge/core/internal/worker"
	"github.com/memforge/core/pkg/provider/embeddings"
	embopenai "github.com/memforge/core/pkg/provider/embeddings/openai"
	embollama "github.com/memforge/core/pkg/provider/embeddings/ollama"
	"github.com/memforge/core/pkg/provider/llm"
	"github.com/memforge/core/pkg/provider/llm/anyllm"
	llmopenai "github.com/memforge/core/pkg/provider/llm/openai"
)

// shutdownGrace bounds how long the streamable-HTTP server is given to finish
// in-flight requests after a signal. Background extraction tasks are not
// waited for.
const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("memforge: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "memforge"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("memforge: telemetry shutdown", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	registry := buildRegistry()

	llmProvider, err := buildLLM(registry, cfg)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}
	embedProvider, err := buildEmbeddings(registry, cfg)
	if err != nil {
		return fmt.Errorf("build embeddings provider: %w", err)
	}

	store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.EmbeddingDimensions)
	if err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}
	defer store.Close()

	classifier := intent.New(llmProvider)
	extractor := extract.New(llmProvider)
	dd := dedup.New(store, embedProvider, llmProvider, cfg.Memory.ConfigCacheTTL)
	res := resolver.New(store, embedProvider, llmProvider, resolver.Config{
		SemanticThreshold:  cfg.Memory.ResolverSemanticThreshold,
		SemanticCandidates: cfg.Memory.ResolverSemanticCandidates,
		LLMTimeout:         cfg.Memory.LLMCallTimeout,
	}, nil)

	w := worker.New(store, extractor, res, llmProvider, nil, worker.Config{
		SummaryThreshold: cfg.Memory.SummaryThreshold,
		MaxGleanings:     cfg.Memory.MaxGleanings,
	})
	w.SetMetrics(metrics)

	pipeline := ingest.New(store, dd, classifier, w, embedProvider, nil, ingest.Config{
		PerItemDrain:     cfg.Memory.PerItemDrain,
		BatchDrainBudget: cfg.Memory.BatchDrainBudget,
	})
	pipeline.SetMetrics(metrics)
	categorizer := llmProvider
	if cfg.Providers.CategorizationModel != "" {
		entry := cfg.Providers.LLM
		entry.Model = cfg.Providers.CategorizationModel
		categorizer, err = registry.CreateLLM(entry)
		if err != nil {
			return fmt.Errorf("build categorization provider: %w", err)
		}
	}
	pipeline.SetCategorizer(categorizer)

	searcher := search.New(store, embedProvider, nil, search.Config{
		RRFConfidenceFloor:    cfg.Memory.RRFConfidenceFloor,
		RRFNormalizer:         cfg.Memory.RRFNormalizer,
		VectorOverfetchFactor: cfg.Memory.VectorOverfetchFactor,
	})
	searcher.SetMetrics(metrics)

	server := rpc.New(pipeline, searcher, rpc.Identity{
		UserID:  cfg.MCP.DefaultUserID,
		AppName: cfg.MCP.DefaultAppName,
	})

	healthHandler := health.New(health.Checker{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			if cfg.Memory.PostgresDSN == "" {
				return errors.New("no postgres_dsn configured")
			}
			return nil
		},
	})

	switch cfg.MCP.Transport {
	case config.MCPTransportStreamableHTTP:
		return serveHTTP(ctx, cfg, server, healthHandler)
	default:
		return serveStdio(ctx, server)
	}
}

func serveStdio(ctx context.Context, server *rpc.Server) error {
	slog.Info("memforge: serving MCP over stdio")
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, cfg *config.Config, server *rpc.Server, healthHandler *health.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", server.HTTPHandler())
	mux.HandleFunc("/healthz", healthHandler.Healthz)
	mux.HandleFunc("/readyz", healthHandler.Readyz)

	httpServer := &http.Server{
		Addr:    cfg.MCP.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("memforge: serving MCP over streamable HTTP", "addr", cfg.MCP.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(sctx)
	case err := <-errCh:
		return err
	}
}

// buildRegistry registers every provider factory the corpus ships a backend
// for, so a deployment can pick any of them purely via config.yaml.
func buildRegistry() *config.Registry {
	r := config.NewRegistry()

	r.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	for _, name := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		name := name
		r.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(name, e.Model)
		})
	}

	r.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(e.BaseURL))
		}
		return embopenai.New(e.APIKey, e.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return embollama.New(e.BaseURL, e.Model)
	})

	return r
}

// buildLLM constructs the configured LLM provider and, when LLMMaxRetries
// permits it, wraps it in a [resilience.LLMFallback] so an error for which
// memerr.IsTemporary is true gets a single retry.
func buildLLM(r *config.Registry, cfg *config.Config) (llm.Provider, error) {
	primary, err := r.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	if cfg.Memory.LLMMaxRetries <= 0 {
		return primary, nil
	}
	return resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{}), nil
}

func buildEmbeddings(r *config.Registry, cfg *config.Config) (embeddings.Provider, error) {
	primary, err := r.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, err
	}
	if cfg.Memory.LLMMaxRetries <= 0 {
		return primary, nil
	}
	return resilience.NewEmbeddingsFallback(primary, cfg.Providers.Embeddings.Name, resilience.FallbackConfig{}), nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
