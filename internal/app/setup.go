package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/citolabs/cito/db"
	"github.com/citolabs/cito/internal/config"
	"github.com/citolabs/cito/internal/embedding"
	"github.com/citolabs/cito/internal/engine"
	"github.com/citolabs/cito/internal/log"
	"github.com/citolabs/cito/internal/observability"
	"github.com/citolabs/cito/internal/permission"
	"github.com/citolabs/cito/internal/retrieval"
	"github.com/citolabs/cito/internal/store"
	"github.com/citolabs/cito/internal/synthesis"
)

// Setup creates and initializes the application. Returns an App with
// embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	// Tracing first: Genkit's TracerProvider must have the span
	// processor registered before Init.
	if cfg.OTLP.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.OTLP.Endpoint,
			ServiceName: cfg.OTLP.ServiceName,
			Environment: cfg.OTLP.Environment,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("shutting down tracer provider", "error", err)
			}
		})
	}

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideModelEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}

	cache, cacheCleanup := provideCache(cfg, logger)
	if cacheCleanup != nil {
		a.onClose(cacheCleanup)
	}
	a.Embedder = embedding.NewCached(embedding.NewGenkit(embedder), cache, logger)

	searcher, pool, storeCleanup, err := provideStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if storeCleanup != nil {
		a.onClose(storeCleanup)
	}
	a.Searcher = searcher
	a.Pool = pool

	perms, err := providePermissions(ctx, cfg, a, logger)
	if err != nil {
		return nil, err
	}
	a.Permissions = perms

	synth, err := provideSynthesizer(g, cfg, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Embedder: a.Embedder,
		Retriever: retrieval.NewFanout(searcher, retrieval.Config{
			PerCollectionLimit:   cfg.PerCollectionLimit,
			PerCollectionTimeout: cfg.PerCollectionTimeout(),
		}, logger),
		Synthesizer:       synth,
		Permissions:       perms,
		Audit:             engine.NewLogSink(logger),
		Logger:            logger,
		TopK:              cfg.TopK,
		SynthesisPassages: cfg.SynthesisPassages,
		MaxQueryLen:       cfg.MaxQueryLen,
	})
	if err != nil {
		return nil, err
	}
	a.Engine = eng

	return a, nil
}

// provideGenkit initializes Genkit with the configured AI provider
// plugin. Supports gemini (default), ollama and openai.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)
		return g, nil

	case config.ProviderOpenAI:
		g := genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized genkit with openai provider", "model", cfg.ModelName)
		return g, nil

	default: // gemini / googleai
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit with gemini provider", "model", cfg.ModelName)
		return g, nil
	}
}

// provideModelEmbedder looks up the embedder registered by the provider
// plugin. Each provider registers embedders differently:
//   - gemini: GoogleAIEmbedder(g, modelName)
//   - ollama: registered in provideGenkit, keyed by server address
//   - openai: auto-registered in Init, looked up by model name
func provideModelEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideCache selects the embedding cache backend: Redis when an
// address is configured, in-process LRU otherwise.
func provideCache(cfg *config.Config, logger log.Logger) (embedding.Cache, func()) {
	if cfg.RedisAddr == "" {
		logger.Debug("using in-memory embedding cache",
			"capacity", cfg.CacheSize, "ttl", cfg.CacheTTL())
		return embedding.NewMemoryCache(cfg.CacheSize, cfg.CacheTTL()), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.Debug("using redis embedding cache", "addr", cfg.RedisAddr)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing redis client", "error", err)
		}
	}
	return embedding.NewRedisCache(client, cfg.CacheTTL()), cleanup
}

// provideStore creates the search backend. The postgres backend runs
// migrations first and returns its pool for the readiness probe; the
// chromem backend is embedded and needs neither.
func provideStore(ctx context.Context, cfg *config.Config, logger log.Logger) (retrieval.Searcher, *pgxpool.Pool, func(), error) {
	if cfg.StoreBackend == config.StoreChromem {
		return store.NewChromem(), nil, nil, nil
	}

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := store.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { pool.Close() }
	return store.NewPostgres(pool, logger), pool, cleanup, nil
}

// providePermissions builds the static grant table from config. Grants
// name collections; names are resolved against the store so the engine
// always works with collection IDs. Unresolvable names are skipped with
// a warning, never granted blind.
func providePermissions(ctx context.Context, cfg *config.Config, a *App, logger log.Logger) (*permission.Static, error) {
	perms := permission.NewStatic()
	if len(cfg.Grants) == 0 {
		return perms, nil
	}

	byName := make(map[string]retrieval.Collection)
	switch s := a.Searcher.(type) {
	case *store.Postgres:
		collections, err := s.Collections(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving collection grants: %w", err)
		}
		for _, c := range collections {
			byName[c.Name] = c
		}
	case *store.Chromem:
		// Embedded collections are keyed by name; create them so grants
		// and searches agree from the start.
		for _, names := range cfg.Grants {
			for _, name := range names {
				if err := s.AddCollection(name); err != nil {
					return nil, err
				}
				byName[name] = retrieval.Collection{ID: name, Name: name}
			}
		}
	}

	for principal, names := range cfg.Grants {
		for _, name := range names {
			c, ok := byName[name]
			if !ok {
				logger.Warn("grant names unknown collection, skipping",
					"principal", principal, "collection", name)
				continue
			}
			perms.Grant(principal, c)
		}
	}
	return perms, nil
}

// provideSynthesizer creates the synthesis client with the configured
// timeouts and rate limit.
func provideSynthesizer(g *genkit.Genkit, cfg *config.Config, logger log.Logger) (*synthesis.Synthesizer, error) {
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	return synthesis.New(synthesis.Config{
		Genkit:             g,
		ModelName:          cfg.FullModelName(),
		Logger:             logger,
		Timeout:            cfg.SynthesisTimeout(),
		FirstTokenDeadline: cfg.FirstTokenDeadline(),
		RateLimiter:        limiter,
	})
}
