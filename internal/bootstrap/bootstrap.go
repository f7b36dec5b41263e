// Package bootstrap builds the shipment search core from configuration. The API server and the
// shipsearch CLI share it so both run the same stores, providers and services.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/cargohub/hub/internal/boltstore"
	"github.com/cargohub/hub/internal/canonical"
	"github.com/cargohub/hub/internal/config"
	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/googleai"
	"github.com/cargohub/hub/internal/localai"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
	"github.com/cargohub/hub/internal/openai"
	"github.com/cargohub/hub/internal/repository"
	"github.com/cargohub/hub/internal/service"
	"github.com/cargohub/hub/migrations"
	"github.com/cargohub/hub/pkg/cache"
	"github.com/cargohub/hub/pkg/database"
)

// defaultModelByProvider is the catalog default when EMBEDDING_MODEL is unset.
var defaultModelByProvider = map[string]string{
	embeddings.ProviderOpenAI: "text-embedding-3-small",
	embeddings.ProviderGoogle: "gemini-embedding-001",
	embeddings.ProviderLocal:  "nomic-embed-text",
	embeddings.ProviderHash:   "hash-embed-v1",
}

// OpenPool connects to PostgreSQL and enables binary pgvector encoding where the extension exists.
func OpenPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.WithAfterConnect(database.RegisterVectorTypes))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return pool, nil
}

// Migrate applies the schema and River migrations. Connections opened before the vector extension
// existed never registered its types, so the pool is reset once anything was applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	applied, err := database.Migrate(ctx, pool, migrations.FS)
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}

	if err := database.MigrateRiver(ctx, pool); err != nil {
		return applied, fmt.Errorf("apply river migrations: %w", err)
	}

	if applied > 0 {
		pool.Reset()
	}

	return applied, nil
}

// NewEmbeddingClient builds the Embedding Client for the configured provider. The offline hash provider
// is always registered so hash-embed-v1 stays usable for tests and smoke runs.
func NewEmbeddingClient(
	ctx context.Context, cfg *config.Config, metrics observability.EmbeddingMetrics, logger *slog.Logger,
) (*embeddings.Client, error) {
	providerName := cfg.EmbeddingProvider
	if providerName == "" {
		providerName = embeddings.ProviderHash
	}

	catalog := embeddings.DefaultCatalog()

	if cfg.ModelCatalogPath != "" {
		loaded, err := embeddings.LoadCatalog(cfg.ModelCatalogPath)
		if err != nil {
			return nil, err
		}

		catalog = loaded
	}

	defaultModel := cfg.EmbeddingModel
	if defaultModel == "" {
		defaultModel = defaultModelByProvider[providerName]
	}

	catalog, err := catalog.WithDefault(defaultModel)
	if err != nil {
		return nil, fmt.Errorf("default model: %w", err)
	}

	httpClient := embeddings.NewHTTPClient(cfg.EmbeddingTimeout, logger)
	providers := []embeddings.Provider{embeddings.NewHashProvider()}

	switch providerName {
	case embeddings.ProviderOpenAI:
		opts := []openai.ClientOption{openai.WithHTTPClient(httpClient)}
		if cfg.EmbeddingBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.EmbeddingBaseURL))
		}

		providers = append(providers, openai.NewClient(cfg.EmbeddingProviderAPIKey, opts...))
	case embeddings.ProviderGoogle:
		opts := []googleai.ClientOption{googleai.WithHTTPClient(httpClient)}
		if cfg.EmbeddingBaseURL != "" {
			opts = append(opts, googleai.WithBaseURL(cfg.EmbeddingBaseURL))
		}

		client, err := googleai.NewClient(ctx, cfg.EmbeddingProviderAPIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create google embedding client: %w", err)
		}

		providers = append(providers, client)
	case embeddings.ProviderLocal:
		providers = append(providers, localai.NewProvider(cfg.EmbeddingBaseURL,
			localai.WithToken(cfg.EmbeddingProviderAPIKey),
			localai.WithHTTPClient(httpClient),
		))
	case embeddings.ProviderHash:
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", providerName)
	}

	var limiter *rate.Limiter
	if cfg.EmbeddingRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EmbeddingRateLimit), 1)
	}

	logger.Info("embedding client ready", "provider", providerName, "default_model", catalog.Default())

	return embeddings.NewClient(embeddings.ClientParams{
		Catalog:          catalog,
		Providers:        providers,
		Limiter:          limiter,
		MaxTokensPerCall: cfg.EmbeddingMaxTokensPerCall,
		MaxAttempts:      cfg.EmbeddingMaxAttempts,
		RetryBaseDelay:   cfg.EmbeddingRetryBaseDelay,
		Metrics:          metrics,
		Logger:           logger,
	}), nil
}

// vectorStore is the store side the core needs from a backend.
type vectorStore interface {
	service.EmbeddingStore
	service.QueryLog
	service.GenerationEventLog
}

type pgStore struct {
	*repository.EmbeddingsRepository
	*repository.HistoryRepository
}

// Core holds the wired services. Close releases the bolt file when one was opened.
type Core struct {
	Embedder   *embeddings.Client
	Store      service.EmbeddingStore
	Shipments  *repository.ShipmentsRepository
	Users      *repository.UsersRepository
	Indexer    *service.Indexer
	Search     *service.SearchService
	Evaluation *service.EvaluationService
	Visualizer *service.VisualizationService

	close func() error
}

// NewCore wires the core over pool. metrics may be nil.
func NewCore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, metrics *observability.Metrics, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	embedder, err := NewEmbeddingClient(ctx, cfg, metrics.EmbeddingsOrNil(), logger)
	if err != nil {
		return nil, err
	}

	var (
		store     vectorStore
		closeFunc = func() error { return nil }
	)

	switch cfg.VectorStore {
	case config.VectorStoreBolt:
		bolt, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}

		store = bolt
		closeFunc = bolt.Close
	default:
		store = pgStore{
			EmbeddingsRepository: repository.NewEmbeddingsRepository(pool),
			HistoryRepository:    repository.NewHistoryRepository(pool),
		}
	}

	shipments := repository.NewShipmentsRepository(pool)
	policy := service.OwnerAccessPolicy{}

	indexer := service.NewIndexer(service.IndexerParams{
		Source:        shipments,
		Store:         store,
		Embedder:      embedder,
		Events:        store,
		Canonicalizer: canonical.New(),
		BatchSize:     cfg.IndexBatchSize,
		Delay:         cfg.IndexDelay,
		MaxDelay:      cfg.IndexMaxDelay,
		Metrics:       metrics.EmbeddingsOrNil(),
		Logger:        logger,
	})

	search := service.NewSearchService(service.SearchServiceParams{
		Store:         store,
		Shipments:     shipments,
		Embedder:      embedder,
		QueryLog:      store,
		Expander:      service.NewQueryExpander(),
		Policy:        policy,
		Overfetch:     cfg.SearchOverfetch,
		MinCandidates: cfg.SearchMinCandidates,
		Timeout:       cfg.SearchTimeout,
		Metrics:       metrics.SearchOrNil(),
		Logger:        logger,
	})

	evaluation := service.NewEvaluationService(service.EvaluationServiceParams{
		Store:       repository.NewEvaluationRepository(pool),
		Searcher:    search,
		Concurrency: cfg.EvaluationConcurrency,
		Metrics:     metrics.SearchOrNil(),
		Logger:      logger,
	})

	visualizer := service.NewVisualizationService(service.VisualizationServiceParams{
		Store:     store,
		Models:    embedder,
		Policy:    policy,
		MaxPoints: cfg.VisualizationMaxPoints,
		Logger:    logger,
	})

	return &Core{
		Embedder:   embedder,
		Store:      store,
		Shipments:  shipments,
		Users:      repository.NewUsersRepository(pool),
		Indexer:    indexer,
		Search:     search,
		Evaluation: evaluation,
		Visualizer: visualizer,
		close:      closeFunc,
	}, nil
}

// NewPrincipalResolver resolves API keys through the users table behind a TTL cache.
func (c *Core) NewPrincipalResolver(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*service.PrincipalResolver, error) {
	principals, err := cache.NewLoaderCache[string, models.Principal](cfg.UserCacheSize, cfg.UserCacheTTL, func(s string) string { return s })
	if err != nil {
		return nil, fmt.Errorf("create principal cache: %w", err)
	}

	return service.NewPrincipalResolver(service.PrincipalResolverParams{
		Users:    c.Users,
		Cache:    principals,
		HashKey:  repository.HashAPIKey,
		AdminKey: cfg.AdminAPIKey,
		Metrics:  metrics.PrincipalsOrNil(),
		Logger:   logger,
	}), nil
}

// Close releases resources owned by the core.
func (c *Core) Close() error {
	if c.close == nil {
		return nil
	}

	if err := c.close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	return nil
}

// StartupTimeout bounds the connection and migration steps of both binaries.
const StartupTimeout = 30 * time.Second
