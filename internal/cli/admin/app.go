package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloo-solutions/strata/internal/cache"
	"github.com/cloo-solutions/strata/internal/config"
	"github.com/cloo-solutions/strata/internal/database"
	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/jobs"
	"github.com/cloo-solutions/strata/internal/logging"
	"github.com/cloo-solutions/strata/internal/metrics"
	"github.com/cloo-solutions/strata/internal/openai"
	"github.com/cloo-solutions/strata/internal/repository"
	"github.com/cloo-solutions/strata/internal/service"
	"github.com/cloo-solutions/strata/internal/storage"
	"github.com/cloo-solutions/strata/internal/tokenizer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds every component of a running stratad, wired from config.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Items   *repository.ItemRepository
	EmbJobs *repository.EmbeddingJobRepository
	Hot     *storage.RedisHotCache
	Warm    *storage.RedisWarmStore
	Archive *storage.DocumentArchive
	OpenAI  *openai.Client

	Store        *service.TieredStore
	Cache        *cache.Manager
	Search       *service.HybridSearchEngine
	Ingestion    *service.IngestionService
	Conversation *service.ConversationService
	Gate         *service.GovernanceGate
	Pipeline     *service.RAGPipeline
	Embeddings   *service.EmbeddingService
	Tiering      *jobs.TieringManager
}

// loadConfig reads configuration and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// buildApp connects to the stores and wires the components. Close
// releases the connections.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL, MaxConns: cfg.DatabaseMaxConns})
	if err != nil {
		return nil, err
	}
	app.Pool = pool
	logger.Info("connected to database")

	client, err := storage.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Redis = client
	logger.Info("connected to redis")

	app.Items = repository.NewItemRepository(pool)
	app.EmbJobs = repository.NewEmbeddingJobRepository(pool)
	app.Hot = storage.NewRedisHotCache(client, cfg.RedisKeyPrefix, logger)
	app.Warm = storage.NewRedisWarmStore(client, cfg.RedisKeyPrefix, logger)

	var archiver service.DocumentArchiver
	if cfg.HasS3() {
		archive, err := storage.NewDocumentArchive(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to create document archive: %w", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		logger.Info("document archive ready", zap.String("bucket", cfg.S3Bucket))
		app.Archive = archive
		archiver = archive
	}

	var embedder service.EmbeddingClient
	var generator service.Generator = unavailableGenerator{}
	if cfg.HasOpenAI() {
		app.OpenAI = openai.NewClient(openai.Config{
			APIKey:              cfg.OpenAIAPIKey,
			BaseURL:             cfg.OpenAIBaseURL,
			EmbeddingModel:      cfg.EmbeddingModel,
			EmbeddingDimensions: cfg.EmbeddingDimensions,
			EmbeddingTimeout:    cfg.EmbeddingTimeout,
			GenerationModel:     cfg.GenerationModel,
			GenerationTimeout:   cfg.GenerationTimeout,
		})
		embedder = app.OpenAI
		generator = app.OpenAI
		app.Embeddings = service.NewEmbeddingService(app.OpenAI, app.Items)
	} else {
		logger.Warn("no OpenAI key configured: search is lexical only and generation is unavailable")
	}

	app.Store = service.NewTieredStore(app.Items, app.Warm, app.Hot, service.TieredStoreConfig{
		Window:        cfg.Tiering.Window,
		WarmThreshold: cfg.Tiering.WarmThreshold,
		HotThreshold:  cfg.Tiering.HotThreshold,
	}, app.Metrics, logger)

	app.Tiering = jobs.NewTieringManager(app.Items, app.Hot, app.Warm, jobs.TieringConfig{
		TieringRules: jobs.TieringRules{
			HotThreshold:  cfg.Tiering.HotThreshold,
			WarmThreshold: cfg.Tiering.WarmThreshold,
			Window:        cfg.Tiering.Window,
			IdleWindow:    cfg.Tiering.IdleWindow,
		},
		HotBaseTTL: cfg.Tiering.HotBaseTTL,
		HotMaxTTL:  cfg.Tiering.HotMaxTTL,
		WarmTTL:    cfg.Tiering.WarmTTL,
		QueueSize:  cfg.Tiering.QueueSize,
		BatchSize:  cfg.Tiering.BatchSize,
	}, app.Metrics, logger)
	app.Store.SetQueue(app.Tiering)

	app.Cache = cache.NewManager(app.Hot, logger,
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithHitRecorder(app.Store),
		cache.WithMetrics(app.Metrics),
	)

	app.Search = service.NewHybridSearchEngine(app.Store, embedder, service.SearchConfig{
		DefaultK:      cfg.Search.DefaultK,
		VectorTimeout: cfg.Search.VectorTimeout,
	}, app.Metrics, logger)

	app.Ingestion = service.NewIngestionService(
		service.NewChunker(chunkConfig(cfg.Chunk)),
		app.Store, embedder, app.EmbJobs, archiver, logger)

	app.Conversation = service.NewConversationService(app.Warm, service.ConversationConfig{
		Retention:   cfg.Sessions.Retention,
		HistorySize: cfg.Governance.HistorySize,
		HistoryTTL:  cfg.Governance.HistoryTTL,
	}, app.Metrics, logger)

	actions, err := governanceActions(cfg.Governance.Actions)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Gate = service.NewGovernanceGate(service.GovernanceConfig{
		MinCoherence:         cfg.Governance.MinCoherence,
		ProhibitedCategories: cfg.Governance.ProhibitedCategories,
		CategoryKey:          cfg.Governance.CategoryKey,
		ProhibitedTerms:      cfg.ProhibitedTermList(),
		DuplicateThreshold:   cfg.Governance.DuplicateThreshold,
		HistorySize:          cfg.Governance.HistorySize,
		DetectPII:            cfg.Governance.DetectPII,
		Actions:              actions,
	}, app.Conversation, app.Metrics, logger)

	optimizerCfg := service.DefaultOptimizerConfig()
	optimizerCfg.DefaultK = cfg.Search.DefaultK
	optimizerCfg.DefaultAlpha = cfg.Search.DefaultAlpha

	var tokens tokenizer.Counter = tokenizer.Estimator{}
	if cfg.UseTiktoken {
		tokens = tokenizer.NewTiktoken(cfg.GenerationModel, logger)
	}

	app.Pipeline = service.NewRAGPipeline(service.PipelineDeps{
		Optimizer:    service.NewQueryOptimizer(optimizerCfg),
		Cache:        app.Cache,
		Retriever:    app.Search,
		Access:       app.Store,
		Tokens:       tokens,
		Generator:    generator,
		Gate:         app.Gate,
		Conversation: app.Conversation,
	}, service.PipelineConfig{
		ContextTokenBudget: cfg.Pipeline.ContextTokenBudget,
		RequestTimeout:     cfg.Pipeline.RequestTimeout,
		Instructions:       cfg.Pipeline.Instructions,
		CacheTTL:           cfg.Cache.DefaultTTL,
		HistoryTurns:       cfg.Pipeline.HistoryTurns,
	}, app.Metrics, logger)

	return app, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// governanceActions parses GOVERNANCE_ACTIONS ("pii:redact,duplicate:refuse").
func chunkConfig(c config.ChunkConfig) service.ChunkConfig {
	return service.ChunkConfig{
		MaxChars:            c.MaxChars,
		MinChars:            c.MinChars,
		Overlap:             c.Overlap,
		OverlapSentences:    c.OverlapSentences,
		MaxSentences:        c.MaxSentences,
		SimilarityThreshold: c.SimilarityThreshold,
	}
}

func governanceActions(raw map[string]string) (map[domain.ViolationKind]domain.GovernanceAction, error) {
	out := make(map[domain.ViolationKind]domain.GovernanceAction, len(raw))
	for k, v := range raw {
		kind := domain.ViolationKind(strings.ToLower(strings.TrimSpace(k)))
		action := domain.GovernanceAction(strings.ToLower(strings.TrimSpace(v)))
		if !domain.IsValidViolationKind(kind) {
			return nil, fmt.Errorf("GOVERNANCE_ACTIONS: unknown violation kind %q", k)
		}
		if !domain.IsValidGovernanceAction(action) {
			return nil, fmt.Errorf("GOVERNANCE_ACTIONS: unknown action %q for %s", v, kind)
		}
		out[kind] = action
	}
	return out, nil
}

// unavailableGenerator stands in when no generation provider is configured.
type unavailableGenerator struct{}

func (unavailableGenerator) Generate(context.Context, []domain.Message) (string, error) {
	return "", domain.NewDomainError(domain.ErrCodeGenerationUnavailable, "no generation provider configured")
}
