// Package wiring assembles the seven core components plus the ambient
// adapters into an fx dependency graph shared by both CLI entrypoints,
// mirroring this codebase's pkg/bootstrap/fx module layout (one
// fx.Module per concern, fx.Lifecycle hooks for teardown ordering).
package wiring

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/fx"

	"github.com/memoryforge/memoryd/internal/config"
	"github.com/memoryforge/memoryd/internal/consolidation"
	"github.com/memoryforge/memoryd/internal/coordinator"
	"github.com/memoryforge/memoryd/internal/embedadapter"
	"github.com/memoryforge/memoryd/internal/extraction"
	"github.com/memoryforge/memoryd/internal/llmadapter"
	"github.com/memoryforge/memoryd/internal/logging"
	"github.com/memoryforge/memoryd/internal/queue"
	"github.com/memoryforge/memoryd/internal/relstore"
	"github.com/memoryforge/memoryd/internal/sessionsclient"
	"github.com/memoryforge/memoryd/internal/vectorstore"
)

// Module provides every shared dependency: config, logger, adapters,
// gateways, stages, the queue fabric, and the coordinator. Each CLI
// entrypoint adds only its own fx.Invoke that runs the matching
// Consume loop.
func Module(configPath string) fx.Option {
	return fx.Module("memoryd",
		fx.Provide(
			func() (*config.Config, error) { return config.Load(configPath) },
			provideLogger,
			provideLLMAdapter,
			provideEmbedAdapter,
			provideRelStore,
			provideVectorStore,
			provideSessionsClient,
			provideExtractionStage,
			provideQueueFabric,
			provideCoordinator,
		),
	)
}

func provideLogger(cfg *config.Config) *log.Logger {
	return logging.New(cfg.LogLevel)
}

func provideLLMAdapter(cfg *config.Config, logger *log.Logger) *llmadapter.Adapter {
	return llmadapter.New(llmadapter.Config{
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		Timeout:     time.Duration(cfg.LLMTimeoutS) * time.Second,
		MaxRetries:  cfg.LLMMaxRetries,
	}, logging.Component(logger, "llmadapter"))
}

func provideEmbedAdapter(cfg *config.Config, logger *log.Logger) *embedadapter.Adapter {
	return embedadapter.New(embedadapter.Config{
		APIKey:         cfg.LLMAPIKey,
		Model:          cfg.EmbeddingModel,
		Dimension:      cfg.EmbeddingDimensions,
		MaxInputTokens: cfg.EmbeddingMaxInputTokens,
	}, logging.Component(logger, "embedadapter"))
}

func provideRelStore(lc fx.Lifecycle, cfg *config.Config, logger *log.Logger) (*relstore.Gateway, error) {
	gw, err := relstore.Open(cfg.RelationalURL, 20, 5)
	if err != nil {
		return nil, err
	}
	if err := relstore.RunMigrations(gw.DB(), logging.Component(logger, "migrations")); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return gw.Close() },
	})
	return gw, nil
}

func provideVectorStore(lc fx.Lifecycle, cfg *config.Config) (*vectorstore.Gateway, error) {
	gw, err := vectorstore.New(cfg.VectorURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return gw.CreateCollection(ctx, "memories", cfg.EmbeddingDimensions, "cosine")
		},
	})
	return gw, nil
}

func provideSessionsClient(cfg *config.Config, logger *log.Logger) *sessionsclient.Client {
	return sessionsclient.New(cfg.SessionsServiceURL, logging.Component(logger, "sessionsclient"))
}

func provideExtractionStage(cfg *config.Config, llm *llmadapter.Adapter) *extraction.Stage {
	extCfg := extraction.DefaultConfig()
	extCfg.MinEvents = cfg.ExtractionMinEvents
	extCfg.MaxFacts = cfg.ExtractionMaxFacts
	return extraction.New(llm, extCfg)
}

func provideQueueFabric(lc fx.Lifecycle, cfg *config.Config, logger *log.Logger) (*queue.Fabric, error) {
	qCfg := queue.Config{
		Prefetch:        cfg.WorkerPrefetch,
		DeadLetterAfter: cfg.DeadLetterAfter,
		Concurrency:     cfg.WorkerConcurrency,
		DrainTimeout:    time.Duration(cfg.WorkerDrainTimeoutS) * time.Second,
	}
	fab, err := queue.Connect(context.Background(), cfg.QueueURL, qCfg, logging.Component(logger, "queue"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { fab.Close(); return nil },
	})
	return fab, nil
}

func provideCoordinator(
	cfg *config.Config,
	sessions *sessionsclient.Client,
	extractionStage *extraction.Stage,
	embed *embedadapter.Adapter,
	rel *relstore.Gateway,
	vec *vectorstore.Gateway,
	narrator *llmadapter.Adapter,
	fab *queue.Fabric,
	logger *log.Logger,
) *coordinator.Coordinator {
	coordCfg := coordinator.DefaultConfig()
	coordCfg.MaxConsolidationBatch = cfg.ConsolidationMaxBatch
	coordCfg.MinExtractionConfidence = cfg.ExtractionMinConfidence
	coordCfg.EmbeddingBatchSize = cfg.EmbeddingBatchSize

	consolCfg := consolidation.DefaultConfig()
	consolCfg.MergeThreshold = cfg.ConsolidationMergeThreshold
	consolCfg.ConflictThreshold = cfg.ConsolidationConflictThreshold
	consolCfg.MergeBoost = cfg.ConsolidationConfidenceBoost
	consolCfg.MaxBatch = cfg.ConsolidationMaxBatch
	consolCfg.Strategy = consolidation.MergeStrategy(cfg.ConsolidationMergeStrategy)

	return coordinator.New(sessions, extractionStage, embed, rel, vec, narrator, fab, logging.Component(logger, "coordinator"), coordCfg, consolCfg)
}
