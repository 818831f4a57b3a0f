package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/answercache"
	"github.com/ziadkadry99/partychat/internal/config"
	"github.com/ziadkadry99/partychat/internal/db"
	"github.com/ziadkadry99/partychat/internal/embeddings"
	"github.com/ziadkadry99/partychat/internal/evidence"
	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/logging"
	"github.com/ziadkadry99/partychat/internal/party"
	"github.com/ziadkadry99/partychat/internal/planner"
	"github.com/ziadkadry99/partychat/internal/retrieval"
	"github.com/ziadkadry99/partychat/internal/session"
	"github.com/ziadkadry99/partychat/internal/synthesis"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `partychat init` to create a config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// newLogger builds the logger from config; --verbose forces debug level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	opts := logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		Production: cfg.Log.Production,
	}
	if verbose {
		opts.Level = "debug"
	}
	return logging.New(opts)
}

// createEmbedderFromConfig creates the cached query embedder. Providers
// without native embeddings fall back to OpenAI.
func createEmbedderFromConfig(cfg *config.Config, logger *zap.Logger) (embeddings.Embedder, error) {
	provider := cfg.EmbeddingProvider
	if provider == "" {
		provider = cfg.Provider
	}
	if provider != config.ProviderOllama {
		provider = config.ProviderOpenAI
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = config.GetPreset(cfg.Provider, cfg.Quality).EmbeddingModel
	}
	opts := embeddings.DefaultOptions()
	opts.BatchSize = cfg.EmbeddingBatchSize
	opts.Logger = logger
	e, err := embeddings.New(string(provider), model, opts)
	if err != nil {
		return nil, err
	}
	return embeddings.NewCachedEmbedder(e, time.Hour), nil
}

// createLLMProviderFromConfig creates the rate-limited generation backend.
func createLLMProviderFromConfig(cfg *config.Config) (llm.StreamingProvider, error) {
	p, err := llm.NewProvider(string(cfg.Provider), cfg.Model)
	if err != nil {
		return nil, err
	}
	return llm.WithRateLimit(p, cfg.RateLimitRPM), nil
}

// pipeline holds the wired answer pipeline shared by serve, ask and mcp.
type pipeline struct {
	cfg     *config.Config
	logger  *zap.Logger
	parties *party.Registry
	indexes *evidence.Registry
	orch    *session.Orchestrator
	journal *session.SQLiteJournal
	db      *db.DB
}

// buildPipeline wires config, indexes, backend, planner, retriever,
// synthesizer, answer cache and session journal into an orchestrator.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	parties, err := party.NewRegistry(cfg.Parties)
	if err != nil {
		return nil, fmt.Errorf("parties: %w", err)
	}

	embedder, err := createEmbedderFromConfig(cfg, logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	indexes, err := evidence.LoadIndexes(ctx, cfg.IndexPattern(), embedder, cfg.Retrieval.ScoreThreshold, logger.Named("evidence"))
	if err != nil {
		return nil, fmt.Errorf("loading party indexes: %w", err)
	}
	for _, p := range parties.All() {
		if !indexes.Has(p.ID) {
			logger.Warn("no index loaded for party", zap.String("party_id", p.ID))
		}
	}

	backend, err := createLLMProviderFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}

	smallModel := cfg.ClassifierModel
	if smallModel == "" {
		smallModel = config.GetPreset(cfg.Provider, cfg.Quality).ClassifierModel
	}
	plannerOpts := []planner.Option{planner.WithLogger(logger.Named("planner"))}
	if cfg.Planner.UseClassifier {
		plannerOpts = append(plannerOpts, planner.WithClassifier(planner.NewLLMClassifier(backend, smallModel)))
	}
	if cfg.Planner.RewriteQueries {
		plannerOpts = append(plannerOpts, planner.WithRewriter(planner.NewLLMRewriter(backend, smallModel)))
	}
	plan := planner.New(parties, planner.Config{
		MaxQuestionLen: cfg.Planner.MaxQuestionLen,
		BlockedTerms:   cfg.Planner.BlockedTerms,
		PerQueryBudget: cfg.Retrieval.PerQueryBudget,
	}, plannerOpts...)

	retriever := retrieval.New(indexes, retrieval.Config{
		GlobalBudget:   cfg.Retrieval.GlobalBudget,
		PerPartyFloor:  cfg.Retrieval.PerPartyFloor,
		MaxConcurrency: cfg.Retrieval.MaxConcurrency,
		Timeout:        cfg.Retrieval.Timeout,
		MaxRetries:     cfg.Retrieval.MaxRetries,
		InitialBackoff: cfg.Retrieval.InitialBackoff,
	}, logger.Named("retrieval"))

	synth := synthesis.New(backend, parties, synthesis.Config{
		Model:          cfg.Model,
		Timeout:        cfg.Synthesis.Timeout,
		MaxRetries:     cfg.Synthesis.MaxRetries,
		InitialBackoff: cfg.Synthesis.InitialBackoff,
		Temperature:    cfg.Synthesis.Temperature,
		MaxTokens:      cfg.Synthesis.MaxTokens,
	}, logger.Named("synthesis"))

	database, err := db.Open(cfg.CachePath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	journal := session.NewSQLiteJournal(database)

	opts := []session.Option{
		session.WithLogger(logger.Named("session")),
		session.WithJournal(journal),
	}
	if cfg.Retrieval.Rerank {
		reranker := retrieval.NewLLMReranker(backend, smallModel, cfg.Retrieval.MaxRetries, cfg.Retrieval.InitialBackoff, logger.Named("rerank"))
		opts = append(opts, session.WithReranker(reranker, cfg.Retrieval.RerankTimeout))
	}
	if cfg.Cache.Enabled {
		store := answercache.NewSQLiteStore(database, cfg.Cache.TTL)
		if n, err := store.Purge(ctx); err != nil {
			logger.Warn("purging answer cache", zap.Error(err))
		} else if n > 0 {
			logger.Debug("purged expired answers", zap.Int64("count", n))
		}
		opts = append(opts, session.WithCache(store))
	}

	return &pipeline{
		cfg:     cfg,
		logger:  logger,
		parties: parties,
		indexes: indexes,
		orch:    session.New(plan, retriever, synth, opts...),
		journal: journal,
		db:      database,
	}, nil
}

// Close stops all sessions and closes the database.
func (p *pipeline) Close() {
	p.orch.Close()
	if err := p.db.Close(); err != nil {
		p.logger.Warn("closing database", zap.Error(err))
	}
}

// setup loads config, logger and pipeline for a command.
func setup(ctx context.Context) (*pipeline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	return p, nil
}
