package config

import (
	"time"

	"github.com/ziadkadry99/partychat/internal/party"
)

// QualityTier controls the model selection and trade-off between speed/cost and quality.
type QualityTier string

const (
	QualityLite   QualityTier = "lite"
	QualityNormal QualityTier = "normal"
	QualityMax    QualityTier = "max"
)

// ProviderType identifies an LLM provider.
type ProviderType string

const (
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderOpenAI     ProviderType = "openai"
	ProviderGoogle     ProviderType = "google"
	ProviderOllama     ProviderType = "ollama"
	ProviderOpenRouter ProviderType = "openrouter"
)

// Config is the top-level partychat configuration, corresponding to .partychat.yml.
type Config struct {
	Provider          ProviderType `yaml:"provider" koanf:"provider"`
	Model             string       `yaml:"model" koanf:"model"`
	ClassifierModel   string       `yaml:"classifier_model" koanf:"classifier_model"`
	EmbeddingProvider ProviderType `yaml:"embedding_provider" koanf:"embedding_provider"`
	EmbeddingModel    string       `yaml:"embedding_model" koanf:"embedding_model"`
	// EmbeddingBatchSize caps the texts sent per embedding request.
	EmbeddingBatchSize int         `yaml:"embedding_batch_size" koanf:"embedding_batch_size"`
	Quality            QualityTier `yaml:"quality" koanf:"quality"`
	DataDir            string      `yaml:"data_dir" koanf:"data_dir"`
	// IndexGlob matches the per-party chromem exports, relative to DataDir.
	IndexGlob    string          `yaml:"index_glob" koanf:"index_glob"`
	Parties      []party.Party   `yaml:"parties" koanf:"parties"`
	Planner      PlannerConfig   `yaml:"planner" koanf:"planner"`
	Retrieval    RetrievalConfig `yaml:"retrieval" koanf:"retrieval"`
	Synthesis    SynthesisConfig `yaml:"synthesis" koanf:"synthesis"`
	Server       ServerConfig    `yaml:"server" koanf:"server"`
	Cache        CacheConfig     `yaml:"cache" koanf:"cache"`
	Log          LogConfig       `yaml:"log" koanf:"log"`
	RateLimitRPM int             `yaml:"rate_limit_rpm" koanf:"rate_limit_rpm"`
}

// PlannerConfig controls question classification and query rewriting.
type PlannerConfig struct {
	UseClassifier bool `yaml:"use_classifier" koanf:"use_classifier"`
	// RewriteQueries asks the classifier model for a search query per party.
	RewriteQueries bool     `yaml:"rewrite_queries" koanf:"rewrite_queries"`
	MaxQuestionLen int      `yaml:"max_question_len" koanf:"max_question_len"`
	BlockedTerms   []string `yaml:"blocked_terms" koanf:"blocked_terms"`
}

// RetrievalConfig holds evidence budgets and the retrieval deadline.
type RetrievalConfig struct {
	GlobalBudget   int           `yaml:"global_budget" koanf:"global_budget"`
	PerPartyFloor  int           `yaml:"per_party_floor" koanf:"per_party_floor"`
	PerQueryBudget int           `yaml:"per_query_budget" koanf:"per_query_budget"`
	ScoreThreshold float64       `yaml:"score_threshold" koanf:"score_threshold"`
	Timeout        time.Duration `yaml:"timeout" koanf:"timeout"`
	MaxRetries     int           `yaml:"max_retries" koanf:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" koanf:"initial_backoff"`
	MaxConcurrency int           `yaml:"max_concurrency" koanf:"max_concurrency"`
	// Rerank orders merged passages by relevance with the classifier model.
	Rerank        bool          `yaml:"rerank" koanf:"rerank"`
	RerankTimeout time.Duration `yaml:"rerank_timeout" koanf:"rerank_timeout"`
}

// SynthesisConfig holds generation settings.
type SynthesisConfig struct {
	Timeout        time.Duration `yaml:"timeout" koanf:"timeout"`
	MaxRetries     int           `yaml:"max_retries" koanf:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" koanf:"initial_backoff"`
	Temperature    float64       `yaml:"temperature" koanf:"temperature"`
	MaxTokens      int           `yaml:"max_tokens" koanf:"max_tokens"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Port            int  `yaml:"port" koanf:"port"`
	AllowAllOrigins bool `yaml:"allow_all_origins" koanf:"allow_all_origins"`
}

// CacheConfig controls the persisted answer cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" koanf:"enabled"`
	TTL     time.Duration `yaml:"ttl" koanf:"ttl"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level      string `yaml:"level" koanf:"level"`
	File       string `yaml:"file" koanf:"file"`
	Production bool   `yaml:"production" koanf:"production"`
}
