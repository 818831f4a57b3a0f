package config

import "time"

// QualityPreset describes the models to use for a given quality tier.
type QualityPreset struct {
	Model           string
	ClassifierModel string
	EmbeddingModel  string
}

// qualityPresets maps each provider+quality combination to its model choices.
var qualityPresets = map[ProviderType]map[QualityTier]QualityPreset{
	ProviderAnthropic: {
		QualityLite:   {Model: "claude-haiku-4-5-20251001", ClassifierModel: "claude-haiku-4-5-20251001", EmbeddingModel: "text-embedding-3-small"},
		QualityNormal: {Model: "claude-sonnet-4-5-20250929", ClassifierModel: "claude-haiku-4-5-20251001", EmbeddingModel: "text-embedding-3-small"},
		QualityMax:    {Model: "claude-opus-4-1-20250805", ClassifierModel: "claude-haiku-4-5-20251001", EmbeddingModel: "text-embedding-3-large"},
	},
	ProviderOpenAI: {
		QualityLite:   {Model: "gpt-4o-mini", ClassifierModel: "gpt-4o-mini", EmbeddingModel: "text-embedding-3-small"},
		QualityNormal: {Model: "gpt-4o", ClassifierModel: "gpt-4o-mini", EmbeddingModel: "text-embedding-3-small"},
		QualityMax:    {Model: "gpt-4.1", ClassifierModel: "gpt-4o-mini", EmbeddingModel: "text-embedding-3-large"},
	},
	ProviderGoogle: {
		QualityLite:   {Model: "gemini-2.5-flash", ClassifierModel: "gemini-2.5-flash", EmbeddingModel: "text-embedding-3-small"},
		QualityNormal: {Model: "gemini-2.5-pro", ClassifierModel: "gemini-2.5-flash", EmbeddingModel: "text-embedding-3-small"},
		QualityMax:    {Model: "gemini-2.5-pro", ClassifierModel: "gemini-2.5-flash", EmbeddingModel: "text-embedding-3-large"},
	},
	ProviderOllama: {
		QualityLite:   {Model: "llama3", ClassifierModel: "llama3", EmbeddingModel: "nomic-embed-text"},
		QualityNormal: {Model: "llama3", ClassifierModel: "llama3", EmbeddingModel: "nomic-embed-text"},
		QualityMax:    {Model: "llama3:70b", ClassifierModel: "llama3", EmbeddingModel: "nomic-embed-text"},
	},
	ProviderOpenRouter: {
		QualityLite:   {Model: "openai/gpt-4o-mini", ClassifierModel: "openai/gpt-4o-mini", EmbeddingModel: "text-embedding-3-small"},
		QualityNormal: {Model: "openai/gpt-4o", ClassifierModel: "openai/gpt-4o-mini", EmbeddingModel: "text-embedding-3-small"},
		QualityMax:    {Model: "anthropic/claude-sonnet-4.5", ClassifierModel: "openai/gpt-4o-mini", EmbeddingModel: "text-embedding-3-large"},
	},
}

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = ".partychat.yml"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider:           ProviderOpenAI,
		Model:              "gpt-4o",
		ClassifierModel:    "gpt-4o-mini",
		EmbeddingProvider:  ProviderOpenAI,
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingBatchSize: 100,
		Quality:            QualityNormal,
		DataDir:            ".partychat",
		IndexGlob:          "indexes/*.gob.gz",
		Planner: PlannerConfig{
			UseClassifier:  true,
			RewriteQueries: true,
			MaxQuestionLen: 500,
		},
		Retrieval: RetrievalConfig{
			GlobalBudget:   12,
			PerPartyFloor:  2,
			PerQueryBudget: 10,
			ScoreThreshold: 0.5,
			Timeout:        20 * time.Second,
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxConcurrency: 8,
			Rerank:         true,
			RerankTimeout:  15 * time.Second,
		},
		Synthesis: SynthesisConfig{
			Timeout:        90 * time.Second,
			MaxRetries:     1,
			InitialBackoff: 500 * time.Millisecond,
			Temperature:    0.2,
			MaxTokens:      1500,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		RateLimitRPM: 120,
	}
}

// GetPreset returns the quality preset for the given provider and tier.
// Returns the Normal OpenAI preset if the combination is not found.
func GetPreset(provider ProviderType, tier QualityTier) QualityPreset {
	if tiers, ok := qualityPresets[provider]; ok {
		if preset, ok := tiers[tier]; ok {
			return preset
		}
	}
	return qualityPresets[ProviderOpenAI][QualityNormal]
}
