package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ziadkadry99/partychat/internal/party"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PARTYCHAT_"

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides. A double underscore separates nested
// keys: PARTYCHAT_RETRIEVAL__GLOBAL_BUDGET -> retrieval.global_budget.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// validProviders is the set of recognized provider values.
var validProviders = map[ProviderType]bool{
	ProviderAnthropic:  true,
	ProviderOpenAI:     true,
	ProviderGoogle:     true,
	ProviderOllama:     true,
	ProviderOpenRouter: true,
}

var validEmbeddingProviders = map[ProviderType]bool{
	ProviderOpenAI: true,
	ProviderOllama: true,
}

// validQualityTiers is the set of recognized quality tier values.
var validQualityTiers = map[QualityTier]bool{
	QualityLite:   true,
	QualityNormal: true,
	QualityMax:    true,
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if !validProviders[c.Provider] {
		return fmt.Errorf("invalid provider %q: must be one of anthropic, openai, google, ollama, openrouter", c.Provider)
	}

	if c.Model == "" {
		return fmt.Errorf("model is required")
	}

	if c.EmbeddingProvider != "" && !validEmbeddingProviders[c.EmbeddingProvider] {
		return fmt.Errorf("invalid embedding_provider %q: must be openai or ollama", c.EmbeddingProvider)
	}

	if c.EmbeddingBatchSize < 0 {
		return fmt.Errorf("embedding_batch_size must be non-negative")
	}

	if c.Quality != "" && !validQualityTiers[c.Quality] {
		return fmt.Errorf("invalid quality %q: must be one of lite, normal, max", c.Quality)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	r := c.Retrieval
	if r.GlobalBudget <= 0 {
		return fmt.Errorf("retrieval.global_budget must be positive")
	}
	if r.PerQueryBudget <= 0 {
		return fmt.Errorf("retrieval.per_query_budget must be positive")
	}
	if r.PerPartyFloor < 0 || r.PerPartyFloor > r.GlobalBudget {
		return fmt.Errorf("retrieval.per_party_floor must be between 0 and global_budget (%d)", r.GlobalBudget)
	}
	if r.ScoreThreshold < 0 || r.ScoreThreshold > 1 {
		return fmt.Errorf("retrieval.score_threshold must be in [0,1]")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("retrieval.timeout must be positive")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("retrieval.max_retries must be non-negative")
	}
	if r.MaxConcurrency < 0 {
		return fmt.Errorf("retrieval.max_concurrency must be non-negative")
	}
	if r.Rerank && r.RerankTimeout <= 0 {
		return fmt.Errorf("retrieval.rerank_timeout must be positive when rerank is enabled")
	}

	if c.Synthesis.Timeout <= 0 {
		return fmt.Errorf("synthesis.timeout must be positive")
	}
	if c.Synthesis.MaxRetries < 0 {
		return fmt.Errorf("synthesis.max_retries must be non-negative")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("rate_limit_rpm must be non-negative")
	}

	if _, err := party.NewRegistry(c.Parties); err != nil {
		return fmt.Errorf("parties: %w", err)
	}

	return nil
}

// IndexPattern returns the glob for per-party index exports.
func (c *Config) IndexPattern() string {
	if filepath.IsAbs(c.IndexGlob) {
		return c.IndexGlob
	}
	return filepath.Join(c.DataDir, c.IndexGlob)
}

// CachePath returns the path of the answer cache database.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "answers.db")
}

// APIKeyEnvVar returns the conventional environment variable name for
// the API key of the given provider.
func APIKeyEnvVar(provider ProviderType) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGoogle:
		return "GOOGLE_API_KEY"
	case ProviderOpenRouter:
		return "OPENROUTER_API_KEY"
	default:
		return ""
	}
}
