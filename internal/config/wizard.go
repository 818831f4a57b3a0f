package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/ziadkadry99/partychat/internal/party"
)

// RunWizard runs an interactive configuration wizard, saves the result to
// path and returns it.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Welcome to partychat! Let's configure the answer pipeline.")
	fmt.Println()

	providerPrompt := promptui.Select{
		Label: "Select LLM provider",
		Items: []string{"openai", "anthropic", "google", "ollama", "openrouter"},
	}
	_, providerStr, err := providerPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("provider selection: %w", err)
	}
	provider := ProviderType(providerStr)

	qualityPrompt := promptui.Select{
		Label: "Select quality tier",
		Items: []string{
			"lite: fast and cheap",
			"normal: balanced",
			"max: highest quality",
		},
	}
	qualityIdx, _, err := qualityPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("quality selection: %w", err)
	}
	tiers := []QualityTier{QualityLite, QualityNormal, QualityMax}
	quality := tiers[qualityIdx]
	preset := GetPreset(provider, quality)

	dataPrompt := promptui.Prompt{
		Label:   "Data directory (party indexes, answer cache)",
		Default: ".partychat",
	}
	dataDir, err := dataPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	partiesPrompt := promptui.Prompt{
		Label:   "Party IDs (comma-separated, one index file per party)",
		Default: "",
	}
	partiesStr, err := partiesPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("parties: %w", err)
	}

	budgetPrompt := promptui.Prompt{
		Label:   "Global evidence budget",
		Default: "12",
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return fmt.Errorf("must be a positive number")
			}
			return nil
		},
	}
	budgetStr, err := budgetPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}
	budget, _ := strconv.Atoi(budgetStr)

	cfg := DefaultConfig()
	cfg.Provider = provider
	cfg.Model = preset.Model
	cfg.ClassifierModel = preset.ClassifierModel
	cfg.EmbeddingProvider = embeddingProviderFor(provider)
	cfg.EmbeddingModel = preset.EmbeddingModel
	cfg.Quality = quality
	cfg.DataDir = dataDir
	cfg.Retrieval.GlobalBudget = budget
	if cfg.Retrieval.PerPartyFloor > budget {
		cfg.Retrieval.PerPartyFloor = budget
	}
	for _, id := range splitAndTrim(partiesStr) {
		cfg.Parties = append(cfg.Parties, party.Party{ID: id, Name: id})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if envVar := APIKeyEnvVar(provider); envVar != "" && os.Getenv(envVar) == "" {
		fmt.Printf("\nNote: Set %s in your environment before running partychat serve.\n", envVar)
	}

	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	return cfg, nil
}

// embeddingProviderFor returns the default embedding provider for a given
// LLM provider. OpenAI embeddings are used for all cloud providers.
func embeddingProviderFor(p ProviderType) ProviderType {
	if p == ProviderOllama {
		return ProviderOllama
	}
	return ProviderOpenAI
}

// splitAndTrim splits a comma-separated string and drops empty entries.
func splitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if token := strings.TrimSpace(part); token != "" {
			result = append(result, token)
		}
	}
	return result
}
