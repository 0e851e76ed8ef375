package client

import (
	"fmt"
	"os"
	"sort"

	"github.com/cloud-shuttle/palaver/internal/config"
	"github.com/cloud-shuttle/palaver/internal/pipeline"
)

// Preset describes an OpenAI-compatible completion provider
type Preset struct {
	BaseURL      string
	DefaultModel string
	// KeyEnv names the variable read when no API key is configured
	KeyEnv string
}

// Presets holds the known OpenAI-compatible providers
var Presets = map[string]Preset{
	"openai": {BaseURL: "https://api.openai.com", DefaultModel: "gpt-4o-mini", KeyEnv: "OPENAI_API_KEY"},
	"groq":   {BaseURL: "https://api.groq.com/openai", DefaultModel: "llama-3.3-70b-versatile", KeyEnv: "GROQ_API_KEY"},
	"grok":   {BaseURL: "https://api.x.ai", DefaultModel: "grok-2-latest", KeyEnv: "XAI_API_KEY"},
}

// ProviderNames returns the configurable provider names, sorted
func ProviderNames() []string {
	names := []string{"echo"}
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCompleter builds the completer selected by cfg. Unset fields fall
// back to the provider preset.
func NewCompleter(cfg config.CompletionConfig) (pipeline.Completer, error) {
	if cfg.Provider == "echo" {
		return Echo{}, nil
	}

	preset, ok := Presets[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown completion provider: %s", cfg.Provider)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = preset.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = preset.DefaultModel
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(preset.KeyEnv)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for %s provider (set %s or completion.api_key)", cfg.Provider, preset.KeyEnv)
	}

	return NewClient(Config{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}), nil
}
