package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file.
// Secrets are loaded separately with LoadSecrets so commands that never
// talk to the batch service (status, postprocess) work without a key.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = "output"
	}
	if cfg.Paths.FinalDataset == "" {
		cfg.Paths.FinalDataset = "dataset.json"
	}

	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model.ModelName == "" {
		cfg.Model.ModelName = "gpt-4o"
	}
	if cfg.Model.MaxOutputTokens == 0 {
		cfg.Model.MaxOutputTokens = 1500
	}
	if cfg.Model.RateLimitPerMinute == 0 {
		cfg.Model.RateLimitPerMinute = 60
	}
	if cfg.Model.HTTPTimeoutSeconds == 0 {
		cfg.Model.HTTPTimeoutSeconds = 120
	}
	// NOTE: TOML cannot distinguish 0 from unset, so set -1 to disable retries
	if cfg.Model.MaxRetries == 0 {
		cfg.Model.MaxRetries = 3
	} else if cfg.Model.MaxRetries < 0 {
		cfg.Model.MaxRetries = 0
	}

	if cfg.Batch.Endpoint == "" {
		cfg.Batch.Endpoint = "/v1/chat/completions"
	}
	if cfg.Batch.CompletionWindow == "" {
		cfg.Batch.CompletionWindow = "24h"
	}
	if cfg.Batch.PollIntervalSeconds == 0 {
		cfg.Batch.PollIntervalSeconds = 10
	}
	if cfg.Batch.PollDeadlineMinutes == 0 {
		cfg.Batch.PollDeadlineMinutes = 25 * 60 // completion window plus slack for finalizing
	}
	if cfg.Batch.Concurrency == 0 {
		cfg.Batch.Concurrency = 8
	}

	if cfg.Prompts.QueryDescriptors == "" {
		cfg.Prompts.QueryDescriptors = GetDefaultQueryDescriptorsPrompt()
	}
	if cfg.Prompts.RetrievedDescriptors == "" {
		cfg.Prompts.RetrievedDescriptors = GetDefaultRetrievedDescriptorsPrompt()
	}
	if cfg.Prompts.DifferenceCaptions == "" {
		cfg.Prompts.DifferenceCaptions = GetDefaultDifferenceCaptionsPrompt()
	}

	// -1 keeps every non-empty caption, as with max_retries
	if cfg.PostProcess.MinCaptionLength == 0 {
		cfg.PostProcess.MinCaptionLength = 100
	} else if cfg.PostProcess.MinCaptionLength < 0 {
		cfg.PostProcess.MinCaptionLength = 0
	}
	if cfg.PostProcess.GrammarURL == "" {
		cfg.PostProcess.GrammarURL = "https://api.languagetool.org/v2"
	}
	if cfg.PostProcess.Language == "" {
		cfg.PostProcess.Language = "en-US"
	}
	if cfg.PostProcess.Concurrency == 0 {
		cfg.PostProcess.Concurrency = 4
	}
	if cfg.PostProcess.RateLimitPerMinute == 0 {
		cfg.PostProcess.RateLimitPerMinute = 20 // public LanguageTool limit
	}
}
