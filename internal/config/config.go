package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Paths       PathsConfig       `toml:"paths"`
	Model       ModelConfig       `toml:"model"`
	Batch       BatchConfig       `toml:"batch"`
	Prompts     PromptsConfig     `toml:"prompts"`
	PostProcess PostProcessConfig `toml:"postprocess"`
}

// PathsConfig holds input and output locations
type PathsConfig struct {
	DatasetFile   string `toml:"dataset_file"`   // Source pairs (.json, .jsonl or .parquet)
	OutputDir     string `toml:"output_dir"`     // Root of the shard/state tree
	FinalDataset  string `toml:"final_dataset"`  // Final JSON dataset (default: dataset.json)
	ParquetExport string `toml:"parquet_export"` // Optional parquet copy of the final dataset
	APIKeyFile    string `toml:"api_key_file"`   // Optional file holding the API key
}

// ModelConfig describes the inference endpoint and request shape
type ModelConfig struct {
	BaseURL            string `toml:"base_url"`
	ModelName          string `toml:"model_name"`
	MaxOutputTokens    int    `toml:"max_output_tokens"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"` // Applies to every control-plane call (upload, create, status, content)
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	MaxRetries         int    `toml:"max_retries"` // Retries for idempotent reads only
}

// BatchConfig controls job submission and polling
type BatchConfig struct {
	Endpoint            string `toml:"endpoint"`
	CompletionWindow    string `toml:"completion_window"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	PollDeadlineMinutes int    `toml:"poll_deadline_minutes"` // A job not terminal after this long is treated as failed
	Concurrency         int    `toml:"concurrency"`
}

// PromptsConfig holds one prompt per stage
type PromptsConfig struct {
	QueryDescriptors     string `toml:"query_descriptors"`
	RetrievedDescriptors string `toml:"retrieved_descriptors"`
	DifferenceCaptions   string `toml:"difference_captions"`
}

// PostProcessConfig controls filtering and cleaning of captions
type PostProcessConfig struct {
	MinCaptionLength   int    `toml:"min_caption_length"`
	GrammarURL         string `toml:"grammar_url"`
	Language           string `toml:"language"`
	Concurrency        int    `toml:"concurrency"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

// Secrets holds credentials loaded outside the config file
type Secrets struct {
	APIKey string
}

const (
	// MaxConcurrency is the maximum allowed worker pool size
	MaxConcurrency = 256
	// MinPollInterval is the shortest allowed poll interval
	MinPollInterval = 1
)

// List returns the prompts in stage order
func (p PromptsConfig) List() [3]string {
	return [3]string{p.QueryDescriptors, p.RetrievedDescriptors, p.DifferenceCaptions}
}

// PollInterval returns the poll interval as a duration
func (b BatchConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// PollDeadline returns the per-job deadline as a duration
func (b BatchConfig) PollDeadline() time.Duration {
	return time.Duration(b.PollDeadlineMinutes) * time.Minute
}

// HTTPTimeout returns the HTTP timeout as a duration
func (m ModelConfig) HTTPTimeout() time.Duration {
	return time.Duration(m.HTTPTimeoutSeconds) * time.Second
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Paths.DatasetFile == "" {
		return fmt.Errorf("paths.dataset_file is required")
	}
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir is required")
	}
	if c.Paths.FinalDataset == "" {
		return fmt.Errorf("paths.final_dataset is required")
	}

	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if c.Model.ModelName == "" {
		return fmt.Errorf("model.model_name is required")
	}
	if c.Model.MaxOutputTokens < 1 {
		return fmt.Errorf("model.max_output_tokens must be at least 1")
	}
	if c.Model.RateLimitPerMinute < 1 {
		return fmt.Errorf("model.rate_limit_per_minute must be at least 1")
	}
	if c.Model.MaxRetries < 0 || c.Model.MaxRetries > 10 {
		return fmt.Errorf("model.max_retries must be between 0 and 10 (got %d)", c.Model.MaxRetries)
	}

	if !strings.HasPrefix(c.Batch.Endpoint, "/") {
		return fmt.Errorf("batch.endpoint must start with '/' (got %q)", c.Batch.Endpoint)
	}
	if c.Batch.CompletionWindow == "" {
		return fmt.Errorf("batch.completion_window is required")
	}
	if c.Batch.PollIntervalSeconds < MinPollInterval {
		return fmt.Errorf("batch.poll_interval_seconds must be at least %d", MinPollInterval)
	}
	if c.Batch.PollDeadlineMinutes < 1 {
		return fmt.Errorf("batch.poll_deadline_minutes must be at least 1")
	}
	if c.Batch.Concurrency < 1 || c.Batch.Concurrency > MaxConcurrency {
		return fmt.Errorf("batch.concurrency must be between 1 and %d (got %d)", MaxConcurrency, c.Batch.Concurrency)
	}

	for i, p := range c.Prompts.List() {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("prompt for stage %d is empty", i+1)
		}
	}

	if c.PostProcess.MinCaptionLength < 0 {
		return fmt.Errorf("postprocess.min_caption_length must not be negative")
	}
	if c.PostProcess.GrammarURL == "" {
		return fmt.Errorf("postprocess.grammar_url is required")
	}
	if c.PostProcess.Language == "" {
		return fmt.Errorf("postprocess.language is required")
	}
	if c.PostProcess.Concurrency < 1 || c.PostProcess.Concurrency > MaxConcurrency {
		return fmt.Errorf("postprocess.concurrency must be between 1 and %d (got %d)", MaxConcurrency, c.PostProcess.Concurrency)
	}

	return nil
}

// LoadSecrets loads the API key from the environment, falling back to the configured key file
func LoadSecrets(paths PathsConfig) (*Secrets, error) {
	secrets := &Secrets{}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKey = key
		return secrets, nil
	}
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKey = key
		return secrets, nil
	}

	if paths.APIKeyFile != "" {
		data, err := os.ReadFile(paths.APIKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load API key: %w", err)
		}
		secrets.APIKey = strings.TrimSpace(string(data))
	}

	if secrets.APIKey == "" {
		return nil, fmt.Errorf("no API key found (set OPENAI_API_KEY, API_KEY or paths.api_key_file)")
	}
	return secrets, nil
}
