package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Config{
		Paths: PathsConfig{DatasetFile: "pairs.json"},
	}
	applyDefaults(&cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing dataset file",
			mutate:  func(c *Config) { c.Paths.DatasetFile = "" },
			wantErr: "paths.dataset_file",
		},
		{
			name:    "endpoint without slash",
			mutate:  func(c *Config) { c.Batch.Endpoint = "v1/chat/completions" },
			wantErr: "batch.endpoint",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Batch.PollIntervalSeconds = 0 },
			wantErr: "poll_interval_seconds",
		},
		{
			name:    "concurrency too high",
			mutate:  func(c *Config) { c.Batch.Concurrency = MaxConcurrency + 1 },
			wantErr: "batch.concurrency",
		},
		{
			name:    "blank stage 2 prompt",
			mutate:  func(c *Config) { c.Prompts.RetrievedDescriptors = "   " },
			wantErr: "stage 2",
		},
		{
			name:    "negative min caption length",
			mutate:  func(c *Config) { c.PostProcess.MinCaptionLength = -1 },
			wantErr: "min_caption_length",
		},
		{
			name:    "too many retries",
			mutate:  func(c *Config) { c.Model.MaxRetries = 11 },
			wantErr: "max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
dataset_file = "pairs.jsonl"
output_dir = "run-01"

[batch]
poll_interval_seconds = 30

[prompts]
query_descriptors = "Describe the objects."
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Paths.OutputDir != "run-01" {
		t.Errorf("OutputDir = %q, want run-01", cfg.Paths.OutputDir)
	}
	if cfg.Paths.FinalDataset != "dataset.json" {
		t.Errorf("FinalDataset = %q, want dataset.json", cfg.Paths.FinalDataset)
	}
	if cfg.Model.ModelName != "gpt-4o" {
		t.Errorf("ModelName = %q, want gpt-4o", cfg.Model.ModelName)
	}
	if cfg.Model.MaxOutputTokens != 1500 {
		t.Errorf("MaxOutputTokens = %d, want 1500", cfg.Model.MaxOutputTokens)
	}
	if cfg.Batch.PollInterval() != 30*time.Second {
		t.Errorf("PollInterval() = %v, want 30s", cfg.Batch.PollInterval())
	}
	if cfg.Batch.CompletionWindow != "24h" {
		t.Errorf("CompletionWindow = %q, want 24h", cfg.Batch.CompletionWindow)
	}
	prompts := cfg.Prompts.List()
	if prompts[0] != "Describe the objects." {
		t.Errorf("stage 1 prompt = %q", prompts[0])
	}
	if prompts[2] != GetDefaultDifferenceCaptionsPrompt() {
		t.Error("stage 3 prompt should fall back to the default")
	}
	if cfg.PostProcess.MinCaptionLength != 100 {
		t.Errorf("MinCaptionLength = %d, want 100", cfg.PostProcess.MinCaptionLength)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoadNegativeRetriesDisablesRetry(t *testing.T) {
	cfg := Config{Model: ModelConfig{MaxRetries: -1}}
	applyDefaults(&cfg)
	if cfg.Model.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.Model.MaxRetries)
	}
}

func TestMinCaptionLengthSentinel(t *testing.T) {
	tests := []struct {
		configured int
		want       int
	}{
		{0, 100},
		{-1, 0},
		{40, 40},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.PostProcess.MinCaptionLength = tt.configured
		applyDefaults(&cfg)
		if cfg.PostProcess.MinCaptionLength != tt.want {
			t.Errorf("min_caption_length %d: got %d, want %d", tt.configured, cfg.PostProcess.MinCaptionLength, tt.want)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("min_caption_length %d: Validate() failed: %v", tt.configured, err)
		}
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Run("env wins", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "env-key")
		t.Setenv("API_KEY", "generic-key")
		s, err := LoadSecrets(PathsConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if s.APIKey != "env-key" {
			t.Errorf("APIKey = %q, want env-key", s.APIKey)
		}
	})

	t.Run("key file", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("API_KEY", "")
		keyFile := filepath.Join(t.TempDir(), "key.txt")
		if err := os.WriteFile(keyFile, []byte("  file-key\n"), 0600); err != nil {
			t.Fatal(err)
		}
		s, err := LoadSecrets(PathsConfig{APIKeyFile: keyFile})
		if err != nil {
			t.Fatal(err)
		}
		if s.APIKey != "file-key" {
			t.Errorf("APIKey = %q, want file-key", s.APIKey)
		}
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("API_KEY", "")
		if _, err := LoadSecrets(PathsConfig{}); err == nil {
			t.Fatal("expected error when no key is available")
		}
	})

	t.Run("unreadable key file", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("API_KEY", "")
		if _, err := LoadSecrets(PathsConfig{APIKeyFile: filepath.Join(t.TempDir(), "nope")}); err == nil {
			t.Fatal("expected error for unreadable key file")
		}
	})
}
