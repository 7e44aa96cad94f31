package config

import (
	"fmt"
	"net/url"
	"unicode"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxPromptSize is the maximum allowed size for a stage prompt
	MaxPromptSize = 50 * 1024 // 50KB
)

// ValidateInputs performs additional validation on user-controllable fields
func (c *Config) ValidateInputs() error {
	if err := validateModelName(c.Model.ModelName); err != nil {
		return err
	}

	if err := validateURL(c.Model.BaseURL, "model.base_url"); err != nil {
		return err
	}
	if err := validateURL(c.PostProcess.GrammarURL, "postprocess.grammar_url"); err != nil {
		return err
	}

	return c.validatePromptSizes()
}

// validateModelName checks model name for security issues
func validateModelName(modelName string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model.model_name exceeds maximum length of %d (got %d)",
			MaxModelNameLength, len(modelName))
	}

	if containsControlChars(modelName) {
		return fmt.Errorf("model.model_name contains invalid control characters")
	}

	return nil
}

// validateURL checks that a service URL is properly formatted
func validateURL(raw, key string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", key, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme (got %s)", key, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%s must have a host", key)
	}

	return nil
}

// validatePromptSizes checks that prompts are within reasonable size limits
func (c *Config) validatePromptSizes() error {
	prompts := []struct {
		name  string
		value string
	}{
		{"query_descriptors", c.Prompts.QueryDescriptors},
		{"retrieved_descriptors", c.Prompts.RetrievedDescriptors},
		{"difference_captions", c.Prompts.DifferenceCaptions},
	}

	for _, p := range prompts {
		if len(p.value) > MaxPromptSize {
			return fmt.Errorf("prompt '%s' exceeds maximum size of %d bytes (got %d)",
				p.name, MaxPromptSize, len(p.value))
		}
		if containsControlChars(p.value) {
			return fmt.Errorf("prompt '%s' contains invalid control characters", p.name)
		}
	}

	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
