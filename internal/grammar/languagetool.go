// Package grammar checks caption sentences against a LanguageTool server.
package grammar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lamim/cirforge/internal/config"
)

// Issue is a single problem reported for a text
type Issue struct {
	RuleID       string
	Message      string
	Offset       int
	Length       int
	Replacements []string
}

// Checker reports grammar issues; an empty result means the text is clean
type Checker interface {
	Check(ctx context.Context, text string) ([]Issue, error)
}

type checkResponse struct {
	Matches []struct {
		Message      string `json:"message"`
		Offset       int    `json:"offset"`
		Length       int    `json:"length"`
		Replacements []struct {
			Value string `json:"value"`
		} `json:"replacements"`
		Rule struct {
			ID string `json:"id"`
		} `json:"rule"`
	} `json:"matches"`
}

// LanguageTool is a Checker backed by the LanguageTool HTTP API
type LanguageTool struct {
	baseURL        string
	language       string
	httpClient     *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	maxRetries     int
	baseRetryDelay time.Duration
}

// NewLanguageTool creates a LanguageTool client
func NewLanguageTool(cfg config.PostProcessConfig, timeout time.Duration, logger *slog.Logger) *LanguageTool {
	rpm := max(1, cfg.RateLimitPerMinute)
	return &LanguageTool{
		baseURL:        strings.TrimRight(cfg.GrammarURL, "/"),
		language:       cfg.Language,
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(1, rpm/5)),
		logger:         logger.With("component", "grammar"),
		maxRetries:     3,
		baseRetryDelay: 2 * time.Second,
	}
}

// Check posts text to {base}/check and returns the reported matches
func (lt *LanguageTool) Check(ctx context.Context, text string) ([]Issue, error) {
	form := url.Values{}
	form.Set("text", text)
	form.Set("language", lt.language)
	body := form.Encode()

	var lastErr error
	for attempt := 0; attempt <= lt.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * lt.baseRetryDelay
			lt.logger.Warn("Retrying grammar check", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := lt.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		issues, retryable, err := lt.check(ctx, body)
		if err == nil {
			return issues, nil
		}
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (lt *LanguageTool) check(ctx context.Context, body string) ([]Issue, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lt.baseURL+"/check", strings.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := lt.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("grammar request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			lt.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read grammar response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("grammar service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed checkResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, false, fmt.Errorf("failed to parse grammar response: %w", err)
	}

	issues := make([]Issue, 0, len(parsed.Matches))
	for _, m := range parsed.Matches {
		issue := Issue{
			RuleID:  m.Rule.ID,
			Message: m.Message,
			Offset:  m.Offset,
			Length:  m.Length,
		}
		for _, r := range m.Replacements {
			issue.Replacements = append(issue.Replacements, r.Value)
		}
		issues = append(issues, issue)
	}
	return issues, false, nil
}
