package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lamim/cirforge/internal/config"
	"github.com/lamim/cirforge/internal/metrics"
)

const (
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// OpenAIService talks to an OpenAI-compatible Batch API.
// One instance is built per run and shared by every component that needs it.
type OpenAIService struct {
	baseURL          string
	apiKey           string
	endpoint         string
	completionWindow string
	httpClient       *http.Client
	limiters         *RateLimiterPool
	metrics          *metrics.Collector
	logger           *slog.Logger
	maxRetries       int
	baseRetryDelay   time.Duration
}

// NewOpenAIService creates a Batch API client
func NewOpenAIService(
	modelCfg config.ModelConfig,
	batchCfg config.BatchConfig,
	apiKey string,
	collector *metrics.Collector,
	logger *slog.Logger,
) *OpenAIService {
	logger = logger.With("component", "batch_api")
	return &OpenAIService{
		baseURL:          strings.TrimRight(modelCfg.BaseURL, "/"),
		apiKey:           apiKey,
		endpoint:         batchCfg.Endpoint,
		completionWindow: batchCfg.CompletionWindow,
		httpClient: &http.Client{
			Timeout: modelCfg.HTTPTimeout(),
		},
		limiters:       NewRateLimiterPool(modelCfg.RateLimitPerMinute, logger),
		metrics:        collector,
		logger:         logger,
		maxRetries:     modelCfg.MaxRetries,
		baseRetryDelay: DefaultBaseRetryDelay,
	}
}

// UploadFile uploads a request file with purpose "batch" and returns its file id
func (s *OpenAIService) UploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open request file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("failed to write multipart field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to copy request file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	raw, err := s.do(ctx, "upload", http.MethodPost, "/files", mw.FormDataContentType(), body.Bytes(), false)
	if err != nil {
		return "", err
	}

	var obj FileObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if obj.ID == "" {
		return "", fmt.Errorf("upload response has no file id")
	}
	return obj.ID, nil
}

// CreateJob creates a batch job over an uploaded file
func (s *OpenAIService) CreateJob(ctx context.Context, fileID string, metadata map[string]string) (*BatchObject, error) {
	reqBody, err := json.Marshal(CreateBatchRequest{
		InputFileID:      fileID,
		Endpoint:         s.endpoint,
		CompletionWindow: s.completionWindow,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	raw, err := s.do(ctx, "create", http.MethodPost, "/batches", "application/json", reqBody, false)
	if err != nil {
		return nil, err
	}
	return decodeBatch(raw)
}

// Job retrieves the current state of a batch job
func (s *OpenAIService) Job(ctx context.Context, jobID string) (*BatchObject, error) {
	raw, err := s.do(ctx, "status", http.MethodGet, "/batches/"+url.PathEscape(jobID), "", nil, true)
	if err != nil {
		return nil, err
	}
	return decodeBatch(raw)
}

// FileContent downloads a file's raw content
func (s *OpenAIService) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	return s.do(ctx, "content", http.MethodGet, "/files/"+url.PathEscape(fileID)+"/content", "", nil, true)
}

func decodeBatch(raw []byte) (*BatchObject, error) {
	var obj BatchObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("batch response has no id")
	}
	return &obj, nil
}

// do sends one request. Only idempotent calls are retried: a retried
// upload or create could leave a duplicate job running remotely.
func (s *OpenAIService) do(
	ctx context.Context,
	op, method, path, contentType string,
	body []byte,
	idempotent bool,
) ([]byte, error) {
	if err := s.limiters.Wait(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	attempts := 1
	if idempotent {
		attempts += s.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * s.baseRetryDelay

			// For rate limit errors, use longer delays (3^n)
			if isRateLimitError(lastErr) {
				backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * s.baseRetryDelay
			}

			s.logger.Warn("Retrying API request",
				"operation", op,
				"attempt", attempt,
				"max_retries", s.maxRetries,
				"backoff", backoff,
				"error", lastErr)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		raw, err := s.doRequest(ctx, method, path, contentType, body)
		s.metrics.RecordAPIRequest(op, time.Since(start), err == nil)
		if err == nil {
			return raw, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	if attempts > 1 {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return nil, lastErr
}

func (s *OpenAIService) doRequest(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	endpoint := s.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			s.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &APIError{
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Retryable: true,
		}
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := isStatusCodeRetryable(httpResp.StatusCode)

		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  retryable,
			}
		}

		return nil, &APIError{
			Message:    fmt.Sprintf("API request failed with status %d: %s", httpResp.StatusCode, string(respBody)),
			StatusCode: httpResp.StatusCode,
			Retryable:  retryable,
		}
	}

	return respBody, nil
}

func isRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return false
}

func isRateLimitError(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
