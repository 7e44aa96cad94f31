package batch

import "fmt"

// FileObject is the response to a file upload
type FileObject struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Bytes    int64  `json:"bytes"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
}

// CreateBatchRequest is the body of a batch creation call
type CreateBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// BatchObject is the remote representation of a batch job
type BatchObject struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	Status        string            `json:"status"`
	InputFileID   string            `json:"input_file_id"`
	OutputFileID  string            `json:"output_file_id"`
	ErrorFileID   string            `json:"error_file_id"`
	Metadata      map[string]string `json:"metadata"`
	RequestCounts RequestCounts     `json:"request_counts"`
	Errors        *BatchErrors      `json:"errors"`
}

// RequestCounts reports per-request progress of a batch
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchErrors lists validation errors of a batch
type BatchErrors struct {
	Data []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Line    int    `json:"line"`
	} `json:"data"`
}

// Summary joins the batch's errors into one line
func (e *BatchErrors) Summary() string {
	if e == nil || len(e.Data) == 0 {
		return ""
	}
	first := e.Data[0]
	if len(e.Data) == 1 {
		return fmt.Sprintf("%s: %s", first.Code, first.Message)
	}
	return fmt.Sprintf("%s: %s (and %d more)", first.Code, first.Message, len(e.Data)-1)
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
